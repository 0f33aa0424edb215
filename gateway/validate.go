package gateway

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/energysense/errors"
)

// ingestSchemaJSON is the contract for POST /api/ingest payloads. Range
// checks here reject garbage before it reaches the event queue; the
// telemetry validator still runs behind it for fields the schema cannot
// express, such as finiteness.
const ingestSchemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "TelemetryEvent",
	"type": "object",
	"required": ["block_id", "energy_kwh", "occupancy_pct", "temperature_c"],
	"properties": {
		"block_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"energy_kwh": {"type": "number", "minimum": 0},
		"occupancy_pct": {"type": "number", "minimum": 0, "maximum": 100},
		"temperature_c": {"type": "number", "minimum": -60, "maximum": 80},
		"timestamp": {"type": "string", "format": "date-time"}
	},
	"additionalProperties": false
}`

// ingestValidator checks ingest payloads against the event schema.
type ingestValidator struct {
	schema *gojsonschema.Schema
}

func newIngestValidator() (*ingestValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ingestSchemaJSON))
	if err != nil {
		return nil, errors.WrapFatal(err, "Gateway", "newIngestValidator", "compile ingest schema")
	}
	return &ingestValidator{schema: schema}, nil
}

// validate returns a wrapped ErrMalformedEvent listing every schema
// violation in the payload.
func (v *ingestValidator) validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return errors.WrapInvalid(errors.ErrMalformedEvent, "Gateway", "validate", "payload is not valid JSON")
	}
	if result.Valid() {
		return nil
	}

	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.Field()+": "+desc.Description())
	}
	return errors.WrapInvalid(errors.ErrMalformedEvent, "Gateway", "validate", strings.Join(details, "; "))
}
