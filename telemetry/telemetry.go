// Package telemetry defines the core domain types flowing through the
// EnergySense pipeline: raw per-block telemetry events, waste classification
// statuses, and the classified records produced for each processing cycle.
package telemetry

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/c360/energysense/errors"
)

// Status is the waste classification outcome for one block on one cycle.
type Status string

const (
	// StatusNormal means consumption is within the tolerance band of baseline.
	StatusNormal Status = "NORMAL"
	// StatusNecessary means consumption is above baseline with a plausible
	// operational justification (high occupancy, extreme temperature).
	StatusNecessary Status = "NECESSARY"
	// StatusPossibleWaste means consumption is above baseline with only
	// partial or contradictory justification.
	StatusPossibleWaste Status = "POSSIBLE_WASTE"
	// StatusWaste means consumption is above baseline with no plausible
	// justification; the excess is treated as recoverable.
	StatusWaste Status = "WASTE"
)

// Wasteful reports whether the status represents suspected or confirmed waste.
func (s Status) Wasteful() bool {
	return s == StatusWaste || s == StatusPossibleWaste
}

// Valid reports whether s is one of the four defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNormal, StatusNecessary, StatusPossibleWaste, StatusWaste:
		return true
	}
	return false
}

// StreamState describes the liveness of the event stream, either for one
// block or for the whole facility feed.
type StreamState string

const (
	// StreamWaiting means no event has ever been observed.
	StreamWaiting StreamState = "WAITING_FOR_DATA"
	// StreamIdle means events were observed before, but none within the
	// configured idle window.
	StreamIdle StreamState = "IDLE"
	// StreamSynthetic means only generator-produced events arrived within
	// the window; the pipeline is running in degraded fallback mode.
	StreamSynthetic StreamState = "SYNTHETIC"
	// StreamLive means real events arrived within the window.
	StreamLive StreamState = "LIVE"
)

// OriginSynthetic tags events produced by the fallback generator. Any other
// origin value names the live source that produced the event.
const OriginSynthetic = "synthetic"

// Event is one raw observation for a block. Events are consumed once by the
// pipeline and are not retained beyond the rolling history window.
type Event struct {
	BlockID      string    `json:"block_id"`
	Timestamp    time.Time `json:"timestamp"`
	EnergyKWh    float64   `json:"energy_kwh"`
	OccupancyPct float64   `json:"occupancy_pct"`
	TemperatureC float64   `json:"temperature_c"`
	Origin       string    `json:"origin,omitempty"`
}

// Synthetic reports whether the event came from the fallback generator.
func (e Event) Synthetic() bool {
	return e.Origin == OriginSynthetic
}

// Validate checks that the event carries usable values. Occupancy outside
// 0..100 is clamped rather than rejected; sensors routinely report slight
// overshoot.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.BlockID) == "" {
		return errors.WrapInvalid(errors.ErrMalformedEvent, "Event", "Validate", "empty block id")
	}
	if !finite(e.EnergyKWh) || e.EnergyKWh < 0 {
		return errors.WrapInvalid(errors.ErrMalformedEvent, "Event", "Validate", "energy_kwh out of range")
	}
	if !finite(e.OccupancyPct) || !finite(e.TemperatureC) {
		return errors.WrapInvalid(errors.ErrMalformedEvent, "Event", "Validate", "non-finite field")
	}
	if e.OccupancyPct < 0 {
		e.OccupancyPct = 0
	}
	if e.OccupancyPct > 100 {
		e.OccupancyPct = 100
	}
	return nil
}

// ClassifiedRecord is the per-block decision output of one processing cycle.
// Records are immutable once created; the next cycle supersedes them with a
// new record rather than mutating in place. TariffINRPerKWh and CarbonKgPerKWh
// are the side-signal rates in effect at classification time, so downstream
// consumers such as action verification reprice against the same rates.
type ClassifiedRecord struct {
	BlockID         string    `json:"block_id"`
	Label           string    `json:"block_label"`
	EnergyKWh       float64   `json:"energy_kwh"`
	BaselineKWh     float64   `json:"baseline_kwh"`
	DeviationPct    float64   `json:"deviation_pct"`
	OccupancyPct    float64   `json:"occupancy_pct"`
	TemperatureC    float64   `json:"temperature_c"`
	Status          Status    `json:"status"`
	SavingsKWh      float64   `json:"savings_kwh"`
	TariffINRPerKWh float64   `json:"tariff_inr_per_kwh"`
	CostINR         float64   `json:"cost_inr"`
	WasteCostINR    float64   `json:"waste_cost_inr"`
	CarbonKgPerKWh  float64   `json:"carbon_intensity_kg_per_kwh"`
	CO2Kg           float64   `json:"co2_kg"`
	RootCause       string    `json:"root_cause"`
	Origin          string    `json:"origin,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// HistoryPoint is one entry in a block's rolling history: the compact
// trace of how the block's consumption tracked its baseline over the
// recent window. Consumed by the dashboard sparklines and the forecaster.
type HistoryPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	DeviationPct float64   `json:"deviation_pct"`
	EnergyKWh    float64   `json:"energy_kwh"`
	BaselineKWh  float64   `json:"baseline_kwh"`
}

// BlockProfile identifies a monitored block. Profiles come from
// configuration and are immutable at runtime; BaseKWh feeds the synthetic
// generator's plausible-consumption model.
type BlockProfile struct {
	ID      string  `json:"id" yaml:"id"`
	Label   string  `json:"label" yaml:"label"`
	BaseKWh float64 `json:"base_kwh" yaml:"base_kwh"`
}

// ParseRow parses one delimited line from a watched feed file:
//
//	block_id,energy_kwh,occupancy_pct,temperature_c[,timestamp]
//
// The optional fifth field is RFC 3339; when absent or unparsable the
// provided fallback time is used. Any other defect returns a wrapped
// ErrMalformedEvent so callers can drop and count the row.
func ParseRow(line string, fallback time.Time) (Event, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) < 4 {
		return Event{}, errors.WrapInvalid(errors.ErrMalformedEvent, "ParseRow", "split", "expected at least 4 fields")
	}

	energy, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Event{}, errors.WrapInvalid(errors.ErrMalformedEvent, "ParseRow", "parse", "energy_kwh not numeric")
	}
	occupancy, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return Event{}, errors.WrapInvalid(errors.ErrMalformedEvent, "ParseRow", "parse", "occupancy_pct not numeric")
	}
	temperature, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64)
	if err != nil {
		return Event{}, errors.WrapInvalid(errors.ErrMalformedEvent, "ParseRow", "parse", "temperature_c not numeric")
	}

	ts := fallback
	if len(fields) > 4 {
		if parsed, perr := time.Parse(time.RFC3339, strings.TrimSpace(fields[4])); perr == nil {
			ts = parsed
		}
	}

	ev := Event{
		BlockID:      strings.TrimSpace(fields[0]),
		Timestamp:    ts,
		EnergyKWh:    energy,
		OccupancyPct: occupancy,
		TemperatureC: temperature,
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
