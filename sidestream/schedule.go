package sidestream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/energysense/errors"
)

// Band maps an hour-of-day range [StartHour, EndHour) to a signal value.
type Band struct {
	StartHour int     `json:"start_hour" yaml:"start_hour"`
	EndHour   int     `json:"end_hour" yaml:"end_hour"`
	Value     float64 `json:"value" yaml:"value"`
}

// Schedule is a time-of-day lookup table for tariff or carbon values,
// loaded from a JSON or YAML file. Bands are evaluated in file order and
// the first match wins; Default covers hours no band claims.
type Schedule struct {
	Bands   []Band   `json:"bands" yaml:"bands"`
	Default *float64 `json:"default,omitempty" yaml:"default,omitempty"`
}

// LoadSchedule reads and validates a schedule file. The format is chosen
// by extension: .yaml/.yml parse as YAML, anything else as JSON.
func LoadSchedule(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Schedule", "LoadSchedule", "read schedule file")
	}

	var sched Schedule
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &sched)
	default:
		err = json.Unmarshal(data, &sched)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "Schedule", "LoadSchedule", "parse schedule file")
	}

	if err := sched.Validate(); err != nil {
		return nil, err
	}
	return &sched, nil
}

// Validate checks band hour ranges and values.
func (s *Schedule) Validate() error {
	if len(s.Bands) == 0 && s.Default == nil {
		return errors.WrapInvalid(
			fmt.Errorf("schedule has no bands and no default"),
			"Schedule", "Validate", "schedule validation")
	}
	for i, b := range s.Bands {
		if b.StartHour < 0 || b.StartHour > 23 || b.EndHour < 1 || b.EndHour > 24 || b.StartHour >= b.EndHour {
			return errors.WrapInvalid(
				fmt.Errorf("band %d: invalid hour range [%d, %d)", i, b.StartHour, b.EndHour),
				"Schedule", "Validate", "band validation")
		}
		if !finite(b.Value) || b.Value < 0 {
			return errors.WrapInvalid(
				fmt.Errorf("band %d: invalid value %v", i, b.Value),
				"Schedule", "Validate", "band validation")
		}
	}
	if s.Default != nil && (!finite(*s.Default) || *s.Default < 0) {
		return errors.WrapInvalid(
			fmt.Errorf("invalid default value %v", *s.Default),
			"Schedule", "Validate", "default validation")
	}
	return nil
}

// ValueAt returns the value in effect at t, or false when no band matches
// and no default is configured.
func (s *Schedule) ValueAt(t time.Time) (float64, bool) {
	hour := t.Hour()
	for _, b := range s.Bands {
		if hour >= b.StartHour && hour < b.EndHour {
			return b.Value, true
		}
	}
	if s.Default != nil {
		return *s.Default, true
	}
	return 0, false
}
