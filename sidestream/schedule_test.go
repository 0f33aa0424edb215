package sidestream

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/errors"
)

func writeScheduleFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func at(hour int) time.Time {
	return time.Date(2026, 4, 1, hour, 30, 0, 0, time.UTC)
}

func TestLoadScheduleJSON(t *testing.T) {
	path := writeScheduleFile(t, "tariff.json", `{
		"bands": [
			{"start_hour": 0, "end_hour": 6, "value": 4.5},
			{"start_hour": 6, "end_hour": 18, "value": 7.25},
			{"start_hour": 18, "end_hour": 24, "value": 9.0}
		]
	}`)

	sched, err := LoadSchedule(path)
	require.NoError(t, err)

	v, ok := sched.ValueAt(at(3))
	require.True(t, ok)
	assert.Equal(t, 4.5, v)

	v, ok = sched.ValueAt(at(12))
	require.True(t, ok)
	assert.Equal(t, 7.25, v)

	v, ok = sched.ValueAt(at(23))
	require.True(t, ok)
	assert.Equal(t, 9.0, v)
}

func TestLoadScheduleYAML(t *testing.T) {
	path := writeScheduleFile(t, "carbon.yaml", `
bands:
  - start_hour: 8
    end_hour: 20
    value: 0.74
default: 0.9
`)

	sched, err := LoadSchedule(path)
	require.NoError(t, err)

	v, ok := sched.ValueAt(at(10))
	require.True(t, ok)
	assert.Equal(t, 0.74, v)

	// Hours outside every band fall through to the default.
	v, ok = sched.ValueAt(at(2))
	require.True(t, ok)
	assert.Equal(t, 0.9, v)
}

func TestScheduleNoMatchNoDefault(t *testing.T) {
	sched := &Schedule{Bands: []Band{{StartHour: 8, EndHour: 20, Value: 7.0}}}
	require.NoError(t, sched.Validate())

	_, ok := sched.ValueAt(at(22))
	assert.False(t, ok)
}

func TestScheduleFirstMatchWins(t *testing.T) {
	sched := &Schedule{Bands: []Band{
		{StartHour: 0, EndHour: 24, Value: 5.0},
		{StartHour: 8, EndHour: 20, Value: 9.0},
	}}
	require.NoError(t, sched.Validate())

	v, ok := sched.ValueAt(at(12))
	require.True(t, ok)
	assert.Equal(t, 5.0, v)
}

func TestScheduleValidation(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
	}{
		{"empty", Schedule{}},
		{"inverted band", Schedule{Bands: []Band{{StartHour: 10, EndHour: 4, Value: 1}}}},
		{"hour out of range", Schedule{Bands: []Band{{StartHour: -1, EndHour: 6, Value: 1}}}},
		{"end past midnight", Schedule{Bands: []Band{{StartHour: 20, EndHour: 25, Value: 1}}}},
		{"negative value", Schedule{Bands: []Band{{StartHour: 0, EndHour: 6, Value: -2}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoadScheduleMissingFile(t *testing.T) {
	_, err := LoadSchedule(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoadScheduleMalformed(t *testing.T) {
	path := writeScheduleFile(t, "bad.json", `{"bands": [`)
	_, err := LoadSchedule(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
