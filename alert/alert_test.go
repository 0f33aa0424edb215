package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/telemetry"
)

var alertT0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *clock) {
	t.Helper()

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	eng, err := NewEngine(Deps{Config: cfg})
	require.NoError(t, err)

	clk := &clock{t: alertT0}
	eng.now = clk.now
	return eng, clk
}

func record(blockID string, status telemetry.Status, ts time.Time) telemetry.ClassifiedRecord {
	return telemetry.ClassifiedRecord{
		BlockID:      blockID,
		Label:        "Block " + blockID,
		EnergyKWh:    40,
		BaselineKWh:  30,
		DeviationPct: 33.3,
		Status:       status,
		UpdatedAt:    ts,
	}
}

func TestEngineOpensAlertAfterThreshold(t *testing.T) {
	eng, clk := newTestEngine(t)

	for i := 0; i < 2; i++ {
		_, raised := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
		assert.False(t, raised)
		clk.advance(30 * time.Second)
	}

	a, raised := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	require.True(t, raised)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "B1", a.BlockID)
	assert.Equal(t, "Block B1", a.Label)
	assert.Equal(t, SeverityHigh, a.Severity)
	assert.Equal(t, "Persistent WASTE detected for 5 minutes.", a.Message)
	assert.Equal(t, 1, a.Count)
	assert.False(t, a.Acknowledged)
	assert.False(t, a.Resolved)

	require.Len(t, eng.List(), 1)
	assert.Equal(t, 1, eng.OpenCount())
}

func TestEngineDeduplicatesIntoOpenAlert(t *testing.T) {
	eng, clk := newTestEngine(t)

	var first Alert
	for i := 0; i < 3; i++ {
		first, _ = eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
		clk.advance(20 * time.Second)
	}

	second, raised := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	require.True(t, raised)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Count)
	assert.True(t, second.LastSeenAt.After(first.CreatedAt))

	// Still one alert for the block, not a pile of duplicates.
	require.Len(t, eng.List(), 1)
}

func TestEngineIgnoresNonWasteStatuses(t *testing.T) {
	eng, clk := newTestEngine(t)

	for i := 0; i < 10; i++ {
		_, raised := eng.Observe(record("B1", telemetry.StatusPossibleWaste, clk.t))
		assert.False(t, raised)
		_, raised = eng.Observe(record("B1", telemetry.StatusNormal, clk.t))
		assert.False(t, raised)
		clk.advance(10 * time.Second)
	}

	assert.Empty(t, eng.List())
}

func TestEngineWindowExpiresOldOccurrences(t *testing.T) {
	eng, clk := newTestEngine(t)

	eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	clk.advance(time.Minute)
	eng.Observe(record("B1", telemetry.StatusWaste, clk.t))

	// Third occurrence lands after the first two have left the window.
	clk.advance(10 * time.Minute)
	_, raised := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	assert.False(t, raised)
	assert.Empty(t, eng.List())
}

func TestEngineAcknowledge(t *testing.T) {
	eng, clk := newTestEngine(t, func(c *Config) { c.Threshold = 1 })

	a, raised := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	require.True(t, raised)

	acked, err := eng.Acknowledge(a.ID, "ops@site")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "ops@site", acked.AckBy)
	assert.False(t, acked.Resolved)

	// Acknowledged alerts keep accumulating occurrences.
	clk.advance(time.Second)
	bumped, raised := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	require.True(t, raised)
	assert.Equal(t, a.ID, bumped.ID)
	assert.Equal(t, 2, bumped.Count)

	_, err = eng.Acknowledge("missing", "ops@site")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEngineResolveStartsFreshEpisode(t *testing.T) {
	eng, clk := newTestEngine(t, func(c *Config) { c.Threshold = 1 })

	a, _ := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))

	resolved, err := eng.Resolve(a.ID, "ops@site")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "ops@site", resolved.ResolvedBy)
	assert.Equal(t, 0, eng.OpenCount())

	clk.advance(time.Second)
	next, raised := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	require.True(t, raised)
	assert.NotEqual(t, a.ID, next.ID)
	assert.Equal(t, 1, next.Count)
	assert.Len(t, eng.List(), 2)

	_, err = eng.Resolve("missing", "ops@site")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestEngineListNewestFirst(t *testing.T) {
	eng, clk := newTestEngine(t, func(c *Config) { c.Threshold = 1 })

	eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	clk.advance(time.Minute)
	eng.Observe(record("B2", telemetry.StatusWaste, clk.t))
	clk.advance(time.Minute)
	eng.Observe(record("B3", telemetry.StatusWaste, clk.t))

	list := eng.List()
	require.Len(t, list, 3)
	assert.Equal(t, "B3", list[0].BlockID)
	assert.Equal(t, "B2", list[1].BlockID)
	assert.Equal(t, "B1", list[2].BlockID)
}

func TestEngineEvictsResolvedFirst(t *testing.T) {
	eng, clk := newTestEngine(t, func(c *Config) {
		c.Threshold = 1
		c.MaxAlerts = 2
	})

	a1, _ := eng.Observe(record("B1", telemetry.StatusWaste, clk.t))
	_, err := eng.Resolve(a1.ID, "ops@site")
	require.NoError(t, err)

	clk.advance(time.Minute)
	eng.Observe(record("B2", telemetry.StatusWaste, clk.t))
	clk.advance(time.Minute)
	eng.Observe(record("B3", telemetry.StatusWaste, clk.t))

	list := eng.List()
	require.Len(t, list, 2)
	for _, a := range list {
		assert.NotEqual(t, a1.ID, a.ID)
		assert.False(t, a.Resolved)
	}
}

func TestAlertConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero window", func(c *Config) { c.Window = 0 }, false},
		{"zero threshold", func(c *Config) { c.Threshold = 0 }, false},
		{"zero capacity", func(c *Config) { c.MaxAlerts = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			}
		})
	}
}
