package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/telemetry"
)

var sourceT0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func liveEvent(blockID string) telemetry.Event {
	return telemetry.Event{
		BlockID:      blockID,
		Timestamp:    sourceT0,
		EnergyKWh:    10,
		OccupancyPct: 50,
		TemperatureC: 25,
		Origin:       OriginFile,
	}
}

func syntheticEvent(blockID string) telemetry.Event {
	ev := liveEvent(blockID)
	ev.Origin = telemetry.OriginSynthetic
	return ev
}

func newTestManager(cfg ManagerConfig) (*Manager, *clock) {
	clk := &clock{t: sourceT0}
	m := NewManager(ManagerDeps{Config: cfg})
	m.now = clk.now
	m.startedAt = sourceT0
	return m, clk
}

type stubSource struct {
	name   string
	events []telemetry.Event
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Run(ctx context.Context, sink chan<- telemetry.Event) error {
	for _, ev := range s.events {
		select {
		case sink <- ev:
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func TestManagerSuppressesSyntheticWhileWaiting(t *testing.T) {
	m, clk := newTestManager(ManagerConfig{QueueSize: 16, IdleTimeout: 10 * time.Second})

	m.accept(syntheticEvent("B1"))
	_, ok := m.TryNext()
	assert.False(t, ok)
	assert.False(t, m.SyntheticActive())

	clk.advance(10 * time.Second)
	m.accept(syntheticEvent("B1"))
	ev, ok := m.TryNext()
	require.True(t, ok)
	assert.True(t, ev.Synthetic())
	assert.True(t, m.SyntheticActive())
}

func TestManagerLiveDataPausesSynthetic(t *testing.T) {
	m, clk := newTestManager(ManagerConfig{QueueSize: 16, IdleTimeout: 10 * time.Second})

	clk.advance(10 * time.Second)
	m.accept(syntheticEvent("B1"))
	require.True(t, m.SyntheticActive())

	m.accept(liveEvent("B1"))
	assert.False(t, m.SyntheticActive())
	last, ok := m.LastLiveAt()
	require.True(t, ok)
	assert.Equal(t, clk.t, last)

	m.accept(syntheticEvent("B1"))

	first, ok := m.TryNext()
	require.True(t, ok)
	assert.True(t, first.Synthetic())
	second, ok := m.TryNext()
	require.True(t, ok)
	assert.False(t, second.Synthetic())
	_, ok = m.TryNext()
	assert.False(t, ok)

	clk.advance(10 * time.Second)
	m.accept(syntheticEvent("B1"))
	assert.True(t, m.SyntheticActive())
	_, ok = m.TryNext()
	assert.True(t, ok)
}

func TestManagerQueueEvictsOldest(t *testing.T) {
	m, _ := newTestManager(ManagerConfig{QueueSize: 2, IdleTimeout: 10 * time.Second})

	m.accept(liveEvent("B1"))
	m.accept(liveEvent("B2"))
	m.accept(liveEvent("B3"))

	ev, ok := m.TryNext()
	require.True(t, ok)
	assert.Equal(t, "B2", ev.BlockID)
	ev, ok = m.TryNext()
	require.True(t, ok)
	assert.Equal(t, "B3", ev.BlockID)
	_, ok = m.TryNext()
	assert.False(t, ok)

	assert.Equal(t, uint64(1), m.QueueStats().Drops)
}

func TestManagerHealthStates(t *testing.T) {
	m, clk := newTestManager(ManagerConfig{QueueSize: 4, IdleTimeout: 10 * time.Second})

	assert.True(t, m.Health().IsUnhealthy())

	m.running.Store(true)
	assert.True(t, m.Health().IsDegraded())

	m.accept(liveEvent("B1"))
	assert.True(t, m.Health().IsHealthy())

	clk.advance(10 * time.Second)
	m.accept(syntheticEvent("B1"))
	assert.True(t, m.Health().IsDegraded())
}

func TestManagerStartStopDeliversSourceEvents(t *testing.T) {
	src := &stubSource{name: "stub", events: []telemetry.Event{liveEvent("B1"), liveEvent("B2")}}
	m := NewManager(ManagerDeps{
		Config:  DefaultManagerConfig(),
		Sources: []Source{src},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx))

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()

	ev, ok := m.Next(readCtx)
	require.True(t, ok)
	assert.Equal(t, "B1", ev.BlockID)
	ev, ok = m.Next(readCtx)
	require.True(t, ok)
	assert.Equal(t, "B2", ev.BlockID)

	require.NoError(t, m.Stop(2*time.Second))

	_, ok = m.Next(readCtx)
	assert.False(t, ok)
}

func TestManagerNextHonorsContext(t *testing.T) {
	m, _ := newTestManager(ManagerConfig{QueueSize: 4, IdleTimeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := m.Next(ctx)
	assert.False(t, ok)
}

func TestManagerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ManagerConfig)
		wantErr bool
	}{
		{"defaults", func(*ManagerConfig) {}, false},
		{"zero queue", func(c *ManagerConfig) { c.QueueSize = 0 }, true},
		{"zero idle timeout", func(c *ManagerConfig) { c.IdleTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultManagerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
