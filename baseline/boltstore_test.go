package baseline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "baselines.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	in := []Stat{
		{BlockID: "B1", MeanKWh: 35.5, SampleCount: 120, LastUpdated: t0,
			Tiers: []TierStat{{Name: "low", MeanKWh: 12.1, SampleCount: 40}}},
		{BlockID: "B2", MeanKWh: 18.0, SampleCount: 64, LastUpdated: t0.Add(time.Hour)},
	}
	require.NoError(t, store.Save(in))

	out, err := store.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)

	byID := map[string]Stat{out[0].BlockID: out[0], out[1].BlockID: out[1]}
	assert.Equal(t, 35.5, byID["B1"].MeanKWh)
	assert.Equal(t, int64(120), byID["B1"].SampleCount)
	require.Len(t, byID["B1"].Tiers, 1)
	assert.Equal(t, "low", byID["B1"].Tiers[0].Name)
	assert.Equal(t, 18.0, byID["B2"].MeanKWh)
}

func TestStoreSaveReplacesEntries(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Save([]Stat{{BlockID: "B1", MeanKWh: 10, SampleCount: 1, LastUpdated: t0}}))
	require.NoError(t, store.Save([]Stat{{BlockID: "B1", MeanKWh: 20, SampleCount: 2, LastUpdated: t0}}))

	out, err := store.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 20.0, out[0].MeanKWh)
}

func TestStoreLoadEmpty(t *testing.T) {
	store := openTestStore(t)

	out, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStoreRunFlushesOnShutdown(t *testing.T) {
	store := openTestStore(t)

	tracker := newTestTracker(t)
	tracker.Observe("B1", 42.0, 50, 26, t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx, tracker, time.Hour)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("store.Run did not exit after cancel")
	}

	out, err := store.Load()
	require.NoError(t, err)
	require.Len(t, out, 1, "final flush should have persisted the tracker")
	assert.Equal(t, 42.0, out[0].MeanKWh)
}

func TestSeedFromStoreIntegration(t *testing.T) {
	store := openTestStore(t)

	warm := newTestTracker(t)
	warm.Observe("B1", 33.0, 50, 26, t0)
	require.NoError(t, store.Save(warm.All()))

	cold := newTestTracker(t)
	stats, err := store.Load()
	require.NoError(t, err)
	cold.Seed(stats)

	got, ok := cold.Baseline("B1", 50)
	require.True(t, ok)
	assert.Equal(t, 33.0, got)
}
