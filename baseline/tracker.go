// Package baseline maintains the rolling expected energy consumption for
// each block. The tracker keeps a time-aware exponentially weighted moving
// average per block, optionally decomposed by occupancy tier, and is the
// reference point for all deviation computation.
package baseline

import (
	"math"
	"sync"
	"time"

	"github.com/c360/energysense/errors"
)

// Observation step clamps. A gap shorter than minStep contributes minStep of
// decay so bursts cannot stall the average; a gap longer than maxStep
// contributes maxStep so one quiet night does not erase the profile.
const (
	minStep = time.Second
	maxStep = 15 * time.Minute
)

// Tier indexes into the per-tier means.
const (
	tierLow = iota
	tierMid
	tierHigh
	tierCount
)

var tierNames = [tierCount]string{"low", "mid", "high"}

// Config tunes the tracker. HalfLife is the central tradeoff: fast enough to
// track genuine usage shifts, slow enough that a waste spike does not
// immediately become the new normal.
type Config struct {
	HalfLife       time.Duration `json:"half_life"`
	FloorKWh       float64       `json:"floor_kwh"`
	OccupancyTiers bool          `json:"occupancy_tiers"`
	TierLowPct     float64       `json:"tier_low_pct"`
	TierHighPct    float64       `json:"tier_high_pct"`
	TierMinSamples int64         `json:"tier_min_samples"`
}

// DefaultConfig returns the documented defaults. The ten minute half-life
// adapts over tens of minutes at typical event cadence.
func DefaultConfig() Config {
	return Config{
		HalfLife:       10 * time.Minute,
		FloorKWh:       0.05,
		OccupancyTiers: true,
		TierLowPct:     25,
		TierHighPct:    60,
		TierMinSamples: 12,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.HalfLife <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "half_life must be positive")
	}
	if c.FloorKWh <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "floor_kwh must be positive")
	}
	if c.OccupancyTiers && c.TierLowPct >= c.TierHighPct {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "tier_low_pct must be below tier_high_pct")
	}
	return nil
}

// TierStat is the persisted view of one occupancy tier's average.
type TierStat struct {
	Name        string  `json:"name"`
	MeanKWh     float64 `json:"mean_kwh"`
	SampleCount int64   `json:"sample_count"`
}

// Stat is the exported per-block baseline state.
type Stat struct {
	BlockID     string     `json:"block_id"`
	MeanKWh     float64    `json:"mean_kwh"`
	SampleCount int64      `json:"sample_count"`
	LastUpdated time.Time  `json:"last_updated"`
	Tiers       []TierStat `json:"tiers,omitempty"`
}

type tierState struct {
	mean    float64
	samples int64
}

type blockState struct {
	mean        float64
	samples     int64
	lastUpdated time.Time
	tiers       [tierCount]tierState
}

// Tracker maintains per-block baselines. Writes arrive only from the
// pipeline goroutine; the mutex exists for the persistence flusher and
// snapshot builder reading concurrently.
type Tracker struct {
	mu     sync.RWMutex
	cfg    Config
	blocks map[string]*blockState
}

// NewTracker creates a tracker with the given config.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tracker{
		cfg:    cfg,
		blocks: make(map[string]*blockState),
	}, nil
}

func (t *Tracker) tierIndex(occupancyPct float64) int {
	switch {
	case occupancyPct <= t.cfg.TierLowPct:
		return tierLow
	case occupancyPct >= t.cfg.TierHighPct:
		return tierHigh
	default:
		return tierMid
	}
}

// alpha converts the elapsed gap into an EWMA weight so the half-life holds
// regardless of event cadence.
func (t *Tracker) alpha(dt time.Duration) float64 {
	if dt < minStep {
		dt = minStep
	}
	if dt > maxStep {
		dt = maxStep
	}
	return 1 - math.Pow(0.5, float64(dt)/float64(t.cfg.HalfLife))
}

func (t *Tracker) floor(v float64) float64 {
	if v < t.cfg.FloorKWh {
		return t.cfg.FloorKWh
	}
	return v
}

// Observe folds one accepted event into the block's baseline and returns the
// updated state. The first observation for a block seeds the mean with the
// event's energy exactly. Low-occupancy low-energy events update like any
// other: the baseline tracks typical consumption, not a should-be target;
// the classification policy decides what counts as waste.
//
// The temperature parameter completes the observation contract; the current
// decomposition buckets by occupancy only.
func (t *Tracker) Observe(blockID string, energyKWh, occupancyPct, _ float64, ts time.Time) Stat {
	t.mu.Lock()
	defer t.mu.Unlock()

	bs, exists := t.blocks[blockID]
	if !exists {
		bs = &blockState{mean: t.floor(energyKWh), samples: 1, lastUpdated: ts}
		ti := t.tierIndex(occupancyPct)
		bs.tiers[ti] = tierState{mean: bs.mean, samples: 1}
		t.blocks[blockID] = bs
		return t.statLocked(blockID, bs)
	}

	// Out-of-order arrival still updates with the minimum step weight.
	a := t.alpha(ts.Sub(bs.lastUpdated))
	bs.mean = t.floor(bs.mean + a*(energyKWh-bs.mean))
	bs.samples++
	if ts.After(bs.lastUpdated) {
		bs.lastUpdated = ts
	}

	ti := t.tierIndex(occupancyPct)
	tier := &bs.tiers[ti]
	if tier.samples == 0 {
		tier.mean = t.floor(energyKWh)
	} else {
		tier.mean = t.floor(tier.mean + a*(energyKWh-tier.mean))
	}
	tier.samples++

	return t.statLocked(blockID, bs)
}

// Baseline returns the expected consumption for an event at the given
// occupancy. When tier decomposition is enabled and the matching tier has
// enough samples, the tier mean is used; otherwise the block-wide mean.
// ok is false when the block has never been observed.
func (t *Tracker) Baseline(blockID string, occupancyPct float64) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bs, exists := t.blocks[blockID]
	if !exists {
		return 0, false
	}

	if t.cfg.OccupancyTiers {
		tier := bs.tiers[t.tierIndex(occupancyPct)]
		if tier.samples >= t.cfg.TierMinSamples {
			return tier.mean, true
		}
	}
	return bs.mean, true
}

// Current returns the exported state for one block.
func (t *Tracker) Current(blockID string) (Stat, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	bs, exists := t.blocks[blockID]
	if !exists {
		return Stat{}, false
	}
	return t.statLocked(blockID, bs), true
}

// All returns the exported state for every tracked block.
func (t *Tracker) All() []Stat {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := make([]Stat, 0, len(t.blocks))
	for id, bs := range t.blocks {
		stats = append(stats, t.statLocked(id, bs))
	}
	return stats
}

// Count returns the number of blocks with at least one observation.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blocks)
}

// Seed restores previously persisted baseline state. Existing in-memory
// state for a block wins over the seed; restarts call Seed before the
// pipeline starts so the case does not arise in practice.
func (t *Tracker) Seed(stats []Stat) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range stats {
		if s.BlockID == "" || s.SampleCount <= 0 {
			continue
		}
		if _, exists := t.blocks[s.BlockID]; exists {
			continue
		}
		bs := &blockState{
			mean:        t.floor(s.MeanKWh),
			samples:     s.SampleCount,
			lastUpdated: s.LastUpdated,
		}
		for _, ts := range s.Tiers {
			for i, name := range tierNames {
				if ts.Name == name {
					bs.tiers[i] = tierState{mean: t.floor(ts.MeanKWh), samples: ts.SampleCount}
				}
			}
		}
		t.blocks[s.BlockID] = bs
	}
}

func (t *Tracker) statLocked(blockID string, bs *blockState) Stat {
	stat := Stat{
		BlockID:     blockID,
		MeanKWh:     bs.mean,
		SampleCount: bs.samples,
		LastUpdated: bs.lastUpdated,
	}
	for i, tier := range bs.tiers {
		if tier.samples > 0 {
			stat.Tiers = append(stat.Tiers, TierStat{
				Name:        tierNames[i],
				MeanKWh:     tier.mean,
				SampleCount: tier.samples,
			})
		}
	}
	return stat
}
