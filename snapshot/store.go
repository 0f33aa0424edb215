package snapshot

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/predict"
	"github.com/c360/energysense/sidestream"
	"github.com/c360/energysense/telemetry"
)

// Config bounds the store's history and liveness windows.
type Config struct {
	// HistoryCapacity caps points kept per block.
	HistoryCapacity int `json:"history_capacity"`
	// HistoryWindow evicts points older than this on append.
	HistoryWindow time.Duration `json:"history_window"`
	// BlockTimeout is how long a block may go without an event before its
	// stream state reports WAITING_FOR_DATA.
	BlockTimeout time.Duration `json:"block_timeout"`
	// LivenessWindow is the lookback used for the whole-feed stream state
	// and the events-per-minute figure.
	LivenessWindow time.Duration `json:"liveness_window"`
}

// DefaultConfig returns the standard bounds: 240 points over five
// minutes, 90 s block timeout, one minute liveness lookback.
func DefaultConfig() Config {
	return Config{
		HistoryCapacity: 240,
		HistoryWindow:   5 * time.Minute,
		BlockTimeout:    90 * time.Second,
		LivenessWindow:  time.Minute,
	}
}

// Validate checks the bounds.
func (c *Config) Validate() error {
	if c.HistoryCapacity < 1 {
		return errors.WrapInvalid(fmt.Errorf("history capacity %d < 1", c.HistoryCapacity),
			"snapshot.Config", "Validate", "capacity validation")
	}
	if c.HistoryWindow <= 0 || c.BlockTimeout <= 0 || c.LivenessWindow <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("windows must be positive (history=%v block=%v liveness=%v)",
				c.HistoryWindow, c.BlockTimeout, c.LivenessWindow),
			"snapshot.Config", "Validate", "window validation")
	}
	return nil
}

type blockEntry struct {
	profile telemetry.BlockProfile
	latest  telemetry.ClassifiedRecord
	history []telemetry.HistoryPoint
	// hasRecord distinguishes a registered-but-silent block from one
	// that has produced at least one classified record.
	hasRecord bool
}

// Store merges classified records into per-block state: the latest record
// plus a bounded rolling history. It is the only writer of block state;
// everything leaves as a copy.
type Store struct {
	mu     sync.RWMutex
	cfg    Config
	blocks map[string]*blockEntry

	lastIngest   time.Time
	appliedTotal uint64

	now func() time.Time
}

// NewStore creates a store with the given bounds.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:    cfg,
		blocks: make(map[string]*blockEntry),
		now:    time.Now,
	}
}

// RegisterBlocks pre-creates entries for the configured blocks so a block
// that has never produced an event still appears in snapshots, reporting
// WAITING_FOR_DATA instead of silently missing.
func (s *Store) RegisterBlocks(profiles []telemetry.BlockProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		if _, exists := s.blocks[p.ID]; !exists {
			s.blocks[p.ID] = &blockEntry{profile: p}
		}
	}
}

// Apply merges one classified record: replaces the block's latest entry
// and appends a history point, evicting points beyond capacity or older
// than the window.
func (s *Store) Apply(record telemetry.ClassifiedRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.blocks[record.BlockID]
	if !exists {
		entry = &blockEntry{profile: telemetry.BlockProfile{ID: record.BlockID, Label: record.Label}}
		s.blocks[record.BlockID] = entry
	}

	entry.latest = record
	entry.hasRecord = true
	entry.history = append(entry.history, telemetry.HistoryPoint{
		Timestamp:    record.UpdatedAt,
		DeviationPct: record.DeviationPct,
		EnergyKWh:    record.EnergyKWh,
		BaselineKWh:  record.BaselineKWh,
	})

	cutoff := s.now().Add(-s.cfg.HistoryWindow)
	trimmed := entry.history
	for len(trimmed) > 0 && trimmed[0].Timestamp.Before(cutoff) {
		trimmed = trimmed[1:]
	}
	if len(trimmed) > s.cfg.HistoryCapacity {
		trimmed = trimmed[len(trimmed)-s.cfg.HistoryCapacity:]
	}
	// Re-slice into a fresh array once the dead prefix grows, so old
	// points do not pin the backing array forever.
	if cap(trimmed) > 2*s.cfg.HistoryCapacity {
		entry.history = append(make([]telemetry.HistoryPoint, 0, len(trimmed)), trimmed...)
	} else {
		entry.history = trimmed
	}

	s.lastIngest = s.now()
	s.appliedTotal++
}

// Latest returns the newest classified record for a block.
func (s *Store) Latest(blockID string) (telemetry.ClassifiedRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.blocks[blockID]
	if !exists || !entry.hasRecord {
		return telemetry.ClassifiedRecord{}, false
	}
	return entry.latest, true
}

// History returns a copy of a block's rolling history.
func (s *Store) History(blockID string) []telemetry.HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.blocks[blockID]
	if !exists || len(entry.history) == 0 {
		return nil
	}
	out := make([]telemetry.HistoryPoint, len(entry.history))
	copy(out, entry.history)
	return out
}

// BlockIDs returns the known block IDs in sorted order.
func (s *Store) BlockIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EventsProcessed returns the total number of applied records.
func (s *Store) EventsProcessed() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliedTotal
}

// Build assembles a complete snapshot from current state: per-block views
// with stream states and predictions, recomputed totals, side signals and
// feed health. The sequence number is stamped by the publisher.
func (s *Store) Build(signals sidestream.Signals, forecaster predict.Forecaster) *DashboardSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	livenessCutoff := now.Add(-s.cfg.LivenessWindow)

	ids := make([]string, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		totals        Totals
		views         = make([]BlockView, 0, len(ids))
		eventsInWin   int
		syntheticOnly = true
		blocksUpdated int
	)

	for _, id := range ids {
		entry := s.blocks[id]

		view := BlockView{
			BlockID:     id,
			StreamState: telemetry.StreamWaiting,
		}

		if entry.hasRecord {
			view.Latest = entry.latest
			view.History = make([]telemetry.HistoryPoint, len(entry.history))
			copy(view.History, entry.history)
			view.StreamState = s.blockStateLocked(entry, now)

			totals.TotalEnergyKWh += entry.latest.EnergyKWh
			totals.TotalSavingsKWh += entry.latest.SavingsKWh
			totals.TotalCostINR += entry.latest.CostINR
			totals.TotalWasteCostINR += entry.latest.WasteCostINR
			totals.TotalCO2Kg += entry.latest.CO2Kg
			switch entry.latest.Status {
			case telemetry.StatusWaste:
				totals.WasteBlocks++
			case telemetry.StatusPossibleWaste:
				totals.PossibleWasteBlocks++
			}

			if !entry.latest.UpdatedAt.Before(livenessCutoff) {
				blocksUpdated++
			}
			for i := len(entry.history) - 1; i >= 0; i-- {
				if entry.history[i].Timestamp.Before(livenessCutoff) {
					break
				}
				eventsInWin++
			}
			// Origin is only tracked on the latest record; one live
			// record inside the window marks the whole feed live.
			if entry.latest.Origin != telemetry.OriginSynthetic &&
				!entry.latest.UpdatedAt.Before(livenessCutoff) {
				syntheticOnly = false
			}
		} else {
			// Registered but silent: surface the identity so dashboards
			// can render the waiting tile.
			view.Latest = telemetry.ClassifiedRecord{
				BlockID: id,
				Label:   entry.profile.Label,
			}
		}

		if forecaster != nil {
			view.Prediction = forecaster.Predict(predict.Input{
				History:      view.History,
				BaselineKWh:  view.Latest.BaselineKWh,
				OccupancyPct: view.Latest.OccupancyPct,
				TemperatureC: view.Latest.TemperatureC,
			})
		}

		views = append(views, view)
	}

	totals.BlockCount = len(views)
	totals.EfficiencyScore = 100.0
	if totals.TotalEnergyKWh > 0 {
		totals.EfficiencyScore = math.Max(0,
			100.0*(1.0-totals.TotalSavingsKWh/totals.TotalEnergyKWh))
	}
	totals.MonthlyAvoidedKWh = totals.TotalSavingsKWh * 24 * 30
	totals.MonthlyAvoidedCostINR = totals.MonthlyAvoidedKWh * signals.Tariff.INRPerKWh

	totals.TotalEnergyKWh = round2(totals.TotalEnergyKWh)
	totals.TotalSavingsKWh = round2(totals.TotalSavingsKWh)
	totals.TotalCostINR = round2(totals.TotalCostINR)
	totals.TotalWasteCostINR = round2(totals.TotalWasteCostINR)
	totals.TotalCO2Kg = round2(totals.TotalCO2Kg)
	totals.EfficiencyScore = round1(totals.EfficiencyScore)
	totals.MonthlyAvoidedKWh = round1(totals.MonthlyAvoidedKWh)
	totals.MonthlyAvoidedCostINR = round2(totals.MonthlyAvoidedCostINR)

	stream := StreamHealth{
		LastIngestAt:    s.lastIngest,
		EventsPerMinute: eventsInWin,
		BlocksUpdated:   blocksUpdated,
		EventsProcessed: s.appliedTotal,
	}
	switch {
	case s.lastIngest.IsZero():
		stream.Status = telemetry.StreamWaiting
	case eventsInWin == 0:
		stream.Status = telemetry.StreamIdle
	case syntheticOnly:
		stream.Status = telemetry.StreamSynthetic
	default:
		stream.Status = telemetry.StreamLive
	}

	return &DashboardSnapshot{
		GeneratedAt: now,
		Blocks:      views,
		Totals:      totals,
		Signals:     signals,
		Stream:      stream,
	}
}

func (s *Store) blockStateLocked(entry *blockEntry, now time.Time) telemetry.StreamState {
	if now.Sub(entry.latest.UpdatedAt) > s.cfg.BlockTimeout {
		return telemetry.StreamWaiting
	}
	if entry.latest.Origin == telemetry.OriginSynthetic {
		return telemetry.StreamSynthetic
	}
	return telemetry.StreamLive
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
