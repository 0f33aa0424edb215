// Package snapshot owns the whole-facility view: the latest classified
// record and rolling history per block, aggregate totals, and the
// publisher that hands immutable DashboardSnapshot values to subscribers
// on a bounded cadence. Consumers only ever see complete snapshots; the
// store is the single place block state is merged.
package snapshot

import (
	"time"

	"github.com/c360/energysense/predict"
	"github.com/c360/energysense/sidestream"
	"github.com/c360/energysense/telemetry"
)

// Totals are the aggregate figures recomputed from current per-block
// state on every build; they are never drifted incrementally.
type Totals struct {
	TotalEnergyKWh        float64 `json:"total_energy_kwh"`
	TotalSavingsKWh       float64 `json:"total_savings_kwh"`
	TotalCostINR          float64 `json:"total_cost_inr"`
	TotalWasteCostINR     float64 `json:"total_waste_cost_inr"`
	TotalCO2Kg            float64 `json:"total_co2_kg"`
	WasteBlocks           int     `json:"waste_blocks"`
	PossibleWasteBlocks   int     `json:"possible_waste_blocks"`
	BlockCount            int     `json:"block_count"`
	EfficiencyScore       float64 `json:"efficiency_score"`
	MonthlyAvoidedKWh     float64 `json:"monthly_avoided_kwh"`
	MonthlyAvoidedCostINR float64 `json:"monthly_avoided_cost_inr"`
}

// StreamHealth describes the liveness of the whole facility feed.
type StreamHealth struct {
	Status          telemetry.StreamState `json:"status"`
	LastIngestAt    time.Time             `json:"last_ingest_at"`
	EventsPerMinute int                   `json:"events_per_minute"`
	BlocksUpdated   int                   `json:"blocks_updated"`
	EventsProcessed uint64                `json:"events_processed"`
}

// BlockView is one block's slice of the snapshot.
type BlockView struct {
	BlockID     string                     `json:"block_id"`
	Latest      telemetry.ClassifiedRecord `json:"latest"`
	StreamState telemetry.StreamState      `json:"stream_state"`
	History     []telemetry.HistoryPoint   `json:"history"`
	Prediction  predict.Prediction         `json:"prediction"`
}

// DashboardSnapshot is the published whole-system state. It is immutable
// once built; each publish cycle replaces it wholesale.
type DashboardSnapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Sequence    uint64             `json:"sequence"`
	Blocks      []BlockView        `json:"blocks"`
	Totals      Totals             `json:"totals"`
	Signals     sidestream.Signals `json:"signals"`
	Stream      StreamHealth       `json:"stream"`
}

// Block returns the view for one block, if present.
func (s *DashboardSnapshot) Block(blockID string) (BlockView, bool) {
	for _, b := range s.Blocks {
		if b.BlockID == blockID {
			return b, true
		}
	}
	return BlockView{}, false
}
