// Package action tracks demand response actions from proposal through
// verification. The manager is bookkeeping plus a small ADR policy; it
// never talks to building controls itself. Actions move through
// PROPOSED, EXECUTED, VERIFIED, RESOLVED, and verification compares the
// energy reading captured at execution with the block's reading once the
// control change has had time to land.
package action

import (
	"fmt"
	"math"
	"time"

	"github.com/c360/energysense/telemetry"
)

// Status is an action's position in its lifecycle.
type Status string

const (
	StatusProposed Status = "PROPOSED"
	StatusExecuted Status = "EXECUTED"
	StatusVerified Status = "VERIFIED"
	StatusResolved Status = "RESOLVED"
)

// Mode records whether the proposal came from the ADR policy or an
// operator.
type Mode string

const (
	ModeAutomated Mode = "AUTOMATED"
	ModeManual    Mode = "MANUAL"
)

// PolicySource names the built-in proposal policy in action records.
const PolicySource = "adr_policy_v1"

// Action is one demand response measure. Pre and post energy readings
// are pointers because a reading may genuinely be absent, which is not
// the same as zero consumption.
type Action struct {
	ID                   string    `json:"id"`
	BlockID              string    `json:"block_id"`
	Label                string    `json:"block_label"`
	Mode                 Mode      `json:"mode"`
	Status               Status    `json:"status"`
	Recommendation       string    `json:"recommendation"`
	Rationale            string    `json:"rationale"`
	Source               string    `json:"source"`
	EventCode            string    `json:"dr_event_code"`
	ProposedReductionKWh float64   `json:"proposed_reduction_kwh"`
	ExpectedINRPerHour   float64   `json:"expected_inr_per_hour"`
	ExpectedCO2KgPerHour float64   `json:"expected_co2_kg_per_hour"`
	ProposedAt           time.Time `json:"proposed_at"`
	ExecutedAt           time.Time `json:"executed_at,omitzero"`
	VerifiedAt           time.Time `json:"verified_at,omitzero"`
	ResolvedAt           time.Time `json:"resolved_at,omitzero"`
	Operator             string    `json:"operator,omitempty"`
	PreEnergyKWh         *float64  `json:"pre_energy_kwh,omitempty"`
	PostEnergyKWh        *float64  `json:"post_energy_kwh,omitempty"`
	VerifiedSavingsKWh   float64   `json:"verified_savings_kwh"`
	VerifiedSavingsINR   float64   `json:"verified_savings_inr"`
	VerifiedCO2Kg        float64   `json:"verified_co2_kg"`
	VerificationNote     string    `json:"verification_note,omitempty"`
}

// Proposal is the input to Propose. Zero-valued Mode, Source, Label,
// and EventCode are filled with sensible defaults; negative economics
// clamp to zero.
type Proposal struct {
	BlockID              string  `json:"block_id"`
	Label                string  `json:"block_label"`
	Mode                 Mode    `json:"mode"`
	Recommendation       string  `json:"recommendation"`
	Rationale            string  `json:"rationale"`
	Source               string  `json:"source"`
	EventCode            string  `json:"dr_event_code"`
	ReductionKWh         float64 `json:"proposed_reduction_kwh"`
	ExpectedINRPerHour   float64 `json:"expected_inr_per_hour"`
	ExpectedCO2KgPerHour float64 `json:"expected_co2_kg_per_hour"`
}

// Summary aggregates the retained actions for the status surface.
type Summary struct {
	OpenActions        int     `json:"open_actions"`
	ExecutedActions    int     `json:"executed_actions"`
	VerifiedActions    int     `json:"verified_actions"`
	VerifiedSavingsKWh float64 `json:"verified_savings_kwh"`
	VerifiedSavingsINR float64 `json:"verified_savings_inr"`
	VerifiedCO2Kg      float64 `json:"verified_co2_kg"`
}

// recommend picks the control measure and its rationale for a record the
// policy decided to act on.
func recommend(rec telemetry.ClassifiedRecord) (string, string) {
	occ := rec.OccupancyPct
	dev := rec.DeviationPct

	if rec.Status == telemetry.StatusWaste && occ <= 20 && rec.TemperatureC < 30 {
		return "Shed non-critical lighting and plug loads for 15 minutes.",
			fmt.Sprintf("Low occupancy (%.0f%%) with %.1f%% deviation indicates avoidable discretionary demand.", occ, dev)
	}
	if rec.Status == telemetry.StatusWaste && occ <= 30 && rec.TemperatureC >= 30 {
		return "Increase HVAC setpoint by +1.5C and enforce zone schedule.",
			fmt.Sprintf("High deviation (%.1f%%) under low occupancy (%.0f%%) suggests HVAC overcooling.", dev, occ)
	}
	if rec.Status == telemetry.StatusPossibleWaste {
		return "Run 10-minute adaptive load shed and observe post-action baseline convergence.",
			fmt.Sprintf("Potentially avoidable load with %.1f%% deviation; targeted demand response recommended.", dev)
	}
	return "Activate temporary demand response for discretionary loads.",
		fmt.Sprintf("Contextual anomaly detected with %.1f%% deviation.", dev)
}

// proposedReduction sizes the shed: three quarters of the measured
// excess, capped at 35% of baseline, floored at half a kilowatt hour so
// proposals stay actionable.
func proposedReduction(savingsKWh, baselineKWh float64) float64 {
	r := savingsKWh * 0.75
	if limit := baselineKWh * 0.35; r > limit {
		r = limit
	}
	if r < 0.5 {
		r = 0.5
	}
	return r
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
