// Package classify implements the deterministic waste classification policy.
// Given one enriched observation it combines deviation, occupancy, and
// temperature into a waste status plus savings, cost, and carbon estimates.
// The engine holds no state across calls; temporal behavior such as
// persistence alerts belongs to the alert engine downstream.
package classify

import (
	"fmt"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/telemetry"
)

// minBaselineKWh guards the deviation divisor against a zero baseline from
// callers outside the tracker's floor.
const minBaselineKWh = 0.001

// Thresholds is the named configuration injected into the engine. The
// decision policy reads only these values; nothing is hardcoded per block.
type Thresholds struct {
	// TolerancePct is the deviation band treated as NORMAL. The band is
	// one-sided: consumption below baseline never classifies as waste.
	TolerancePct float64 `json:"tolerance_pct"`
	// HighOccupancyPct and above counts as an occupied block.
	HighOccupancyPct float64 `json:"high_occupancy_pct"`
	// LowOccupancyPct and below counts as an empty block.
	LowOccupancyPct float64 `json:"low_occupancy_pct"`
	// ComfortMinC..ComfortMaxC is the band inside which temperature offers
	// no justification for extra energy use.
	ComfortMinC float64 `json:"comfort_min_c"`
	ComfortMaxC float64 `json:"comfort_max_c"`
	// HardWastePct escalates a low-occupancy block to WASTE regardless of
	// a cold-side temperature excuse.
	HardWastePct float64 `json:"hard_waste_pct"`
	// PossibleSavingsFraction scales the excess credited as recoverable
	// when the classification is POSSIBLE_WASTE.
	PossibleSavingsFraction float64 `json:"possible_savings_fraction"`
	// OccupancyAloneJustifies makes high occupancy with a comfortable
	// temperature NECESSARY rather than POSSIBLE_WASTE.
	OccupancyAloneJustifies bool `json:"occupancy_alone_justifies"`
}

// DefaultThresholds returns the documented default policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TolerancePct:            10,
		HighOccupancyPct:        60,
		LowOccupancyPct:         25,
		ComfortMinC:             18,
		ComfortMaxC:             30,
		HardWastePct:            20,
		PossibleSavingsFraction: 0.5,
		OccupancyAloneJustifies: true,
	}
}

// Validate checks threshold ordering.
func (t Thresholds) Validate() error {
	if t.TolerancePct <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Thresholds", "Validate", "tolerance_pct must be positive")
	}
	if t.HardWastePct < t.TolerancePct {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Thresholds", "Validate", "hard_waste_pct must be >= tolerance_pct")
	}
	if t.LowOccupancyPct >= t.HighOccupancyPct {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Thresholds", "Validate", "low_occupancy_pct must be below high_occupancy_pct")
	}
	if t.ComfortMinC >= t.ComfortMaxC {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Thresholds", "Validate", "comfort_min_c must be below comfort_max_c")
	}
	if t.PossibleSavingsFraction < 0 || t.PossibleSavingsFraction > 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Thresholds", "Validate", "possible_savings_fraction must be within [0,1]")
	}
	return nil
}

// Input is one enriched observation: the raw event joined with the block
// label, the pre-update baseline, and the latest side-signal values.
type Input struct {
	Event       telemetry.Event
	Label       string
	BaselineKWh float64
	TariffINR   float64
	CarbonKg    float64
}

// Engine applies the classification policy. Safe for concurrent use; it is
// a pure function of Input and the injected thresholds.
type Engine struct {
	thresholds Thresholds
}

// NewEngine creates a classification engine with the given thresholds.
func NewEngine(t Thresholds) (*Engine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Engine{thresholds: t}, nil
}

// Thresholds returns the engine's active policy.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Classify evaluates one enriched observation. The decision checks run in
// precedence order and the first match wins, which keeps the policy
// deterministic for identical inputs.
func (e *Engine) Classify(in Input) telemetry.ClassifiedRecord {
	t := e.thresholds
	ev := in.Event

	baseline := in.BaselineKWh
	if baseline < minBaselineKWh {
		baseline = minBaselineKWh
	}
	deviation := (ev.EnergyKWh - baseline) / baseline * 100

	excess := ev.EnergyKWh - baseline
	if excess < 0 {
		excess = 0
	}

	occHigh := ev.OccupancyPct >= t.HighOccupancyPct
	occLow := ev.OccupancyPct <= t.LowOccupancyPct
	hot := ev.TemperatureC > t.ComfortMaxC
	cold := ev.TemperatureC < t.ComfortMinC
	extreme := hot || cold

	var status telemetry.Status
	var savings float64
	var cause string

	switch {
	case deviation <= t.TolerancePct:
		status = telemetry.StatusNormal
		cause = fmt.Sprintf("Energy use is aligned with baseline (deviation %.1f%%).", deviation)

	case occHigh && extreme:
		status = telemetry.StatusNecessary
		cause = fmt.Sprintf("High occupancy (%.0f%%) and outside-comfort temperature (%.1fC) justify the higher energy draw.",
			ev.OccupancyPct, ev.TemperatureC)

	case occHigh && t.OccupancyAloneJustifies:
		status = telemetry.StatusNecessary
		cause = fmt.Sprintf("High occupancy (%.0f%%) explains the above-baseline energy use.", ev.OccupancyPct)

	case occLow && hot:
		status = telemetry.StatusPossibleWaste
		savings = excess * t.PossibleSavingsFraction
		cause = fmt.Sprintf("Low occupancy (%.0f%%) with high temperature (%.1fC) suggests HVAC overuse.",
			ev.OccupancyPct, ev.TemperatureC)

	case occLow && deviation > t.HardWastePct:
		status = telemetry.StatusWaste
		savings = excess
		cause = fmt.Sprintf("Low occupancy (%.0f%%) with energy %.1f%% above baseline; flagged as avoidable waste.",
			ev.OccupancyPct, deviation)

	case occLow && !extreme:
		status = telemetry.StatusWaste
		savings = excess
		cause = fmt.Sprintf("Low occupancy (%.0f%%) with above-baseline energy use and moderate temperature; flagged as likely avoidable waste.",
			ev.OccupancyPct)

	case occLow:
		// Cold-side extreme with moderate deviation: heating is plausible.
		status = telemetry.StatusPossibleWaste
		savings = excess * t.PossibleSavingsFraction
		cause = fmt.Sprintf("Low occupancy (%.0f%%) with low temperature (%.1fC); heating may explain part of the excess.",
			ev.OccupancyPct, ev.TemperatureC)

	default:
		status = telemetry.StatusPossibleWaste
		savings = excess * t.PossibleSavingsFraction
		cause = fmt.Sprintf("Mixed context: deviation %.1f%% with occupancy %.0f%% and temperature %.1fC.",
			deviation, ev.OccupancyPct, ev.TemperatureC)
	}

	return telemetry.ClassifiedRecord{
		BlockID:         ev.BlockID,
		Label:           in.Label,
		EnergyKWh:       ev.EnergyKWh,
		BaselineKWh:     baseline,
		DeviationPct:    deviation,
		OccupancyPct:    ev.OccupancyPct,
		TemperatureC:    ev.TemperatureC,
		Status:          status,
		SavingsKWh:      savings,
		TariffINRPerKWh: in.TariffINR,
		CostINR:         ev.EnergyKWh * in.TariffINR,
		WasteCostINR:    savings * in.TariffINR,
		CarbonKgPerKWh:  in.CarbonKg,
		CO2Kg:           savings * in.CarbonKg,
		RootCause:       cause,
		Origin:          ev.Origin,
		UpdatedAt:       ev.Timestamp,
	}
}
