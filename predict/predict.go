// Package predict estimates near-term deviation risk per block from its
// rolling history. The pipeline treats forecasters as black boxes: a
// forecaster must always return a usable Prediction and signals "not
// ready" through the Ready flag instead of an error, so snapshot
// publication never stalls on the model.
package predict

import (
	"github.com/c360/energysense/telemetry"
)

// Risk grades the anomaly probability into dashboard-friendly bands.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Input is everything a forecaster sees for one block: the rolling
// history plus the block's current context from its latest record.
type Input struct {
	History      []telemetry.HistoryPoint
	BaselineKWh  float64
	OccupancyPct float64
	TemperatureC float64
}

// Prediction is the per-block forecast attached to dashboard snapshots.
type Prediction struct {
	Risk                  Risk    `json:"risk"`
	AnomalyProbability    float64 `json:"anomaly_probability"`
	PredictedDeviationPct float64 `json:"predicted_deviation_pct"`
	AvoidableKWhNextHour  float64 `json:"avoidable_kwh_next_hour"`
	Reason                string  `json:"reason"`
	Ready                 bool    `json:"ready"`
	Confidence            float64 `json:"confidence"`
	Model                 string  `json:"model"`
}

// Forecaster produces a Prediction for one block. Implementations must be
// safe for concurrent use and must not fail on short history.
type Forecaster interface {
	Predict(in Input) Prediction
}
