package predict

import (
	"fmt"
	"math"
	"time"

	"github.com/c360/energysense/telemetry"
)

const trendModelName = "trend-forecaster-v1"

// TrendConfig tunes the trend forecaster.
type TrendConfig struct {
	// WindowPoints is how many of the newest history points feed the fit.
	WindowPoints int `json:"window_points"`
	// Horizon is how far ahead the fitted slope is extrapolated.
	Horizon time.Duration `json:"horizon"`
	// MinPoints below which the forecaster reports Ready=false.
	MinPoints int `json:"min_points"`
}

// DefaultTrendConfig returns the standard tuning: fit over the last 18
// points, look one minute ahead, require at least 2 points.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		WindowPoints: 18,
		Horizon:      time.Minute,
		MinPoints:    2,
	}
}

func (c TrendConfig) normalize() TrendConfig {
	if c.WindowPoints < 2 {
		c.WindowPoints = 18
	}
	if c.Horizon <= 0 {
		c.Horizon = time.Minute
	}
	if c.MinPoints < 2 {
		c.MinPoints = 2
	}
	return c
}

// TrendForecaster extrapolates a block's deviation trend with a
// least-squares fit over the recent window, then adjusts for the context
// that makes excess consumption avoidable: hot outside air and an empty
// block both push the estimate up. Stateless and safe for concurrent use.
type TrendForecaster struct {
	cfg TrendConfig
}

// NewTrendForecaster creates a forecaster with the given tuning.
func NewTrendForecaster(cfg TrendConfig) *TrendForecaster {
	return &TrendForecaster{cfg: cfg.normalize()}
}

// Predict implements Forecaster.
func (f *TrendForecaster) Predict(in Input) Prediction {
	if len(in.History) < f.cfg.MinPoints {
		return Prediction{
			Risk:       RiskLow,
			Reason:     "Insufficient history for trend inference.",
			Ready:      false,
			Confidence: 0.05,
			Model:      trendModelName,
		}
	}

	window := in.History
	if len(window) > f.cfg.WindowPoints {
		window = window[len(window)-f.cfg.WindowPoints:]
	}

	predicted := f.extrapolate(window)

	// Context adjustment: heat and emptiness both raise the avoidable
	// share of any predicted excess.
	predicted += math.Max(0, in.TemperatureC-30.0) * 0.45
	predicted += math.Max(0, 25.0-in.OccupancyPct) * 0.08

	// Guard against runaway extrapolation on noisy short windows.
	predicted = math.Max(-50, math.Min(predicted, 200))

	probability := sigmoid((predicted - 10.0) / 4.5)

	risk := RiskLow
	switch {
	case probability >= 0.75:
		risk = RiskHigh
	case probability >= 0.45:
		risk = RiskMedium
	}

	avoidable := math.Max(predicted-8.0, 0) / 100.0 * math.Max(in.BaselineKWh, 1.0) * 1.4

	quality := math.Min(float64(len(window))/float64(f.cfg.WindowPoints), 1.0)
	confidence := 0.35 + 0.4*quality + 0.07
	confidence = math.Max(0.05, math.Min(confidence, 0.99))

	reason := "Deviation trend is stable relative to baseline."
	if probability >= 0.45 {
		reason = fmt.Sprintf(
			"Deviation trend indicates avoidable anomaly risk (predicted %.1f%% in %s).",
			predicted, f.cfg.Horizon)
	}

	return Prediction{
		Risk:                  risk,
		AnomalyProbability:    round3(probability),
		PredictedDeviationPct: round2(predicted),
		AvoidableKWhNextHour:  round3(avoidable),
		Reason:                reason,
		Ready:                 true,
		Confidence:            round3(confidence),
		Model:                 trendModelName,
	}
}

// extrapolate fits deviation against elapsed seconds and projects the
// horizon past the newest point. Zero time spread (identical timestamps)
// degrades to the latest deviation.
func (f *TrendForecaster) extrapolate(window []telemetry.HistoryPoint) float64 {
	n := float64(len(window))
	start := window[0].Timestamp

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range window {
		x := p.Timestamp.Sub(start).Seconds()
		y := p.DeviationPct
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	last := window[len(window)-1]
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return last.DeviationPct
	}

	slope := (n*sumXY - sumX*sumY) / denom
	return last.DeviationPct + slope*f.cfg.Horizon.Seconds()
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
