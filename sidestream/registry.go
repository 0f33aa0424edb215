// Package sidestream maintains the latest values of the slow context
// signals that enrich telemetry events: weather, electricity tariff and
// grid carbon intensity. Signals arrive on their own cadence, far slower
// than block telemetry, so the registry keeps exactly one current value
// per signal and joins are always "latest value as of read time".
//
// Every signal has a documented default so classification can run from
// the first event even when no feed has ever reported. Staleness is
// surfaced as metadata only; a stale tariff still prices waste.
package sidestream

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/c360/energysense/errors"
)

// Defaults used until the corresponding feed reports for the first time.
const (
	DefaultTariffINRPerKWh = 6.50
	DefaultCarbonKgPerKWh  = 0.82
	DefaultOutsideTempC    = 28.0
	DefaultHumidityPct     = 55.0
)

// Weather is the latest outside-condition reading.
type Weather struct {
	OutsideTempC float64   `json:"outside_temp_c"`
	HumidityPct  float64   `json:"humidity_pct"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Tariff is the latest electricity price.
type Tariff struct {
	INRPerKWh  float64   `json:"inr_per_kwh"`
	ObservedAt time.Time `json:"observed_at"`
}

// Carbon is the latest grid carbon intensity.
type Carbon struct {
	KgPerKWh   float64   `json:"kg_per_kwh"`
	ObservedAt time.Time `json:"observed_at"`
}

// Staleness flags signals whose last update is older than the configured
// window. Signals still serving their startup default are not stale: the
// default is a deliberate documented value, not a decayed one.
type Staleness struct {
	Weather bool `json:"weather"`
	Tariff  bool `json:"tariff"`
	Carbon  bool `json:"carbon"`
}

// Signals bundles one consistent read of everything the registry holds.
type Signals struct {
	Weather   Weather   `json:"weather"`
	Tariff    Tariff    `json:"tariff"`
	Carbon    Carbon    `json:"carbon"`
	Staleness Staleness `json:"staleness"`
}

// Config controls staleness windows. A zero window disables the flag for
// that signal.
type Config struct {
	WeatherStaleAfter time.Duration `json:"weather_stale_after"`
	TariffStaleAfter  time.Duration `json:"tariff_stale_after"`
	CarbonStaleAfter  time.Duration `json:"carbon_stale_after"`
}

// DefaultConfig returns staleness windows of three missed refresh cycles
// at the default poller cadences.
func DefaultConfig() Config {
	return Config{
		WeatherStaleAfter: 6 * time.Minute,
		TariffStaleAfter:  3 * time.Minute,
		CarbonStaleAfter:  6 * time.Minute,
	}
}

// Registry holds the current value of each side signal. Writers overwrite,
// readers copy; there is no history here.
type Registry struct {
	mu      sync.RWMutex
	cfg     Config
	weather Weather
	tariff  Tariff
	carbon  Carbon
}

// NewRegistry returns a registry pre-populated with the documented
// defaults. ObservedAt stays zero until a feed reports.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg: cfg,
		weather: Weather{
			OutsideTempC: DefaultOutsideTempC,
			HumidityPct:  DefaultHumidityPct,
		},
		tariff: Tariff{INRPerKWh: DefaultTariffINRPerKWh},
		carbon: Carbon{KgPerKWh: DefaultCarbonKgPerKWh},
	}
}

// UpdateWeather overwrites the current weather reading. Humidity is
// clamped to [0, 100]; non-finite values are rejected and the previous
// reading stays in effect.
func (r *Registry) UpdateWeather(outsideTempC, humidityPct float64, observedAt time.Time) error {
	if !finite(outsideTempC) || !finite(humidityPct) {
		return errors.WrapInvalid(
			fmt.Errorf("non-finite weather reading temp=%v humidity=%v", outsideTempC, humidityPct),
			"Registry", "UpdateWeather", "weather validation")
	}
	humidityPct = math.Min(math.Max(humidityPct, 0), 100)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.weather = Weather{OutsideTempC: outsideTempC, HumidityPct: humidityPct, ObservedAt: observedAt}
	return nil
}

// UpdateTariff overwrites the current tariff. Non-finite or negative
// rates are rejected so downstream cost math never sees NaN.
func (r *Registry) UpdateTariff(inrPerKWh float64, observedAt time.Time) error {
	if !finite(inrPerKWh) || inrPerKWh < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("invalid tariff %v INR/kWh", inrPerKWh),
			"Registry", "UpdateTariff", "tariff validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tariff = Tariff{INRPerKWh: inrPerKWh, ObservedAt: observedAt}
	return nil
}

// UpdateCarbon overwrites the current carbon intensity. Non-finite or
// negative intensities are rejected.
func (r *Registry) UpdateCarbon(kgPerKWh float64, observedAt time.Time) error {
	if !finite(kgPerKWh) || kgPerKWh < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("invalid carbon intensity %v kg/kWh", kgPerKWh),
			"Registry", "UpdateCarbon", "carbon validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.carbon = Carbon{KgPerKWh: kgPerKWh, ObservedAt: observedAt}
	return nil
}

// Weather returns the latest weather reading.
func (r *Registry) Weather() Weather {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weather
}

// Tariff returns the latest tariff.
func (r *Registry) Tariff() Tariff {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tariff
}

// Carbon returns the latest carbon intensity.
func (r *Registry) Carbon() Carbon {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.carbon
}

// Staleness reports which signals have not been refreshed within their
// window as of now.
func (r *Registry) Staleness(now time.Time) Staleness {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stalenessLocked(now)
}

// Signals returns one consistent view of all three signals plus their
// staleness flags.
func (r *Registry) Signals(now time.Time) Signals {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Signals{
		Weather:   r.weather,
		Tariff:    r.tariff,
		Carbon:    r.carbon,
		Staleness: r.stalenessLocked(now),
	}
}

func (r *Registry) stalenessLocked(now time.Time) Staleness {
	return Staleness{
		Weather: stale(r.weather.ObservedAt, r.cfg.WeatherStaleAfter, now),
		Tariff:  stale(r.tariff.ObservedAt, r.cfg.TariffStaleAfter, now),
		Carbon:  stale(r.carbon.ObservedAt, r.cfg.CarbonStaleAfter, now),
	}
}

func stale(observedAt time.Time, window time.Duration, now time.Time) bool {
	if observedAt.IsZero() || window <= 0 {
		return false
	}
	return now.Sub(observedAt) > window
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
