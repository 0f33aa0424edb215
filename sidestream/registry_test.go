package sidestream

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/errors"
)

var baseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func TestRegistryDefaults(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	assert.Equal(t, 6.50, reg.Tariff().INRPerKWh)
	assert.Equal(t, 0.82, reg.Carbon().KgPerKWh)
	assert.Equal(t, 28.0, reg.Weather().OutsideTempC)
	assert.Equal(t, 55.0, reg.Weather().HumidityPct)
	assert.True(t, reg.Tariff().ObservedAt.IsZero())
}

func TestRegistryUpdateOverwrites(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	require.NoError(t, reg.UpdateTariff(8.0, baseTime))
	require.NoError(t, reg.UpdateCarbon(0.7, baseTime))
	require.NoError(t, reg.UpdateWeather(33.5, 62, baseTime))

	assert.Equal(t, 8.0, reg.Tariff().INRPerKWh)
	assert.Equal(t, 0.7, reg.Carbon().KgPerKWh)
	assert.Equal(t, 33.5, reg.Weather().OutsideTempC)
	assert.Equal(t, baseTime, reg.Tariff().ObservedAt)

	require.NoError(t, reg.UpdateTariff(4.25, baseTime.Add(time.Minute)))
	assert.Equal(t, 4.25, reg.Tariff().INRPerKWh)
}

func TestRegistryRejectsInvalidValues(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	err := reg.UpdateTariff(math.NaN(), baseTime)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	require.Error(t, reg.UpdateTariff(-1, baseTime))
	require.Error(t, reg.UpdateCarbon(math.Inf(1), baseTime))
	require.Error(t, reg.UpdateWeather(math.NaN(), 50, baseTime))

	// Rejected updates leave the previous values in effect, so cost math
	// never sees NaN.
	assert.Equal(t, 6.50, reg.Tariff().INRPerKWh)
	assert.Equal(t, 0.82, reg.Carbon().KgPerKWh)
	assert.Equal(t, 28.0, reg.Weather().OutsideTempC)
}

func TestRegistryClampsHumidity(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	require.NoError(t, reg.UpdateWeather(30, 140, baseTime))
	assert.Equal(t, 100.0, reg.Weather().HumidityPct)

	require.NoError(t, reg.UpdateWeather(30, -5, baseTime))
	assert.Equal(t, 0.0, reg.Weather().HumidityPct)
}

func TestRegistryStaleness(t *testing.T) {
	reg := NewRegistry(Config{
		WeatherStaleAfter: 6 * time.Minute,
		TariffStaleAfter:  3 * time.Minute,
		CarbonStaleAfter:  6 * time.Minute,
	})

	// Defaults are deliberate values and never report stale.
	flags := reg.Staleness(baseTime.Add(24 * time.Hour))
	assert.False(t, flags.Weather)
	assert.False(t, flags.Tariff)
	assert.False(t, flags.Carbon)

	require.NoError(t, reg.UpdateTariff(7.5, baseTime))
	require.NoError(t, reg.UpdateWeather(31, 60, baseTime))

	flags = reg.Staleness(baseTime.Add(2 * time.Minute))
	assert.False(t, flags.Tariff)
	assert.False(t, flags.Weather)

	flags = reg.Staleness(baseTime.Add(4 * time.Minute))
	assert.True(t, flags.Tariff, "tariff older than its window")
	assert.False(t, flags.Weather, "weather still inside its window")

	flags = reg.Staleness(baseTime.Add(10 * time.Minute))
	assert.True(t, flags.Weather)
}

func TestRegistrySignalsConsistentView(t *testing.T) {
	reg := NewRegistry(DefaultConfig())
	require.NoError(t, reg.UpdateTariff(9.0, baseTime))

	sig := reg.Signals(baseTime.Add(time.Second))
	assert.Equal(t, 9.0, sig.Tariff.INRPerKWh)
	assert.Equal(t, 0.82, sig.Carbon.KgPerKWh)
	assert.Equal(t, 28.0, sig.Weather.OutsideTempC)
	assert.False(t, sig.Staleness.Tariff)
}
