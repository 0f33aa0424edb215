package sidestream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/health"
	"github.com/c360/energysense/metric"
)

// weatherReading is the JSON body the weather endpoint returns.
type weatherReading struct {
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
}

// Metrics holds Prometheus metrics for the poller.
type Metrics struct {
	refreshes     *prometheus.CounterVec
	refreshErrors *prometheus.CounterVec
	lastRefresh   *prometheus.GaugeVec
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sidestream",
			Name:      "refreshes_total",
			Help:      "Successful signal refreshes by signal name",
		}, []string{"signal"}),
		refreshErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "sidestream",
			Name:      "refresh_errors_total",
			Help:      "Failed signal refreshes by signal name",
		}, []string{"signal"}),
		lastRefresh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "sidestream",
			Name:      "last_refresh_timestamp",
			Help:      "Unix timestamp of the last successful refresh by signal",
		}, []string{"signal"}),
	}

	registry.RegisterCounterVec("sidestream", "refreshes", m.refreshes)
	registry.RegisterCounterVec("sidestream", "refresh_errors", m.refreshErrors)
	registry.RegisterGaugeVec("sidestream", "last_refresh", m.lastRefresh)

	return m
}

func (m *Metrics) refreshed(signal string, at time.Time) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(signal).Inc()
	m.lastRefresh.WithLabelValues(signal).Set(float64(at.Unix()))
}

func (m *Metrics) failed(signal string) {
	if m == nil {
		return
	}
	m.refreshErrors.WithLabelValues(signal).Inc()
}

// PollerConfig configures the refresh cadences and feed locations.
// Empty locations disable the corresponding feed and the registry keeps
// serving its default (or last pushed) value.
type PollerConfig struct {
	WeatherURL         string        `json:"weather_url"`
	WeatherRefresh     time.Duration `json:"weather_refresh"`
	TariffSchedulePath string        `json:"tariff_schedule_path"`
	TariffRefresh      time.Duration `json:"tariff_refresh"`
	CarbonSchedulePath string        `json:"carbon_schedule_path"`
	CarbonRefresh      time.Duration `json:"carbon_refresh"`
}

// DefaultPollerConfig returns the standard cadences: weather and carbon
// every two minutes, tariff every minute.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		WeatherRefresh: 2 * time.Minute,
		TariffRefresh:  time.Minute,
		CarbonRefresh:  2 * time.Minute,
	}
}

// Validate checks refresh intervals.
func (c *PollerConfig) Validate() error {
	if c.WeatherRefresh <= 0 || c.TariffRefresh <= 0 || c.CarbonRefresh <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("refresh intervals must be positive (weather=%v tariff=%v carbon=%v)",
				c.WeatherRefresh, c.TariffRefresh, c.CarbonRefresh),
			"PollerConfig", "Validate", "interval validation")
	}
	return nil
}

// PollerDeps holds runtime dependencies for the poller.
type PollerDeps struct {
	Config          PollerConfig
	Registry        *Registry
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Poller refreshes the side-signal registry on independent tickers:
// weather from an optional HTTP endpoint, tariff and carbon from
// time-of-day schedule files. Every failure is non-fatal; the registry
// simply keeps the last known value.
type Poller struct {
	cfg      PollerConfig
	registry *Registry
	logger   *slog.Logger
	client   *resty.Client

	tariffSchedule *Schedule
	carbonSchedule *Schedule

	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup

	weatherFailures atomic.Int64
	metrics         *Metrics
}

// NewPoller creates a poller. The HTTP client is only built when a
// weather URL is configured.
func NewPoller(deps PollerDeps) *Poller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sidestream-poller")
	}

	var client *resty.Client
	if deps.Config.WeatherURL != "" {
		client = resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			SetHeader("Accept", "application/json")
	}

	return &Poller{
		cfg:      deps.Config,
		registry: deps.Registry,
		logger:   logger,
		client:   client,
		metrics:  newMetrics(deps.MetricsRegistry),
	}
}

// Start loads the schedule files and begins the refresh loop. It is
// idempotent; calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.registry == nil {
		return errors.WrapInvalid(fmt.Errorf("nil registry"),
			"Poller", "Start", "dependency validation")
	}

	p.tariffSchedule = p.loadSchedule("tariff", p.cfg.TariffSchedulePath)
	p.carbonSchedule = p.loadSchedule("carbon", p.cfg.CarbonSchedulePath)

	p.shutdown = make(chan struct{})
	p.done = make(chan struct{})
	p.running.Store(true)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.done)
		p.run(ctx)
	}()

	return nil
}

// loadSchedule reads one schedule file. A missing or invalid file is
// logged and the signal keeps its default; side feeds never stop ingest.
func (p *Poller) loadSchedule(signal, path string) *Schedule {
	if path == "" {
		return nil
	}
	sched, err := LoadSchedule(path)
	if err != nil {
		p.logger.Warn("Schedule unavailable, keeping default value",
			"signal", signal,
			"path", path,
			"error", err)
		return nil
	}
	p.logger.Info("Loaded signal schedule",
		"signal", signal,
		"path", path,
		"bands", len(sched.Bands))
	return sched
}

func (p *Poller) run(ctx context.Context) {
	// Prime every signal once so the first classification sees schedule
	// values instead of defaults.
	p.refreshTariff(time.Now())
	p.refreshCarbon(time.Now())
	p.refreshWeather(ctx)

	weatherTicker := time.NewTicker(p.cfg.WeatherRefresh)
	tariffTicker := time.NewTicker(p.cfg.TariffRefresh)
	carbonTicker := time.NewTicker(p.cfg.CarbonRefresh)
	defer weatherTicker.Stop()
	defer tariffTicker.Stop()
	defer carbonTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-weatherTicker.C:
			p.refreshWeather(ctx)
		case now := <-tariffTicker.C:
			p.refreshTariff(now)
		case now := <-carbonTicker.C:
			p.refreshCarbon(now)
		}
	}
}

func (p *Poller) refreshWeather(ctx context.Context) {
	if p.client == nil {
		return
	}

	var reading weatherReading
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&reading).
		Get(p.cfg.WeatherURL)
	if err != nil {
		p.weatherFailures.Add(1)
		p.metrics.failed("weather")
		p.logger.Warn("Weather refresh failed, keeping last reading",
			"url", p.cfg.WeatherURL,
			"error", err)
		return
	}
	if resp.StatusCode() != 200 {
		p.weatherFailures.Add(1)
		p.metrics.failed("weather")
		p.logger.Warn("Weather endpoint returned non-OK status",
			"url", p.cfg.WeatherURL,
			"status", resp.StatusCode())
		return
	}

	now := time.Now()
	if err := p.registry.UpdateWeather(reading.TemperatureC, reading.HumidityPct, now); err != nil {
		p.weatherFailures.Add(1)
		p.metrics.failed("weather")
		p.logger.Warn("Weather reading rejected", "error", err)
		return
	}

	p.weatherFailures.Store(0)
	p.metrics.refreshed("weather", now)
}

func (p *Poller) refreshTariff(now time.Time) {
	if p.tariffSchedule == nil {
		return
	}
	value, ok := p.tariffSchedule.ValueAt(now)
	if !ok {
		return
	}
	if err := p.registry.UpdateTariff(value, now); err != nil {
		p.metrics.failed("tariff")
		p.logger.Warn("Tariff value rejected", "value", value, "error", err)
		return
	}
	p.metrics.refreshed("tariff", now)
}

func (p *Poller) refreshCarbon(now time.Time) {
	if p.carbonSchedule == nil {
		return
	}
	value, ok := p.carbonSchedule.ValueAt(now)
	if !ok {
		return
	}
	if err := p.registry.UpdateCarbon(value, now); err != nil {
		p.metrics.failed("carbon")
		p.logger.Warn("Carbon value rejected", "value", value, "error", err)
		return
	}
	p.metrics.refreshed("carbon", now)
}

// Stop signals the refresh loop and waits up to timeout for it to exit.
func (p *Poller) Stop(timeout time.Duration) error {
	if !p.running.Load() {
		return nil
	}
	p.running.Store(false)

	p.mu.Lock()
	if p.shutdown != nil {
		select {
		case <-p.shutdown:
		default:
			close(p.shutdown)
		}
	}
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Poller", "Stop", "graceful shutdown")
	}
	return nil
}

// Health reports poller health. Repeated weather failures degrade rather
// than fail: classification continues on last known values.
func (p *Poller) Health() health.Status {
	if !p.running.Load() {
		return health.NewUnhealthy("sidestream-poller", "not running")
	}
	if p.client != nil && p.weatherFailures.Load() >= 3 {
		return health.NewDegraded("sidestream-poller",
			"weather feed unreachable, serving last known values")
	}
	return health.NewHealthy("sidestream-poller", "refreshing side signals")
}
