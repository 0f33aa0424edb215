// Package pipeline runs the classification loop: one goroutine drains the
// source manager, joins each event with its block profile, the latest side
// signals, and the rolling baseline, classifies it, and applies the result
// to the snapshot store. Baselines and per-block history depend on seeing
// events in order, which is why the consumer is single.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/energysense/action"
	"github.com/c360/energysense/alert"
	"github.com/c360/energysense/baseline"
	"github.com/c360/energysense/classify"
	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/health"
	"github.com/c360/energysense/metric"
	"github.com/c360/energysense/sidestream"
	"github.com/c360/energysense/snapshot"
	"github.com/c360/energysense/telemetry"
)

// EventSource is the pipeline's view of the source manager: a blocking
// read for the run loop, a non-blocking read for the shutdown drain, and
// the synthetic flag for health reporting.
type EventSource interface {
	Next(ctx context.Context) (telemetry.Event, bool)
	TryNext() (telemetry.Event, bool)
	SyntheticActive() bool
}

// Deps wires the pipeline's collaborators. Sources, Signals, Baselines,
// Classifier, and Snapshots are required; Alerts and Actions are optional
// and skipped when nil.
type Deps struct {
	Blocks          []telemetry.BlockProfile
	Sources         EventSource
	Signals         *sidestream.Registry
	Baselines       *baseline.Tracker
	Classifier      *classify.Engine
	Snapshots       *snapshot.Store
	Alerts          *alert.Engine
	Actions         *action.Manager
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Engine consumes events until its context is cancelled or the source
// reports closed. Stop drains whatever the source still holds through the
// same processing path, so every accepted event reaches the store.
type Engine struct {
	blocks     map[string]telemetry.BlockProfile
	sources    EventSource
	signals    *sidestream.Registry
	baselines  *baseline.Tracker
	classifier *classify.Engine
	snapshots  *snapshot.Store
	alerts     *alert.Engine
	actions    *action.Manager
	logger     *slog.Logger
	metrics    *Metrics

	processed atomic.Uint64
	startedAt time.Time

	cancel  context.CancelFunc
	running atomic.Bool
	mu      sync.Mutex
	wg      sync.WaitGroup

	now func() time.Time
}

// NewEngine creates the pipeline.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Sources == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewEngine", "event source is required")
	}
	if deps.Signals == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewEngine", "signal registry is required")
	}
	if deps.Baselines == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewEngine", "baseline tracker is required")
	}
	if deps.Classifier == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewEngine", "classifier is required")
	}
	if deps.Snapshots == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Pipeline", "NewEngine", "snapshot store is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	blocks := make(map[string]telemetry.BlockProfile, len(deps.Blocks))
	for _, profile := range deps.Blocks {
		blocks[profile.ID] = profile
	}

	return &Engine{
		blocks:     blocks,
		sources:    deps.Sources,
		signals:    deps.Signals,
		baselines:  deps.Baselines,
		classifier: deps.Classifier,
		snapshots:  deps.Snapshots,
		alerts:     deps.Alerts,
		actions:    deps.Actions,
		logger:     logger.With("component", "pipeline"),
		metrics:    newMetrics(deps.MetricsRegistry),
		now:        time.Now,
	}, nil
}

// Start launches the consumer goroutine. Idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = e.now()
	e.running.Store(true)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(runCtx)
	}()

	e.logger.Info("Pipeline started", "blocks", len(e.blocks))
	return nil
}

func (e *Engine) run(ctx context.Context) {
	for {
		ev, ok := e.sources.Next(ctx)
		if !ok {
			e.drainRemaining()
			return
		}
		e.process(ev)
	}
}

// drainRemaining flushes events still queued after the blocking read
// reported closed, so a cancel mid-burst loses nothing.
func (e *Engine) drainRemaining() {
	drained := 0
	for {
		ev, ok := e.sources.TryNext()
		if !ok {
			break
		}
		e.process(ev)
		drained++
	}
	if drained > 0 {
		e.logger.Info("Drained queued events during shutdown", "count", drained)
	}
}

// process runs one event through the full path. The baseline is read
// before Observe so an event never feeds its own yardstick; a block's
// first event seeds the baseline with its own energy and classifies at
// deviation zero.
func (e *Engine) process(ev telemetry.Event) {
	start := e.now()

	profile, ok := e.blocks[ev.BlockID]
	if !ok {
		e.metrics.unknownBlock()
		e.logger.Warn("Dropping event for unknown block",
			"block_id", ev.BlockID,
			"origin", ev.Origin)
		return
	}

	base, ok := e.baselines.Baseline(ev.BlockID, ev.OccupancyPct)
	if !ok {
		base = ev.EnergyKWh
	}

	record := e.classifier.Classify(classify.Input{
		Event:       ev,
		Label:       profile.Label,
		BaselineKWh: base,
		TariffINR:   e.signals.Tariff().INRPerKWh,
		CarbonKg:    e.signals.Carbon().KgPerKWh,
	})

	e.baselines.Observe(ev.BlockID, ev.EnergyKWh, ev.OccupancyPct, ev.TemperatureC, ev.Timestamp)
	e.snapshots.Apply(record)

	if e.alerts != nil {
		e.alerts.Observe(record)
	}
	if e.actions != nil {
		e.actions.OnRecord(record)
	}

	e.processed.Add(1)
	e.metrics.recordProcessed(string(record.Status))
	e.metrics.observeDuration(e.now().Sub(start))
}

// Processed reports how many events completed the full path.
func (e *Engine) Processed() uint64 {
	return e.processed.Load()
}

// Stop cancels the run loop and waits for the shutdown drain to finish.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running.CompareAndSwap(true, false) {
		return nil
	}

	e.cancel()

	waitDone := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		e.logger.Info("Pipeline stopped", "processed", e.processed.Load())
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Pipeline", "Stop", "waiting for shutdown drain")
	}
}

// Health reports the pipeline's state. Synthetic fallback degrades it:
// records keep flowing but they describe generated data, not meters.
func (e *Engine) Health() health.Status {
	if !e.running.Load() {
		return health.NewUnhealthy("pipeline", "not running")
	}
	activity := &health.Metrics{
		Uptime:          e.now().Sub(e.startedAt),
		EventsProcessed: int64(e.processed.Load()),
	}
	if e.sources.SyntheticActive() {
		return health.NewDegraded("pipeline", "classifying synthetic fallback data").WithMetrics(activity)
	}
	return health.NewHealthy("pipeline", "processing events").WithMetrics(activity)
}

// Metrics holds the pipeline's Prometheus metrics.
type Metrics struct {
	processed *prometheus.CounterVec
	unknown   prometheus.Counter
	duration  prometheus.Histogram
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "events_processed_total",
			Help:      "Events classified and applied, by resulting status",
		}, []string{"status"}),
		unknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "unknown_block_total",
			Help:      "Events dropped because their block ID is not configured",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "pipeline",
			Name:      "process_duration_seconds",
			Help:      "Time to run one event through classify and apply",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
	}

	registry.RegisterCounterVec("pipeline", "events_processed", m.processed)
	registry.RegisterCounter("pipeline", "unknown_block", m.unknown)
	registry.RegisterHistogram("pipeline", "process_duration", m.duration)

	return m
}

func (m *Metrics) recordProcessed(status string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(status).Inc()
}

func (m *Metrics) unknownBlock() {
	if m == nil {
		return
	}
	m.unknown.Inc()
}

func (m *Metrics) observeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}
