// Package export streams classified records out of the process: an NDJSON
// audit file and a Kafka topic, both optional. The service subscribes to
// the snapshot publisher and forwards each block's record once per update;
// sinks that fall behind or fail lose records rather than slow the
// publisher, the audit trail is best effort.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/health"
	"github.com/c360/energysense/metric"
	"github.com/c360/energysense/snapshot"
	"github.com/c360/energysense/telemetry"
)

// Sink receives batches of newly updated records. Export may be called
// from the service goroutine only; implementations need no locking against
// concurrent Export calls, but Close may race a final Export.
type Sink interface {
	Name() string
	Export(ctx context.Context, records []telemetry.ClassifiedRecord) error
	Close() error
}

// Config enables and tunes the sinks.
type Config struct {
	File  FileConfig  `json:"file"`
	Kafka KafkaConfig `json:"kafka"`
	// SubscriberBuffer is the snapshot subscription depth. The publisher
	// drops the subscription when the buffer stays full.
	SubscriberBuffer int `json:"subscriber_buffer"`
}

// DefaultConfig returns both sinks disabled.
func DefaultConfig() Config {
	return Config{
		File:             DefaultFileConfig(),
		Kafka:            DefaultKafkaConfig(),
		SubscriberBuffer: 8,
	}
}

// Enabled reports whether any sink is configured on.
func (c Config) Enabled() bool {
	return c.File.Enabled || c.Kafka.Enabled
}

// Validate checks only the enabled sinks.
func (c Config) Validate() error {
	if c.File.Enabled {
		if err := c.File.Validate(); err != nil {
			return err
		}
	}
	if c.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Deps wires the service. Sinks is appended to the config-enabled set;
// the binary leaves it empty.
type Deps struct {
	Config          Config
	Publisher       *snapshot.Publisher
	Sinks           []Sink
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Service fans snapshot updates out to the enabled sinks. One goroutine
// consumes the subscription and extracts the records whose UpdatedAt
// advanced since the last dispatch, so each record is exported once even
// though every snapshot carries the full block set.
type Service struct {
	subscriberBuffer int

	publisher *snapshot.Publisher
	sinks     []Sink
	logger    *slog.Logger
	metrics   *Metrics

	// lastExported is touched only by the run goroutine.
	lastExported map[string]time.Time
	lastError    atomic.Value

	sub     *snapshot.Subscription
	cancel  context.CancelFunc
	running atomic.Bool
	mu      sync.Mutex
	wg      sync.WaitGroup

	now func() time.Time
}

// NewService creates the export service with the sinks its config
// enables.
func NewService(deps Deps) (*Service, error) {
	if deps.Publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Export", "NewService", "snapshot publisher is required")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "export")

	sinks := make([]Sink, 0, len(deps.Sinks)+2)
	if deps.Config.File.Enabled {
		fileSink, err := NewFileSink(deps.Config.File, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	if deps.Config.Kafka.Enabled {
		kafkaSink, err := NewKafkaSink(deps.Config.Kafka, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, kafkaSink)
	}
	sinks = append(sinks, deps.Sinks...)

	if len(sinks) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Export", "NewService", "no sink enabled")
	}

	buffer := deps.Config.SubscriberBuffer
	if buffer < 1 {
		buffer = DefaultConfig().SubscriberBuffer
	}

	return &Service{
		subscriberBuffer: buffer,
		publisher:        deps.Publisher,
		sinks:            sinks,
		logger:           logger,
		metrics:          newMetrics(deps.MetricsRegistry),
		lastExported:     make(map[string]time.Time),
		now:              time.Now,
	}, nil
}

// Start subscribes to the publisher and launches the dispatch loop.
// Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sub = s.publisher.Subscribe(s.subscriberBuffer)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()

	names := make([]string, len(s.sinks))
	for i, sink := range s.sinks {
		names[i] = sink.Name()
	}
	s.logger.Info("Export service started", "sinks", names)
	return nil
}

// run exits when the subscription closes, which the publisher does during
// its own Stop after the final publish. The binary stops the publisher
// first so that last snapshot still flows through here.
func (s *Service) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-s.sub.C:
			if !ok {
				return
			}
			s.dispatch(ctx, snap)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, snap *snapshot.DashboardSnapshot) {
	records := s.delta(snap)
	if len(records) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range s.sinks {
		g.Go(func() error {
			start := s.now()
			if err := sink.Export(gctx, records); err != nil {
				s.metrics.failed(sink.Name())
				s.logger.Warn("Export failed",
					"sink", sink.Name(),
					"records", len(records),
					"error", err)
				return fmt.Errorf("%s: %w", sink.Name(), err)
			}
			s.metrics.exported(sink.Name(), len(records), s.now().Sub(start))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.lastError.Store(err.Error())
		return
	}
	s.lastError.Store("")
}

// delta returns the records whose UpdatedAt advanced since the previous
// snapshot. Blocks still waiting for their first event carry a zero
// UpdatedAt and are skipped.
func (s *Service) delta(snap *snapshot.DashboardSnapshot) []telemetry.ClassifiedRecord {
	var out []telemetry.ClassifiedRecord
	for _, block := range snap.Blocks {
		rec := block.Latest
		if rec.UpdatedAt.IsZero() {
			continue
		}
		if last, ok := s.lastExported[rec.BlockID]; ok && !rec.UpdatedAt.After(last) {
			continue
		}
		s.lastExported[rec.BlockID] = rec.UpdatedAt
		out = append(out, rec)
	}
	return out
}

// Stop ends the dispatch loop and closes every sink.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	s.sub.Close()

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Export", "Stop", "waiting for dispatch loop")
	}

	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			s.logger.Warn("Sink close failed", "sink", sink.Name(), "error", err)
		}
	}
	s.logger.Info("Export service stopped")
	return nil
}

// Health reports degraded while the most recent dispatch had a failing
// sink.
func (s *Service) Health() health.Status {
	if !s.running.Load() {
		return health.NewUnhealthy("export", "not running")
	}
	if msg, ok := s.lastError.Load().(string); ok && msg != "" {
		return health.NewDegraded("export", "last dispatch failed: "+msg)
	}
	return health.NewHealthy("export", "exporting records")
}

// Metrics holds Prometheus metrics for the export service.
type Metrics struct {
	records  *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration prometheus.Histogram
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "export",
			Name:      "records_total",
			Help:      "Records delivered, by sink",
		}, []string{"sink"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "export",
			Name:      "failures_total",
			Help:      "Export batches that failed, by sink",
		}, []string{"sink"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "export",
			Name:      "batch_duration_seconds",
			Help:      "Time to deliver one batch to one sink",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	registry.RegisterCounterVec("export", "records", m.records)
	registry.RegisterCounterVec("export", "failures", m.failures)
	registry.RegisterHistogram("export", "batch_duration", m.duration)

	return m
}

func (m *Metrics) exported(sink string, count int, d time.Duration) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(sink).Add(float64(count))
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) failed(sink string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(sink).Inc()
}
