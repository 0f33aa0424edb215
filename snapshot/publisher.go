package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/health"
	"github.com/c360/energysense/metric"
	"github.com/c360/energysense/predict"
	"github.com/c360/energysense/sidestream"
)

// Metrics holds Prometheus metrics for the publisher.
type Metrics struct {
	publishes       prometheus.Counter
	subscribers     prometheus.Gauge
	subscriberDrops prometheus.Counter
	blocks          prometheus.Gauge
	eventsPerMinute prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "snapshot",
			Name:      "publishes_total",
			Help:      "Snapshots published to subscribers",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "snapshot",
			Name:      "subscribers",
			Help:      "Currently registered snapshot subscribers",
		}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "snapshot",
			Name:      "subscriber_drops_total",
			Help:      "Subscribers dropped for not keeping up",
		}),
		blocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "snapshot",
			Name:      "blocks",
			Help:      "Blocks present in the published snapshot",
		}),
		eventsPerMinute: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "snapshot",
			Name:      "events_per_minute",
			Help:      "Events observed across all blocks in the liveness window",
		}),
	}

	registry.RegisterCounter("snapshot", "publishes", m.publishes)
	registry.RegisterGauge("snapshot", "subscribers", m.subscribers)
	registry.RegisterCounter("snapshot", "subscriber_drops", m.subscriberDrops)
	registry.RegisterGauge("snapshot", "blocks", m.blocks)
	registry.RegisterGauge("snapshot", "events_per_minute", m.eventsPerMinute)

	return m
}

// PublisherConfig bounds the publish cadence and subscriber queues.
type PublisherConfig struct {
	// Interval is the publish tick; block updates arriving between ticks
	// coalesce into one snapshot.
	Interval time.Duration `json:"interval"`
	// SubscriberBuffer is the default per-subscriber channel capacity.
	SubscriberBuffer int `json:"subscriber_buffer"`
}

// DefaultPublisherConfig returns a one second cadence with room for eight
// unread snapshots per subscriber.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Interval:         time.Second,
		SubscriberBuffer: 8,
	}
}

// Validate checks the cadence bounds.
func (c *PublisherConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("interval %v <= 0", c.Interval),
			"PublisherConfig", "Validate", "interval validation")
	}
	if c.SubscriberBuffer < 1 {
		return errors.WrapInvalid(fmt.Errorf("subscriber buffer %d < 1", c.SubscriberBuffer),
			"PublisherConfig", "Validate", "buffer validation")
	}
	return nil
}

// Subscription is one consumer's snapshot feed. The channel closes when
// the consumer is dropped for falling behind or when the publisher shuts
// down; consumers reconnect by subscribing again.
type Subscription struct {
	C  <-chan *DashboardSnapshot
	id uint64
	p  *Publisher
}

// Close unregisters the subscription and closes its channel. Safe to call
// after the publisher has already dropped the subscriber.
func (s *Subscription) Close() {
	s.p.unsubscribe(s.id)
}

// PublisherDeps holds runtime dependencies for the publisher.
type PublisherDeps struct {
	Config          PublisherConfig
	Store           *Store
	Signals         *sidestream.Registry
	Forecaster      predict.Forecaster
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Publisher rebuilds and publishes the dashboard snapshot on a fixed
// cadence. Publishing is an atomic pointer swap plus a fire-and-forget
// fan-out; a subscriber that cannot keep up is dropped, never waited on.
type Publisher struct {
	cfg        PublisherConfig
	store      *Store
	signals    *sidestream.Registry
	forecaster predict.Forecaster
	logger     *slog.Logger
	metrics    *Metrics

	// publishMu serializes Publish so the current pointer and sequence
	// always advance together, even when the pipeline triggers a final
	// publish while the tick loop is still active.
	publishMu sync.Mutex
	current   atomic.Pointer[DashboardSnapshot]
	sequence  atomic.Uint64

	subsMu    sync.Mutex
	subs      map[uint64]chan *DashboardSnapshot
	nextSubID uint64

	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewPublisher creates a publisher.
func NewPublisher(deps PublisherDeps) *Publisher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "snapshot-publisher")
	}

	return &Publisher{
		cfg:        deps.Config,
		store:      deps.Store,
		signals:    deps.Signals,
		forecaster: deps.Forecaster,
		logger:     logger,
		metrics:    newMetrics(deps.MetricsRegistry),
		subs:       make(map[uint64]chan *DashboardSnapshot),
	}
}

// Start begins the publish loop. Idempotent.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.store == nil || p.signals == nil {
		return errors.WrapInvalid(fmt.Errorf("nil store or signal registry"),
			"Publisher", "Start", "dependency validation")
	}

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

func (p *Publisher) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.Publish()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.Publish()
		}
	}
}

// Publish rebuilds the snapshot from current store state, swaps it in as
// the current snapshot and fans it out. It is normally driven by the
// tick loop; the pipeline also calls it once after draining so the final
// events are visible before shutdown.
func (p *Publisher) Publish() {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	signals := p.signals.Signals(time.Now())
	snap := p.store.Build(signals, p.forecaster)
	snap.Sequence = p.sequence.Add(1)
	p.current.Store(snap)

	p.subsMu.Lock()
	for id, ch := range p.subs {
		select {
		case ch <- snap:
		default:
			delete(p.subs, id)
			close(ch)
			if p.metrics != nil {
				p.metrics.subscriberDrops.Inc()
			}
			p.logger.Warn("Dropping slow snapshot subscriber",
				"subscriber_id", id,
				"buffer", cap(ch))
		}
	}
	subscriberCount := len(p.subs)
	p.subsMu.Unlock()

	if p.metrics != nil {
		p.metrics.publishes.Inc()
		p.metrics.subscribers.Set(float64(subscriberCount))
		p.metrics.blocks.Set(float64(snap.Totals.BlockCount))
		p.metrics.eventsPerMinute.Set(float64(snap.Stream.EventsPerMinute))
	}
}

// Current returns the most recently published snapshot, or nil before the
// first publish. Reads are idempotent: the same pointer is returned until
// the next publish swaps it.
func (p *Publisher) Current() *DashboardSnapshot {
	return p.current.Load()
}

// Subscribe registers a consumer with the given channel buffer (values
// below one use the configured default). The current snapshot, when one
// exists, is delivered immediately.
func (p *Publisher) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = p.cfg.SubscriberBuffer
	}
	ch := make(chan *DashboardSnapshot, buffer)

	p.subsMu.Lock()
	p.nextSubID++
	id := p.nextSubID
	p.subs[id] = ch
	count := len(p.subs)
	p.subsMu.Unlock()

	if snap := p.current.Load(); snap != nil {
		select {
		case ch <- snap:
		default:
		}
	}
	if p.metrics != nil {
		p.metrics.subscribers.Set(float64(count))
	}

	return &Subscription{C: ch, id: id, p: p}
}

func (p *Publisher) unsubscribe(id uint64) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()

	if ch, exists := p.subs[id]; exists {
		delete(p.subs, id)
		close(ch)
		if p.metrics != nil {
			p.metrics.subscribers.Set(float64(len(p.subs)))
		}
	}
}

// Stop halts the loop, performs one final publish so the last applied
// records are visible, then closes every subscriber channel.
func (p *Publisher) Stop(timeout time.Duration) error {
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
			"Publisher", "Stop", "graceful shutdown")
	}

	p.Publish()

	p.subsMu.Lock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.subsMu.Unlock()

	return nil
}

// Health reports publisher health.
func (p *Publisher) Health() health.Status {
	if !p.running.Load() {
		return health.NewUnhealthy("snapshot-publisher", "not running")
	}
	return health.NewHealthy("snapshot-publisher", "publishing snapshots")
}
