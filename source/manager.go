package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/health"
	"github.com/c360/energysense/pkg/buffer"
	"github.com/c360/energysense/telemetry"
)

// ManagerConfig bounds the shared intake queue and defines when the
// synthetic generator may stand in for live data.
type ManagerConfig struct {
	QueueSize   int           `json:"queue_size" yaml:"queue_size"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// DefaultManagerConfig buffers 2048 events and falls back to synthetic
// data after ten quiet seconds.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		QueueSize:   2048,
		IdleTimeout: 10 * time.Second,
	}
}

// Validate checks the queue bound and fallback timing.
func (c *ManagerConfig) Validate() error {
	if c.QueueSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("queue size %d must be positive", c.QueueSize),
			"ManagerConfig", "Validate", "capacity validation")
	}
	if c.IdleTimeout <= 0 {
		return errors.WrapInvalid(fmt.Errorf("idle timeout %v must be positive", c.IdleTimeout),
			"ManagerConfig", "Validate", "timeout validation")
	}
	return nil
}

// ManagerDeps holds runtime dependencies for the manager.
type ManagerDeps struct {
	Config    ManagerConfig
	Sources   []Source
	Synthetic *Generator
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Manager runs every enabled source into one bounded intake queue and
// owns the live-versus-synthetic arbitration: generated events are
// discarded while any live source delivered within the idle timeout and
// forwarded once the feed has been quiet long enough. The pipeline
// drains the queue through Next.
type Manager struct {
	cfg       ManagerConfig
	sources   []Source
	synthetic *Generator
	logger    *slog.Logger
	metrics   *Metrics

	queue  *buffer.Queue[telemetry.Event]
	intake chan telemetry.Event
	wake   chan struct{}

	lastLive    atomic.Value
	startedAt   time.Time
	syntheticOn atomic.Bool

	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
	mu      sync.Mutex
	wg      sync.WaitGroup

	now func() time.Time
}

// NewManager creates a manager for the given sources. The synthetic
// generator is optional; without one a quiet feed simply goes idle.
func NewManager(deps ManagerDeps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	size := deps.Config.QueueSize
	if size < 1 {
		size = DefaultManagerConfig().QueueSize
	}

	m := &Manager{
		cfg:       deps.Config,
		sources:   deps.Sources,
		synthetic: deps.Synthetic,
		logger:    logger.With("component", "source-manager"),
		metrics:   deps.Metrics,
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
	m.queue = buffer.NewQueue(size,
		buffer.WithDropCallback[telemetry.Event](func(telemetry.Event) {
			m.metrics.queueDropped("intake")
		}))
	m.lastLive.Store(time.Time{})
	return m
}

// Start launches one goroutine per source plus the arbitration loop.
// It is idempotent; starting a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return nil
	}
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.intake = make(chan telemetry.Event, 256)
	m.done = make(chan struct{})
	m.startedAt = m.now()
	m.running.Store(true)

	for _, src := range m.sources {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runSource(runCtx, src)
		}()
	}
	if m.synthetic != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runSource(runCtx, m.synthetic)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.done)
		m.forward(runCtx)
	}()

	m.logger.Info("Source manager started",
		"sources", len(m.sources),
		"synthetic", m.synthetic != nil,
		"queue_size", m.queue.Cap(),
		"idle_timeout", m.cfg.IdleTimeout)

	return nil
}

func (m *Manager) runSource(ctx context.Context, src Source) {
	m.logger.Info("Starting source", "source", src.Name())
	if err := src.Run(ctx, m.intake); err != nil {
		m.metrics.sourceError(src.Name())
		m.logger.Error("Source stopped with error", "source", src.Name(), "error", err)
		return
	}
	m.logger.Info("Source stopped", "source", src.Name())
}

func (m *Manager) forward(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.flushIntake()
			return
		case ev := <-m.intake:
			m.accept(ev)
		}
	}
}

// flushIntake moves whatever is already sitting in the intake channel
// into the queue so a shutdown drain sees it.
func (m *Manager) flushIntake() {
	for {
		select {
		case ev := <-m.intake:
			m.accept(ev)
		default:
			return
		}
	}
}

// accept applies the live-versus-synthetic policy and queues the event.
func (m *Manager) accept(ev telemetry.Event) {
	now := m.now()
	if ev.Synthetic() {
		if !m.syntheticDue(now) {
			m.metrics.syntheticSuppressed()
			return
		}
		if m.syntheticOn.CompareAndSwap(false, true) {
			m.metrics.syntheticMode(true)
			m.logger.Warn("No live telemetry within idle timeout, serving synthetic fallback",
				"idle_timeout", m.cfg.IdleTimeout)
		}
	} else {
		m.lastLive.Store(now)
		if m.syntheticOn.CompareAndSwap(true, false) {
			m.metrics.syntheticMode(false)
			m.logger.Info("Live telemetry resumed, synthetic fallback paused", "source", ev.Origin)
		}
	}

	if err := m.queue.Write(ev); err != nil {
		return
	}
	m.metrics.eventReceived(ev.Origin)
	m.metrics.depth(m.queue.Len())

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// syntheticDue reports whether the live feed has been quiet long enough
// for generated events to pass through.
func (m *Manager) syntheticDue(now time.Time) bool {
	last, _ := m.lastLive.Load().(time.Time)
	if last.IsZero() {
		return now.Sub(m.startedAt) >= m.cfg.IdleTimeout
	}
	return now.Sub(last) >= m.cfg.IdleTimeout
}

// Next blocks until an event is available, ctx is cancelled, or the
// manager has stopped with an empty queue.
func (m *Manager) Next(ctx context.Context) (telemetry.Event, bool) {
	for {
		if ev, ok := m.queue.Read(); ok {
			m.metrics.depth(m.queue.Len())
			return ev, true
		}
		select {
		case <-ctx.Done():
			return telemetry.Event{}, false
		case <-m.done:
			if ev, ok := m.queue.Read(); ok {
				m.metrics.depth(m.queue.Len())
				return ev, true
			}
			return telemetry.Event{}, false
		case <-m.wake:
		}
	}
}

// TryNext returns the next queued event without blocking. Shutdown
// drains use it to empty the queue before the final publish.
func (m *Manager) TryNext() (telemetry.Event, bool) {
	ev, ok := m.queue.Read()
	if ok {
		m.metrics.depth(m.queue.Len())
	}
	return ev, ok
}

// Stop halts the sources and the arbitration loop, waiting up to timeout.
// Queued events stay readable so the pipeline can finish its drain.
func (m *Manager) Stop(timeout time.Duration) error {
	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Manager", "Stop", "graceful shutdown")
	}
	return nil
}

// SyntheticActive reports whether generated events are currently being
// forwarded to the pipeline.
func (m *Manager) SyntheticActive() bool {
	return m.syntheticOn.Load()
}

// LastLiveAt returns the arrival time of the most recent live event.
func (m *Manager) LastLiveAt() (time.Time, bool) {
	last, _ := m.lastLive.Load().(time.Time)
	return last, !last.IsZero()
}

// QueueStats exposes the intake queue counters.
func (m *Manager) QueueStats() buffer.Stats {
	return m.queue.Stats()
}

// Health reports feed liveness: degraded while waiting for the first
// live event or while the synthetic generator is standing in.
func (m *Manager) Health() health.Status {
	if !m.running.Load() {
		return health.NewUnhealthy("sources", "not running")
	}
	if m.syntheticOn.Load() {
		return health.NewDegraded("sources", "serving synthetic fallback")
	}
	last, _ := m.lastLive.Load().(time.Time)
	if last.IsZero() {
		return health.NewDegraded("sources", "waiting for first live event")
	}
	return health.NewHealthy("sources", "live telemetry flowing")
}
