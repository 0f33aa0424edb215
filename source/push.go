package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/pkg/buffer"
	"github.com/c360/energysense/telemetry"
)

// PushConfig bounds the ingest buffer between request handlers and the
// pipeline drain.
type PushConfig struct {
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultPushConfig buffers up to 1024 submitted events.
func DefaultPushConfig() PushConfig {
	return PushConfig{QueueSize: 1024}
}

// Validate checks the buffer capacity.
func (c *PushConfig) Validate() error {
	if c.QueueSize < 1 {
		return errors.WrapInvalid(fmt.Errorf("queue size %d must be positive", c.QueueSize),
			"PushConfig", "Validate", "capacity validation")
	}
	return nil
}

// PushDeps holds runtime dependencies for the push source.
type PushDeps struct {
	Config  PushConfig
	Metrics *Metrics
	Logger  *slog.Logger
}

// Push accepts events from request handlers and hands them to the
// pipeline without ever blocking the caller. When the buffer fills the
// oldest unprocessed event is sacrificed.
type Push struct {
	queue   *buffer.Queue[telemetry.Event]
	wake    chan struct{}
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewPush creates the ingest source.
func NewPush(deps PushDeps) *Push {
	cfg := deps.Config
	if cfg.QueueSize < 1 {
		cfg = DefaultPushConfig()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Push{
		wake:    make(chan struct{}, 1),
		logger:  logger.With("component", "source-ingest"),
		metrics: deps.Metrics,
		now:     time.Now,
	}
	p.queue = buffer.NewQueue(cfg.QueueSize,
		buffer.WithDropCallback[telemetry.Event](func(telemetry.Event) {
			p.metrics.queueDropped(OriginIngest)
		}))
	return p
}

// Name implements Source.
func (p *Push) Name() string { return OriginIngest }

// Submit validates and enqueues one event. It never blocks; a full
// buffer evicts the oldest queued event instead. Submitting after the
// source has shut down returns ErrShuttingDown.
func (p *Push) Submit(ev telemetry.Event) error {
	if err := ev.Validate(); err != nil {
		p.metrics.malformedDropped(OriginIngest)
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	if ev.Origin == "" {
		ev.Origin = OriginIngest
	}

	if err := p.queue.Write(ev); err != nil {
		return err
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of submitted events not yet drained.
func (p *Push) Pending() int {
	return p.queue.Len()
}

// Run moves submitted events into the sink until ctx is cancelled, then
// closes the buffer so late submissions fail fast.
func (p *Push) Run(ctx context.Context, sink chan<- telemetry.Event) error {
	defer p.queue.Close()

	for {
		for _, ev := range p.queue.ReadBatch(64) {
			select {
			case sink <- ev:
			case <-ctx.Done():
				return nil
			}
		}
		if p.queue.Len() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}
	}
}
