package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/pkg/retry"
	"github.com/c360/energysense/telemetry"
)

// NATSConfig configures the NATS telemetry subscription.
type NATSConfig struct {
	URL            string        `json:"url" yaml:"url"`
	Subject        string        `json:"subject" yaml:"subject"`
	QueueGroup     string        `json:"queue_group" yaml:"queue_group"`
	MaxReconnects  int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait  time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// DefaultNATSConfig subscribes to telemetry.events and reconnects
// indefinitely.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Subject:        "telemetry.events",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// Validate checks the server location and subject.
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"NATSConfig", "Validate", "server url required")
	}
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"NATSConfig", "Validate", "subject required")
	}
	return nil
}

// NATSDeps holds runtime dependencies for the NATS source.
type NATSDeps struct {
	Config  NATSConfig
	Metrics *Metrics
	Logger  *slog.Logger
}

// NATS subscribes to a telemetry subject and feeds decoded events into
// the pipeline. Reconnects are delegated to the client; subscriptions
// survive reconnects, so the source only tracks connection state for
// health reporting.
type NATS struct {
	cfg     NATSConfig
	logger  *slog.Logger
	metrics *Metrics

	connected atomic.Bool
	now       func() time.Time
}

// NewNATS creates the NATS source.
func NewNATS(deps NATSDeps) *NATS {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		cfg:     deps.Config,
		logger:  logger.With("component", "source-nats"),
		metrics: deps.Metrics,
		now:     time.Now,
	}
}

// Name implements Source.
func (n *NATS) Name() string { return OriginNATS }

// Connected reports whether the server connection is currently up.
func (n *NATS) Connected() bool {
	return n.connected.Load()
}

// Run connects, subscribes, and blocks until ctx is cancelled.
func (n *NATS) Run(ctx context.Context, sink chan<- telemetry.Event) error {
	if err := n.cfg.Validate(); err != nil {
		return err
	}

	opts := []nats.Option{
		nats.Name("energysense-source"),
		nats.Timeout(n.cfg.ConnectTimeout),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.connected.Store(false)
			n.metrics.sourceError(OriginNATS)
			n.logger.Warn("NATS connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			n.connected.Store(true)
			n.logger.Info("NATS connection restored", "url", conn.ConnectedUrl())
		}),
	}

	// Client-side reconnects cover established connections; the first
	// connect gets its own backoff loop so a late-starting server does
	// not kill the source.
	conn, err := retry.DoWithResult(ctx, retry.Persistent(), func() (*nats.Conn, error) {
		c, connErr := nats.Connect(n.cfg.URL, opts...)
		if connErr != nil {
			n.metrics.sourceError(OriginNATS)
		}
		return c, connErr
	})
	if err != nil {
		return errors.WrapTransient(errors.ErrNoConnection, "NATSSource", "Run",
			fmt.Sprintf("connect %s: %v", n.cfg.URL, err))
	}
	defer conn.Close()
	n.connected.Store(true)

	handler := func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data, OriginNATS, n.now())
		if err != nil {
			n.metrics.malformedDropped(OriginNATS)
			n.logger.Warn("Dropping malformed NATS event", "subject", msg.Subject, "error", err)
			return
		}
		select {
		case sink <- ev:
		case <-ctx.Done():
		}
	}

	var sub *nats.Subscription
	if n.cfg.QueueGroup != "" {
		sub, err = conn.QueueSubscribe(n.cfg.Subject, n.cfg.QueueGroup, handler)
	} else {
		sub, err = conn.Subscribe(n.cfg.Subject, handler)
	}
	if err != nil {
		n.metrics.sourceError(OriginNATS)
		return errors.WrapTransient(errors.ErrSubscriptionFailed, "NATSSource", "Run",
			fmt.Sprintf("subscribe %s: %v", n.cfg.Subject, err))
	}

	n.logger.Info("Subscribed to telemetry subject",
		"url", n.cfg.URL,
		"subject", n.cfg.Subject)

	<-ctx.Done()
	n.connected.Store(false)
	if err := sub.Unsubscribe(); err != nil {
		n.logger.Warn("Unsubscribe failed during shutdown", "error", err)
	}
	return nil
}
