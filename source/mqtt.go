package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/pkg/retry"
	"github.com/c360/energysense/telemetry"
)

// MQTTConfig configures the MQTT telemetry subscription.
type MQTTConfig struct {
	BrokerURL      string        `json:"broker_url" yaml:"broker_url"`
	Topic          string        `json:"topic" yaml:"topic"`
	ClientID       string        `json:"client_id" yaml:"client_id"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"password" yaml:"password"`
	QoS            byte          `json:"qos" yaml:"qos"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
}

// DefaultMQTTConfig subscribes at QoS 1 on the standard telemetry topic.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Topic:          "energysense/telemetry",
		ClientID:       "energysense-source",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate checks the broker location and topic.
func (c *MQTTConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"MQTTConfig", "Validate", "broker url required")
	}
	if c.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"MQTTConfig", "Validate", "topic required")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("qos %d out of range", c.QoS),
			"MQTTConfig", "Validate", "qos validation")
	}
	return nil
}

// MQTTDeps holds runtime dependencies for the MQTT source.
type MQTTDeps struct {
	Config  MQTTConfig
	Metrics *Metrics
	Logger  *slog.Logger
}

// MQTT subscribes to a telemetry topic and feeds decoded events into the
// pipeline. Reconnects are delegated to the client library; the
// subscription is re-established from the connect handler so it survives
// broker restarts.
type MQTT struct {
	cfg     MQTTConfig
	logger  *slog.Logger
	metrics *Metrics

	connected atomic.Bool
	now       func() time.Time
}

// NewMQTT creates the MQTT source.
func NewMQTT(deps MQTTDeps) *MQTT {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		cfg:     deps.Config,
		logger:  logger.With("component", "source-mqtt"),
		metrics: deps.Metrics,
		now:     time.Now,
	}
}

// Name implements Source.
func (m *MQTT) Name() string { return OriginMQTT }

// Connected reports whether the broker connection is currently up.
func (m *MQTT) Connected() bool {
	return m.connected.Load()
}

// Run connects, subscribes, and blocks until ctx is cancelled.
func (m *MQTT) Run(ctx context.Context, sink chan<- telemetry.Event) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		ev, err := decodeEvent(msg.Payload(), OriginMQTT, m.now())
		if err != nil {
			m.metrics.malformedDropped(OriginMQTT)
			m.logger.Warn("Dropping malformed MQTT event", "topic", msg.Topic(), "error", err)
			return
		}
		select {
		case sink <- ev:
		case <-ctx.Done():
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.BrokerURL).
		SetClientID(m.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetOrderMatters(false)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		m.connected.Store(true)
		if token := client.Subscribe(m.cfg.Topic, m.cfg.QoS, handler); token.Wait() && token.Error() != nil {
			m.metrics.sourceError(OriginMQTT)
			m.logger.Error("MQTT subscribe failed", "topic", m.cfg.Topic, "error", token.Error())
			return
		}
		m.logger.Info("Subscribed to telemetry topic",
			"broker", m.cfg.BrokerURL,
			"topic", m.cfg.Topic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.connected.Store(false)
		m.metrics.sourceError(OriginMQTT)
		m.logger.Warn("MQTT connection lost, reconnecting", "error", err)
	})

	// The initial connect gets a backoff loop of its own; auto-reconnect
	// only kicks in once the first connection has succeeded.
	client := mqtt.NewClient(opts)
	err := retry.Do(ctx, retry.Persistent(), func() error {
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			m.metrics.sourceError(OriginMQTT)
			return token.Error()
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(errors.ErrNoConnection, "MQTTSource", "Run",
			fmt.Sprintf("connect %s: %v", m.cfg.BrokerURL, err))
	}

	<-ctx.Done()
	m.connected.Store(false)
	client.Disconnect(250)
	return nil
}
