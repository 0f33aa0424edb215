// Package config assembles the full EnergySense runtime configuration
// from layered sources: built-in defaults, then one or more JSON or YAML
// files applied in order, then ENERGYSENSE_-prefixed environment
// overrides for the common deployment scalars. Each section reuses the
// owning package's config struct so defaults and validation live next to
// the code they tune.
//
// Durations in config files are integer nanoseconds (Go's time.Duration
// wire form); the defaults are chosen so most deployments only set
// paths, addresses, and the block list.
package config

import (
	"fmt"
	"time"

	"github.com/c360/energysense/action"
	"github.com/c360/energysense/alert"
	"github.com/c360/energysense/baseline"
	"github.com/c360/energysense/classify"
	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/export"
	"github.com/c360/energysense/gateway"
	"github.com/c360/energysense/pkg/acme"
	"github.com/c360/energysense/predict"
	"github.com/c360/energysense/sidestream"
	"github.com/c360/energysense/snapshot"
	"github.com/c360/energysense/source"
	"github.com/c360/energysense/telemetry"
)

// Config is the whole runtime configuration.
type Config struct {
	Blocks     []telemetry.BlockProfile `json:"blocks"`
	Baseline   baseline.Config          `json:"baseline"`
	Thresholds classify.Thresholds      `json:"thresholds"`
	Signals    SignalsConfig            `json:"signals"`
	Stream     StreamConfig             `json:"stream"`
	Snapshot   SnapshotConfig           `json:"snapshot"`
	Alerts     alert.Config             `json:"alerts"`
	Actions    action.Config            `json:"actions"`
	Predict    predict.TrendConfig      `json:"predict"`
	Gateway    GatewayConfig            `json:"gateway"`
	Exports    export.Config            `json:"exports"`
	Persist    PersistConfig            `json:"persist"`
}

// SignalsConfig groups the side-stream registry and its poller.
type SignalsConfig struct {
	Staleness sidestream.Config       `json:"staleness"`
	Poller    sidestream.PollerConfig `json:"poller"`
}

// StreamConfig groups event intake. Optional sources are enabled by
// their key setting: the file tail by a non-empty path, MQTT by a broker
// URL, NATS by a server URL. The push source and the synthetic fallback
// generator are always constructed.
type StreamConfig struct {
	Manager   source.ManagerConfig   `json:"manager"`
	Synthetic source.SyntheticConfig `json:"synthetic"`
	File      source.FileTailConfig  `json:"file"`
	MQTT      source.MQTTConfig      `json:"mqtt"`
	NATS      source.NATSConfig      `json:"nats"`
	Push      source.PushConfig      `json:"push"`
}

// FileEnabled reports whether the file-tail source is configured.
func (c StreamConfig) FileEnabled() bool { return c.File.Path != "" }

// MQTTEnabled reports whether the MQTT source is configured.
func (c StreamConfig) MQTTEnabled() bool { return c.MQTT.BrokerURL != "" }

// NATSEnabled reports whether the NATS source is configured.
func (c StreamConfig) NATSEnabled() bool { return c.NATS.URL != "" }

// SnapshotConfig groups the aggregation store and the publisher.
type SnapshotConfig struct {
	Store     snapshot.Config          `json:"store"`
	Publisher snapshot.PublisherConfig `json:"publisher"`
}

// GatewayConfig groups the HTTP surface and its optional TLS setup.
type GatewayConfig struct {
	HTTP gateway.Config `json:"http"`
	TLS  TLSConfig      `json:"tls"`
}

// TLSConfig selects the gateway's certificate source. A cert/key pair
// wins over ACME when both are set; both empty serves plain HTTP.
type TLSConfig struct {
	CertFile string      `json:"cert_file"`
	KeyFile  string      `json:"key_file"`
	ACME     acme.Config `json:"acme"`
}

// StaticEnabled reports whether a cert/key pair is configured.
func (c TLSConfig) StaticEnabled() bool { return c.CertFile != "" && c.KeyFile != "" }

// ACMEEnabled reports whether automated certificates are configured.
func (c TLSConfig) ACMEEnabled() bool { return !c.StaticEnabled() && c.ACME.Email != "" }

// PersistConfig controls optional baseline persistence. Empty path
// disables it; derived state is then in-memory for the process lifetime.
type PersistConfig struct {
	Path          string        `json:"path"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// Enabled reports whether baselines are persisted across restarts.
func (c PersistConfig) Enabled() bool { return c.Path != "" }

// Default returns the full default configuration, including a small demo
// block set so a bare binary produces a live dashboard from the
// synthetic generator alone.
func Default() Config {
	// The NATS default carries the local server URL for direct use of
	// the source package; as a layered default it must stay off until a
	// deployment names a server.
	natsCfg := source.DefaultNATSConfig()
	natsCfg.URL = ""

	return Config{
		Blocks: []telemetry.BlockProfile{
			{ID: "BLK-A", Label: "Academic Block A", BaseKWh: 35.0},
			{ID: "BLK-B", Label: "Academic Block B", BaseKWh: 38.5},
			{ID: "LIB", Label: "Central Library", BaseKWh: 52.0},
			{ID: "HOSTEL-1", Label: "Hostel 1", BaseKWh: 44.0},
			{ID: "LABS", Label: "Research Labs", BaseKWh: 61.5},
		},
		Baseline:   baseline.DefaultConfig(),
		Thresholds: classify.DefaultThresholds(),
		Signals: SignalsConfig{
			Staleness: sidestream.DefaultConfig(),
			Poller:    sidestream.DefaultPollerConfig(),
		},
		Stream: StreamConfig{
			Manager:   source.DefaultManagerConfig(),
			Synthetic: source.DefaultSyntheticConfig(),
			File:      source.DefaultFileTailConfig(),
			MQTT:      source.DefaultMQTTConfig(),
			NATS:      natsCfg,
			Push:      source.DefaultPushConfig(),
		},
		Snapshot: SnapshotConfig{
			Store:     snapshot.DefaultConfig(),
			Publisher: snapshot.DefaultPublisherConfig(),
		},
		Alerts:  alert.DefaultConfig(),
		Actions: action.DefaultConfig(),
		Predict: predict.DefaultTrendConfig(),
		Gateway: GatewayConfig{
			HTTP: gateway.DefaultConfig(),
		},
		Exports: export.DefaultConfig(),
		Persist: PersistConfig{
			FlushInterval: 30 * time.Second,
		},
	}
}

// Validate checks the whole configuration, delegating each section to
// its owning package.
func (c *Config) Validate() error {
	if len(c.Blocks) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "at least one block is required")
	}
	seen := make(map[string]struct{}, len(c.Blocks))
	for i, b := range c.Blocks {
		if b.ID == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("blocks[%d]: id is required", i))
		}
		if _, dup := seen[b.ID]; dup {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"duplicate block id "+b.ID)
		}
		seen[b.ID] = struct{}{}
		if b.BaseKWh < 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"block "+b.ID+": base_kwh must not be negative")
		}
	}

	if err := c.Baseline.Validate(); err != nil {
		return err
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Stream.Manager.Validate(); err != nil {
		return err
	}
	if err := c.Stream.Push.Validate(); err != nil {
		return err
	}
	if c.Stream.FileEnabled() {
		if err := c.Stream.File.Validate(); err != nil {
			return err
		}
	}
	if c.Stream.MQTTEnabled() {
		if err := c.Stream.MQTT.Validate(); err != nil {
			return err
		}
	}
	if c.Stream.NATSEnabled() {
		if err := c.Stream.NATS.Validate(); err != nil {
			return err
		}
	}
	if err := c.Snapshot.Store.Validate(); err != nil {
		return err
	}
	if err := c.Snapshot.Publisher.Validate(); err != nil {
		return err
	}
	if err := c.Alerts.Validate(); err != nil {
		return err
	}
	if err := c.Actions.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.HTTP.Validate(); err != nil {
		return err
	}
	if err := c.Exports.Validate(); err != nil {
		return err
	}
	if c.Gateway.TLS.ACMEEnabled() {
		if err := c.Gateway.TLS.ACME.Validate(); err != nil {
			return err
		}
	}
	if c.Persist.Enabled() && c.Persist.FlushInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"persist.flush_interval must be positive")
	}
	return nil
}
