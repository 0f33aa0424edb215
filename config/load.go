package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/energysense/errors"
)

// EnvPrefix is shared by every environment override this package reads.
const EnvPrefix = "ENERGYSENSE_"

// Load builds the configuration: defaults, then each file in order, then
// environment overrides. Later layers win field by field; a file only
// has to name the sections it changes.
func Load(paths ...string) (*Config, error) {
	cfg := Default()

	for _, path := range paths {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFile merges one JSON or YAML file onto cfg. YAML is decoded to a
// generic document and re-marshaled through JSON so both formats share
// one set of field names, the json tags.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapFatal(err, "Config", "applyFile", "read "+path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return errors.WrapInvalid(err, "Config", "applyFile", "parse YAML "+path)
		}
		raw, err = json.Marshal(doc)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "applyFile", "normalize YAML "+path)
		}
	case ".json":
		// Used as-is.
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "applyFile",
			fmt.Sprintf("unsupported config format %q in %s", filepath.Ext(path), path))
	}

	if err := json.Unmarshal(raw, cfg); err != nil {
		return errors.WrapInvalid(err, "Config", "applyFile", "decode "+path)
	}
	return nil
}

// applyEnv overlays the deployment scalars most often set outside config
// files. Each variable maps to exactly one field; anything richer
// belongs in a file layer.
func applyEnv(cfg *Config) {
	overrides := []struct {
		key   string
		apply func(string)
	}{
		{"GATEWAY_ADDR", func(v string) { cfg.Gateway.HTTP.ListenAddr = v }},
		{"FEED_PATH", func(v string) { cfg.Stream.File.Path = v }},
		{"MQTT_BROKER", func(v string) { cfg.Stream.MQTT.BrokerURL = v }},
		{"NATS_URL", func(v string) { cfg.Stream.NATS.URL = v }},
		{"WEATHER_URL", func(v string) { cfg.Signals.Poller.WeatherURL = v }},
		{"TARIFF_SCHEDULE", func(v string) { cfg.Signals.Poller.TariffSchedulePath = v }},
		{"CARBON_SCHEDULE", func(v string) { cfg.Signals.Poller.CarbonSchedulePath = v }},
		{"PERSIST_PATH", func(v string) { cfg.Persist.Path = v }},
		{"EXPORT_FILE", func(v string) {
			cfg.Exports.File.Enabled = true
			cfg.Exports.File.Path = v
		}},
		{"KAFKA_BROKERS", func(v string) {
			cfg.Exports.Kafka.Enabled = true
			cfg.Exports.Kafka.Brokers = splitList(v)
		}},
		{"TLS_CERT", func(v string) { cfg.Gateway.TLS.CertFile = v }},
		{"TLS_KEY", func(v string) { cfg.Gateway.TLS.KeyFile = v }},
	}

	for _, o := range overrides {
		if v := os.Getenv(EnvPrefix + o.key); v != "" {
			o.apply(v)
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
