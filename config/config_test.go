package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/telemetry"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Blocks, "defaults include a demo block set")
	assert.False(t, cfg.Stream.FileEnabled())
	assert.False(t, cfg.Stream.MQTTEnabled())
	assert.False(t, cfg.Stream.NATSEnabled(), "NATS must stay off until a URL is configured")
	assert.False(t, cfg.Persist.Enabled())
	assert.False(t, cfg.Gateway.TLS.StaticEnabled())
	assert.False(t, cfg.Gateway.TLS.ACMEEnabled())
}

func TestLoadJSONLayerMergesOntoDefaults(t *testing.T) {
	path := writeFile(t, "site.json", `{
		"blocks": [{"id": "B1", "label": "Block One", "base_kwh": 12.5}],
		"gateway": {"http": {"listen_addr": ":9090"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	want := []telemetry.BlockProfile{{ID: "B1", Label: "Block One", BaseKWh: 12.5}}
	if diff := cmp.Diff(want, cfg.Blocks); diff != "" {
		t.Fatalf("blocks mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ":9090", cfg.Gateway.HTTP.ListenAddr)

	// Untouched sections keep their defaults.
	def := Default()
	assert.Equal(t, def.Thresholds, cfg.Thresholds)
	assert.Equal(t, def.Baseline, cfg.Baseline)
	assert.Equal(t, def.Gateway.HTTP.IngestRPS, cfg.Gateway.HTTP.IngestRPS)
}

func TestLoadYAMLLayer(t *testing.T) {
	path := writeFile(t, "site.yaml", `
blocks:
  - id: Y1
    label: Yaml Block
    base_kwh: 20
stream:
  file:
    path: /var/feeds/energy.csv
thresholds:
  tolerance_pct: 15
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Y1", cfg.Blocks[0].ID)
	assert.Equal(t, "/var/feeds/energy.csv", cfg.Stream.File.Path)
	assert.True(t, cfg.Stream.FileEnabled())
	assert.Equal(t, 15.0, cfg.Thresholds.TolerancePct)
}

func TestLoadLayersApplyInOrder(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"blocks": [{"id": "B1", "label": "One", "base_kwh": 10}],
		"gateway": {"http": {"listen_addr": ":9090"}}
	}`)
	site := writeFile(t, "site.yaml", "gateway:\n  http:\n    listen_addr: \":7070\"\n")

	cfg, err := Load(base, site)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Gateway.HTTP.ListenAddr, "later layer wins")
	assert.Equal(t, "B1", cfg.Blocks[0].ID, "earlier layer survives where untouched")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENERGYSENSE_GATEWAY_ADDR", ":6060")
	t.Setenv("ENERGYSENSE_FEED_PATH", "/data/feed.csv")
	t.Setenv("ENERGYSENSE_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("ENERGYSENSE_PERSIST_PATH", "/data/baselines.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Gateway.HTTP.ListenAddr)
	assert.Equal(t, "/data/feed.csv", cfg.Stream.File.Path)
	assert.True(t, cfg.Exports.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Exports.Kafka.Brokers)
	assert.True(t, cfg.Persist.Enabled())
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeFile(t, "site.toml", "x = 1")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedLayer(t *testing.T) {
	path := writeFile(t, "bad.json", `{"blocks": [}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadBlockSets(t *testing.T) {
	cfg := Default()
	cfg.Blocks = nil
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Blocks = []telemetry.BlockProfile{{ID: "", Label: "anon"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Blocks = []telemetry.BlockProfile{{ID: "B1"}, {ID: "B1"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Blocks[0].BaseKWh = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateDelegatesToSections(t *testing.T) {
	cfg := Default()
	cfg.Baseline.HalfLife = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gateway.HTTP.ListenAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Stream.MQTT.BrokerURL = "tcp://broker:1883"
	cfg.Stream.MQTT.Topic = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Persist.Path = "/data/baselines.db"
	cfg.Persist.FlushInterval = 0
	assert.Error(t, cfg.Validate())
}
