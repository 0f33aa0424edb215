package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/telemetry"
)

func TestMQTTConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MQTTConfig)
		wantErr bool
	}{
		{"broker set", func(c *MQTTConfig) { c.BrokerURL = "tcp://localhost:1883" }, false},
		{"missing broker", func(*MQTTConfig) {}, true},
		{"missing topic", func(c *MQTTConfig) { c.BrokerURL = "tcp://localhost:1883"; c.Topic = "" }, true},
		{"qos out of range", func(c *MQTTConfig) { c.BrokerURL = "tcp://localhost:1883"; c.QoS = 3 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMQTTConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMQTTRunRejectsInvalidConfig(t *testing.T) {
	m := NewMQTT(MQTTDeps{})
	err := m.Run(context.Background(), make(chan telemetry.Event))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMQTTSourceName(t *testing.T) {
	assert.Equal(t, OriginMQTT, NewMQTT(MQTTDeps{}).Name())
}
