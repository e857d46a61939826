package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("INGEST_CONFIG", "")
	t.Setenv("MQTT_HOST", "")
	t.Setenv("MQTT_PORT", "")
	t.Setenv("MQTT_ALARM_TOPIC", "")
	t.Setenv("MQTT_GROUP", "")
	t.Setenv("MQTT_QOS", "")
	t.Setenv("INGEST_HANDLE_TIMEOUT", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "tcp://localhost:1883", cfg.BrokerURL())
	assert.Equal(t, "$share/ess-ingestor/devices/+/alarm", cfg.AlarmTopic)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Equal(t, 10*time.Second, cfg.HandleTimeout)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("INGEST_CONFIG", "")
	t.Setenv("MQTT_HOST", "broker.internal")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_GROUP", "ess-staging")
	t.Setenv("MQTT_ALARM_TOPIC", "")
	t.Setenv("MQTT_QOS", "2")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.internal:8883", cfg.BrokerURL())
	assert.Equal(t, "$share/ess-staging/devices/+/alarm", cfg.AlarmTopic)
	assert.Equal(t, byte(2), cfg.QoS)
}

func TestLoadConfigYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker_host: mqtt.prod
broker_port: 1883
username: ingestor
alarm_topic: "$share/prod/devices/+/alarm"
handle_timeout: 5s
`), 0o600))

	t.Setenv("INGEST_CONFIG", path)
	t.Setenv("MQTT_HOST", "")
	t.Setenv("MQTT_ALARM_TOPIC", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "mqtt.prod", cfg.BrokerHost)
	assert.Equal(t, "ingestor", cfg.Username)
	assert.Equal(t, "$share/prod/devices/+/alarm", cfg.AlarmTopic)
	assert.Equal(t, 5*time.Second, cfg.HandleTimeout)
}

func TestLoadConfigRejectsBadQoS(t *testing.T) {
	t.Setenv("INGEST_CONFIG", "")
	t.Setenv("MQTT_QOS", "3")

	_, err := LoadConfig()
	assert.Error(t, err)
}
