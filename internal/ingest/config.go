package ingest

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines MQTT ingestion configuration. Values come from an optional
// yaml file (INGEST_CONFIG) with env fallbacks, matching the deployment's
// shared-subscription worker group.
type Config struct {
	BrokerHost     string
	BrokerPort     int
	Username       string
	Password       string
	ClientID       string
	Group          string
	AlarmTopic     string
	QoS            byte
	HandleTimeout  time.Duration
	ConnectTimeout time.Duration
}

// fileConfig is the yaml shape; durations are strings like "5s".
type fileConfig struct {
	BrokerHost     string `yaml:"broker_host"`
	BrokerPort     int    `yaml:"broker_port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	ClientID       string `yaml:"client_id"`
	Group          string `yaml:"group"`
	AlarmTopic     string `yaml:"alarm_topic"`
	QoS            *int   `yaml:"qos"`
	HandleTimeout  string `yaml:"handle_timeout"`
	ConnectTimeout string `yaml:"connect_timeout"`
}

// BrokerURL returns the tcp broker address.
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.BrokerHost, c.BrokerPort)
}

// LoadConfig loads config from yaml or env.
func LoadConfig() (Config, error) {
	cfg := Config{
		BrokerHost:     getenvDefault("MQTT_HOST", "localhost"),
		BrokerPort:     getenvIntDefault("MQTT_PORT", 1883),
		Username:       os.Getenv("MQTT_USERNAME"),
		Password:       os.Getenv("MQTT_PASSWORD"),
		ClientID:       getenvDefault("MQTT_CLIENT_ID", "ess-ingestor"),
		Group:          getenvDefault("MQTT_GROUP", "ess-ingestor"),
		AlarmTopic:     os.Getenv("MQTT_ALARM_TOPIC"),
		QoS:            byte(getenvIntDefault("MQTT_QOS", 1)),
		HandleTimeout:  getenvDuration("INGEST_HANDLE_TIMEOUT", 10*time.Second),
		ConnectTimeout: getenvDuration("MQTT_CONNECT_TIMEOUT", 10*time.Second),
	}

	if path := os.Getenv("INGEST_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		var file fileConfig
		if err := yaml.Unmarshal(data, &file); err != nil {
			return cfg, err
		}
		if err := applyFileConfig(&cfg, file); err != nil {
			return cfg, err
		}
	}

	if cfg.AlarmTopic == "" {
		cfg.AlarmTopic = fmt.Sprintf("$share/%s/devices/+/alarm", cfg.Group)
	}
	if cfg.BrokerHost == "" {
		return cfg, errors.New("ingest: broker host required")
	}
	if cfg.QoS > 2 {
		return cfg, errors.New("ingest: qos must be 0, 1 or 2")
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, file fileConfig) error {
	if file.BrokerHost != "" {
		cfg.BrokerHost = file.BrokerHost
	}
	if file.BrokerPort != 0 {
		cfg.BrokerPort = file.BrokerPort
	}
	if file.Username != "" {
		cfg.Username = file.Username
	}
	if file.Password != "" {
		cfg.Password = file.Password
	}
	if file.ClientID != "" {
		cfg.ClientID = file.ClientID
	}
	if file.Group != "" {
		cfg.Group = file.Group
	}
	if file.AlarmTopic != "" {
		cfg.AlarmTopic = file.AlarmTopic
	}
	if file.QoS != nil {
		cfg.QoS = byte(*file.QoS)
	}
	if file.HandleTimeout != "" {
		parsed, err := time.ParseDuration(file.HandleTimeout)
		if err != nil {
			return fmt.Errorf("ingest: handle_timeout: %w", err)
		}
		cfg.HandleTimeout = parsed
	}
	if file.ConnectTimeout != "" {
		parsed, err := time.ParseDuration(file.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("ingest: connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = parsed
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
