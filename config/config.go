// Package config loads the sensor link daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	Link    LinkConfig    `yaml:"link"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LinkConfig contains the serial link configuration.
type LinkConfig struct {
	Name              string        `yaml:"name"`
	Port              string        `yaml:"port"` // empty: first enumerated port
	BaudRate          int           `yaml:"baud_rate"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
	RetrievalTimeout  time.Duration `yaml:"retrieval_timeout"`
}

// MQTTConfig contains the MQTT bridge configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UseTLS      bool   `yaml:"use_tls"`
}

// MetricsConfig contains the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() *Config {
	return &Config{
		Link: LinkConfig{
			Name:              "sensor",
			BaudRate:          115200,
			ReadTimeout:       100 * time.Millisecond,
			ReconnectInterval: 2 * time.Second,
			StaleTimeout:      10 * time.Second,
			RetrievalTimeout:  2 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "sensorlink",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9105",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("link config: %w", err)
	}

	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates link configuration
func (l *LinkConfig) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if l.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", l.BaudRate)
	}

	if l.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be positive, got %s", l.ReadTimeout)
	}

	if l.ReconnectInterval <= 0 {
		return fmt.Errorf("reconnect_interval must be positive, got %s", l.ReconnectInterval)
	}

	if l.StaleTimeout <= l.ReadTimeout {
		return fmt.Errorf("stale_timeout (%s) must be greater than read_timeout (%s)", l.StaleTimeout, l.ReadTimeout)
	}

	if l.RetrievalTimeout <= 0 {
		return fmt.Errorf("retrieval_timeout must be positive, got %s", l.RetrievalTimeout)
	}

	return nil
}

// Validate validates MQTT configuration
func (m *MQTTConfig) Validate() error {
	if !m.Enabled {
		return nil
	}

	if m.Broker == "" {
		return fmt.Errorf("broker cannot be empty when MQTT is enabled")
	}

	if m.TopicPrefix == "" {
		return fmt.Errorf("topic_prefix cannot be empty when MQTT is enabled")
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Address == "" {
		return fmt.Errorf("address cannot be empty when metrics are enabled")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}
