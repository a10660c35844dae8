package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bletemp/internal/gap"
	"github.com/srg/bletemp/internal/gatt"
	"gopkg.in/yaml.v3"
)

// Sensor kinds
const (
	SensorSim     = "sim"
	SensorThermal = "thermal"
)

// Address types
const (
	AddressPublic = "public"
	AddressRandom = "random"
)

var ErrInvalidConfig = errors.New("invalid config")

// RetryConfig controls bounded re-advertising after a failed start.
// Disabled by default: a failed start then waits for the next stack event.
type RetryConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled" default:"false"`
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts" default:"3"`
	Backoff     time.Duration `yaml:"backoff" json:"backoff" default:"1s"`
}

// Config holds application configuration
type Config struct {
	LogLevel        string        `yaml:"log_level" json:"log_level" default:"info"`
	DeviceName      string        `yaml:"device_name" json:"device_name" default:"ble_temp_sensor"`
	AddressType     string        `yaml:"address_type" json:"address_type" default:"public"`
	Privacy         bool          `yaml:"privacy" json:"privacy" default:"false"`
	Sensor          string        `yaml:"sensor" json:"sensor" default:"sim"`
	ThermalZone     string        `yaml:"thermal_zone" json:"thermal_zone" default:"/sys/class/thermal/thermal_zone0/temp"`
	SamplePeriod    time.Duration `yaml:"sample_period" json:"sample_period" default:"100ms"`
	AdvDuration     time.Duration `yaml:"adv_duration" json:"adv_duration" default:"0s"` // 0 advertises forever
	AdvRetry        RetryConfig   `yaml:"adv_retry" json:"adv_retry"`
	EventQueueDepth int           `yaml:"event_queue_depth" json:"event_queue_depth" default:"32"`
	BacklogDepth    uint32        `yaml:"backlog_depth" json:"backlog_depth" default:"8"`
	DiagLogSize     int           `yaml:"diag_log_size" json:"diag_log_size" default:"1024"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.DeviceName == "" || len(c.DeviceName) > gatt.MaxDeviceNameLen {
		return fmt.Errorf("%w: device_name must be 1..%d bytes", ErrInvalidConfig, gatt.MaxDeviceNameLen)
	}
	if _, err := gap.SensorAdvFields(c.DeviceName).Encode(0); err != nil {
		return fmt.Errorf("%w: device_name: %w", ErrInvalidConfig, err)
	}
	switch c.AddressType {
	case AddressPublic, AddressRandom:
	default:
		return fmt.Errorf("%w: address_type %q (must be public or random)", ErrInvalidConfig, c.AddressType)
	}
	switch c.Sensor {
	case SensorSim:
	case SensorThermal:
		if c.ThermalZone == "" {
			return fmt.Errorf("%w: thermal_zone is required for the thermal sensor", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: sensor %q (must be sim or thermal)", ErrInvalidConfig, c.Sensor)
	}
	if c.SamplePeriod <= 0 {
		return fmt.Errorf("%w: sample_period must be > 0", ErrInvalidConfig)
	}
	if c.AdvDuration < 0 {
		return fmt.Errorf("%w: adv_duration must be >= 0", ErrInvalidConfig)
	}
	if c.AdvRetry.Enabled && (c.AdvRetry.MaxAttempts <= 0 || c.AdvRetry.Backoff <= 0) {
		return fmt.Errorf("%w: adv_retry needs max_attempts > 0 and backoff > 0", ErrInvalidConfig)
	}
	if c.EventQueueDepth <= 0 {
		return fmt.Errorf("%w: event_queue_depth must be > 0", ErrInvalidConfig)
	}
	if c.BacklogDepth == 0 {
		return fmt.Errorf("%w: backlog_depth must be > 0", ErrInvalidConfig)
	}
	if c.DiagLogSize <= 0 {
		return fmt.Errorf("%w: diag_log_size must be > 0", ErrInvalidConfig)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
