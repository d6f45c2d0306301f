// Package config loads and validates the service configuration from a
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
)

// Poll interval bounds in seconds: at least once a day, at most once a
// minute
const (
	MinPollIntervalSeconds     = 60
	MaxPollIntervalSeconds     = 86400
	DefaultPollIntervalSeconds = 86400
)

// Config is the root application configuration
type Config struct {
	Devices       []DeviceConfig      `yaml:"devices"`
	Engine        EngineConfig        `yaml:"engine"`
	Prometheus    PrometheusConfig    `yaml:"prometheus"`
	Logging       LoggingConfig       `yaml:"logging"`
	Profiling     ProfilingConfig     `yaml:"profiling"`
	OpenTelemetry OpenTelemetryConfig `yaml:"opentelemetry"`
}

// DeviceConfig describes one configured aTick meter
type DeviceConfig struct {
	Name                string        `yaml:"name"`
	Address             string        `yaml:"address"`
	PIN                 string        `yaml:"pin"`
	PollIntervalSeconds int           `yaml:"pollIntervalSeconds"`
	CounterA            CounterConfig `yaml:"counterA"`
	CounterB            CounterConfig `yaml:"counterB"`
}

// CounterConfig is the display transform for one counter. An omitted
// ratio defaults to 1.0.
type CounterConfig struct {
	Ratio  float64 `yaml:"ratio"`
	Offset float64 `yaml:"offset"`
}

// EngineConfig contains the per-device engine tuning. Values live here
// instead of package constants so tests and deployments can override
// them.
type EngineConfig struct {
	LockTimeoutSeconds    int `yaml:"lockTimeoutSeconds" env:"LOCK_TIMEOUT_SECONDS" env-default:"30"`
	BackoffBaseSeconds    int `yaml:"backoffBaseSeconds" env:"BACKOFF_BASE_SECONDS" env-default:"2"`
	BackoffMaxSeconds     int `yaml:"backoffMaxSeconds" env:"BACKOFF_MAX_SECONDS" env-default:"512"`
	MaxConnectionFailures int `yaml:"maxConnectionFailures" env:"MAX_CONNECTION_FAILURES" env-default:"5"`
}

// PrometheusConfig contains the remote_write push configuration
type PrometheusConfig struct {
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"15"`
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	BatchSize           int    `yaml:"batchSize" env:"BATCH_SIZE" env-default:"500"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"1000"`
}

var (
	macAddressRegex = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$`)
	pinRegex        = regexp.MustCompile(`^[0-9]{1,9}$`)
)

// Load reads the configuration file and validates it
func Load(configPath string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration and applies per-device defaults
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}

	seenAddresses := make(map[string]bool)
	for i := range c.Devices {
		device := &c.Devices[i]

		if device.Name == "" {
			return fmt.Errorf("device %d: name is required", i)
		}
		if !macAddressRegex.MatchString(device.Address) {
			return fmt.Errorf("device %s: invalid address format: %s (expected XX:XX:XX:XX:XX:XX)",
				device.Name, device.Address)
		}
		address := strings.ToUpper(device.Address)
		if seenAddresses[address] {
			return fmt.Errorf("device %s: duplicate address %s", device.Name, device.Address)
		}
		seenAddresses[address] = true

		if device.PIN != "" && !pinRegex.MatchString(device.PIN) {
			return fmt.Errorf("device %s: pin must be 1-9 digits", device.Name)
		}

		if device.PollIntervalSeconds == 0 {
			device.PollIntervalSeconds = DefaultPollIntervalSeconds
		}
		if device.PollIntervalSeconds < MinPollIntervalSeconds ||
			device.PollIntervalSeconds > MaxPollIntervalSeconds {
			return fmt.Errorf("device %s: poll interval must be %d-%d seconds, got %d",
				device.Name, MinPollIntervalSeconds, MaxPollIntervalSeconds, device.PollIntervalSeconds)
		}

		for _, counter := range []*CounterConfig{&device.CounterA, &device.CounterB} {
			if counter.Ratio == 0 {
				counter.Ratio = 1.0
			}
			if counter.Ratio < 0 {
				return fmt.Errorf("device %s: counter ratio must be positive, got %v",
					device.Name, counter.Ratio)
			}
		}
	}

	if c.Engine.LockTimeoutSeconds < 1 {
		return fmt.Errorf("engine lock timeout must be at least 1 second")
	}
	if c.Engine.BackoffBaseSeconds < 1 {
		return fmt.Errorf("backoff base must be at least 1 second")
	}
	if c.Engine.BackoffMaxSeconds < c.Engine.BackoffBaseSeconds {
		return fmt.Errorf("backoff max must be >= backoff base")
	}
	if c.Engine.MaxConnectionFailures < 1 {
		return fmt.Errorf("max connection failures must be at least 1")
	}

	if c.Prometheus.URL == "" {
		return fmt.Errorf("prometheus URL is required")
	}
	if c.Prometheus.PushIntervalSeconds < 1 {
		return fmt.Errorf("push interval must be at least 1 second")
	}
	if c.Prometheus.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.Prometheus.BufferSize < 1 {
		return fmt.Errorf("buffer size must be at least 1")
	}

	if err := ValidateLogging(&c.Logging); err != nil {
		return err
	}
	return ValidateOpenTelemetry(&c.OpenTelemetry)
}

// PrintConfig logs the loaded configuration, masking secrets
func (c *Config) PrintConfig(logger *zap.Logger) {
	deviceInfo := make([]string, len(c.Devices))
	for i, device := range c.Devices {
		deviceInfo[i] = fmt.Sprintf("%s (%s, pin_set:%t, poll:%ds)",
			device.Name, device.Address, device.PIN != "", device.PollIntervalSeconds)
	}

	logger.Info("configuration loaded",
		zap.Int("device_count", len(c.Devices)),
		zap.Strings("devices", deviceInfo),
		zap.Int("lock_timeout_seconds", c.Engine.LockTimeoutSeconds),
		zap.Int("backoff_base_seconds", c.Engine.BackoffBaseSeconds),
		zap.Int("backoff_max_seconds", c.Engine.BackoffMaxSeconds),
		zap.Int("max_connection_failures", c.Engine.MaxConnectionFailures),
		zap.String("prometheus_url", c.Prometheus.URL),
		zap.Bool("prometheus_password_set", c.Prometheus.Password != ""),
		zap.Int("push_interval_seconds", c.Prometheus.PushIntervalSeconds),
		zap.Int("batch_size", c.Prometheus.BatchSize),
		zap.Int("buffer_size", c.Prometheus.BufferSize),
		zap.String("log_format", c.Logging.Format),
		zap.String("log_level", c.Logging.Level),
		zap.Bool("profiling_enabled", c.Profiling.Enabled),
		zap.Bool("opentelemetry_enabled", c.OpenTelemetry.Enabled),
	)
}
