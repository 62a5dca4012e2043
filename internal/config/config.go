package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ringsaga configuration
type Config struct {
	Ring      RingConfig      `yaml:"ring"`
	Saga      SagaConfig      `yaml:"saga"`
	SagaLog   SagaLogConfig   `yaml:"saga_log"`
	Redis     RedisConfig     `yaml:"redis"`
	Backend   BackendConfig   `yaml:"backend"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RingConfig holds consistent hashing configuration
type RingConfig struct {
	ReplicationFactor int      `yaml:"replication_factor"`
	Backends          []string `yaml:"backends"`
}

// SagaConfig holds orchestrator timeouts
type SagaConfig struct {
	StepTimeout         time.Duration `yaml:"step_timeout"`
	CompensationTimeout time.Duration `yaml:"compensation_timeout"`
	LedgerTTL           time.Duration `yaml:"ledger_ttl"`
}

// SagaLogConfig holds the durable saga log location. An empty path disables it.
type SagaLogConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the compensation ledger connection. An empty addr disables it.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// BackendConfig holds the simulated collaborators hosted on each backend
type BackendConfig struct {
	ChargeLimit float64          `yaml:"charge_limit"`
	Stock       map[string]int32 `yaml:"stock"`
}

// MetricsConfig holds the textfile metrics sink. An empty path disables it.
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

// TelemetryConfig holds logging and tracing configuration
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Ring: RingConfig{
			ReplicationFactor: 160,
			Backends:          []string{"backend-1", "backend-2", "backend-3"},
		},
		Saga: SagaConfig{
			StepTimeout:         5 * time.Second,
			CompensationTimeout: 10 * time.Second,
			LedgerTTL:           7 * 24 * time.Hour,
		},
		SagaLog: SagaLogConfig{
			Path: "./data/saga.db",
		},
		Redis: RedisConfig{
			Namespace: "ringsaga",
		},
		Backend: BackendConfig{
			ChargeLimit: 500,
			Stock: map[string]int32{
				"prod_1": 15,
				"prod_2": 10,
				"prod_3": 0,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "ringsaga",
			LogLevel:    "info",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// yaml merges into existing maps; a file's stock replaces the
		// default catalogue instead of extending it.
		defaultStock := cfg.Backend.Stock
		cfg.Backend.Stock = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if cfg.Backend.Stock == nil {
			cfg.Backend.Stock = defaultStock
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies RINGSAGA_* environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("RINGSAGA_BACKENDS"); v != "" {
		cfg.Ring.Backends = splitList(v)
	}
	if v := os.Getenv("RINGSAGA_REPLICATION_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ring.ReplicationFactor = n
		}
	}
	if v := os.Getenv("RINGSAGA_STEP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Saga.StepTimeout = d
		}
	}
	if v := os.Getenv("RINGSAGA_COMPENSATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Saga.CompensationTimeout = d
		}
	}
	if v := os.Getenv("RINGSAGA_SAGA_LOG_PATH"); v != "" {
		cfg.SagaLog.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RINGSAGA_METRICS_TEXTFILE"); v != "" {
		cfg.Metrics.TextfilePath = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("RINGSAGA_LOG_LEVEL"); v != "" {
		cfg.Telemetry.LogLevel = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Ring.ReplicationFactor <= 0 {
		return errors.New("ring.replication_factor must be positive")
	}
	seen := make(map[string]bool, len(c.Ring.Backends))
	for _, b := range c.Ring.Backends {
		if b == "" {
			return errors.New("ring.backends must not contain empty ids")
		}
		if seen[b] {
			return fmt.Errorf("ring.backends contains %q twice", b)
		}
		seen[b] = true
	}
	if c.Saga.StepTimeout < 0 {
		return errors.New("saga.step_timeout must not be negative")
	}
	if c.Saga.CompensationTimeout < 0 {
		return errors.New("saga.compensation_timeout must not be negative")
	}
	if c.Backend.ChargeLimit < 0 {
		return errors.New("backend.charge_limit must not be negative")
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}
	switch strings.ToLower(c.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of: debug, info, warn, error")
	}
	return nil
}
