// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the root application configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Engine        EngineConfig        `yaml:"engine"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Authz         AuthzConfig         `yaml:"authz"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StoreConfig describes flow persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinIdleConns    int           `yaml:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
}

// DSN returns the connection string named by DSNEnv.
func (s StoreConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// EngineConfig describes flow engine settings.
type EngineConfig struct {
	TransitionTimeout time.Duration `yaml:"transition_timeout"`
}

// DefinitionsConfig describes where to find template YAML files. Templates
// found there replace built-in templates with the same ID.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// AuthzConfig describes role resolution settings.
type AuthzConfig struct {
	PolicyFile string      `yaml:"policy_file"`
	Cache      CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// Addr returns the Redis address named by AddrEnv.
func (s IdempotencyStoreConfig) Addr() string {
	if s.AddrEnv == "" {
		return ""
	}
	return os.Getenv(s.AddrEnv)
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string `yaml:"log_level"`
	// LogFormat is json or console.
	LogFormat string `yaml:"log_format"`
	// LogOutput is stdout, stderr or a file path.
	LogOutput string        `yaml:"log_output"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "WORKORDER_DATABASE_URL",
			MaxOpenConns:    25,
			MinIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			LockTimeout:     5 * time.Second,
		},
		Engine: EngineConfig{
			TransitionTimeout: 10 * time.Second,
		},
		Authz: AuthzConfig{
			Cache: CacheConfig{TTL: 5 * time.Minute},
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     DriverMemory,
				AddrEnv:    "WORKORDER_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			LogOutput: "stderr",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads only defaults and env.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	if c.Store.LockTimeout < 0 {
		errs = append(errs, "store.lock_timeout must not be negative")
	}
	if c.Engine.TransitionTimeout < 0 {
		errs = append(errs, "engine.transition_timeout must not be negative")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Store.Driver {
		case DriverMemory:
		case DriverRedis:
			if c.Idempotency.Store.AddrEnv == "" {
				errs = append(errs, "idempotency.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported (memory, redis)", c.Idempotency.Store.Driver))
		}
		if c.Idempotency.Store.DefaultTTL <= 0 {
			errs = append(errs, "idempotency.store.default_ttl must be positive")
		}
	}

	switch c.Observability.LogFormat {
	case "json", "console", "":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not supported (json, console)", c.Observability.LogFormat))
	}

	if c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Exporter {
		case "otlp", "stdout", "":
		default:
			errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q is not supported (otlp, stdout)", c.Observability.Tracing.Exporter))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads WORKORDER_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WORKORDER_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("WORKORDER_STORE_LOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.LockTimeout = d
		}
	}
	if v := os.Getenv("WORKORDER_ENGINE_TRANSITION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.TransitionTimeout = d
		}
	}
	if v := os.Getenv("WORKORDER_DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, string(os.PathListSeparator))
	}
	if v := os.Getenv("WORKORDER_AUTHZ_POLICY_FILE"); v != "" {
		cfg.Authz.PolicyFile = v
	}
	if v := os.Getenv("WORKORDER_IDEMPOTENCY_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Idempotency.Enabled = b
		}
	}
	if v := os.Getenv("WORKORDER_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
	if v := os.Getenv("WORKORDER_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("WORKORDER_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
