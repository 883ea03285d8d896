// Package config loads and validates ratesched's YAML configuration, with
// environment variable overrides layered on top, the way
// pkg/config/config_types.go in the teacher repo layers env vars over a
// parsed NodeConfig.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LimitConfig is one (resource_limit, period_seconds) pair in a dimension's
// list of windows.
type LimitConfig struct {
	ResourceLimit int     `yaml:"resource_limit"`
	PeriodSeconds float64 `yaml:"period_seconds"`
}

// SchedulerConfig configures the rate-limiting coordinator itself.
type SchedulerConfig struct {
	// Dimensions holds one []LimitConfig per rate-limited dimension, in
	// the same order Reserve's usage vectors are indexed.
	Dimensions    [][]LimitConfig `yaml:"dimensions"`
	MaxConcurrent int             `yaml:"max_concurrent"`
}

// PersistenceConfig selects and configures the PastLedger's backing store.
type PersistenceConfig struct {
	// Backend is one of "memory", "file", or "redis".
	Backend  string `yaml:"backend"`
	FilePath string `yaml:"file_path"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	CORSOrigins   []string      `yaml:"cors_origins"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// AuthConfig configures JWT bearer-token authentication on the API.
type AuthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SecretKey   string        `yaml:"secret_key"`
	Issuer      string        `yaml:"issuer"`
	Audience    string        `yaml:"audience"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// LoggingConfig configures the zerolog-based logger (pkg/logging).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Config is the top-level ratesched configuration.
type Config struct {
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// Default returns ratesched's baseline configuration: a single generous
// dimension, in-memory persistence, and auth disabled, suitable for local
// development.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Dimensions: [][]LimitConfig{
				{{ResourceLimit: 100, PeriodSeconds: 60}},
			},
			MaxConcurrent: 8,
		},
		Persistence: PersistenceConfig{Backend: "memory"},
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			ShutdownGrace: 5 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:     false,
			Issuer:      "ratesched",
			Audience:    "ratesched-api",
			TokenExpiry: 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads path (if non-empty) as YAML over Default()'s baseline, then
// applies RATESCHED_* environment variable overrides. An empty path
// returns Default() with env overrides applied, mirroring
// config.LoadDistributedConfig's "defaults if not specified" fallback.
func Load(path string) (*Config, error) {
	cfg := Default()
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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RATESCHED_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RATESCHED_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RATESCHED_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxConcurrent = n
		}
	}
	if v := os.Getenv("RATESCHED_PERSISTENCE_BACKEND"); v != "" {
		cfg.Persistence.Backend = v
	}
	if v := os.Getenv("RATESCHED_PERSISTENCE_FILE_PATH"); v != "" {
		cfg.Persistence.FilePath = v
	}
	if v := os.Getenv("RATESCHED_REDIS_ADDR"); v != "" {
		cfg.Persistence.RedisAddr = v
	}
	if v := os.Getenv("RATESCHED_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.Enabled = b
		}
	}
	if v := os.Getenv("RATESCHED_AUTH_SECRET_KEY"); v != "" {
		cfg.Auth.SecretKey = v
	}
	if v := os.Getenv("RATESCHED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks that cfg describes a constructible Coordinator and a
// usable server, returning every problem found rather than the first.
func Validate(cfg *Config) error {
	var errs []string

	if len(cfg.Scheduler.Dimensions) == 0 {
		errs = append(errs, "scheduler.dimensions must have at least one dimension")
	}
	for d, limits := range cfg.Scheduler.Dimensions {
		if len(limits) == 0 {
			errs = append(errs, fmt.Sprintf("scheduler.dimensions[%d] must have at least one limit", d))
			continue
		}
		for i, l := range limits {
			if l.ResourceLimit <= 0 {
				errs = append(errs, fmt.Sprintf("scheduler.dimensions[%d][%d].resource_limit must be positive", d, i))
			}
			if l.PeriodSeconds <= 0 {
				errs = append(errs, fmt.Sprintf("scheduler.dimensions[%d][%d].period_seconds must be positive", d, i))
			}
		}
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, "scheduler.max_concurrent must be >= 1")
	}

	switch cfg.Persistence.Backend {
	case "memory":
	case "file":
		if cfg.Persistence.FilePath == "" {
			errs = append(errs, "persistence.file_path is required when persistence.backend is \"file\"")
		}
	case "redis":
		if cfg.Persistence.RedisAddr == "" {
			errs = append(errs, "persistence.redis_addr is required when persistence.backend is \"redis\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("persistence.backend %q must be one of memory, file, redis", cfg.Persistence.Backend))
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Auth.Enabled && cfg.Auth.SecretKey == "" {
		errs = append(errs, "auth.secret_key is required when auth.enabled is true")
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return fmt.Errorf("config: invalid configuration: %s", msg)
}
