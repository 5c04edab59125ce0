// Package config handles loading and validation of cohortsync.yaml.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brightmetrics/cohortsync/internal/period"
)

// DefaultPath is where the CLI looks for configuration when --config is
// not given.
const DefaultPath = "cohortsync.yaml"

// Source configures the external assessment API client.
type Source struct {
	// BaseURL is the API root, e.g. "https://assess.example.org".
	BaseURL string `yaml:"baseUrl"`
	// TokenEnv names the environment variable holding the bearer token.
	// The token itself never appears in the config file.
	TokenEnv string `yaml:"tokenEnv"`
	PageSize int    `yaml:"pageSize"`
	Workers  int    `yaml:"workers"`
	Retry    Retry  `yaml:"retry"`
}

// Retry tunes the transient-error retry schedule for source requests.
// Durations are plain milliseconds in the file.
type Retry struct {
	MaxAttempts  int `yaml:"maxAttempts"`
	BackoffMs    int `yaml:"backoffMs"`
	MaxBackoffMs int `yaml:"maxBackoffMs"`
}

// BackoffBase returns the base backoff as a duration.
func (r Retry) BackoffBase() time.Duration {
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff cap as a duration.
func (r Retry) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// StoreConfig selects and configures the durable store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn"`
}

// Period configures academic-period resolution.
type Period struct {
	// Mode is "split" or "calendar".
	Mode string `yaml:"mode"`
	// CutoffMonth/CutoffDay set the split-year boundary. Zero values fall
	// back to the Aug 1 default.
	CutoffMonth int `yaml:"cutoffMonth"`
	CutoffDay   int `yaml:"cutoffDay"`
}

// Config is the parsed cohortsync.yaml.
type Config struct {
	Source Source      `yaml:"source"`
	Store  StoreConfig `yaml:"store"`
	Period Period      `yaml:"period"`
	// MetricsAddr, when set, enables the /metrics listener during sync.
	MetricsAddr string `yaml:"metricsAddr"`
}

// Token resolves the source API token from the configured environment
// variable. Empty result is valid for sources that require no auth.
func (c *Config) Token() string {
	if c.Source.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Source.TokenEnv)
}

// Cutoff returns the configured split-year boundary, or the default.
func (c *Config) Cutoff() period.Cutoff {
	if c.Period.CutoffMonth == 0 && c.Period.CutoffDay == 0 {
		return period.DefaultCutoff
	}
	return period.Cutoff{Month: time.Month(c.Period.CutoffMonth), Day: c.Period.CutoffDay}
}

// Mode returns the configured period mode, defaulting to split-year.
func (c *Config) Mode() (period.Mode, error) {
	if c.Period.Mode == "" {
		return period.ModeSplit, nil
	}
	return period.ParseMode(c.Period.Mode)
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "cohortsync.db"
	}
	if cfg.Source.PageSize == 0 {
		cfg.Source.PageSize = 200
	}
	if cfg.Source.Workers == 0 {
		cfg.Source.Workers = 4
	}
	if cfg.Source.Retry.MaxAttempts == 0 {
		cfg.Source.Retry.MaxAttempts = 4
	}
	if cfg.Source.Retry.BackoffMs == 0 {
		cfg.Source.Retry.BackoffMs = 500
	}
	if cfg.Source.Retry.MaxBackoffMs == 0 {
		cfg.Source.Retry.MaxBackoffMs = 30_000
	}
}

func validate(cfg *Config) error {
	if cfg.Source.BaseURL == "" {
		return fmt.Errorf("source.baseUrl is required")
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required when driver is sqlite")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when driver is postgres")
		}
	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if _, err := cfg.Mode(); err != nil {
		return err
	}
	if err := cfg.Cutoff().Validate(); err != nil {
		return fmt.Errorf("period cutoff: %w", err)
	}
	if cfg.Source.PageSize < 1 {
		return fmt.Errorf("source.pageSize must be positive")
	}
	if cfg.Source.Workers < 1 {
		return fmt.Errorf("source.workers must be positive")
	}
	return nil
}
