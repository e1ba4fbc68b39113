// Package config loads library configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"stocksync/internal/core/apperror"
)

// Config holds every tunable of the sync core.
type Config struct {
	// RemoteDSN is the PostgreSQL connection string of the remote store.
	RemoteDSN string `yaml:"remote_dsn"`

	// RealtimeURL is the websocket endpoint of the remote change feed.
	// Empty disables the feed.
	RealtimeURL string `yaml:"realtime_url"`

	// LocalDBPath is the on-device SQLite database file.
	LocalDBPath string `yaml:"local_db_path"`

	// SpreadsheetPath is the notification workbook. Empty disables the sink.
	SpreadsheetPath string `yaml:"spreadsheet_path"`

	SyncInterval   time.Duration `yaml:"sync_interval"`
	RetryBudget    int           `yaml:"retry_budget"`
	CoalesceWindow time.Duration `yaml:"coalesce_window"`

	// StorageBudgetBytes is the local database size treated as full.
	StorageBudgetBytes int64 `yaml:"storage_budget_bytes"`

	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LocalDBPath:        "stocksync.db",
		SyncInterval:       30 * time.Second,
		RetryBudget:        5,
		CoalesceWindow:     2500 * time.Millisecond,
		StorageBudgetBytes: 512 << 20,
		LogLevel:           "info",
	}
}

// Load reads the YAML file at path (skipped when path is empty or absent),
// then applies environment overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration invariants.
func (c *Config) Validate() error {
	if c.LocalDBPath == "" {
		return apperror.NewValidation("local_db_path is required")
	}
	if c.SyncInterval <= 0 {
		return apperror.NewValidation("sync_interval must be positive")
	}
	if c.RetryBudget <= 0 {
		return apperror.NewValidation("retry_budget must be positive")
	}
	if c.CoalesceWindow <= 0 {
		return apperror.NewValidation("coalesce_window must be positive")
	}
	if c.StorageBudgetBytes <= 0 {
		return apperror.NewValidation("storage_budget_bytes must be positive")
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("STOCKSYNC_REMOTE_DSN"); v != "" {
		c.RemoteDSN = v
	}
	if v := os.Getenv("STOCKSYNC_REALTIME_URL"); v != "" {
		c.RealtimeURL = v
	}
	if v := os.Getenv("STOCKSYNC_LOCAL_DB_PATH"); v != "" {
		c.LocalDBPath = v
	}
	if v := os.Getenv("STOCKSYNC_SPREADSHEET_PATH"); v != "" {
		c.SpreadsheetPath = v
	}
	if v := os.Getenv("STOCKSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STOCKSYNC_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STOCKSYNC_SYNC_INTERVAL: %w", err)
		}
		c.SyncInterval = d
	}
	if v := os.Getenv("STOCKSYNC_COALESCE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STOCKSYNC_COALESCE_WINDOW: %w", err)
		}
		c.CoalesceWindow = d
	}
	if v := os.Getenv("STOCKSYNC_RETRY_BUDGET"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STOCKSYNC_RETRY_BUDGET: %w", err)
		}
		c.RetryBudget = n
	}
	if v := os.Getenv("STOCKSYNC_STORAGE_BUDGET_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse STOCKSYNC_STORAGE_BUDGET_BYTES: %w", err)
		}
		c.StorageBudgetBytes = n
	}
	return nil
}
