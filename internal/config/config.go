// Package config loads deployment configuration from a YAML file and
// LEDGERSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every deployment knob. Remote deployments carry different
// rate limits, so the budget constants are configurable rather than
// baked in.
type Config struct {
	// Remote API
	BaseURL   string `mapstructure:"base_url"`
	TokenPath string `mapstructure:"token_path"`

	// Local paths
	DatabasePath string `mapstructure:"database_path"`
	LogPath      string `mapstructure:"log_path"`

	// Budget
	HourlyCallLimit int `mapstructure:"hourly_call_limit"`
	SafetyMargin    int `mapstructure:"safety_margin"`

	// Full sync
	SyncPerRunCap      int           `mapstructure:"sync_per_run_cap"`
	SyncBuffer         int           `mapstructure:"sync_buffer"`
	SyncPageSize       int           `mapstructure:"sync_page_size"`
	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	SyncStaleThreshold time.Duration `mapstructure:"sync_stale_threshold"`

	// Outbound queue
	QueueBatchSize    int           `mapstructure:"queue_batch_size"`
	QueueRetryDelay   time.Duration `mapstructure:"queue_retry_delay"`
	QueueClaimTimeout time.Duration `mapstructure:"queue_claim_timeout"`
	QueueInterval     time.Duration `mapstructure:"queue_interval"`
	QueueRetention    time.Duration `mapstructure:"queue_retention"`

	// Maintenance
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// Observability
	DashboardPort int `mapstructure:"dashboard_port"`
}

// Load reads configuration from path (or the default search locations
// when path is empty), applying defaults and environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("base_url", "http://localhost:8200")
	v.SetDefault("token_path", ".ledgersync/token")
	v.SetDefault("database_path", ".ledgersync/ledger.db")
	v.SetDefault("log_path", "")
	v.SetDefault("hourly_call_limit", 1000)
	v.SetDefault("safety_margin", 50)
	v.SetDefault("sync_per_run_cap", 200)
	v.SetDefault("sync_buffer", 10)
	v.SetDefault("sync_page_size", 100)
	v.SetDefault("sync_interval", time.Hour)
	v.SetDefault("sync_stale_threshold", 10*time.Minute)
	v.SetDefault("queue_batch_size", 50)
	v.SetDefault("queue_retry_delay", 15*time.Minute)
	v.SetDefault("queue_claim_timeout", 10*time.Minute)
	v.SetDefault("queue_interval", 5*time.Minute)
	v.SetDefault("queue_retention", 7*24*time.Hour)
	v.SetDefault("cleanup_interval", 24*time.Hour)
	v.SetDefault("dashboard_port", 8380)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ledgersync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/ledgersync")
	}

	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config files are optional; defaults plus env cover everything.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the sync engine cannot run with.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if c.HourlyCallLimit <= 0 {
		return fmt.Errorf("hourly_call_limit must be positive (got %d)", c.HourlyCallLimit)
	}
	if c.SafetyMargin < 0 {
		return fmt.Errorf("safety_margin cannot be negative (got %d)", c.SafetyMargin)
	}
	if c.SafetyMargin >= c.HourlyCallLimit {
		return fmt.Errorf("safety_margin (%d) must be below hourly_call_limit (%d)",
			c.SafetyMargin, c.HourlyCallLimit)
	}
	if c.SyncPageSize <= 0 {
		return fmt.Errorf("sync_page_size must be positive (got %d)", c.SyncPageSize)
	}
	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("queue_batch_size must be positive (got %d)", c.QueueBatchSize)
	}
	return nil
}
