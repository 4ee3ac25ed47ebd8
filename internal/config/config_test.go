package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledgersync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.HourlyCallLimit != 1000 {
		t.Errorf("HourlyCallLimit = %d, want 1000", cfg.HourlyCallLimit)
	}
	if cfg.SafetyMargin != 50 {
		t.Errorf("SafetyMargin = %d, want 50", cfg.SafetyMargin)
	}
	if cfg.SyncInterval != time.Hour {
		t.Errorf("SyncInterval = %s, want 1h", cfg.SyncInterval)
	}
	if cfg.QueueRetryDelay != 15*time.Minute {
		t.Errorf("QueueRetryDelay = %s, want 15m", cfg.QueueRetryDelay)
	}
	if cfg.QueueClaimTimeout != 10*time.Minute {
		t.Errorf("QueueClaimTimeout = %s, want 10m", cfg.QueueClaimTimeout)
	}
	if cfg.QueueRetention != 7*24*time.Hour {
		t.Errorf("QueueRetention = %s, want 168h", cfg.QueueRetention)
	}
	if cfg.DashboardPort != 8380 {
		t.Errorf("DashboardPort = %d, want 8380", cfg.DashboardPort)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
base_url: https://api.example.test
hourly_call_limit: 200
safety_margin: 20
sync_interval: 30m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.BaseURL != "https://api.example.test" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.HourlyCallLimit != 200 {
		t.Errorf("HourlyCallLimit = %d, want 200", cfg.HourlyCallLimit)
	}
	if cfg.SyncInterval != 30*time.Minute {
		t.Errorf("SyncInterval = %s, want 30m", cfg.SyncInterval)
	}
	// Untouched keys keep their defaults
	if cfg.QueueBatchSize != 50 {
		t.Errorf("QueueBatchSize = %d, want default 50", cfg.QueueBatchSize)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LEDGERSYNC_HOURLY_CALL_LIMIT", "300")

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.HourlyCallLimit != 300 {
		t.Errorf("HourlyCallLimit = %d, want env override 300", cfg.HourlyCallLimit)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for an explicitly named missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty base url", func(c *Config) { c.BaseURL = "" }, true},
		{"zero limit", func(c *Config) { c.HourlyCallLimit = 0 }, true},
		{"negative margin", func(c *Config) { c.SafetyMargin = -1 }, true},
		{"margin swallows limit", func(c *Config) { c.SafetyMargin = 1000 }, true},
		{"zero page size", func(c *Config) { c.SyncPageSize = 0 }, true},
		{"zero batch size", func(c *Config) { c.QueueBatchSize = 0 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, ""))
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			tc.mutate(cfg)
			err = cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}
