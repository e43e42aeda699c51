package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skywave/ledgersync/internal/entity"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sync.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !cfg.Enabled {
		t.Error("sync not enabled by default")
	}
	if cfg.BatchSize != 50 || cfg.TimeoutSeconds != 30 || cfg.MaxRetries != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Kinds()) != len(entity.AllKinds()) {
		t.Errorf("default collections = %v, want every kind", cfg.Collections)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
enabled: true
batch_size: 25
timeout_seconds: 10
max_retries: 1
interval_seconds: 120
collections:
  - clients
  - invoices
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("batch_size = %d, want 25", cfg.BatchSize)
	}
	if cfg.Timeout() != 10*time.Second {
		t.Errorf("Timeout() = %v, want 10s", cfg.Timeout())
	}
	if cfg.Interval() != 2*time.Minute {
		t.Errorf("Interval() = %v, want 2m", cfg.Interval())
	}
	kinds := cfg.Kinds()
	if len(kinds) != 2 || kinds[0] != entity.KindClient || kinds[1] != entity.KindInvoice {
		t.Errorf("Kinds() = %v, want [clients invoices] in canonical order", kinds)
	}
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
batch_size: 5
timeout_seconds: 5
max_retries: 0
collections: [clients]
future_option: whatever
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.BatchSize != 5 {
		t.Errorf("batch_size = %d, want 5", cfg.BatchSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() succeeded on a missing file")
	}
}

func TestLoadRejectsMissingRequiredKeys(t *testing.T) {
	path := writeConfig(t, `
enabled: true
collections: [clients]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted a config without batch_size")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, true},
		{"zero timeout", func(c *Config) { c.TimeoutSeconds = 0 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"zero retries ok", func(c *Config) { c.MaxRetries = 0 }, false},
		{"no collections", func(c *Config) { c.Collections = nil }, true},
		{"unknown collection", func(c *Config) { c.Collections = []string{"widgets"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Validate() accepted an invalid config")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() failed: %v", err)
			}
		})
	}
}

func TestKindsCanonicalOrder(t *testing.T) {
	cfg := Default()
	// Declared out of order; processing order is fixed.
	cfg.Collections = []string{"invoices", "clients"}
	kinds := cfg.Kinds()
	if len(kinds) != 2 || kinds[0] != entity.KindClient || kinds[1] != entity.KindInvoice {
		t.Errorf("Kinds() = %v, want clients before invoices", kinds)
	}
}
