// Package config loads and validates the sync engine configuration.
//
// Recognized keys only: unknown keys in the file are ignored; missing
// required keys fail validation before any cycle runs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/skywave/ledgersync/internal/entity"
)

// Config is the sync cycle configuration consumed by the engine.
type Config struct {
	Enabled        bool     `mapstructure:"enabled"`
	BatchSize      int      `mapstructure:"batch_size"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	MaxRetries     int      `mapstructure:"max_retries"`
	Collections    []string `mapstructure:"collections"`

	// IntervalSeconds is the daemon cycle interval; unused for one-shot
	// syncs.
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	collections := make([]string, 0, len(entity.AllKinds()))
	for _, k := range entity.AllKinds() {
		collections = append(collections, string(k))
	}
	return &Config{
		Enabled:         true,
		BatchSize:       50,
		TimeoutSeconds:  30,
		MaxRetries:      3,
		IntervalSeconds: 60,
		Collections:     collections,
	}
}

// Load reads the configuration file at path. An empty path returns the
// defaults. Unknown keys are ignored.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("enabled", cfg.Enabled)
	v.SetDefault("interval_seconds", cfg.IntervalSeconds)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := loaded.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return loaded, nil
}

// Validate checks that every required key is present and sane.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive (got %d)", c.BatchSize)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive (got %d)", c.TimeoutSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative (got %d)", c.MaxRetries)
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("collections is required")
	}
	for _, name := range c.Collections {
		if !entity.ValidKind(entity.Kind(name)) {
			return fmt.Errorf("unknown collection %q", name)
		}
	}
	return nil
}

// Timeout returns the per-network-call timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Interval returns the daemon cycle interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Kinds returns the configured collections as entity kinds, in the
// canonical processing order.
func (c *Config) Kinds() []entity.Kind {
	enabled := make(map[entity.Kind]bool, len(c.Collections))
	for _, name := range c.Collections {
		enabled[entity.Kind(name)] = true
	}
	var kinds []entity.Kind
	for _, k := range entity.AllKinds() {
		if enabled[k] {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
