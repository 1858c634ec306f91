// Package config holds the hub's runtime configuration. Defaults are
// merged with FLEETSEND_* environment overrides via koanf; the listen
// address and data directory can additionally be set by CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds the hub's runtime configuration.
type Config struct {
	Addr    string `koanf:"addr"`     // Listen address (e.g. ":4501")
	DataDir string `koanf:"data_dir"` // Data directory for the SQLite DB

	RedisURL string `koanf:"redis_url"` // Empty: memory-only coordinator

	PresenceTTL     time.Duration `koanf:"presence_ttl"`      // Worker presence TTL
	OfflineAfter    time.Duration `koanf:"offline_after"`     // Server considered disconnected after this silence
	HideAfter       time.Duration `koanf:"hide_after"`        // Server hidden from listings after this silence
	ShardStaleAfter time.Duration `koanf:"shard_stale_after"` // Running shard reclaimed after this lock age
	ReclaimInterval time.Duration `koanf:"reclaim_interval"`  // Periodic reclaim sweep interval

	DefaultShardSize int     `koanf:"default_shard_size"` // Shard size with no ready workers and no override
	PriceSuccess     float64 `koanf:"price_success"`      // Default per-success price
	PriceFailure     float64 `koanf:"price_failure"`      // Default per-failure price

	SendTimeout     time.Duration `koanf:"send_timeout"`     // Per-channel bounded send
	DispatchTimeout time.Duration `koanf:"dispatch_timeout"` // Overall parallel-push bound

	WorkerReceiveTimeout   time.Duration `koanf:"worker_receive_timeout"`   // Silence before a worker channel is closed
	ObserverReceiveTimeout time.Duration `koanf:"observer_receive_timeout"` // Observer idle tick (not an error)
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"addr":                     ":4501",
		"data_dir":                 defaultDataDir(),
		"redis_url":                "",
		"presence_ttl":             30 * time.Second,
		"offline_after":            120 * time.Second,
		"hide_after":               time.Hour,
		"shard_stale_after":        600 * time.Second,
		"reclaim_interval":         60 * time.Second,
		"default_shard_size":       50,
		"price_success":            1.0,
		"price_failure":            0.0,
		"send_timeout":             3 * time.Second,
		"dispatch_timeout":         10 * time.Second,
		"worker_receive_timeout":   120 * time.Second,
		"observer_receive_timeout": 90 * time.Second,
	}
}

// Load builds the configuration from defaults and FLEETSEND_*
// environment variables. Non-empty addr/dataDir arguments (from CLI
// flags) take precedence over both.
func Load(addr, dataDir string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("FLEETSEND_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "FLEETSEND_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if addr != "" {
		c.Addr = addr
	}
	if dataDir != "" {
		c.DataDir = dataDir
	}

	return &c, nil
}

// Validate checks the configuration values and ensures required directories exist.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DefaultShardSize <= 0 {
		return fmt.Errorf("default_shard_size must be positive")
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "fleetsend.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "fleetsend", "hub")
	}
	return filepath.Join(home, ".config", "fleetsend", "hub")
}
