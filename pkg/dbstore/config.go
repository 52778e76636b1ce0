// Copyright 2025 Knowledgecore Project

package dbstore

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// PoolConfig is the operator-tunable connection pool document, loaded
// from an optional YAML file next to the vault. The loader mirrors
// pkg/config's typed-struct YAML loading; unset fields keep their
// defaults rather than zeroing the pool.
type PoolConfig struct {
	// MaxOpenConns is clamped to at least 1. The default of 1 keeps the
	// single-connection-per-task model; raising it only widens read
	// concurrency.
	MaxOpenConns      int   `yaml:"max_open_conns"`
	MaxIdleConns      int   `yaml:"max_idle_conns"`
	ConnMaxLifetimeMs int64 `yaml:"conn_max_lifetime_ms"`
	BusyTimeoutMs     int64 `yaml:"busy_timeout_ms"`
}

// DefaultPoolConfig returns the pool settings Open uses when no config
// file is supplied.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:  1,
		MaxIdleConns:  1,
		BusyTimeoutMs: 5000,
	}
}

// LoadPoolConfig reads a PoolConfig YAML document from path. A missing
// file is not an error; it yields the defaults.
func LoadPoolConfig(path string) (PoolConfig, error) {
	cfg := DefaultPoolConfig()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to read database pool config", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to parse database pool config", err)
	}
	if cfg.MaxOpenConns < 1 {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns < 0 {
		cfg.MaxIdleConns = 0
	}
	return cfg, nil
}

// WithPoolConfig overrides the default pool settings.
func WithPoolConfig(cfg PoolConfig) Option {
	return func(d *DB) { d.pool = &cfg }
}
