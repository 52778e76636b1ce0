package dbstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPoolConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadPoolConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadPoolConfig: %v", err)
	}
	if cfg != DefaultPoolConfig() {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, DefaultPoolConfig())
	}
}

func TestLoadPoolConfigParsesAndClamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	doc := "max_open_conns: 0\nmax_idle_conns: 4\nconn_max_lifetime_ms: 60000\nbusy_timeout_ms: 2500\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadPoolConfig(path)
	if err != nil {
		t.Fatalf("LoadPoolConfig: %v", err)
	}
	if cfg.MaxOpenConns != 1 {
		t.Fatalf("MaxOpenConns = %d, want clamp to 1", cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns != 4 || cfg.ConnMaxLifetimeMs != 60000 || cfg.BusyTimeoutMs != 2500 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadPoolConfigRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.yaml")
	if err := os.WriteFile(path, []byte("max_open_conns: [not an int\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadPoolConfig(path); err == nil {
		t.Fatalf("expected malformed yaml to fail")
	}
}

func TestOpenWithPoolConfig(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vault.db")
	cfg := DefaultPoolConfig()
	cfg.MaxIdleConns = 2
	db, err := Open(context.Background(), dbPath, "", WithPoolConfig(cfg))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
