package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("CHECKPOINT_INTERVAL_SECONDS", "")
	t.Setenv("SWEEP_INTERVAL_SECONDS", "")
	t.Setenv("REDIS_URL", "")

	cfg := Load()
	if cfg.StoreDriver != DriverPostgres {
		t.Fatalf("StoreDriver = %q, want %q", cfg.StoreDriver, DriverPostgres)
	}
	if cfg.CheckpointInterval != 5*time.Second {
		t.Fatalf("CheckpointInterval = %v, want 5s", cfg.CheckpointInterval)
	}
	if cfg.SweepInterval != 0 {
		t.Fatalf("SweepInterval = %v, want 0", cfg.SweepInterval)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL = %q, want empty", cfg.RedisURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("DISCONNECT_GRACE_SECONDS", "0")
	t.Setenv("SUBMIT_TIMEOUT_SECONDS", "-4")
	t.Setenv("ALLOWED_ORIGINS", " https://a.test , ,https://b.test")

	cfg := Load()
	if cfg.StoreDriver != DriverSQLite {
		t.Fatalf("StoreDriver = %q, want %q", cfg.StoreDriver, DriverSQLite)
	}
	if cfg.DisconnectGrace != 0 {
		t.Fatalf("DisconnectGrace = %v, want 0", cfg.DisconnectGrace)
	}
	if cfg.SubmitTimeout != 5*time.Second {
		t.Fatalf("SubmitTimeout = %v, want fallback 5s", cfg.SubmitTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.test" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}
