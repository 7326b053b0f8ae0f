package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("MARATHON_DB_DSN", "file:tracker.db")
	t.Setenv("MARATHON_ENV", "development")
	t.Setenv("MARATHON_LOCK_TIMEOUT_MS", "250")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN != "file:tracker.db" {
		t.Fatalf("unexpected DSN %q", cfg.DBDSN)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Fatalf("expected sqlite default backend, got %q", cfg.DBBackend)
	}
	if cfg.LockTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected lock timeout %s", cfg.LockTimeout)
	}
	if cfg.IntegritySchedule != "@every 15m" {
		t.Fatalf("unexpected integrity schedule %q", cfg.IntegritySchedule)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("expected development environment")
	}
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing dsn", map[string]string{}},
		{"unknown backend", map[string]string{"MARATHON_DB_DSN": "x", "MARATHON_DB_BACKEND": "oracle"}},
		{"unknown lock backend", map[string]string{"MARATHON_DB_DSN": "x", "MARATHON_LOCK_BACKEND": "zookeeper"}},
		{"zero lock timeout", map[string]string{"MARATHON_DB_DSN": "x", "MARATHON_LOCK_TIMEOUT_MS": "0"}},
		{"sample rate out of range", map[string]string{"MARATHON_DB_DSN": "x", "MARATHON_TRACING_SAMPLE_RATE": "2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MARATHON_DB_DSN", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadAllowsDisablingIntegritySchedule(t *testing.T) {
	t.Setenv("MARATHON_DB_DSN", "x")
	t.Setenv("MARATHON_INTEGRITY_SCHEDULE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.IntegritySchedule != "" {
		t.Fatalf("expected disabled schedule, got %q", cfg.IntegritySchedule)
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("MARATHON_DB_DSN", "")
	t.Setenv("TRACKER_DB_DSN", "x")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN != "x" {
		t.Fatalf("expected legacy DSN to be honoured, got %q", cfg.DBDSN)
	}
	if len(cfg.LegacyEnvWarnings) == 0 {
		t.Fatal("expected legacy env warnings")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MARATHON_TEST_DOTENV=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("MARATHON_TEST_DOTENV") })

	LoadDotEnv(path)
	if got := os.Getenv("MARATHON_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("expected value from .env, got %q", got)
	}
}

func TestLoadSplitsCORSOrigins(t *testing.T) {
	t.Setenv("MARATHON_DB_DSN", "file:tracker.db")
	t.Setenv("MARATHON_CORS_ORIGINS", "https://overlay.example, ,https://tracker.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://overlay.example" || cfg.CORSOrigins[1] != "https://tracker.example" {
		t.Fatalf("unexpected origins %q", cfg.CORSOrigins)
	}
}
