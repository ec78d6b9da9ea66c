package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Lock.MaxAttempts != 10 {
		t.Fatalf("expected 10 lock attempts, got %d", cfg.Lock.MaxAttempts)
	}
	if cfg.Lock.StaleAfter() != 5*time.Minute {
		t.Fatalf("expected 5m staleness, got %v", cfg.Lock.StaleAfter())
	}
	if cfg.Conflict.ConcurrentWindow() != 2*time.Minute {
		t.Fatalf("expected 2m concurrent window, got %v", cfg.Conflict.ConcurrentWindow())
	}
	if cfg.Session.InactiveAfter() != 10*time.Minute {
		t.Fatalf("expected 10m inactivity timeout, got %v", cfg.Session.InactiveAfter())
	}
	if cfg.Session.ArchiveAfter() != 24*time.Hour {
		t.Fatalf("expected 24h archive threshold, got %v", cfg.Session.ArchiveAfter())
	}
	if !cfg.Storage.Compress {
		t.Fatal("expected compression on by default")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	body := []byte("log_level: debug\nlock:\n  max_attempts: 3\n  retry_interval_ms: 50\nstorage:\n  compress: false\n  max_backups: 2\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug, got %q", cfg.LogLevel)
	}
	if cfg.Lock.MaxAttempts != 3 || cfg.Lock.RetryInterval() != 50*time.Millisecond {
		t.Fatalf("lock overrides not applied: %+v", cfg.Lock)
	}
	if cfg.Storage.Compress {
		t.Fatal("expected compression off")
	}
	// Unset fields still get defaults.
	if cfg.Conflict.StaleSessionMinutes != 30 {
		t.Fatalf("expected default stale minutes, got %d", cfg.Conflict.StaleSessionMinutes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORED_LOG_LEVEL", "warn")
	t.Setenv("AGENTCORED_LOCK_MAX_ATTEMPTS", "7")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env override missed: %q", cfg.LogLevel)
	}
	if cfg.Lock.MaxAttempts != 7 {
		t.Fatalf("env override missed: %d", cfg.Lock.MaxAttempts)
	}
}

func TestFingerprintStable(t *testing.T) {
	a, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("equal configs produced different fingerprints: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	b.Lock.MaxAttempts = 99
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("tuning change did not alter fingerprint")
	}
}
