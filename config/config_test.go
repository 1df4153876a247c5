package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != ":8000" {
		t.Errorf("port = %q", cfg.HTTPPort)
	}
	if cfg.WorkerCount != 4 || cfg.QueueSize != 128 {
		t.Errorf("workers=%d queue=%d", cfg.WorkerCount, cfg.QueueSize)
	}
	if cfg.MaxAttempts != 10 || cfg.RetryDelaySec != 60 {
		t.Errorf("max_attempts=%d retry_delay=%d", cfg.MaxAttempts, cfg.RetryDelaySec)
	}
	if cfg.SyncLookbackDays != 7 || cfg.AnswerThresholdSec != 15 {
		t.Errorf("lookback=%d threshold=%d", cfg.SyncLookbackDays, cfg.AnswerThresholdSec)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
http_port: ":9100"
db_path: /tmp/sla-test.db
source_database_uri: postgres://reader@src/calls
worker_count: 2
sync_lookback_days: 14
answer_threshold_sec: 20
`)
	t.Setenv("CONFIG_PATH", path)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPPort != ":9100" || cfg.DBPath != "/tmp/sla-test.db" {
		t.Errorf("port=%q db=%q", cfg.HTTPPort, cfg.DBPath)
	}
	if cfg.WorkerCount != 2 || cfg.SyncLookbackDays != 14 || cfg.AnswerThresholdSec != 20 {
		t.Errorf("workers=%d lookback=%d threshold=%d", cfg.WorkerCount, cfg.SyncLookbackDays, cfg.AnswerThresholdSec)
	}
	if err := cfg.RequireSource(); err != nil {
		t.Errorf("source configured but RequireSource = %v", err)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "worker_count: 2\nhttp_port: \":9100\"\n")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("WORKER_COUNT", "8")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerCount != 8 {
		t.Errorf("env should win over file, got %d", cfg.WorkerCount)
	}
	if cfg.HTTPPort != ":9100" {
		t.Errorf("file value lost, got %q", cfg.HTTPPort)
	}
}

func TestLoadClampsWorkerAndQueue(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("WORKER_COUNT", "0")
	t.Setenv("QUEUE_SIZE", "1000000")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WorkerCount != 1 {
		t.Errorf("worker count not clamped: %d", cfg.WorkerCount)
	}
	if cfg.QueueSize != 1024 {
		t.Errorf("queue size not clamped: %d", cfg.QueueSize)
	}
}

func TestStrictConfigFailsOnBadFile(t *testing.T) {
	path := writeConfigFile(t, "worker_count: [not an int\n")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("STRICT_CONFIG", "true")
	if _, err := Load(); err == nil {
		t.Fatal("expected strict mode to reject malformed yaml")
	}
}

func TestRequireSource(t *testing.T) {
	var cfg Config
	if !errors.Is(cfg.RequireSource(), ErrNoSourceURI) {
		t.Fatal("expected ErrNoSourceURI for empty DSN")
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	path := writeConfigFile(t, "sync_interval_sec: 300\n")
	t.Setenv("CONFIG_PATH", path)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SyncIntervalSec != 300 {
		t.Fatalf("sync_interval = %d", cfg.SyncIntervalSec)
	}
	if err := os.WriteFile(path, []byte("sync_interval_sec: 60\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := cfg.Reload()
	if err != nil {
		t.Fatal(err)
	}
	if out.SyncIntervalSec != 60 {
		t.Fatalf("reload did not pick up change: %d", out.SyncIntervalSec)
	}
}
