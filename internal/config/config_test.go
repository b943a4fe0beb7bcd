package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Scheduler.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v", cfg.Scheduler.PollInterval)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  addr: ":9090"
scheduler:
  poll_interval: 10s
lock:
  backend: nats
  nats_url: nats://localhost:4222
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Scheduler.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Lock.Backend != "nats" || cfg.Lock.NATSURL != "nats://localhost:4222" {
		t.Errorf("Lock = %+v", cfg.Lock)
	}
	// Untouched sections keep their defaults.
	if cfg.Reconciler.PollInterval != 20*time.Second {
		t.Errorf("Reconciler.PollInterval = %v", cfg.Reconciler.PollInterval)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("executor:\n  token: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GRADERUN_EXECUTOR_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor.Token != "from-env" {
		t.Errorf("Token = %q, want env override", cfg.Executor.Token)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
