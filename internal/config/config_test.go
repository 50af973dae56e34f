package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stoneforge-ai/orchestrator/internal/health"
)

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	want := Default()
	if cfg.LogLevel != want.LogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, want.LogLevel)
	}
	if cfg.Health.MaxPingAttempts != want.Health.MaxPingAttempts {
		t.Errorf("Health.MaxPingAttempts = %d, want %d", cfg.Health.MaxPingAttempts, want.Health.MaxPingAttempts)
	}
}

func TestLoadAppliesOverridesOnTopOfDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.toml")
	contents := `
log_level = "debug"

[store]
driver = "sqlite"
dsn = "orchestrator.db"

[health]
max_ping_attempts = 5
auto_restart = false

[merge]
test_command = "go test ./..."
strategy = "merge"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "orchestrator.db" {
		t.Errorf("Store = %+v, want sqlite/orchestrator.db", cfg.Store)
	}
	if cfg.Health.MaxPingAttempts != 5 {
		t.Errorf("Health.MaxPingAttempts = %d, want 5", cfg.Health.MaxPingAttempts)
	}
	if cfg.Health.AutoRestart {
		t.Error("Health.AutoRestart = true, want false (overridden)")
	}
	// Untouched health fields keep their documented defaults.
	if want := health.DefaultConfig().ErrorCountThreshold; cfg.Health.ErrorCountThreshold != want {
		t.Errorf("Health.ErrorCountThreshold = %d, want default %d", cfg.Health.ErrorCountThreshold, want)
	}
	if cfg.Merge.TestCommand != "go test ./..." {
		t.Errorf("Merge.TestCommand = %q, want %q", cfg.Merge.TestCommand, "go test ./...")
	}
	if cfg.Merge.Strategy != "merge" {
		t.Errorf("Merge.Strategy = %q, want merge", cfg.Merge.Strategy)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.toml")
	contents := `
[health]
max_pign_attempts = 5
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Load did not reject an unknown key")
	}
}
