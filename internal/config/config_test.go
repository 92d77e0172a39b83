package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pluginhub.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
plugins:
  llmserver-rs:
    name: llmserver-rs
    capabilities:
      - model_download
      - service_start
      - service_stop
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Address != ":8091" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Metrics.Address != ":9091" {
		t.Fatalf("unexpected metrics address %q", cfg.Metrics.Address)
	}
	if cfg.Downloads.Endpoint != "https://huggingface.co" {
		t.Fatalf("unexpected endpoint %q", cfg.Downloads.Endpoint)
	}
	wantBase := filepath.Join(filepath.Dir(path), "plugins")
	if cfg.Downloads.BaseDir != wantBase {
		t.Fatalf("base dir %q, want %q", cfg.Downloads.BaseDir, wantBase)
	}
	if cfg.History.Driver != "memory" || cfg.Events.Driver != "memory" {
		t.Fatalf("unexpected default drivers: %s / %s", cfg.History.Driver, cfg.Events.Driver)
	}
	if got := cfg.Supervisor.StopGracePeriod(); got != 5*time.Second {
		t.Fatalf("unexpected default grace period %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
}

func TestLoadResolvesRelativeBaseDir(t *testing.T) {
	path := writeConfig(t, `
downloads:
  base_dir: models
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	want := filepath.Join(filepath.Dir(path), "models")
	if cfg.Downloads.BaseDir != want {
		t.Fatalf("base dir %q, want %q", cfg.Downloads.BaseDir, want)
	}
}

func TestStopGracePeriodOverride(t *testing.T) {
	path := writeConfig(t, `
supervisor:
  stop_grace_period_seconds: 12
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got := cfg.Supervisor.StopGracePeriod(); got != 12*time.Second {
		t.Fatalf("grace period %v, want 12s", got)
	}
}

func TestValidateRejectsPluginWithoutCapabilities(t *testing.T) {
	path := writeConfig(t, `
plugins:
  llmserver-rs:
    name: llmserver-rs
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation to fail for a plugin without capabilities")
	}
}

func TestValidateRequiresDriverSettings(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"mysql without dsn", "history:\n  driver: mysql\n"},
		{"redis without address", "events:\n  driver: redis\n"},
		{"rabbitmq without url", "events:\n  driver: rabbitmq\n"},
	}
	for _, tc := range cases {
		cfg, err := Load(writeConfig(t, tc.content))
		if err != nil {
			t.Fatalf("%s: load failed: %v", tc.name, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation to fail", tc.name)
		}
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
