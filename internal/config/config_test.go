package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"missioncore/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.MaxRetries != config.Default().Scheduler.MaxRetries {
		t.Fatal("expected defaults when no config file exists")
	}
}

func TestPartialYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("scheduler:\n  max_retries: 7\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scheduler.MaxRetries != 7 {
		t.Fatalf("max_retries = %d, want 7", cfg.Scheduler.MaxRetries)
	}
	if cfg.Resources.CrewCapacity != config.Default().Resources.CrewCapacity {
		t.Fatal("untouched fields must keep defaults")
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	if _, err := config.FromYAML([]byte("schedular:\n  max_retries: 7\n")); err == nil {
		t.Fatal("expected a typo in a section name to fail parsing")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"backoff factor":      func(c *config.Config) { c.Scheduler.BackoffFactor = 1 },
		"crew capacity":       func(c *config.Config) { c.Resources.CrewCapacity = 0 },
		"reputation floor":    func(c *config.Config) { c.Domains.CustomFloor = 1.5 },
		"quarantine ordering": func(c *config.Config) { c.Domains.QuarantineBelow = 0.9; c.Domains.DegradedBelow = 0.5 },
		"wall clock":          func(c *config.Config) { c.Scheduler.MaxWallClock = -time.Hour },
		"error rate bound":    func(c *config.Config) { c.Scheduler.ErrorRateEscalate = 1.2 },
		"snapshot cron":       func(c *config.Config) { c.Analytics.SnapshotCron = "" },
	}
	for name, mutate := range cases {
		cfg := config.Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	orig := config.Default()
	orig.Scheduler.TickInterval = 7 * time.Second
	data, err := orig.ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	parsed, err := config.FromYAML(data)
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if parsed.Scheduler.TickInterval != 7*time.Second {
		t.Fatalf("tick_interval = %s, want 7s", parsed.Scheduler.TickInterval)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	workspace := t.TempDir()
	body := strings.Join([]string{
		"server:",
		"  addr: \"127.0.0.1:9999\"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(workspace, "missioncore.yml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}
