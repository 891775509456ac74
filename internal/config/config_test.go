package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/healloop/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "healloop.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HEALLOOP_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Loop.Interval != 5*time.Second {
		t.Fatalf("expected 5s interval, got %v", cfg.Loop.Interval)
	}
	if cfg.Loop.MaxAttempts != 3 || cfg.Loop.Cooldown != time.Hour {
		t.Fatalf("unexpected repair budget: %+v", cfg.Loop)
	}
	if cfg.State.Path == "" {
		t.Fatalf("expected default state path")
	}
}

func TestLoadTargetsAndDefaults(t *testing.T) {
	path := writeConfig(t, `
loop:
  interval: 2s
  maxRearms: 1
targets:
  - id: api
    kind: http-endpoint
    url: http://localhost:8080/healthz
    expectStatus: [200, 204]
  - id: web
    kind: build-check
    command: npm run build
    workDir: ./web
    timeout: 90s
  - id: repo
    kind: vcs-status
    workDir: .
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Loop.Interval != 2*time.Second || cfg.Loop.MaxRearms != 1 {
		t.Fatalf("unexpected loop config: %+v", cfg.Loop)
	}

	targets := cfg.MonitorTargets()
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(targets))
	}
	if targets[0].Timeout != 10*time.Second {
		t.Fatalf("expected default http timeout, got %v", targets[0].Timeout)
	}
	if !targets[0].ExpectsStatus(204) || targets[0].ExpectsStatus(201) {
		t.Fatalf("expectStatus not honoured: %+v", targets[0].ExpectStatus)
	}
	if targets[1].Timeout != 90*time.Second || targets[1].Kind != models.KindBuildCheck {
		t.Fatalf("unexpected build target: %+v", targets[1])
	}
	if targets[2].Command != defaultVCSStatusCommand {
		t.Fatalf("expected default vcs command, got %q", targets[2].Command)
	}
}

func TestLoadRejectsInvalidTargets(t *testing.T) {
	cases := map[string]string{
		"unknown kind": `
targets:
  - id: x
    kind: ftp
`,
		"missing url": `
targets:
  - id: api
    kind: http-endpoint
`,
		"duplicate": `
targets:
  - id: t
    kind: test-suite
    command: go test ./...
  - id: t
    kind: test-suite
    command: go test ./...
`,
		"missing command": `
targets:
  - id: t
    kind: test-suite
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HEALLOOP_INTERVAL", "30s")
	t.Setenv("HEALLOOP_MAX_ATTEMPTS", "5")
	t.Setenv("HEALLOOP_STATE_PATH", "/tmp/loop.json")
	t.Setenv("HEALLOOP_LOG_FORMAT", "json")
	t.Setenv("HEALLOOP_GRPC_ADDRESS", "")
	t.Setenv("HEALLOOP_VCS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, "loop:\n  interval: 1s\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Loop.Interval != 30*time.Second {
		t.Fatalf("expected env interval override, got %v", cfg.Loop.Interval)
	}
	if cfg.Loop.MaxAttempts != 5 || cfg.State.Path != "/tmp/loop.json" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Loop, cfg.State)
	}
	if !cfg.Logging.JSON || !cfg.VCS.Enabled {
		t.Fatalf("expected json logging and vcs enabled")
	}
	if cfg.Server.Address != "" {
		t.Fatalf("expected grpc server disabled via empty env, got %q", cfg.Server.Address)
	}
}
