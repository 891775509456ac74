package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/miradorstack/healloop/internal/config"
)

func TestStateExcludesAreRelativeToRepository(t *testing.T) {
	cfg := &config.Config{
		State: config.StateConfig{Path: ".healloop/state.json", BackupDir: ".healloop/backups"},
		Audit: config.AuditConfig{Path: "logs/audit.jsonl"},
		VCS:   config.VCSConfig{Dir: "."},
	}
	want := []string{".healloop", ".healloop/backups", "logs/audit.jsonl"}
	if diff := cmp.Diff(want, stateExcludes(cfg)); diff != "" {
		t.Fatalf("unexpected excludes (-want +got):\n%s", diff)
	}
}

func TestStateExcludesSkipEmptyAndOutsidePaths(t *testing.T) {
	cfg := &config.Config{
		State: config.StateConfig{Path: "state.json"},
		VCS:   config.VCSConfig{Dir: "repo"},
	}
	if got := stateExcludes(cfg); len(got) != 0 {
		t.Fatalf("expected no excludes, got %v", got)
	}

	cfg.State.BackupDir = "repo/.backups"
	if diff := cmp.Diff([]string{".backups"}, stateExcludes(cfg)); diff != "" {
		t.Fatalf("unexpected excludes (-want +got):\n%s", diff)
	}
}
