package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   Status
	}{
		{name: "clean", output: "## main...origin/main\n", want: Status{}},
		{name: "ahead", output: "## main...origin/main [ahead 2]\n", want: Status{Ahead: 2}},
		{name: "diverged", output: "## main...origin/main [ahead 1, behind 3]\n", want: Status{Ahead: 1, Behind: 3}},
		{name: "dirty", output: "## main\n M src/app.ts\n?? notes.txt\n", want: Status{Dirty: true}},
		{name: "empty", output: "", want: Status{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseStatus(tc.output)
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
			if got.Clean() != (tc.want == Status{}) {
				t.Fatalf("Clean() mismatch for %+v", got)
			}
		})
	}
}

func TestGitCommitLocalRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	if out, err := exec.Command("git", "-C", dir, "init", "-q").CombinedOutput(); err != nil {
		t.Fatalf("git init: %v: %s", err, out)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".healloop"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".healloop", "state.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write state: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fix.txt"), []byte("patched"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	g, err := NewGit(GitConfig{Dir: dir, Exclude: []string{".healloop"}})
	if err != nil {
		t.Fatalf("new git: %v", err)
	}
	ctx := context.Background()

	st, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Dirty {
		t.Fatalf("expected dirty tree before commit")
	}

	if err := g.CommitAndPush(ctx, "healloop: repaired backend-health on api"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	out, err := exec.Command("git", "-C", dir, "status", "--porcelain").Output()
	if err != nil {
		t.Fatalf("git status: %v", err)
	}
	// Only the excluded state directory may remain untracked.
	if got := string(out); got != "?? .healloop/\n" {
		t.Fatalf("unexpected remaining changes: %q", got)
	}

	if err := g.CommitAndPush(ctx, "nothing to do"); err != nil {
		t.Fatalf("commit on clean tree should be a no-op, got %v", err)
	}
}
