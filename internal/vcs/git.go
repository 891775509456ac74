package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultAuthorName  = "healloop"
	defaultAuthorEmail = "healloop@localhost"
)

// GitConfig configures the git adapter.
type GitConfig struct {
	Dir     string
	Remote  string
	Branch  string
	Push    bool
	Timeout time.Duration
	// Exclude lists pathspecs never staged by CommitAndPush (the loop's own state directory).
	Exclude []string
}

// Git implements Syncer by shelling out to the git binary.
type Git struct {
	cfg GitConfig
}

// NewGit constructs the adapter. It fails when git is not on PATH.
func NewGit(cfg GitConfig) (*Git, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git command not found: %w", err)
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Git{cfg: cfg}, nil
}

// Status reports working tree dirtiness and divergence from upstream.
func (g *Git) Status(ctx context.Context) (Status, error) {
	out, err := g.run(ctx, nil, "status", "--porcelain", "--branch")
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(out), nil
}

// CommitAndPush stages every change outside the excluded paths, commits, and pushes when
// configured. A clean tree is not an error.
func (g *Git) CommitAndPush(ctx context.Context, message string) error {
	args := []string{"add", "-A", "--", "."}
	for _, ex := range g.cfg.Exclude {
		if strings.TrimSpace(ex) != "" {
			args = append(args, ":(exclude)"+ex)
		}
	}
	if _, err := g.run(ctx, nil, args...); err != nil {
		return err
	}

	staged, err := g.hasStagedChanges(ctx)
	if err != nil {
		return err
	}
	if !staged {
		return nil
	}

	subject := singleLine(message, 96)
	if subject == "" {
		subject = "healloop: automated repair"
	}
	if _, err := g.run(ctx, identityEnv(), "commit", "-m", subject, "-m", "generated_by: healloop"); err != nil {
		return err
	}
	if !g.cfg.Push {
		return nil
	}
	pushArgs := []string{"push", g.cfg.Remote}
	if g.cfg.Branch != "" {
		pushArgs = append(pushArgs, "HEAD:"+g.cfg.Branch)
	}
	_, err = g.run(ctx, nil, pushArgs...)
	return err
}

// Pull rebases local work onto the upstream branch.
func (g *Git) Pull(ctx context.Context) error {
	args := []string{"pull", "--rebase", "--autostash", g.cfg.Remote}
	if g.cfg.Branch != "" {
		args = append(args, g.cfg.Branch)
	}
	_, err := g.run(ctx, identityEnv(), args...)
	return err
}

func (g *Git) hasStagedChanges(ctx context.Context) (bool, error) {
	_, err := g.run(ctx, nil, "diff", "--cached", "--quiet", "--exit-code")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (g *Git) run(ctx context.Context, extraEnv []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.cfg.Dir
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(out.String())
		}
		if msg != "" {
			return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, msg)
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return out.String(), nil
}

func identityEnv() []string {
	name := strings.TrimSpace(os.Getenv("HEALLOOP_GIT_AUTHOR_NAME"))
	if name == "" {
		name = defaultAuthorName
	}
	email := strings.TrimSpace(os.Getenv("HEALLOOP_GIT_AUTHOR_EMAIL"))
	if email == "" {
		email = defaultAuthorEmail
	}
	return []string{
		"GIT_AUTHOR_NAME=" + name,
		"GIT_AUTHOR_EMAIL=" + email,
		"GIT_COMMITTER_NAME=" + name,
		"GIT_COMMITTER_EMAIL=" + email,
	}
}

func singleLine(raw string, maxRunes int) string {
	text := strings.Join(strings.Fields(raw), " ")
	runes := []rune(text)
	if maxRunes <= 3 || len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes-3]) + "..."
}
