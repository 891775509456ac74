// Package vcs holds the version-control collaborator the loop calls after a
// successful repair, plus a thin adapter over the git CLI.
package vcs

import (
	"bufio"
	"context"
	"regexp"
	"strconv"
	"strings"
)

// Status summarises working tree and upstream divergence.
type Status struct {
	Dirty  bool
	Ahead  int
	Behind int
}

// Clean reports whether nothing needs syncing.
func (s Status) Clean() bool {
	return !s.Dirty && s.Ahead == 0 && s.Behind == 0
}

// Syncer is the contract the loop consumes. Implementations own all VCS mechanics.
type Syncer interface {
	Status(ctx context.Context) (Status, error)
	CommitAndPush(ctx context.Context, message string) error
	Pull(ctx context.Context) error
}

var divergencePattern = regexp.MustCompile(`\b(ahead|behind) (\d+)`)

// ParseStatus interprets `git status --porcelain --branch` output. The "## " header
// carries upstream divergence; every other non-empty line is a changed path.
func ParseStatus(output string) Status {
	var st Status
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "## ") {
			for _, m := range divergencePattern.FindAllStringSubmatch(line, -1) {
				n, err := strconv.Atoi(m[2])
				if err != nil {
					continue
				}
				if m[1] == "ahead" {
					st.Ahead = n
				} else {
					st.Behind = n
				}
			}
			continue
		}
		st.Dirty = true
	}
	return st
}
