package repair

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/healloop/internal/models"
)

// StrategyKind enumerates the closed set of repair actions.
type StrategyKind string

const (
	// KindCommand runs a shell command.
	KindCommand StrategyKind = "command"
	// KindVCSPull rebases the working copy onto its upstream.
	KindVCSPull StrategyKind = "vcs-pull"
)

// Strategy is one row of the category to action table.
type Strategy struct {
	Category models.Category `yaml:"category"`
	Name     string          `yaml:"name"`
	Kind     StrategyKind    `yaml:"kind"`
	Command  string          `yaml:"command"`
	WorkDir  string          `yaml:"workDir"`
	// Paths are snapshotted before the action runs and restored if it fails.
	Paths   []string      `yaml:"paths"`
	Timeout time.Duration `yaml:"timeout"`
}

type strategyFile struct {
	Strategies []Strategy `yaml:"strategies"`
}

// Table maps each repairable category to exactly one strategy.
type Table map[models.Category]Strategy

// LoadStrategies reads the strategy table. An empty path or missing file yields an
// empty table, in which case nothing is ever repaired.
func LoadStrategies(path string, logger *slog.Logger) (Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Table{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("strategy table not found, repairs disabled", slog.String("path", path))
			return Table{}, nil
		}
		return nil, err
	}
	var file strategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse strategy table %s: %w", path, err)
	}
	table, err := NewTable(file.Strategies)
	if err != nil {
		return nil, fmt.Errorf("strategy table %s: %w", path, err)
	}
	logger.Info("strategy table loaded", slog.String("path", path), slog.Int("strategies", len(table)))
	return table, nil
}

// NewTable validates strategies and indexes them by category.
func NewTable(strategies []Strategy) (Table, error) {
	table := make(Table, len(strategies))
	for i, s := range strategies {
		if !s.Category.Repairable() {
			return nil, fmt.Errorf("strategy %d: category %q is not repairable", i, s.Category)
		}
		if _, dup := table[s.Category]; dup {
			return nil, fmt.Errorf("strategy %d: category %s mapped twice", i, s.Category)
		}
		switch s.Kind {
		case KindCommand:
			if s.Command == "" {
				return nil, fmt.Errorf("strategy %d: command kind requires a command", i)
			}
		case KindVCSPull:
		default:
			return nil, fmt.Errorf("strategy %d: unknown kind %q", i, s.Kind)
		}
		if s.Name == "" {
			s.Name = string(s.Kind) + ":" + string(s.Category)
		}
		table[s.Category] = s
	}
	return table, nil
}
