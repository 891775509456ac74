package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/healloop/internal/models"
)

// Rule maps a failing probe result to a category. Rules are evaluated in order; first match wins.
type Rule struct {
	ID         string          `yaml:"id"`
	Category   models.Category `yaml:"category"`
	Confidence float64         `yaml:"confidence"`
	Match      RuleMatch       `yaml:"match"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match anything.
type RuleMatch struct {
	Target     string   `yaml:"target"`
	Kind       string   `yaml:"kind"`
	Contains   []string `yaml:"contains"`
	HTTPStatus []int    `yaml:"httpStatus"`
	NonZero    bool     `yaml:"nonZeroExit"`
}

// RuleConfigFile is the YAML root structure of a rule pack.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

var missingDependencyMarkers = []string{
	"cannot find module",
	"module not found",
	"command not found",
	"no required module provides package",
	"modulenotfounderror",
}

var compilerErrorMarkers = []string{
	"error ts",
	"syntaxerror",
	"failed to compile",
	"compilation failed",
	"cannot find name",
	"undefined:",
}

// LoadRulePack reads a rule pack from path. An empty path or a missing file yields no rules.
func LoadRulePack(path string, logger *slog.Logger) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("rule pack not found, using built-in rules", slog.String("path", path))
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rule pack %s: %w", path, err)
	}
	for i, rule := range cfg.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule pack %s: rule %d has no id", path, i)
		}
		if !rule.Category.Valid() {
			return nil, fmt.Errorf("rule pack %s: rule %s has unknown category %q", path, rule.ID, rule.Category)
		}
		if rule.Confidence <= 0 || rule.Confidence > 1 {
			cfg.Rules[i].Confidence = 0.8
		}
	}
	logger.Info("rule pack loaded", slog.String("path", path), slog.Int("rules", len(cfg.Rules)))
	return cfg.Rules, nil
}

// classifyFunc is a built-in rule body.
type classifyFunc func(res models.ProbeResult, text string) bool

type builtinRule struct {
	id         string
	category   models.Category
	confidence float64
	match      classifyFunc
}

var builtinRules = []builtinRule{
	{
		id: "builtin.dependency-missing", category: models.CategoryDependencyMissing, confidence: 0.9,
		match: func(_ models.ProbeResult, text string) bool { return containsAny(text, missingDependencyMarkers) },
	},
	{
		id: "builtin.frontend-build", category: models.CategoryFrontendBuild, confidence: 0.85,
		match: func(res models.ProbeResult, text string) bool {
			return res.Kind == models.KindBuildCheck && res.Diagnostic.ExitCode != 0 && containsAny(text, compilerErrorMarkers)
		},
	},
	{
		id: "builtin.test-failure", category: models.CategoryTestFailure, confidence: 0.8,
		match: func(res models.ProbeResult, _ string) bool {
			return res.Kind == models.KindTestSuite && res.Diagnostic.ExitCode != 0
		},
	},
	{
		id: "builtin.vcs-sync", category: models.CategoryVCSSync, confidence: 0.9,
		match: func(res models.ProbeResult, _ string) bool {
			d := res.Diagnostic
			return res.Kind == models.KindVCSStatus && (d.Dirty || d.Ahead > 0 || d.Behind > 0)
		},
	},
	{
		id: "builtin.backend-health", category: models.CategoryBackendHealth, confidence: 0.75,
		match: func(res models.ProbeResult, _ string) bool { return res.Kind == models.KindHTTPEndpoint },
	},
}

func (r Rule) matches(res models.ProbeResult, text string) bool {
	m := r.Match
	if m.Target != "" && !strings.EqualFold(m.Target, res.TargetID) {
		return false
	}
	if m.Kind != "" && !strings.EqualFold(m.Kind, string(res.Kind)) {
		return false
	}
	if m.NonZero && res.Diagnostic.ExitCode == 0 {
		return false
	}
	if len(m.HTTPStatus) > 0 && !containsInt(m.HTTPStatus, res.Diagnostic.HTTPStatus) {
		return false
	}
	if len(m.Contains) > 0 && !containsAny(text, m.Contains) {
		return false
	}
	return true
}

// categorize returns the category, confidence and rule id for a failing result.
func categorize(pack []Rule, res models.ProbeResult) (models.Category, float64, string) {
	text := strings.ToLower(res.Diagnostic.Excerpt + "\n" + res.Diagnostic.Error)
	for _, rule := range pack {
		if rule.matches(res, text) {
			return rule.Category, rule.Confidence, rule.ID
		}
	}
	for _, rule := range builtinRules {
		if rule.match(res, text) {
			return rule.category, rule.confidence, rule.id
		}
	}
	return models.CategoryUnclassified, 0, ""
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
