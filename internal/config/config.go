package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/healloop/internal/models"
)

// Config captures everything required to boot the repair loop.
type Config struct {
	Loop       LoopConfig       `yaml:"loop"`
	State      StateConfig      `yaml:"state"`
	Targets    []TargetConfig   `yaml:"targets"`
	Rules      RulesConfig      `yaml:"rules"`
	Strategies StrategiesConfig `yaml:"strategies"`
	VCS        VCSConfig        `yaml:"vcs"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
}

// LoopConfig controls cadence and the repair budget.
type LoopConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxIterations     int           `yaml:"maxIterations"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	Cooldown          time.Duration `yaml:"cooldown"`
	MaxRearms         int           `yaml:"maxRearms"`
	TransientGrace    int           `yaml:"transientGrace"`
	RepairTimeout     time.Duration `yaml:"repairTimeout"`
	HistoryWindow     int           `yaml:"historyWindow"`
	FixedRetention    time.Duration `yaml:"fixedRetention"`
	StoreFailureLimit int           `yaml:"storeFailureLimit"`
}

// StateConfig locates the persisted snapshot and repair backups.
type StateConfig struct {
	Path      string `yaml:"path"`
	BackupDir string `yaml:"backupDir"`
}

// TargetConfig is the YAML form of a monitored target.
type TargetConfig struct {
	ID           string        `yaml:"id"`
	Kind         string        `yaml:"kind"`
	URL          string        `yaml:"url"`
	Command      string        `yaml:"command"`
	WorkDir      string        `yaml:"workDir"`
	Timeout      time.Duration `yaml:"timeout"`
	ExpectStatus []int         `yaml:"expectStatus"`
}

// RulesConfig points at an optional classification rule pack.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// StrategiesConfig points at the repair strategy table.
type StrategiesConfig struct {
	Path string `yaml:"path"`
}

// VCSConfig controls the post-repair commit/push step.
type VCSConfig struct {
	Enabled bool          `yaml:"enabled"`
	Dir     string        `yaml:"dir"`
	Remote  string        `yaml:"remote"`
	Branch  string        `yaml:"branch"`
	Push    bool          `yaml:"push"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuditConfig locates the append-only audit trail. An empty path disables it.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig controls the gRPC health and metrics listeners. Empty addresses disable them.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

const defaultVCSStatusCommand = "git status --porcelain --branch"

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("HEALLOOP_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Loop: LoopConfig{
			Interval:          5 * time.Second,
			MaxAttempts:       3,
			Cooldown:          time.Hour,
			TransientGrace:    2,
			RepairTimeout:     2 * time.Minute,
			HistoryWindow:     50,
			FixedRetention:    24 * time.Hour,
			StoreFailureLimit: 5,
		},
		State: StateConfig{
			Path:      ".healloop/state.json",
			BackupDir: ".healloop/backups",
		},
		VCS: VCSConfig{
			Dir:     ".",
			Remote:  "origin",
			Push:    true,
			Timeout: time.Minute,
		},
		Audit:   AuditConfig{Path: ".healloop/audit.jsonl"},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
	}
}

// Validate checks the loop budget and every target definition.
func (c *Config) Validate() error {
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be positive")
	}
	if c.Loop.MaxAttempts <= 0 {
		return fmt.Errorf("loop.maxAttempts must be positive")
	}
	if c.Loop.Cooldown < 0 || c.Loop.MaxRearms < 0 || c.Loop.MaxIterations < 0 {
		return fmt.Errorf("loop.cooldown, loop.maxRearms and loop.maxIterations must not be negative")
	}
	if strings.TrimSpace(c.State.Path) == "" {
		return fmt.Errorf("state.path is required")
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("targets[%d]: id is required", i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("targets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}

		kind := models.TargetKind(t.Kind)
		if !kind.Valid() {
			return fmt.Errorf("target %s: unknown kind %q", t.ID, t.Kind)
		}
		switch kind {
		case models.KindHTTPEndpoint:
			if t.URL == "" {
				return fmt.Errorf("target %s: url is required for %s", t.ID, kind)
			}
		case models.KindBuildCheck, models.KindTestSuite:
			if strings.TrimSpace(t.Command) == "" {
				return fmt.Errorf("target %s: command is required for %s", t.ID, kind)
			}
		}
		if t.Timeout < 0 {
			return fmt.Errorf("target %s: timeout must not be negative", t.ID)
		}
	}
	return nil
}

// MonitorTargets converts the configured targets into immutable probe definitions.
func (c *Config) MonitorTargets() []models.MonitorTarget {
	out := make([]models.MonitorTarget, 0, len(c.Targets))
	for _, t := range c.Targets {
		target := models.MonitorTarget{
			ID:           t.ID,
			Kind:         models.TargetKind(t.Kind),
			URL:          t.URL,
			Command:      t.Command,
			WorkDir:      t.WorkDir,
			Timeout:      t.Timeout,
			ExpectStatus: append([]int(nil), t.ExpectStatus...),
		}
		if target.Timeout <= 0 {
			target.Timeout = defaultTimeout(target.Kind)
		}
		if target.Kind == models.KindVCSStatus && strings.TrimSpace(target.Command) == "" {
			target.Command = defaultVCSStatusCommand
		}
		out = append(out, target)
	}
	return out
}

func defaultTimeout(kind models.TargetKind) time.Duration {
	switch kind {
	case models.KindHTTPEndpoint, models.KindVCSStatus:
		return 10 * time.Second
	default:
		return 5 * time.Minute
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HEALLOOP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Loop.Interval = d
		}
	}
	if v := os.Getenv("HEALLOOP_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Loop.MaxAttempts = n
		}
	}
	if v := os.Getenv("HEALLOOP_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Loop.Cooldown = d
		}
	}
	if v := os.Getenv("HEALLOOP_STATE_PATH"); v != "" {
		cfg.State.Path = v
	}
	if v := os.Getenv("HEALLOOP_BACKUP_DIR"); v != "" {
		cfg.State.BackupDir = v
	}
	if v := os.Getenv("HEALLOOP_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("HEALLOOP_STRATEGIES_PATH"); v != "" {
		cfg.Strategies.Path = v
	}
	if v := os.Getenv("HEALLOOP_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("HEALLOOP_VCS_ENABLED"); v != "" {
		cfg.VCS.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("HEALLOOP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HEALLOOP_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v, ok := os.LookupEnv("HEALLOOP_GRPC_ADDRESS"); ok {
		cfg.Server.Address = v
	}
	if v, ok := os.LookupEnv("HEALLOOP_METRICS_ADDRESS"); ok {
		cfg.Server.MetricsAddress = v
	}
}
