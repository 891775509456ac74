package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/healloop/internal/api"
	"github.com/miradorstack/healloop/internal/audit"
	"github.com/miradorstack/healloop/internal/config"
	"github.com/miradorstack/healloop/internal/engine"
	"github.com/miradorstack/healloop/internal/loop"
	"github.com/miradorstack/healloop/internal/metrics"
	"github.com/miradorstack/healloop/internal/probe"
	"github.com/miradorstack/healloop/internal/repair"
	"github.com/miradorstack/healloop/internal/store"
	"github.com/miradorstack/healloop/internal/utils"
	"github.com/miradorstack/healloop/internal/vcs"
)

var (
	intervalSeconds int
	maxIterations   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the probe, classify and repair loop",
	Long: `Runs ticks until interrupted or until --max-iterations ticks have completed.

SIGINT/SIGTERM finish the in-flight repair, persist the state and exit 0.
The command exits non-zero when the configuration is invalid, another
process holds the state lock, or the state store keeps failing.`,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().IntVar(&intervalSeconds, "interval", 0, "Seconds between ticks (overrides loop.interval)")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Stop after this many ticks (0 runs until interrupted)")
}

func runLoop(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("interval") {
		if intervalSeconds <= 0 {
			return fmt.Errorf("--interval must be positive")
		}
		cfg.Loop.Interval = time.Duration(intervalSeconds) * time.Second
	}
	if cmd.Flags().Changed("max-iterations") {
		if maxIterations < 0 {
			return fmt.Errorf("--max-iterations must not be negative")
		}
		cfg.Loop.MaxIterations = maxIterations
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	targets := cfg.MonitorTargets()
	logger.Info("starting healloop",
		slog.Int("targets", len(targets)),
		slog.Duration("interval", cfg.Loop.Interval),
		slog.String("state", cfg.State.Path),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	fileStore := store.NewFileStore(cfg.State.Path, logger)
	release, err := fileStore.Lock()
	if err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("release state lock", slog.Any("error", err))
		}
	}()

	var recorder audit.Recorder = audit.Nop{}
	if cfg.Audit.Path != "" {
		fileAudit, err := audit.NewFileAuditor(cfg.Audit.Path)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer fileAudit.Close()
		recorder = fileAudit
	}

	shell := probe.NewShellRunner()
	prober := probe.NewRunner(probe.NewHTTPClient(0), shell, logger)

	pack, err := engine.LoadRulePack(cfg.Rules.Path, logger)
	if err != nil {
		return fmt.Errorf("load rule pack: %w", err)
	}
	classifier := engine.NewClassifier(pack, engine.Policy{MaxRearms: cfg.Loop.MaxRearms}, logger)

	strategies, err := repair.LoadStrategies(cfg.Strategies.Path, logger)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	var syncer vcs.Syncer
	if cfg.VCS.Enabled {
		git, err := vcs.NewGit(vcs.GitConfig{
			Dir:     cfg.VCS.Dir,
			Remote:  cfg.VCS.Remote,
			Branch:  cfg.VCS.Branch,
			Push:    cfg.VCS.Push,
			Timeout: cfg.VCS.Timeout,
			Exclude: stateExcludes(cfg),
		})
		if err != nil {
			return fmt.Errorf("configure vcs: %w", err)
		}
		syncer = git
	}

	executor := repair.NewExecutor(
		repair.Policy{
			MaxAttempts:    cfg.Loop.MaxAttempts,
			Cooldown:       cfg.Loop.Cooldown,
			TransientGrace: cfg.Loop.TransientGrace,
			RepairTimeout:  cfg.Loop.RepairTimeout,
		},
		strategies,
		targets,
		prober,
		shell,
		syncer,
		repair.NewSnapshotter(cfg.State.BackupDir),
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := loop.Options{
		Targets:           targets,
		Prober:            prober,
		Classifier:        classifier,
		Repairer:          executor,
		Store:             fileStore,
		VCS:               syncer,
		Audit:             recorder,
		Logger:            logger,
		HistoryWindow:     cfg.Loop.HistoryWindow,
		FixedRetention:    cfg.Loop.FixedRetention,
		StoreFailureLimit: cfg.Loop.StoreFailureLimit,
	}

	var server *api.Server
	if cfg.Server.Address != "" {
		server, err = api.NewServer(cfg.Server, targets, logger)
		if err != nil {
			return fmt.Errorf("create gRPC server: %w", err)
		}
		opts.Observer = server
		go func() {
			if serveErr := server.Start(); serveErr != nil {
				logger.Error("gRPC server exited", slog.Any("error", serveErr))
			}
		}()
	}

	metricsServer := startMetricsServer(cfg.Server.MetricsAddress, logger)

	ctrl := loop.NewController(opts)
	runErr := ctrl.Run(ctx, cfg.Loop.Interval, cfg.Loop.MaxIterations)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
		server.Shutdown(shutdownCtx)
		cancel()
	}
	if metricsServer != nil {
		metricsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancel()
	}

	if runErr != nil {
		if errors.Is(runErr, loop.ErrStoreFailure) {
			logger.Error("aborting: state store keeps failing",
				slog.String("op", utils.OpOf(runErr)),
				slog.Any("error", runErr),
			)
		}
		return runErr
	}
	state := ctrl.State()
	logger.Info("healloop stopped",
		slog.Int("iteration", state.Iteration),
		slog.Int("errors_fixed", state.TotalErrorsFixed),
	)
	return nil
}

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", slog.Any("error", err))
		}
	}()
	return srv
}

// stateExcludes keeps the loop's own files out of automated commits.
func stateExcludes(cfg *config.Config) []string {
	var out []string
	for _, p := range []string{filepath.Dir(cfg.State.Path), cfg.State.BackupDir, cfg.Audit.Path} {
		if p == "" || p == "." {
			continue
		}
		rel := p
		if r, err := filepath.Rel(cfg.VCS.Dir, p); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
		out = append(out, rel)
	}
	return out
}

