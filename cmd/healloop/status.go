package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/miradorstack/healloop/internal/config"
	"github.com/miradorstack/healloop/internal/services"
	"github.com/miradorstack/healloop/internal/store"
	"github.com/miradorstack/healloop/internal/utils"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted loop state",
	Long: `Reads the state snapshot without taking the lock, so it is safe to run
next to a live loop. Open, cooling-down and escalated records are listed
together with recent attempts and per-target hotspots.`,
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit the report as JSON")
}

func showStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := utils.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.JSON)

	svc := services.NewStatusService(store.NewFileStore(cfg.State.Path, logger).ReadOnly(), logger)
	report, err := svc.Report()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return services.WriteText(out, report)
}
