package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "healloop",
	Short: "healloop - self-healing development loop",
	Long: `healloop probes a fixed set of targets (HTTP endpoints, builds, test suites,
version control status), classifies failures into deduplicated error records,
and applies bounded, verified repairs with cool-down and escalation.

State survives restarts in a single JSON snapshot.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (or set HEALLOOP_CONFIG)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
