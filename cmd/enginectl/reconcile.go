package main

import (
	"context"
	"fmt"

	"github.com/corvus-ci/enginectl/internal/config"
	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one Coordinator reconciliation pass and exit",
	Long: `reconcile sweeps the Work Queue for expired dispatch tokens and
scans the store for Running builds abandoned by a crashed worker, marking
each terminal (and re-enqueuing a retry child when configured). Intended
to be run as a one-off or from an external scheduler alongside a
continuously-running "serve" process.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAppConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger(cfg.LogFormat)

	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	count, err := eng.coordinator.Reconcile(context.Background())
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	logger.Info("reconciliation pass complete", "builds_reconciled", count)
	return nil
}
