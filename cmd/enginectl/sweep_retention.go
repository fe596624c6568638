package main

import (
	"context"
	"fmt"
	"time"

	"github.com/corvus-ci/enginectl/internal/config"
	"github.com/spf13/cobra"
)

var sweepRetentionCmd = &cobra.Command{
	Use:   "sweep-retention",
	Short: "Run one Retention Sweeper pass and exit",
	Long: `sweep-retention deletes artifacts past storage.artifact_retention_days
(skipping any build still Running) and log entries past
storage.log_retention_days, then exits. Intended to be run as a one-off
or from cron alongside a continuously-running "serve" process.`,
	RunE: runSweepRetention,
}

func runSweepRetention(cmd *cobra.Command, args []string) error {
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

	result, err := eng.sweeper.Sweep(context.Background(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep retention: %w", err)
	}
	logger.Info("retention sweep complete",
		"artifacts_deleted", result.ArtifactsDeleted,
		"log_entries_deleted", result.LogEntriesDeleted,
	)
	return nil
}
