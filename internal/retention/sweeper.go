// Package retention is the Retention Sweeper (C10): on a fixed interval it
// deletes expired artifacts (file and row) and log lines older than the
// configured retention window, skipping any build currently Running so it
// never races an active Executor still appending to that build's log.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/store"
)

// Sweeper periodically reclaims expired Artifacts and old LogEntries. its
// per-build advisory lock (§4.10) is the Build's own status row: a build
// still Running is never touched, so the Sweeper never races an Executor
// that is actively appending to it.
type Sweeper struct {
	store              *store.Store
	logRetentionWindow time.Duration
	interval           time.Duration
	logger             *slog.Logger
}

// New constructs a Sweeper. interval <= 0 selects a five-minute default.
func New(st *store.Store, logRetentionWindow, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: st, logRetentionWindow: logRetentionWindow, interval: interval, logger: logger}
}

// Run loops Sweep on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// SweepResult reports what one pass reclaimed, for logging.
type SweepResult struct {
	ArtifactsDeleted  int
	LogEntriesDeleted int64
}

// Sweep runs one pass. calling it twice with the same now is a no-op the
// second time (§8 property 8): every deletion is keyed off already-expired
// rows, so nothing left behind by the first pass is still eligible.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	expired, err := s.store.ListExpiredArtifacts(now)
	if err != nil {
		return result, fmt.Errorf("retention: list expired artifacts: %w", err)
	}
	for _, a := range expired {
		if s.buildIsActive(a.BuildID) {
			continue
		}
		if err := os.Remove(a.StoragePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove expired artifact file", "build_id", a.BuildID, "name", a.Name, "error", err)
			continue
		}
		if err := s.store.DeleteArtifact(a.BuildID, a.Name); err != nil {
			s.logger.Warn("failed to delete expired artifact row", "build_id", a.BuildID, "name", a.Name, "error", err)
			continue
		}
		result.ArtifactsDeleted++
	}

	cutoff := now.Add(-s.logRetentionWindow)
	deletedLogs, err := s.store.DeleteOldLogEntries(cutoff)
	if err != nil {
		return result, fmt.Errorf("retention: delete old log entries: %w", err)
	}
	result.LogEntriesDeleted = deletedLogs

	return result, nil
}

func (s *Sweeper) buildIsActive(buildID string) bool {
	build, err := s.store.GetBuild(buildID)
	if err != nil {
		return false
	}
	return build.Status == models.StatusRunning
}
