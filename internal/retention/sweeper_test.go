package retention

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(t *testing.T, logRetention time.Duration) (*Sweeper, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "retention.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, logRetention, time.Hour, logger), st
}

func TestSweepDeletesExpiredArtifactFileAndRow(t *testing.T) {
	s, st := newTestSweeper(t, 24*time.Hour)
	now := time.Now().UTC()

	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "p1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))

	artifactPath := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(artifactPath, []byte("bin"), 0o644))
	require.NoError(t, st.InsertArtifact(models.Artifact{
		BuildID: "build-1", Name: "app.bin", StoragePath: artifactPath,
		SizeBytes: 3, CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	result, err := s.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.ArtifactsDeleted)
	require.NoFileExists(t, artifactPath)

	remaining, err := st.ListArtifacts("build-1")
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestSweepSkipsArtifactsForRunningBuilds(t *testing.T) {
	s, st := newTestSweeper(t, 24*time.Hour)
	now := time.Now().UTC()

	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "p1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))
	_, err := st.TransitionToRunning("build-1", "token-1", now)
	require.NoError(t, err)

	artifactPath := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(artifactPath, []byte("bin"), 0o644))
	require.NoError(t, st.InsertArtifact(models.Artifact{
		BuildID: "build-1", Name: "app.bin", StoragePath: artifactPath,
		SizeBytes: 3, CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	result, err := s.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 0, result.ArtifactsDeleted)
	require.FileExists(t, artifactPath)
}

func TestSweepIsIdempotent(t *testing.T) {
	s, st := newTestSweeper(t, 24*time.Hour)
	now := time.Now().UTC()

	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "p1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))
	artifactPath := filepath.Join(t.TempDir(), "app.bin")
	require.NoError(t, os.WriteFile(artifactPath, []byte("bin"), 0o644))
	require.NoError(t, st.InsertArtifact(models.Artifact{
		BuildID: "build-1", Name: "app.bin", StoragePath: artifactPath,
		SizeBytes: 3, CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	first, err := s.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, first.ArtifactsDeleted)

	second, err := s.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 0, second.ArtifactsDeleted)
}

func TestSweepDeletesLogEntriesForOldFinishedBuilds(t *testing.T) {
	s, st := newTestSweeper(t, 24*time.Hour)
	now := time.Now().UTC()

	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "p1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))
	require.NoError(t, st.AppendLogEntry(models.LogEntry{BuildID: "build-1", Sequence: 1, Kind: models.LogOutput, Message: "hi", Timestamp: now}))

	old := now.Add(-48 * time.Hour)
	ok, err := st.TransitionToTerminal("build-1", models.StatusSuccess, old, 1000, "", nil)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := s.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.LogEntriesDeleted)

	entries, err := st.ListLogEntries("build-1")
	require.NoError(t, err)
	require.Empty(t, entries)
}
