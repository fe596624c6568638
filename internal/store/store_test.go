package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)

	p := models.Project{
		ID:                      "proj-1",
		RepoFullName:            "acme/widgets",
		DefaultBranch:           "main",
		MaxDurationSeconds:      900,
		RequiredSecretNamesJSON: `["DB_PASSWORD"]`,
		OwnerID:                 "user-1",
	}
	require.NoError(t, s.InsertProject(p))

	got, err := s.GetProject("proj-1")
	require.NoError(t, err)
	require.Equal(t, "acme/widgets", got.RepoFullName)
	require.Equal(t, 900, got.MaxDurationSeconds)

	byRepo, err := s.GetProjectByRepo("acme/widgets")
	require.NoError(t, err)
	require.Equal(t, got.ID, byRepo.ID)

	_, err = s.GetProject("nope")
	require.ErrorIs(t, err, ErrRecordNotFound)

	all, err := s.ListProjects()
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.DeleteProject("proj-1"))
	require.ErrorIs(t, s.DeleteProject("proj-1"), ErrRecordNotFound)
}

func TestSecretRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutSecret("proj-1", "DB_PASSWORD", []byte("cipher-v1")))
	got, err := s.GetSecret("proj-1", "DB_PASSWORD")
	require.NoError(t, err)
	require.Equal(t, []byte("cipher-v1"), got.Ciphertext)

	// Put again with the same name upserts rather than erroring.
	require.NoError(t, s.PutSecret("proj-1", "DB_PASSWORD", []byte("cipher-v2")))
	got, err = s.GetSecret("proj-1", "DB_PASSWORD")
	require.NoError(t, err)
	require.Equal(t, []byte("cipher-v2"), got.Ciphertext)

	list, err := s.ListSecrets("proj-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.DeleteSecret("proj-1", "DB_PASSWORD"))
	require.ErrorIs(t, s.DeleteSecret("proj-1", "DB_PASSWORD"), ErrRecordNotFound)
}

func TestBuildStateMachineTransitions(t *testing.T) {
	s := newTestStore(t)

	b := models.Build{
		ID:        "build-1",
		ProjectID: "proj-1",
		CommitSHA: "abc123",
		Branch:    "main",
		Trigger:   models.TriggerPush,
	}
	require.NoError(t, s.InsertBuild(b))

	got, err := s.GetBuild("build-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)

	ok, err := s.TransitionToRunning("build-1", "token-abc", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	// A second worker racing to claim the same Queued build must lose.
	ok, err = s.TransitionToRunning("build-1", "token-xyz", time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.TransitionToTerminal("build-1", models.StatusSuccess, time.Now().UTC(), 1500, "", nil)
	require.NoError(t, err)
	require.True(t, ok)

	// §8 property 6: a second terminal transition is a no-op, not an error.
	ok, err = s.TransitionToTerminal("build-1", models.StatusFailed, time.Now().UTC(), 2000, "BuildError", nil)
	require.NoError(t, err)
	require.False(t, ok)

	final, err := s.GetBuild("build-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusSuccess, final.Status)
}

func TestCancelQueuedIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBuild(models.Build{ID: "build-2", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerManual}))

	ok, err := s.CancelQueued("build-2")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.CancelQueued("build-2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLogEntrySequencing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertBuild(models.Build{ID: "build-3", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.AppendLogEntry(models.LogEntry{
			BuildID:   "build-3",
			Sequence:  i,
			Kind:      models.LogOutput,
			Message:   "line",
			Timestamp: time.Now().UTC(),
		}))
	}

	entries, err := s.ListLogEntries("build-3")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Sequence)
	}

	since, err := s.ListLogEntriesSince("build-3", 1)
	require.NoError(t, err)
	require.Len(t, since, 2)

	max, err := s.MaxSequence("build-3")
	require.NoError(t, err)
	require.Equal(t, int64(3), max)
}

func TestArtifactExpiry(t *testing.T) {
	s := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	require.NoError(t, s.InsertArtifact(models.Artifact{BuildID: "build-4", Name: "bin", StoragePath: "/artifacts/build-4/bin", ExpiresAt: past}))
	require.NoError(t, s.InsertArtifact(models.Artifact{BuildID: "build-4", Name: "report", StoragePath: "/artifacts/build-4/report", ExpiresAt: future}))

	expired, err := s.ListExpiredArtifacts(time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "bin", expired[0].Name)

	require.NoError(t, s.DeleteArtifact("build-4", "bin"))
	// Deleting again is a no-op, not an error.
	require.NoError(t, s.DeleteArtifact("build-4", "bin"))

	remaining, err := s.ListArtifacts("build-4")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
