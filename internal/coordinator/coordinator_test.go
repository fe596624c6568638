package coordinator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/corvus-ci/enginectl/internal/errs"
	"github.com/corvus-ci/enginectl/internal/hub"
	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/queue"
	"github.com/corvus-ci/enginectl/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeCanceller struct {
	cancelled []string
	found     bool
}

func (f *fakeCanceller) Cancel(buildID string) bool {
	f.cancelled = append(f.cancelled, buildID)
	return f.found
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *queue.Queue, *fakeCanceller) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "coordinator.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb, logger)

	h := hub.New(logger)
	replay := func(buildID string, afterSeq int64) ([]models.LogEntry, error) {
		return st.ListLogEntriesSince(buildID, afterSeq)
	}
	canceller := &fakeCanceller{found: true}

	c := New(st, q, h, replay, canceller, Config{VisibilityTimeout: time.Minute, RetryOnAbandon: true}, logger)
	return c, st, q, canceller
}

func TestEnqueueCreatesQueuedBuildAndPushesToQueue(t *testing.T) {
	c, st, q, _ := newTestCoordinator(t)
	require.NoError(t, st.InsertProject(models.Project{ID: "proj-1", RepoFullName: "acme/widgets", DefaultBranch: "main", OwnerID: "user-1"}))

	buildID, err := c.Enqueue(context.Background(), "proj-1", "abc123", "main", models.TriggerPush, nil)
	require.NoError(t, err)
	require.NotEmpty(t, buildID)

	build, err := st.GetBuild(buildID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, build.Status)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestEnqueueRejectsUnknownProject(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	_, err := c.Enqueue(context.Background(), "no-such-project", "abc123", "main", models.TriggerPush, nil)
	require.Error(t, err)

	var classified *errs.ClassifiedError
	require.ErrorAs(t, err, &classified)
	require.Equal(t, errs.KindValidation, classified.Kind)
}

func TestCancelQueuedBuildMarksCancelled(t *testing.T) {
	c, st, _, canceller := newTestCoordinator(t)
	require.NoError(t, st.InsertProject(models.Project{ID: "proj-1", RepoFullName: "acme/widgets", DefaultBranch: "main", OwnerID: "user-1"}))
	buildID, err := c.Enqueue(context.Background(), "proj-1", "abc123", "main", models.TriggerPush, nil)
	require.NoError(t, err)

	result, err := c.Cancel(buildID)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.False(t, result.NoopTerminal)
	require.Empty(t, canceller.cancelled)

	build, err := st.GetBuild(buildID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, build.Status)
}

func TestCancelRunningBuildSignalsCanceller(t *testing.T) {
	c, st, _, canceller := newTestCoordinator(t)
	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))
	_, err := st.TransitionToRunning("build-1", "token-1", time.Now().UTC())
	require.NoError(t, err)

	result, err := c.Cancel("build-1")
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, []string{"build-1"}, canceller.cancelled)
}

func TestCancelTerminalBuildIsNoop(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))
	_, err := st.TransitionToTerminal("build-1", models.StatusSuccess, time.Now().UTC(), 100, "", nil)
	require.NoError(t, err)

	result, err := c.Cancel("build-1")
	require.NoError(t, err)
	require.False(t, result.OK)
	require.True(t, result.NoopTerminal)
}

func TestRetryRequiresTerminalNonSuccess(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))

	_, err := c.Retry(context.Background(), "build-1")
	require.ErrorIs(t, err, ErrNotRetryable)

	_, err = st.TransitionToTerminal("build-1", models.StatusSuccess, time.Now().UTC(), 100, "", nil)
	require.NoError(t, err)
	_, err = c.Retry(context.Background(), "build-1")
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestRetryEnqueuesChildReferencingParent(t *testing.T) {
	c, st, q, _ := newTestCoordinator(t)
	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))
	msg := "boom"
	_, err := st.TransitionToTerminal("build-1", models.StatusFailed, time.Now().UTC(), 100, string(errs.KindBuild), &msg)
	require.NoError(t, err)

	childID, err := c.Retry(context.Background(), "build-1")
	require.NoError(t, err)
	require.NotEqual(t, "build-1", childID)

	child, err := st.GetBuild(childID)
	require.NoError(t, err)
	require.Equal(t, "build-1", *child.ParentBuildID)
	require.Equal(t, models.StatusQueued, child.Status)
	require.Equal(t, models.TriggerRetry, child.Trigger)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestReconcileMarksRunningBuildWithoutDispatchTokenAbandoned(t *testing.T) {
	c, st, q, _ := newTestCoordinator(t)
	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))

	// simulate a crash between TransitionToRunning and the token ever
	// being recorded, by transitioning with an empty token directly.
	_, err := st.TransitionToRunning("build-1", "", time.Now().UTC())
	require.NoError(t, err)

	count, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	build, err := st.GetBuild("build-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, build.Status)
	require.Equal(t, string(errs.KindAbandoned), build.ErrorKind)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n) // retry-on-abandon requeued a child
}

func TestReconcileAbandonsBuildWithExpiredDispatchToken(t *testing.T) {
	c, st, q, _ := newTestCoordinator(t)
	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))

	require.NoError(t, q.Enqueue(context.Background(), "build-1"))
	buildID, token, err := q.DequeueBlocking(context.Background(), -time.Second) // already expired
	require.NoError(t, err)
	require.Equal(t, "build-1", buildID)
	require.NotEmpty(t, token)
	_, err = st.TransitionToRunning("build-1", token, time.Now().UTC())
	require.NoError(t, err)

	count, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	build, err := st.GetBuild("build-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, build.Status)
	require.Equal(t, string(errs.KindAbandoned), build.ErrorKind)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), n) // the queue's own requeue, plus the retry-on-abandon child
}

func TestReconcileIsIdempotent(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))
	_, err := st.TransitionToRunning("build-1", "", time.Now().UTC())
	require.NoError(t, err)

	first, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first)

	second, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, second)
}
