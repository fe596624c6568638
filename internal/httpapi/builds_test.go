package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/corvus-ci/enginectl/internal/coordinator"
	"github.com/corvus-ci/enginectl/internal/hub"
	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/queue"
	"github.com/corvus-ci/enginectl/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeCanceller struct{}

func (fakeCanceller) Cancel(buildID string) bool { return true }

func newTestRouter(t *testing.T) (http.Handler, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "httpapi.db"), logger)
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

	c := coordinator.New(st, q, h, replay, fakeCanceller{}, coordinator.Config{
		VisibilityTimeout: time.Minute,
		RetryOnAbandon:    false,
	}, logger)

	router := NewRouter(Dependencies{Logger: logger, Coordinator: c, AllowedOrigin: "*"})
	return router, st
}

func TestHealthEndpointReportsOK(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
}

func TestEnqueueRejectsUnknownProjectWithBadRequest(t *testing.T) {
	router, _ := newTestRouter(t)
	payload := strings.NewReader(`{"project_id":"missing","commit_sha":"abc","branch":"main"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/builds", payload)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueThenStatusRoundTrips(t *testing.T) {
	router, st := newTestRouter(t)
	require.NoError(t, st.InsertProject(models.Project{ID: "proj-1", RepoFullName: "acme/widgets", DefaultBranch: "main", OwnerID: "user-1"}))

	payload := strings.NewReader(`{"project_id":"proj-1","commit_sha":"abc123","branch":"main"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/builds", payload)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var enqueued enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enqueued))
	require.NotEmpty(t, enqueued.BuildID)

	statusReq := httptest.NewRequest(http.MethodGet, "/api/builds/"+enqueued.BuildID, nil)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)
	require.Equal(t, http.StatusOK, statusRec.Code)

	var snapshot models.BuildSnapshot
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &snapshot))
	require.Equal(t, models.StatusQueued, snapshot.Build.Status)
}

func TestStatusUnknownBuildIsNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/builds/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelQueuedBuildReturnsOK(t *testing.T) {
	router, st := newTestRouter(t)
	require.NoError(t, st.InsertProject(models.Project{ID: "proj-1", RepoFullName: "acme/widgets", DefaultBranch: "main", OwnerID: "user-1"}))

	enqueueReq := httptest.NewRequest(http.MethodPost, "/api/builds", strings.NewReader(`{"project_id":"proj-1","commit_sha":"abc","branch":"main"}`))
	enqueueRec := httptest.NewRecorder()
	router.ServeHTTP(enqueueRec, enqueueReq)
	var enqueued enqueueResponse
	require.NoError(t, json.Unmarshal(enqueueRec.Body.Bytes(), &enqueued))

	cancelReq := httptest.NewRequest(http.MethodPost, "/api/builds/"+enqueued.BuildID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	router.ServeHTTP(cancelRec, cancelReq)
	require.Equal(t, http.StatusOK, cancelRec.Code)

	var result actionResponse
	require.NoError(t, json.Unmarshal(cancelRec.Body.Bytes(), &result))
	require.True(t, result.OK)
}

func TestRetryOnNonTerminalBuildReturnsConflict(t *testing.T) {
	router, st := newTestRouter(t)
	require.NoError(t, st.InsertBuild(models.Build{ID: "build-1", ProjectID: "proj-1", CommitSHA: "x", Branch: "main", Trigger: models.TriggerPush}))

	req := httptest.NewRequest(http.MethodPost, "/api/builds/build-1/retry", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
}
