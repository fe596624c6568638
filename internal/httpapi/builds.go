package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/corvus-ci/enginectl/internal/coordinator"
	"github.com/corvus-ci/enginectl/internal/errs"
	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// BuildsHandler serves every /api/builds* route, translating HTTP to
// Coordinator calls and back.
type BuildsHandler struct {
	coordinator *coordinator.Coordinator
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

func NewBuildsHandler(c *coordinator.Coordinator, logger *slog.Logger) *BuildsHandler {
	return &BuildsHandler{
		coordinator: c,
		logger:      logger,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// enqueueRequest is the normalised webhook trigger payload from §6. signature
// verification happens upstream, in whatever adapter translates a raw
// provider webhook into this shape; this handler trusts its caller.
type enqueueRequest struct {
	ProjectID string             `json:"project_id"`
	CommitSHA string             `json:"commit_sha"`
	Branch    string             `json:"branch"`
	PRNumber  *int               `json:"pr_number,omitempty"`
	Trigger   models.TriggerKind `json:"trigger_kind"`
}

type enqueueResponse struct {
	BuildID string `json:"build_id"`
}

// Enqueue handles POST /api/builds.
func (h *BuildsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ProjectID == "" || req.CommitSHA == "" || req.Branch == "" {
		writeError(w, h.logger, http.StatusBadRequest, "project_id, commit_sha, and branch are required")
		return
	}
	if req.Trigger == "" {
		req.Trigger = models.TriggerPush
	}

	buildID, err := h.coordinator.Enqueue(r.Context(), req.ProjectID, req.CommitSHA, req.Branch, req.Trigger, req.PRNumber)
	if err != nil {
		var classified *errs.ClassifiedError
		if errors.As(err, &classified) && classified.Kind == errs.KindValidation {
			writeError(w, h.logger, http.StatusBadRequest, classified.Error())
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "failed to enqueue build")
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{BuildID: buildID})
}

// Status handles GET /api/builds/{id}.
func (h *BuildsHandler) Status(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	snapshot, err := h.coordinator.Status(buildID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "build not found")
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "failed to load build")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type actionResponse struct {
	OK           bool   `json:"ok"`
	NoopTerminal bool   `json:"noop_terminal,omitempty"`
	BuildID      string `json:"build_id,omitempty"`
}

// Cancel handles POST /api/builds/{id}/cancel.
func (h *BuildsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	result, err := h.coordinator.Cancel(buildID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "build not found")
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "failed to cancel build")
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{OK: result.OK, NoopTerminal: result.NoopTerminal})
}

// Retry handles POST /api/builds/{id}/retry.
func (h *BuildsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	childID, err := h.coordinator.Retry(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotRetryable) {
			writeError(w, h.logger, http.StatusConflict, "build is not in a retryable state")
			return
		}
		if errors.Is(err, store.ErrRecordNotFound) {
			writeError(w, h.logger, http.StatusNotFound, "build not found")
			return
		}
		writeError(w, h.logger, http.StatusInternalServerError, "failed to retry build")
		return
	}
	writeJSON(w, http.StatusAccepted, actionResponse{OK: true, BuildID: childID})
}

// StreamLogs handles GET /api/builds/{id}/logs/stream, upgrading to a
// websocket connection and forwarding the build's log stream — replayed
// entries first, then live — one JSON message per LogEntry (§4.8
// SubscribeLogs, §9 "push channel fan-out").
func (h *BuildsHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "id")
	afterSeq := int64(0)
	if raw := r.URL.Query().Get("after_sequence"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "after_sequence must be an integer")
			return
		}
		afterSeq = parsed
	}

	sub, err := h.coordinator.SubscribeLogs(buildID, afterSeq)
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, "failed to subscribe to build logs")
		return
	}
	defer sub.Unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "build_id", buildID, "error", err)
		return
	}
	defer conn.Close()

	for _, entry := range sub.Initial {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}

	for entry := range sub.Live {
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}
}
