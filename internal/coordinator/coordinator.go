// Package coordinator is the Build Coordinator (C8): the single façade the
// external API talks to. It owns no execution logic itself — that's the
// Worker Pool and Executor's job — but every externally visible operation
// on a Build (Enqueue, Cancel, Retry, Status, SubscribeLogs, Reconcile)
// goes through here so their invariants are enforced in one place.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvus-ci/enginectl/internal/errs"
	"github.com/corvus-ci/enginectl/internal/hub"
	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/queue"
	"github.com/corvus-ci/enginectl/internal/store"
	"github.com/google/uuid"
)

// ErrNotRetryable is returned by Retry when the source build is not in a
// terminal, non-Success state.
var ErrNotRetryable = errors.New("coordinator: build is not retryable")

// Canceller is the narrow capability to reach into an in-flight build's
// context; workerpool.CancelRegistry satisfies it.
type Canceller interface {
	Cancel(buildID string) bool
}

// LogReplayer fetches persisted log entries for a build after a sequence
// number; logpipe.Pipeline.Replay satisfies this and is also hub.ReplayFunc.
type LogReplayer func(buildID string, afterSeq int64) ([]models.LogEntry, error)

// Config bundles Coordinator tunables.
type Config struct {
	VisibilityTimeout time.Duration
	RetryOnAbandon    bool
}

// Coordinator is the façade. construct exactly one per process.
type Coordinator struct {
	store   *store.Store
	queue   *queue.Queue
	hub     *hub.Hub
	replay  LogReplayer
	cancels Canceller
	cfg     Config
	logger  *slog.Logger
}

// New constructs a Coordinator.
func New(st *store.Store, q *queue.Queue, h *hub.Hub, replay LogReplayer, cancels Canceller, cfg Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: st, queue: q, hub: h, replay: replay, cancels: cancels, cfg: cfg, logger: logger}
}

// Enqueue creates a new Queued Build for project and pushes it onto the
// Work Queue, returning its ID. The caller has already normalised and
// validated the trigger payload; an unknown project is the one
// ValidationError Enqueue itself can still raise.
func (c *Coordinator) Enqueue(ctx context.Context, projectID, commit, branch string, trigger models.TriggerKind, prNumber *int) (string, error) {
	if _, err := c.store.GetProject(projectID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return "", errs.Classify(errs.KindValidation, fmt.Sprintf("unknown project %q", projectID), nil)
		}
		return "", fmt.Errorf("coordinator: enqueue: %w", err)
	}

	build := models.Build{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		CommitSHA: commit,
		Branch:    branch,
		Trigger:   trigger,
		PRNumber:  prNumber,
		QueuedAt:  time.Now().UTC(),
	}
	if err := c.store.InsertBuild(build); err != nil {
		return "", fmt.Errorf("coordinator: enqueue: %w", err)
	}
	if err := c.queue.Enqueue(ctx, build.ID); err != nil {
		return "", fmt.Errorf("coordinator: enqueue: %w", err)
	}

	c.hub.Publish(build.ID, models.LogEntry{
		BuildID: build.ID, Sequence: 0, Kind: models.LogInfo,
		Message: "build queued", Timestamp: time.Now().UTC(),
	})

	return build.ID, nil
}

// CancelResult reports what Cancel actually did.
type CancelResult struct {
	OK           bool
	NoopTerminal bool
}

// Cancel marks a Queued build Cancelled directly, or signals a Running
// build's Executor context. Repeated cancels of an already-terminal build
// are reported as a no-op, never an error (§8 property 6).
func (c *Coordinator) Cancel(buildID string) (CancelResult, error) {
	build, err := c.store.GetBuild(buildID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("coordinator: cancel: %w", err)
	}

	if build.Status.Terminal() {
		return CancelResult{OK: false, NoopTerminal: true}, nil
	}

	if build.Status == models.StatusQueued {
		ok, err := c.store.CancelQueued(buildID)
		if err != nil {
			return CancelResult{}, fmt.Errorf("coordinator: cancel: %w", err)
		}
		if !ok {
			// lost the race: a worker dispatched it between our read and
			// this CAS. fall through to the Running path.
			c.cancels.Cancel(buildID)
			return CancelResult{OK: true}, nil
		}
		return CancelResult{OK: true}, nil
	}

	c.cancels.Cancel(buildID)
	return CancelResult{OK: true}, nil
}

// Retry creates a new Build referencing source, preserving its commit and
// trigger metadata, and enqueues it. source must be terminal and not
// Success.
func (c *Coordinator) Retry(ctx context.Context, sourceBuildID string) (string, error) {
	source, err := c.store.GetBuild(sourceBuildID)
	if err != nil {
		return "", fmt.Errorf("coordinator: retry: %w", err)
	}
	if !source.Status.Terminal() || source.Status == models.StatusSuccess {
		return "", ErrNotRetryable
	}

	child, err := c.store.InsertRetryChild(source, uuid.NewString())
	if err != nil {
		return "", fmt.Errorf("coordinator: retry: %w", err)
	}
	if err := c.queue.Enqueue(ctx, child.ID); err != nil {
		return "", fmt.Errorf("coordinator: retry: %w", err)
	}
	return child.ID, nil
}

// Status returns the read-model snapshot for a build.
func (c *Coordinator) Status(buildID string) (models.BuildSnapshot, error) {
	build, err := c.store.GetBuild(buildID)
	if err != nil {
		return models.BuildSnapshot{}, fmt.Errorf("coordinator: status: %w", err)
	}
	snapshot := models.BuildSnapshot{Build: build}
	if build.ErrorMessage != nil {
		snapshot.ErrorMessage = *build.ErrorMessage
	}
	return snapshot, nil
}

// SubscribeLogs replays persisted entries after afterSequence then attaches
// the caller to the build's live stream, exactly-once regardless of join
// time (§8 property 5), delegated to the Hub.
func (c *Coordinator) SubscribeLogs(buildID string, afterSequence int64) (*hub.Subscription, error) {
	return c.hub.Subscribe(buildID, afterSequence, hub.ReplayFunc(c.replay))
}

// Reconcile covers two distinct crash windows. First, the Work Queue's own
// SweepExpired reclaims dispatch tokens whose visibility timeout passed
// without an Ack/Nack — a worker that died mid-build; Reconcile resets each
// such build's store row (still Running, still carrying the now-stale
// token) to Abandoned, since the queue layer has no notion of build state.
// Second, it scans for any Running build with no outstanding dispatch at
// all — a worker that crashed between TransitionToRunning and the queue
// ever recording a token. Both cases mark the build Abandoned and
// optionally retry once. idempotent: a build already moved to a terminal
// state by a previous Reconcile pass is simply skipped on the next one
// (§8 property 7).
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	sweep, err := c.queue.SweepExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("coordinator: reconcile: sweep queue: %w", err)
	}

	reconciled := 0
	for _, buildID := range sweep.ExpiredDispatchBuildIDs {
		b, err := c.store.GetBuild(buildID)
		if err != nil {
			c.logger.Error("reconcile: failed to load expired-dispatch build", "build_id", buildID, "error", err)
			continue
		}
		ok, err := c.abandonBuild(ctx, b)
		if err != nil {
			c.logger.Error("reconcile: failed to mark expired-dispatch build abandoned", "build_id", buildID, "error", err)
			continue
		}
		if ok {
			reconciled++
		}
	}

	running, err := c.store.ListBuildsByStatus(models.StatusRunning)
	if err != nil {
		return reconciled + sweep.DelayedRequeued, fmt.Errorf("coordinator: reconcile: list running: %w", err)
	}
	for _, b := range running {
		if b.DispatchToken != "" {
			continue
		}
		ok, err := c.abandonBuild(ctx, b)
		if err != nil {
			c.logger.Error("reconcile: failed to mark build abandoned", "build_id", b.ID, "error", err)
			continue
		}
		if ok {
			reconciled++
		}
	}

	return reconciled + sweep.DelayedRequeued, nil
}

// abandonBuild transitions b to Failed/Abandoned and, when configured,
// enqueues a single retry child. ok is false when b was no longer Running
// by the time the CAS ran (already reconciled, or raced with a normal
// terminal transition) — not an error, per Reconcile's idempotency note.
func (c *Coordinator) abandonBuild(ctx context.Context, b models.Build) (bool, error) {
	message := "executor crashed or was lost while the build was running"
	ok, err := c.store.TransitionToTerminal(b.ID, models.StatusFailed, time.Now().UTC(), 0, string(errs.KindAbandoned), &message)
	if err != nil {
		return false, fmt.Errorf("transition to abandoned: %w", err)
	}
	if !ok {
		return false, nil
	}

	if c.cfg.RetryOnAbandon {
		child, err := c.store.InsertRetryChild(b, uuid.NewString())
		if err != nil {
			return true, fmt.Errorf("enqueue abandon retry: %w", err)
		}
		if err := c.queue.Enqueue(ctx, child.ID); err != nil {
			return true, fmt.Errorf("enqueue abandon retry: %w", err)
		}
	}
	return true, nil
}
