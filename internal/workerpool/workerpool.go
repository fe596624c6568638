// Package workerpool is the Worker Pool (C7): a bounded number of
// goroutines each running the §4.7 dequeue-build-ack loop, with graceful
// drain on shutdown modelled on the errgroup-based concurrency the wider
// corpus uses for bounded parallel work (see e.g. the canary runner's
// container-start fan-out).
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/corvus-ci/enginectl/internal/errs"
	"github.com/corvus-ci/enginectl/internal/executor"
	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/queue"
	"github.com/corvus-ci/enginectl/internal/store"
	"golang.org/x/sync/errgroup"
)

// CancelRegistry tracks the context.CancelFunc for every build currently
// Running, so the Coordinator's Cancel(build_id) can reach into an
// in-flight Executor from a different goroutine — the "cancel wired to
// Coordinator" half of §4.7's ctx_build.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewCancelRegistry constructs an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *CancelRegistry) register(buildID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[buildID] = cancel
}

func (r *CancelRegistry) unregister(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, buildID)
}

// Cancel invokes the cancel func for buildID if it is currently Running
// under this pool, reporting whether one was found.
func (r *CancelRegistry) Cancel(buildID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[buildID]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Config bundles the pool's tunables.
type Config struct {
	WorkerCount              int
	DefaultVisibilityTimeout time.Duration
	DrainTimeout             time.Duration
}

// Pool runs Config.WorkerCount workers against a shared Queue, each
// dispatching dequeued builds to a shared Executor.
type Pool struct {
	store    *store.Store
	queue    *queue.Queue
	executor *executor.Executor
	cancels  *CancelRegistry
	cfg      Config
	logger   *slog.Logger
}

// New constructs a Pool. WorkerCount <= 0 selects the §4.7 default of 2.
func New(st *store.Store, q *queue.Queue, ex *executor.Executor, cancels *CancelRegistry, cfg Config, logger *slog.Logger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Pool{store: st, queue: q, executor: ex, cancels: cancels, cfg: cfg, logger: logger}
}

// Run starts all workers and blocks until ctx is cancelled, then drains
// in-flight builds for up to cfg.DrainTimeout before returning.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := i
		g.Go(func() error {
			p.workerLoop(gctx, workerID)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		case <-time.After(p.cfg.DrainTimeout):
			p.logger.Warn("drain timeout exceeded; returning with workers still finishing in-flight builds")
			return ctx.Err()
		}
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerID int) {
	log := p.logger.With("worker_id", workerID)
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		buildID, token, err := p.queue.DequeueBlocking(ctx, p.cfg.DefaultVisibilityTimeout)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			log.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		p.handle(ctx, log, buildID, token)

		if ctx.Err() != nil {
			return
		}
	}
}

// handle looks up the dequeued build, skips it if it was cancelled before
// dispatch (§4.6 "cancellation pre-dispatch"), otherwise runs it to
// completion through the Executor and always Acks — at-least-once delivery
// means a crash mid-handle is recovered by the Coordinator's Reconcile, not
// by retrying the dequeue here.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, buildID, token string) {
	defer func() {
		if err := p.queue.Ack(ctx, token); err != nil {
			log.Warn("ack failed", "build_id", buildID, "error", err)
		}
	}()

	build, err := p.store.GetBuild(buildID)
	if err != nil {
		log.Error("dequeued build not found", "build_id", buildID, "error", err)
		return
	}
	if build.Status == models.StatusCancelled {
		log.Info("skipping pre-dispatch cancelled build", "build_id", buildID)
		return
	}
	if build.Status != models.StatusQueued {
		log.Warn("dequeued build was not queued; skipping", "build_id", buildID, "status", build.Status)
		return
	}

	project, err := p.store.GetProject(build.ProjectID)
	if err != nil {
		log.Error("project lookup failed for dequeued build", "build_id", buildID, "error", err)
		_, _ = p.store.TransitionToTerminal(buildID, models.StatusFailed, time.Now().UTC(), 0, string(errs.KindInfrastructure), strPtr(err.Error()))
		return
	}

	buildCtx, cancel := context.WithCancel(ctx)
	p.cancels.register(buildID, cancel)
	defer func() {
		cancel()
		p.cancels.unregister(buildID)
	}()

	dispatchedAt := time.Now().UTC()
	ok, err := p.store.TransitionToRunning(buildID, token, dispatchedAt)
	if err != nil {
		log.Error("transition to running failed", "build_id", buildID, "error", err)
		return
	}
	if !ok {
		log.Info("build no longer queued at dispatch time; skipping", "build_id", buildID)
		return
	}

	if err := p.executor.Run(buildCtx, build, project); err != nil {
		log.Error("executor run returned an error", "build_id", buildID, "error", err)
	}
}

func strPtr(s string) *string { return &s }
