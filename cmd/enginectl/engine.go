package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvus-ci/enginectl/internal/config"
	"github.com/corvus-ci/enginectl/internal/containerrt"
	"github.com/corvus-ci/enginectl/internal/coordinator"
	"github.com/corvus-ci/enginectl/internal/executor"
	"github.com/corvus-ci/enginectl/internal/hub"
	"github.com/corvus-ci/enginectl/internal/logpipe"
	"github.com/corvus-ci/enginectl/internal/queue"
	"github.com/corvus-ci/enginectl/internal/repomat"
	"github.com/corvus-ci/enginectl/internal/retention"
	"github.com/corvus-ci/enginectl/internal/statusreporter"
	"github.com/corvus-ci/enginectl/internal/store"
	"github.com/corvus-ci/enginectl/internal/vault"
	"github.com/corvus-ci/enginectl/internal/workerpool"
	"github.com/redis/go-redis/v9"
)

// engine bundles every constructed collaborator, assembled once in main and
// passed down by constructor injection. no package here reaches for an
// ambient global.
type engine struct {
	cfg         config.AppConfig
	logger      *slog.Logger
	store       *store.Store
	runtime     *containerrt.Runtime
	rdb         *redis.Client
	queue       *queue.Queue
	hub         *hub.Hub
	pipeline    *logpipe.Pipeline
	vault       *vault.Vault
	reporter    *statusreporter.Reporter
	executor    *executor.Executor
	cancels     *workerpool.CancelRegistry
	pool        *workerpool.Pool
	sweeper     *retention.Sweeper
	coordinator *coordinator.Coordinator
}

// buildEngine wires every component per the dependency order each
// constructor requires: store first (everything persists through it),
// then the leaf adapters (runtime, vault, repomat, redis), then the
// packages that compose them (logpipe, executor, workerpool), and finally
// the Coordinator façade on top.
func buildEngine(cfg config.AppConfig, logger *slog.Logger) (*engine, error) {
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rt, err := containerrt.NewRuntime(cfg.DockerSocketPath, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connect container runtime: %w", err)
	}

	mat, err := repomat.New(cfg.ReposRoot, logger)
	if err != nil {
		rt.Close()
		st.Close()
		return nil, fmt.Errorf("init repo materialiser: %w", err)
	}

	if cfg.VaultKeyHex == "" {
		rt.Close()
		st.Close()
		return nil, fmt.Errorf("VAULT_KEY_HEX is required")
	}
	key, err := hex.DecodeString(cfg.VaultKeyHex)
	if err != nil {
		rt.Close()
		st.Close()
		return nil, fmt.Errorf("decode VAULT_KEY_HEX: %w", err)
	}
	cipher, err := vault.NewAESGCM(key)
	if err != nil {
		rt.Close()
		st.Close()
		return nil, fmt.Errorf("init vault cipher: %w", err)
	}
	v := vault.New(st, cipher)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	q := queue.New(rdb, logger)

	h := hub.New(logger)
	pipeline := logpipe.New(st, h, logger, logpipe.DefaultHighWaterMark)

	reporter := statusreporter.New(nil, statusreporter.NoopNotifier{}, logger)

	ex := executor.New(st, rt, mat, v, pipeline, reporter, executor.Config{
		ArtifactsRoot:         cfg.ArtifactsRoot,
		DefaultImage:          cfg.DefaultImage,
		DefaultTimeoutMinutes: cfg.DefaultTimeoutMinutes,
		MaxTimeoutMinutes:     cfg.MaxTimeoutMinutes,
		ArtifactRetentionDays: cfg.ArtifactRetentionDays,
		CoordinatorBaseURL:    cfg.CoordinatorBaseURL,
		BuildNetwork:          cfg.BuildNetwork,
	}, logger)

	cancels := workerpool.NewCancelRegistry()
	pool := workerpool.New(st, q, ex, cancels, workerpool.Config{
		WorkerCount:              cfg.WorkerCount,
		DefaultVisibilityTimeout: cfg.QueueVisibilityTimeout,
	}, logger)

	sweeper := retention.New(st, time.Duration(cfg.LogRetentionDays)*24*time.Hour, cfg.RetentionSweepInterval, logger)

	coord := coordinator.New(st, q, h, coordinator.LogReplayer(pipeline.Replay), cancels, coordinator.Config{
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		RetryOnAbandon:    true,
	}, logger)

	return &engine{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		runtime:     rt,
		rdb:         rdb,
		queue:       q,
		hub:         h,
		pipeline:    pipeline,
		vault:       v,
		reporter:    reporter,
		executor:    ex,
		cancels:     cancels,
		pool:        pool,
		sweeper:     sweeper,
		coordinator: coord,
	}, nil
}

func (e *engine) Close() {
	e.rdb.Close()
	e.runtime.Close()
	e.store.Close()
}
