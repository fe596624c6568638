// Package executor is the Build Executor (C5): it drives one Build through
// the §4.5 state machine end to end — materialise, provision, run each
// declared phase, collect artifacts, tear down — and records exactly one
// terminal classification on the Build the moment it stops being Running.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/corvus-ci/enginectl/internal/containerrt"
	"github.com/corvus-ci/enginectl/internal/errs"
	"github.com/corvus-ci/enginectl/internal/logpipe"
	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/corvus-ci/enginectl/internal/repomat"
	"github.com/corvus-ci/enginectl/internal/store"
	"github.com/corvus-ci/enginectl/internal/vault"
)

// StatusReporter is the narrow capability §9 calls out: "a StatusReporter
// capability with Post(state, url, desc)". Executor depends on this
// interface, not on the concrete internal/statusreporter type, so the two
// packages don't need to know about each other.
type StatusReporter interface {
	Post(ctx context.Context, repoFullName, commitSHA, state, targetURL, description string) error
}

// Config bundles the executor's tunables, generalised from per-project
// overrides and system-wide defaults/caps (§6).
type Config struct {
	ArtifactsRoot         string
	DefaultImage          string
	DefaultTimeoutMinutes int
	MaxTimeoutMinutes     int
	ArtifactRetentionDays int
	CoordinatorBaseURL    string

	// BuildNetwork is the Docker network build containers join.
	BuildNetwork string
}

// Executor owns every collaborator a build needs, injected at construction
// time exactly as §9's "Ambient framework hooks" note prescribes: no
// package-level singletons, everything passed in explicitly.
type Executor struct {
	store        *store.Store
	runtime      *containerrt.Runtime
	materialiser *repomat.Materialiser
	vault        *vault.Vault
	pipeline     *logpipe.Pipeline
	reporter     StatusReporter
	cfg          Config
	logger       *slog.Logger
}

// New constructs an Executor.
func New(st *store.Store, rt *containerrt.Runtime, mat *repomat.Materialiser, v *vault.Vault, pipeline *logpipe.Pipeline, reporter StatusReporter, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		store:        st,
		runtime:      rt,
		materialiser: mat,
		vault:        v,
		pipeline:     pipeline,
		reporter:     reporter,
		cfg:          cfg,
		logger:       logger,
	}
}

// Run drives build through the full §4.5 recipe. ctx carries both the
// caller's cancellation (user Cancel, or Worker Pool shutdown drain) and is
// further bounded here by the effective per-build deadline; Run
// distinguishes context.Canceled from context.DeadlineExceeded to classify
// Cancelled vs TimedOut.
//
// Run always leaves the Build in a terminal state in the store before
// returning. the returned error is non-nil only for bugs in this function
// itself (e.g. an unreachable store) that the caller (Worker Pool) should
// log and treat as its own Abandoned-detection fodder on the next Reconcile
// — it is not how build failures are communicated; those live on the Build
// row.
func (e *Executor) Run(ctx context.Context, build models.Build, project models.Project) error {
	log, err := e.pipeline.Open(build.ID)
	if err != nil {
		return fmt.Errorf("executor: open log pipeline for %s: %w", build.ID, err)
	}
	defer log.Close()

	e.postPending(project, build)

	deadline := e.effectiveDeadline(project)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	result := e.runPipeline(runCtx, log, build, project)

	e.finish(project, build, result)
	return nil
}

// runResult carries the outcome of the execution recipe up to finish,
// which is the single place terminal-state bookkeeping happens.
type runResult struct {
	status    models.BuildStatus
	errorKind errs.ErrorKind
	message   string
}

func (e *Executor) runPipeline(ctx context.Context, log *logpipe.BuildLog, build models.Build, project models.Project) runResult {
	workingTree, err := e.materialiser.Materialise(project.ID, project.RepoFullName, build.Branch, build.CommitSHA)
	if err != nil {
		_ = log.Error(fmt.Sprintf("materialise failed: %v", err))
		return runResult{models.StatusFailed, errs.KindInfrastructure, err.Error()}
	}
	defer e.materialiser.Release(workingTree)

	if project.BuildProfile == nil {
		msg := "project has no build profile declared"
		_ = log.Error(msg)
		return runResult{models.StatusFailed, errs.KindValidation, msg}
	}

	profile, err := LoadProfile(workingTree, *project.BuildProfile)
	if err != nil {
		_ = log.Error(err.Error())
		return runResult{models.StatusFailed, errs.KindValidation, err.Error()}
	}

	var requiredSecrets []string
	if project.RequiredSecretNamesJSON != "" {
		if err := json.Unmarshal([]byte(project.RequiredSecretNamesJSON), &requiredSecrets); err != nil {
			_ = log.Error(fmt.Sprintf("invalid required_secret_names: %v", err))
			return runResult{models.StatusFailed, errs.KindValidation, err.Error()}
		}
	}

	secrets, err := e.vault.Materialise(project.ID)
	if err != nil {
		_ = log.Error(fmt.Sprintf("secret materialisation failed: %v", err))
		return runResult{models.StatusFailed, errs.KindInfrastructure, err.Error()}
	}
	defer vault.Zeroize(secrets)

	for _, name := range requiredSecrets {
		if _, ok := secrets[name]; !ok {
			classified := errs.MissingSecret(name)
			_ = log.Error(classified.Error())
			return runResult{models.StatusFailed, errs.KindMissingSecret, classified.Error()}
		}
	}

	image := e.cfg.DefaultImage
	if project.Image != nil {
		image = *project.Image
	}
	if profile.Image != "" {
		image = profile.Image
	}

	env := envFromSecrets(secrets)
	env = append(env,
		"BUILD_COMMIT="+build.CommitSHA,
		"BUILD_BRANCH="+build.Branch,
		"BUILD_PROFILE="+derefOr(project.BuildProfile, ""),
		"BUILD_ID="+build.ID,
	)

	handle, err := e.runtime.Provision(ctx, containerrt.ProvisionConfig{
		Image:             image,
		Name:              "build-" + build.ID,
		HostWorkspaceRoot: workingTree,
		Caches: []containerrt.CacheMount{
			{HostPath: filepath.Join(workingTree, ".cache", "pkg"), ContainerPath: "/workspace/.cache/pkg"},
			{HostPath: filepath.Join(workingTree, ".cache", "mod"), ContainerPath: "/workspace/.cache/mod"},
		},
		Env:             env,
		AllowHostEngine: project.RequireDockerSocket || profile.DockerInDocker,
		HostEnginePath:  "/var/run/docker.sock",
		Network:         e.cfg.BuildNetwork,
	})
	if err != nil {
		_ = log.Error(fmt.Sprintf("provision failed: %v", err))
		return runResult{models.StatusFailed, errs.KindInfrastructure, err.Error()}
	}
	defer func() {
		_ = e.runtime.Stop(context.Background(), handle)
		_ = e.runtime.Remove(context.Background(), handle)
	}()

	totalSteps := len(profile.Phases)
	completedSteps := 0
	failedSteps := 0
	e.updateProgress(build.ID, totalSteps, completedSteps, failedSteps)

	for _, phase := range profile.Phases {
		if err := log.StartStep(phase.Name); err != nil {
			e.logger.Warn("failed to record step start", "build_id", build.ID, "error", err)
		}

		workdir, err := handle.TranslateWorkdir(phase.hostWorkdir(workingTree))
		if err != nil {
			failedSteps++
			e.updateProgress(build.ID, totalSteps, completedSteps, failedSteps)
			_ = log.Error(err.Error())
			_ = log.FailStep(phase.Name)
			return runResult{models.StatusFailed, errs.KindValidation, err.Error()}
		}

		exitCode, execErr := e.runtime.Exec(ctx, handle, containerrt.ExecOptions{
			Cmd:     []string{"sh", "-c", phase.Run},
			Workdir: workdir,
			Env:     env,
			Lines: func(l containerrt.Line) {
				_ = log.Output(l.Text)
			},
		})

		if execErr != nil {
			failedSteps++
			e.updateProgress(build.ID, totalSteps, completedSteps, failedSteps)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				_ = log.Error("timeout exceeded")
				_ = log.FailStep(phase.Name)
				return runResult{models.StatusTimedOut, errs.KindTimeout, "build exceeded its configured deadline"}
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				_ = log.FailStep(phase.Name)
				return runResult{models.StatusCancelled, errs.KindCancelled, "build cancelled"}
			}
			_ = log.Error(execErr.Error())
			_ = log.FailStep(phase.Name)
			return runResult{models.StatusFailed, errs.KindInfrastructure, execErr.Error()}
		}

		if exitCode != 0 {
			failedSteps++
			e.updateProgress(build.ID, totalSteps, completedSteps, failedSteps)
			_ = log.FailStep(phase.Name)
			return runResult{models.StatusFailed, errs.KindBuild, fmt.Sprintf("phase %q exited with code %d", phase.Name, exitCode)}
		}
		completedSteps++
		e.updateProgress(build.ID, totalSteps, completedSteps, failedSteps)
		if err := log.CompleteStep(phase.Name); err != nil {
			e.logger.Warn("failed to record step completion", "build_id", build.ID, "error", err)
		}
	}

	retention := time.Duration(e.cfg.ArtifactRetentionDays) * 24 * time.Hour
	artifacts, err := collectArtifacts(workingTree, e.cfg.ArtifactsRoot, build.ID, retention, time.Now().UTC())
	if err != nil {
		_ = log.Warning(fmt.Sprintf("artifact collection failed (non-fatal): %v", err))
	}
	for _, a := range artifacts {
		if err := e.store.InsertArtifact(a); err != nil {
			e.logger.Warn("failed to record artifact", "build_id", build.ID, "name", a.Name, "error", err)
		}
	}

	return runResult{status: models.StatusSuccess}
}

// finish records the terminal transition and notifies the Status Reporter.
// any error here is logged, not propagated: §7's propagation policy is that
// only the *first* terminal classification counts, and teardown failures
// after that point are Warnings.
func (e *Executor) finish(project models.Project, build models.Build, result runResult) {
	now := time.Now().UTC()
	var durationMs int64
	// StartedAt was stamped by the store's TransitionToRunning; reload to
	// get it rather than trusting the caller's possibly-stale copy.
	if fresh, err := e.store.GetBuild(build.ID); err == nil && fresh.StartedAt != nil {
		durationMs = now.Sub(*fresh.StartedAt).Milliseconds()
	}

	var errMsg *string
	if result.message != "" {
		msg := result.message
		errMsg = &msg
	}

	ok, err := e.store.TransitionToTerminal(build.ID, result.status, now, durationMs, string(result.errorKind), errMsg)
	if err != nil {
		e.logger.Error("failed to record terminal build status", "build_id", build.ID, "error", err)
		return
	}
	if !ok {
		e.logger.Warn("build was already terminal; skipping duplicate transition", "build_id", build.ID)
		return
	}

	e.postStatus(project, build, result)
}

// postPending notifies the Status Reporter of a build's Queued→Running
// transition, per §4.9's "on every terminal transition and on Running
// entry" rule. Run calls this once, immediately after dispatch.
func (e *Executor) postPending(project models.Project, build models.Build) {
	e.postCommitStatus(project, build, "pending", "build running")
}

func (e *Executor) postStatus(project models.Project, build models.Build, result runResult) {
	state := "success"
	description := "build succeeded"
	switch result.status {
	case models.StatusFailed, models.StatusTimedOut, models.StatusCancelled:
		state = "failure"
		description = result.message
	}
	e.postCommitStatus(project, build, state, description)
}

func (e *Executor) postCommitStatus(project models.Project, build models.Build, state, description string) {
	targetURL := e.cfg.CoordinatorBaseURL + "/builds/" + build.ID
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.reporter.Post(ctx, project.RepoFullName, build.CommitSHA, state, targetURL, description); err != nil {
		e.logger.Warn("status reporter post failed", "build_id", build.ID, "state", state, "error", err)
	}
}

// updateProgress records step counters as the phase loop advances,
// logging (not propagating) a store failure: progress is best-effort
// read-model bookkeeping, never the build's own pass/fail determination.
func (e *Executor) updateProgress(buildID string, total, completed, failed int) {
	if err := e.store.UpdateProgress(buildID, total, completed, failed); err != nil {
		e.logger.Warn("failed to record build progress", "build_id", buildID, "error", err)
	}
}

func (e *Executor) effectiveDeadline(project models.Project) time.Duration {
	projectMinutes := project.MaxDurationSeconds / 60
	if projectMinutes <= 0 {
		projectMinutes = e.cfg.DefaultTimeoutMinutes
	}
	if projectMinutes > e.cfg.MaxTimeoutMinutes {
		projectMinutes = e.cfg.MaxTimeoutMinutes
	}
	return time.Duration(projectMinutes) * time.Minute
}

func envFromSecrets(secrets map[string][]byte) []string {
	out := make([]string, 0, len(secrets))
	for name, plaintext := range secrets {
		out = append(out, name+"="+string(plaintext))
	}
	return out
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
