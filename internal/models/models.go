// Package models defines the data structures shared across the build
// orchestration engine. this package has no imports from other internal
// packages, making it the foundation of the dependency graph: store,
// executor, coordinator, and httpapi all import from here, never the other
// way around.
package models

import "time"

// BuildStatus represents the current lifecycle state of a Build. using a
// named string type instead of a plain string enforces that only the states
// in §4.5's state machine are assignable at compile time when combined with
// the constants below; it does not by itself enforce the *transition* rules,
// those are guarded by the store's compare-and-swap updates
// (TransitionToRunning, TransitionToTerminal, CancelQueued).
type BuildStatus string

const (
	StatusQueued    BuildStatus = "queued"
	StatusRunning   BuildStatus = "running"
	StatusSuccess   BuildStatus = "success"
	StatusFailed    BuildStatus = "failed"
	StatusCancelled BuildStatus = "cancelled"
	StatusTimedOut  BuildStatus = "timed_out"
)

// Terminal reports whether status is one §3 invariant 5 calls terminal: the
// Build's attributes (other than artifact expiry and log retention) become
// immutable once reached.
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// TriggerKind is how a Build came to be enqueued.
type TriggerKind string

const (
	TriggerPush        TriggerKind = "push"
	TriggerPullRequest TriggerKind = "pull_request"
	TriggerManual      TriggerKind = "manual"
	TriggerRetry       TriggerKind = "retry"
)

// LogEntryKind classifies a single LogEntry. StepStarted/StepCompleted/
// StepFailed bracket a phase (§4.4 rule 4); Info/Warning/Error are pipeline-
// emitted narration; Output is a raw line copied from the container's
// stdout/stderr.
type LogEntryKind string

const (
	LogStepStarted   LogEntryKind = "step_started"
	LogStepCompleted LogEntryKind = "step_completed"
	LogStepFailed    LogEntryKind = "step_failed"
	LogInfo          LogEntryKind = "info"
	LogWarning       LogEntryKind = "warning"
	LogError         LogEntryKind = "error"
	LogOutput        LogEntryKind = "output"
)

// Project is the configuration for one source repository. a Project
// exclusively owns its Secrets and its Builds (§3 cross-entity invariant 1).
type Project struct {
	ID                string `json:"id" db:"id"`
	RepoFullName      string `json:"repo_full_name" db:"repo_full_name"`
	DefaultBranch     string `json:"default_branch" db:"default_branch"`
	BranchFilter      string `json:"branch_filter" db:"branch_filter"`
	PullRequestBuilds bool   `json:"pull_request_builds" db:"pull_request_builds"`

	// MaxDurationSeconds bounds a single build's wall-clock time. the
	// effective deadline is min(this, system.max_duration) per §5.
	MaxDurationSeconds int `json:"max_duration_seconds" db:"max_duration_seconds"`

	// Image overrides build.default_image when set.
	Image *string `json:"image,omitempty" db:"image"`

	// BuildProfile is the project-relative path to the .corvus.yml phase
	// declaration (SPEC_FULL.md §4 supplemented feature). nil means the
	// project has no declared phases and the build fails fast with a
	// ValidationError before a container is ever provisioned.
	BuildProfile *string `json:"build_profile,omitempty" db:"build_profile"`

	// RequiredSecretNames is stored as a JSON array string in SQLite (no
	// native array column type), mirroring the teacher's env-vars encoding
	// in corvus-control-plane/models.
	RequiredSecretNamesJSON string `json:"-" db:"required_secret_names"`

	// RequireDockerSocket controls whether the host container-engine socket
	// is bind-mounted into the build container for Docker-in-Docker builds.
	RequireDockerSocket bool `json:"require_docker_socket" db:"require_docker_socket"`

	OwnerID string `json:"owner_id" db:"owner_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Secret is a per-project named credential. plaintext is never persisted;
// only the ciphertext produced by the (out-of-core) encryption primitive is
// stored. Name is restricted to [A-Z_][A-Z0-9_]*, enforced by the Vault.
type Secret struct {
	ProjectID  string    `json:"project_id" db:"project_id"`
	Name       string    `json:"name" db:"name"`
	Ciphertext []byte    `json:"-" db:"ciphertext"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Build is a single attempted run of a Project's pipeline at a specific
// commit. see §3 and §4.5 for the full attribute and transition contract.
type Build struct {
	ID        string `json:"id" db:"id"`
	ProjectID string `json:"project_id" db:"project_id"`

	CommitSHA     string      `json:"commit_sha" db:"commit_sha"`
	Branch        string      `json:"branch" db:"branch"`
	CommitMessage string      `json:"commit_message" db:"commit_message"`
	CommitAuthor  string      `json:"commit_author" db:"commit_author"`
	PRNumber      *int        `json:"pr_number,omitempty" db:"pr_number"`
	Trigger       TriggerKind `json:"trigger" db:"trigger"`

	Status BuildStatus `json:"status" db:"status"`

	QueuedAt   time.Time  `json:"queued_at" db:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`

	// DurationMs is measured once the build reaches a terminal state;
	// FinishedAt - StartedAt in milliseconds.
	DurationMs *int64 `json:"duration_ms,omitempty" db:"duration_ms"`

	TotalSteps     int `json:"total_steps" db:"total_steps"`
	CompletedSteps int `json:"completed_steps" db:"completed_steps"`
	FailedSteps    int `json:"failed_steps" db:"failed_steps"`

	// ErrorKind and ErrorMessage are set once, when the Build becomes
	// terminal with a non-Success status. a Build cancelled while still
	// Queued gets ErrorKind "CancelledError" and no ErrorMessage.
	ErrorKind    string  `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	// ParentBuildID is set when this Build was created by Coordinator.Retry;
	// the parent itself stays terminal and untouched (§3 invariant 6).
	ParentBuildID *string `json:"parent_build_id,omitempty" db:"parent_build_id"`

	// DispatchToken is the opaque handle the Work Queue issued for this
	// Build's current delivery. empty when Queued-but-not-yet-dequeued or
	// when terminal.
	DispatchToken string `json:"-" db:"dispatch_token"`
}

// LogEntry is one append-only line of a Build's log. sequence is assigned
// densely per build by the Log Pipeline (§4.4 rule 1); the pair
// (build_id, sequence) is unique, enforced by a unique index in the store.
type LogEntry struct {
	BuildID   string       `json:"build_id" db:"build_id"`
	Sequence  int64        `json:"sequence" db:"sequence"`
	Kind      LogEntryKind `json:"kind" db:"kind"`
	StepName  *string      `json:"step_name,omitempty" db:"step_name"`
	Message   string       `json:"message" db:"message"`
	Timestamp time.Time    `json:"timestamp" db:"timestamp"`
}

// Artifact is a file produced by a Build's terminal phase and copied out of
// the container into the local artifact store. Artifacts are owned by the
// Build but outlive it, bounded by ExpiresAt (§3).
type Artifact struct {
	BuildID     string    `json:"build_id" db:"build_id"`
	Name        string    `json:"name" db:"name"`
	StoragePath string    `json:"storage_path" db:"storage_path"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

// BuildSnapshot is the read-model Coordinator.Status returns: status plus
// progress counts plus the terminal error, without exposing the full Build
// row's internal bookkeeping fields (DispatchToken).
type BuildSnapshot struct {
	Build        Build
	ErrorMessage string
}
