package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/corvus-ci/enginectl/internal/models"
)

// InsertBuild stamps QueuedAt and inserts b with status Queued, mirroring the
// teacher's InsertDeployment pattern of letting the store own timestamps.
func (s *Store) InsertBuild(b models.Build) error {
	if b.QueuedAt.IsZero() {
		b.QueuedAt = time.Now().UTC()
	}
	_, err := s.conn.Exec(`
		INSERT INTO builds (
			id, project_id, commit_sha, branch, commit_message, commit_author,
			pr_number, trigger, status, queued_at, started_at, finished_at,
			duration_ms, total_steps, completed_steps, failed_steps,
			error_kind, error_message, parent_build_id, dispatch_token
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.CommitSHA, b.Branch, b.CommitMessage, b.CommitAuthor,
		b.PRNumber, b.Trigger, models.StatusQueued, b.QueuedAt, b.StartedAt, b.FinishedAt,
		b.DurationMs, b.TotalSteps, b.CompletedSteps, b.FailedSteps,
		b.ErrorKind, b.ErrorMessage, b.ParentBuildID, b.DispatchToken,
	)
	if err != nil {
		return fmt.Errorf("store: insert build: %w", err)
	}
	return nil
}

const buildColumns = `
	id, project_id, commit_sha, branch, commit_message, commit_author,
	pr_number, trigger, status, queued_at, started_at, finished_at,
	duration_ms, total_steps, completed_steps, failed_steps,
	error_kind, error_message, parent_build_id, dispatch_token`

func scanBuild(sc scanner) (models.Build, error) {
	var b models.Build
	err := sc.Scan(
		&b.ID, &b.ProjectID, &b.CommitSHA, &b.Branch, &b.CommitMessage, &b.CommitAuthor,
		&b.PRNumber, &b.Trigger, &b.Status, &b.QueuedAt, &b.StartedAt, &b.FinishedAt,
		&b.DurationMs, &b.TotalSteps, &b.CompletedSteps, &b.FailedSteps,
		&b.ErrorKind, &b.ErrorMessage, &b.ParentBuildID, &b.DispatchToken,
	)
	if err != nil {
		return models.Build{}, err
	}
	return b, nil
}

// GetBuild returns ErrRecordNotFound if id does not exist.
func (s *Store) GetBuild(id string) (models.Build, error) {
	row := s.conn.QueryRow(`SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Build{}, ErrRecordNotFound
	}
	if err != nil {
		return models.Build{}, fmt.Errorf("store: get build: %w", err)
	}
	return b, nil
}

// ListBuildsByProject returns a project's builds, most recently queued first.
func (s *Store) ListBuildsByProject(projectID string) ([]models.Build, error) {
	rows, err := s.conn.Query(`SELECT `+buildColumns+` FROM builds WHERE project_id = ? ORDER BY queued_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list builds by project: %w", err)
	}
	defer rows.Close()

	var out []models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan build: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list builds by project: %w", err)
	}
	return out, nil
}

// ListBuildsByStatus supports Reconcile's scan for builds stuck Running.
func (s *Store) ListBuildsByStatus(status models.BuildStatus) ([]models.Build, error) {
	rows, err := s.conn.Query(`SELECT `+buildColumns+` FROM builds WHERE status = ? ORDER BY queued_at`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list builds by status: %w", err)
	}
	defer rows.Close()

	var out []models.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan build: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list builds by status: %w", err)
	}
	return out, nil
}

// TransitionToRunning moves a build from Queued to Running and records its
// dispatch token, atomically: the WHERE clause is the compare in a
// compare-and-swap, so two workers racing to start the same build can't both
// succeed. ok is false if the build wasn't Queued (already claimed, or
// cancelled out from under the worker).
func (s *Store) TransitionToRunning(id, dispatchToken string, startedAt time.Time) (bool, error) {
	res, err := s.conn.Exec(`
		UPDATE builds SET status = ?, started_at = ?, dispatch_token = ?
		WHERE id = ? AND status = ?`,
		models.StatusRunning, startedAt, dispatchToken, id, models.StatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("store: transition to running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: transition to running: %w", err)
	}
	return n > 0, nil
}

// TransitionToTerminal moves a build into one of the four terminal states
// (§4.5), recording the classified error if any. it refuses to overwrite a
// build that is already terminal (§3 invariant: terminal state is immutable),
// reporting ok=false in that case rather than an error, so callers can treat
// a double-terminate as the idempotent no-op §8 property 6 requires.
func (s *Store) TransitionToTerminal(id string, status models.BuildStatus, finishedAt time.Time, durationMs int64, errorKind string, errorMessage *string) (bool, error) {
	res, err := s.conn.Exec(`
		UPDATE builds
		SET status = ?, finished_at = ?, duration_ms = ?, error_kind = ?, error_message = ?, dispatch_token = ''
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		status, finishedAt, durationMs, errorKind, errorMessage,
		id, models.StatusSuccess, models.StatusFailed, models.StatusCancelled, models.StatusTimedOut,
	)
	if err != nil {
		return false, fmt.Errorf("store: transition to terminal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: transition to terminal: %w", err)
	}
	return n > 0, nil
}

// CancelQueued moves a Queued build directly to Cancelled, for a cancel that
// arrives before a worker ever dispatches it. Like TransitionToTerminal,
// it's a no-op (ok=false, no error) if the build isn't Queued anymore.
func (s *Store) CancelQueued(id string) (bool, error) {
	res, err := s.conn.Exec(`
		UPDATE builds SET status = ?, finished_at = ?, error_kind = ?
		WHERE id = ? AND status = ?`,
		models.StatusCancelled, time.Now().UTC(), "CancelledError", id, models.StatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("store: cancel queued: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: cancel queued: %w", err)
	}
	return n > 0, nil
}

// UpdateProgress records step counters as the Executor advances through the
// declared phase list.
func (s *Store) UpdateProgress(id string, totalSteps, completedSteps, failedSteps int) error {
	res, err := s.conn.Exec(`
		UPDATE builds SET total_steps = ?, completed_steps = ?, failed_steps = ?
		WHERE id = ?`,
		totalSteps, completedSteps, failedSteps, id,
	)
	if err != nil {
		return fmt.Errorf("store: update progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update progress: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// InsertRetryChild creates a new Queued build referencing parentID, used by
// both user-initiated Retry and the automatic single retry on Abandoned.
func (s *Store) InsertRetryChild(parent models.Build, newID string) (models.Build, error) {
	child := parent
	child.ID = newID
	child.Status = models.StatusQueued
	child.Trigger = models.TriggerRetry
	child.QueuedAt = time.Now().UTC()
	child.StartedAt = nil
	child.FinishedAt = nil
	child.DurationMs = nil
	child.TotalSteps = 0
	child.CompletedSteps = 0
	child.FailedSteps = 0
	child.ErrorKind = ""
	child.ErrorMessage = nil
	child.ParentBuildID = &parent.ID
	child.DispatchToken = ""

	if err := s.InsertBuild(child); err != nil {
		return models.Build{}, err
	}
	return child, nil
}
