package store

import (
	"fmt"
	"time"

	"github.com/corvus-ci/enginectl/internal/models"
)

// InsertArtifact records one artifact copied out of a build's workspace,
// storing a.ExpiresAt as given; the caller computes it from the retention
// window.
func (s *Store) InsertArtifact(a models.Artifact) error {
	_, err := s.conn.Exec(`
		INSERT INTO artifacts (build_id, name, storage_path, size_bytes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.BuildID, a.Name, a.StoragePath, a.SizeBytes, a.CreatedAt, a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns every artifact recorded for a build.
func (s *Store) ListArtifacts(buildID string) ([]models.Artifact, error) {
	rows, err := s.conn.Query(`
		SELECT build_id, name, storage_path, size_bytes, created_at, expires_at
		FROM artifacts WHERE build_id = ? ORDER BY name`, buildID)
	if err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.BuildID, &a.Name, &a.StoragePath, &a.SizeBytes, &a.CreatedAt, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list artifacts: %w", err)
	}
	return out, nil
}

// ListExpiredArtifacts returns artifacts whose ExpiresAt has passed as of
// now, for the Retention Sweeper (§4.10) to delete from disk and then here.
func (s *Store) ListExpiredArtifacts(now time.Time) ([]models.Artifact, error) {
	rows, err := s.conn.Query(`
		SELECT build_id, name, storage_path, size_bytes, created_at, expires_at
		FROM artifacts WHERE expires_at <= ? ORDER BY expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list expired artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.BuildID, &a.Name, &a.StoragePath, &a.SizeBytes, &a.CreatedAt, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("store: scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list expired artifacts: %w", err)
	}
	return out, nil
}

// DeleteArtifact removes a single artifact's row. it is idempotent: deleting
// an already-deleted artifact is a no-op, matching §8 property 8 (a second
// retention sweep makes no changes).
func (s *Store) DeleteArtifact(buildID, name string) error {
	_, err := s.conn.Exec(`DELETE FROM artifacts WHERE build_id = ? AND name = ?`, buildID, name)
	if err != nil {
		return fmt.Errorf("store: delete artifact: %w", err)
	}
	return nil
}

// DeleteOldLogEntries removes log entries for builds that finished before
// the log retention cutoff, the other half of the Retention Sweeper's job.
func (s *Store) DeleteOldLogEntries(olderThan time.Time) (int64, error) {
	res, err := s.conn.Exec(`
		DELETE FROM log_entries WHERE build_id IN (
			SELECT id FROM builds WHERE finished_at IS NOT NULL AND finished_at <= ?
		)`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: delete old log entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete old log entries: %w", err)
	}
	return n, nil
}
