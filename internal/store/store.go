// Package store is the durable SQLite-backed persistence layer for
// Projects, Builds, Secrets, LogEntries, and Artifacts. it generalises the
// teacher's db package (a single deployments table) into five related
// tables, keeping the same wrapping-not-embedding Store type, the same
// migrate-on-open pattern, and the same scanner-interface trick for sharing
// scan code between *sql.Row and *sql.Rows.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// ErrRecordNotFound is returned by any Get/Update/Delete that addresses a
// row which does not exist, mirroring the teacher's db.ErrRecordNotFound.
var ErrRecordNotFound = errors.New("store: record not found")

// schema is the full DDL applied on every open, exactly like the teacher's
// CREATE TABLE IF NOT EXISTS pattern: idempotent, no migration framework.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id                    TEXT PRIMARY KEY,
	repo_full_name        TEXT NOT NULL UNIQUE,
	default_branch        TEXT NOT NULL,
	branch_filter         TEXT NOT NULL DEFAULT '',
	pull_request_builds   INTEGER NOT NULL DEFAULT 0,
	max_duration_seconds  INTEGER NOT NULL,
	image                 TEXT,
	build_profile         TEXT,
	required_secret_names TEXT NOT NULL DEFAULT '[]',
	require_docker_socket INTEGER NOT NULL DEFAULT 0,
	owner_id              TEXT NOT NULL,
	created_at            DATETIME NOT NULL,
	updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS secrets (
	project_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (project_id, name)
);

CREATE TABLE IF NOT EXISTS builds (
	id                TEXT PRIMARY KEY,
	project_id        TEXT NOT NULL,
	commit_sha        TEXT NOT NULL,
	branch            TEXT NOT NULL,
	commit_message    TEXT NOT NULL DEFAULT '',
	commit_author     TEXT NOT NULL DEFAULT '',
	pr_number         INTEGER,
	trigger           TEXT NOT NULL,
	status            TEXT NOT NULL,
	queued_at         DATETIME NOT NULL,
	started_at        DATETIME,
	finished_at       DATETIME,
	duration_ms       INTEGER,
	total_steps       INTEGER NOT NULL DEFAULT 0,
	completed_steps   INTEGER NOT NULL DEFAULT 0,
	failed_steps      INTEGER NOT NULL DEFAULT 0,
	error_kind        TEXT NOT NULL DEFAULT '',
	error_message     TEXT,
	parent_build_id   TEXT,
	dispatch_token    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_builds_project ON builds (project_id, queued_at);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds (status);

CREATE TABLE IF NOT EXISTS log_entries (
	build_id  TEXT NOT NULL,
	sequence  INTEGER NOT NULL,
	kind      TEXT NOT NULL,
	step_name TEXT,
	message   TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	PRIMARY KEY (build_id, sequence)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_log_entries_build_seq ON log_entries (build_id, sequence);

CREATE TABLE IF NOT EXISTS artifacts (
	build_id     TEXT NOT NULL,
	name         TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	created_at   DATETIME NOT NULL,
	expires_at   DATETIME NOT NULL,
	PRIMARY KEY (build_id, name)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_expiry ON artifacts (expires_at);
`

// Store wraps a *sql.DB the way the teacher's Database wraps its connection:
// by holding it as an unexported field rather than embedding it, so callers
// go through the methods defined here instead of the full database/sql
// surface.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open creates the parent directory for dbPath if needed, opens the SQLite
// file, pins the connection pool to a single connection (SQLite allows only
// one writer at a time; the teacher's db.OpenDatabase does the same), and
// applies schema.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite3: %w", err)
	}
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, logger: logger}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("store opened", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows, letting the per-entity
// scan helpers be written once and reused for both Get and List, the same
// trick the teacher's db/deployments.go uses.
type scanner interface {
	Scan(dest ...any) error
}
