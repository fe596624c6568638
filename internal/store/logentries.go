package store

import (
	"database/sql"
	"fmt"

	"github.com/corvus-ci/enginectl/internal/models"
)

// AppendLogEntry persists one LogEntry at its already-assigned sequence
// number. the Log Pipeline is the only caller and serialises appends for a
// given build through a single goroutine (§4.4), so the unique index on
// (build_id, sequence) is a correctness backstop, not the primary means of
// avoiding gaps or duplicates.
func (s *Store) AppendLogEntry(e models.LogEntry) error {
	_, err := s.conn.Exec(`
		INSERT INTO log_entries (build_id, sequence, kind, step_name, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.BuildID, e.Sequence, e.Kind, e.StepName, e.Message, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("store: append log entry: %w", err)
	}
	return nil
}

func scanLogEntry(sc scanner) (models.LogEntry, error) {
	var e models.LogEntry
	err := sc.Scan(&e.BuildID, &e.Sequence, &e.Kind, &e.StepName, &e.Message, &e.Timestamp)
	if err != nil {
		return models.LogEntry{}, err
	}
	return e, nil
}

// ListLogEntries returns the full log for a build in sequence order,
// satisfying §8 property 1 (the interval [1, max_seq] with no gaps) as long
// as the Log Pipeline upheld it on write.
func (s *Store) ListLogEntries(buildID string) ([]models.LogEntry, error) {
	return s.listLogEntriesFrom(buildID, 0)
}

// ListLogEntriesSince returns entries with sequence > fromSeq, used both for
// a late-joining subscriber's retrospective replay and for pagination.
func (s *Store) ListLogEntriesSince(buildID string, fromSeq int64) ([]models.LogEntry, error) {
	return s.listLogEntriesFrom(buildID, fromSeq)
}

func (s *Store) listLogEntriesFrom(buildID string, fromSeq int64) ([]models.LogEntry, error) {
	rows, err := s.conn.Query(`
		SELECT build_id, sequence, kind, step_name, message, timestamp
		FROM log_entries WHERE build_id = ? AND sequence > ? ORDER BY sequence`,
		buildID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list log entries: %w", err)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		e, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan log entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list log entries: %w", err)
	}
	return out, nil
}

// MaxSequence returns the highest sequence number persisted for a build, or
// 0 if none exist yet. the Log Pipeline's sequencer seeds itself from this
// on startup so a crash-and-resume never reissues a sequence number.
func (s *Store) MaxSequence(buildID string) (int64, error) {
	var max sql.NullInt64
	row := s.conn.QueryRow(`SELECT MAX(sequence) FROM log_entries WHERE build_id = ?`, buildID)
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("store: max sequence: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}
