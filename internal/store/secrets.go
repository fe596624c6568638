package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/corvus-ci/enginectl/internal/models"
)

// PutSecret upserts the ciphertext for (projectID, name); the Vault is the
// only caller and is responsible for encrypting before this is reached, so
// this layer never sees plaintext.
func (s *Store) PutSecret(projectID, name string, ciphertext []byte) error {
	_, err := s.conn.Exec(`
		INSERT INTO secrets (project_id, name, ciphertext, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, name) DO UPDATE SET ciphertext = excluded.ciphertext`,
		projectID, name, ciphertext, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: put secret: %w", err)
	}
	return nil
}

// GetSecret returns ErrRecordNotFound if the named secret doesn't exist for
// the project.
func (s *Store) GetSecret(projectID, name string) (models.Secret, error) {
	row := s.conn.QueryRow(`
		SELECT project_id, name, ciphertext, created_at
		FROM secrets WHERE project_id = ? AND name = ?`, projectID, name)

	var sec models.Secret
	err := row.Scan(&sec.ProjectID, &sec.Name, &sec.Ciphertext, &sec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Secret{}, ErrRecordNotFound
	}
	if err != nil {
		return models.Secret{}, fmt.Errorf("store: get secret: %w", err)
	}
	return sec, nil
}

// ListSecrets returns every secret belonging to projectID, ciphertext
// included — only the Vault decrypts it, on the way to Materialise.
func (s *Store) ListSecrets(projectID string) ([]models.Secret, error) {
	rows, err := s.conn.Query(`
		SELECT project_id, name, ciphertext, created_at
		FROM secrets WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	defer rows.Close()

	var out []models.Secret
	for rows.Next() {
		var sec models.Secret
		if err := rows.Scan(&sec.ProjectID, &sec.Name, &sec.Ciphertext, &sec.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan secret: %w", err)
		}
		out = append(out, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list secrets: %w", err)
	}
	return out, nil
}

// DeleteSecret removes one named secret for a project.
func (s *Store) DeleteSecret(projectID, name string) error {
	res, err := s.conn.Exec(`DELETE FROM secrets WHERE project_id = ? AND name = ?`, projectID, name)
	if err != nil {
		return fmt.Errorf("store: delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete secret: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
