package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/corvus-ci/enginectl/internal/models"
)

// InsertProject stamps CreatedAt/UpdatedAt and inserts p, mirroring the
// teacher's InsertDeployment.
func (s *Store) InsertProject(p models.Project) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.conn.Exec(`
		INSERT INTO projects (
			id, repo_full_name, default_branch, branch_filter, pull_request_builds,
			max_duration_seconds, image, build_profile, required_secret_names,
			require_docker_socket, owner_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RepoFullName, p.DefaultBranch, p.BranchFilter, p.PullRequestBuilds,
		p.MaxDurationSeconds, p.Image, p.BuildProfile, p.RequiredSecretNamesJSON,
		p.RequireDockerSocket, p.OwnerID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert project: %w", err)
	}
	return nil
}

func scanProject(sc scanner) (models.Project, error) {
	var p models.Project
	err := sc.Scan(
		&p.ID, &p.RepoFullName, &p.DefaultBranch, &p.BranchFilter, &p.PullRequestBuilds,
		&p.MaxDurationSeconds, &p.Image, &p.BuildProfile, &p.RequiredSecretNamesJSON,
		&p.RequireDockerSocket, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return models.Project{}, err
	}
	return p, nil
}

const projectColumns = `
	id, repo_full_name, default_branch, branch_filter, pull_request_builds,
	max_duration_seconds, image, build_profile, required_secret_names,
	require_docker_socket, owner_id, created_at, updated_at`

// GetProject returns ErrRecordNotFound if id does not exist.
func (s *Store) GetProject(id string) (models.Project, error) {
	row := s.conn.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrRecordNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("store: get project: %w", err)
	}
	return p, nil
}

// GetProjectByRepo looks a project up by its GitHub-style full name, used by
// the webhook-trigger validation path.
func (s *Store) GetProjectByRepo(repoFullName string) (models.Project, error) {
	row := s.conn.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE repo_full_name = ?`, repoFullName)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Project{}, ErrRecordNotFound
	}
	if err != nil {
		return models.Project{}, fmt.Errorf("store: get project by repo: %w", err)
	}
	return p, nil
}

// ListProjects returns every project ordered by creation time.
func (s *Store) ListProjects() ([]models.Project, error) {
	rows, err := s.conn.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	return out, nil
}

// DeleteProject removes a project. it does not cascade to builds/secrets;
// callers enforce the §3 cross-entity ownership invariant before calling
// this, mirroring the teacher's unconditional DeleteDeployment.
func (s *Store) DeleteProject(id string) error {
	res, err := s.conn.Exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete project: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
