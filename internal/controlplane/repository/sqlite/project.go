package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
)

const projectColumns = `id, user_id, name, repo_url, git_branch, git_token_env_key,
	created_at, updated_at`

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := r.exec(ctx, `
		INSERT INTO projects (id, user_id, name, repo_url, git_branch, git_token_env_key,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.UserID, p.Name, nullableString(p.RepoURL), nullableString(p.GitBranch),
		nullableString(p.GitTokenEnvKey), p.CreatedAt, p.UpdatedAt)
	return err
}

func scanProject(scan func(dest ...interface{}) error) (*models.Project, error) {
	p := &models.Project{}
	var repoURL, gitBranch, tokenKey sql.NullString

	err := scan(&p.ID, &p.UserID, &p.Name, &repoURL, &gitBranch, &tokenKey,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if repoURL.Valid {
		p.RepoURL = &repoURL.String
	}
	if gitBranch.Valid {
		p.GitBranch = &gitBranch.String
	}
	if tokenKey.Valid {
		p.GitTokenEnvKey = &tokenKey.String
	}
	return p, nil
}

// GetProject retrieves a project by ID.
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := r.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row.Scan)
}

// ListProjectsByUser returns a user's projects, newest first.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]*models.Project, error) {
	rows, err := r.query(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// UpdateProject persists mutable project fields.
func (r *Repository) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE projects
		SET name = ?, repo_url = ?, git_branch = ?, git_token_env_key = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, nullableString(p.RepoURL), nullableString(p.GitBranch),
		nullableString(p.GitTokenEnvKey), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteProject removes a project.
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
