package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
)

// GetClaudeMd returns the CLAUDE.md document for one scope owner, or "" when
// none is stored.
func (r *Repository) GetClaudeMd(ctx context.Context, scope models.Scope, userID string) (string, error) {
	var content string
	err := r.queryRow(ctx, `
		SELECT content FROM claude_md_docs WHERE scope = ? AND user_id = ?
	`, string(scope), userID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// SetClaudeMd stores or replaces the CLAUDE.md document for one scope owner.
func (r *Repository) SetClaudeMd(ctx context.Context, scope models.Scope, userID, content string) error {
	now := time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE claude_md_docs SET content = ?, updated_at = ?
		WHERE scope = ? AND user_id = ?
	`, content, now, string(scope), userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	_, err = r.exec(ctx, `
		INSERT INTO claude_md_docs (id, scope, user_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), string(scope), userID, content, now, now)
	return err
}

// DeleteClaudeMd removes the CLAUDE.md document for one scope owner.
func (r *Repository) DeleteClaudeMd(ctx context.Context, scope models.Scope, userID string) error {
	_, err := r.exec(ctx, `
		DELETE FROM claude_md_docs WHERE scope = ? AND user_id = ?
	`, string(scope), userID)
	return err
}
