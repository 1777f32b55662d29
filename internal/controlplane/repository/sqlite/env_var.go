package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
)

const envVarColumns = `id, scope, user_id, key, value, is_secret, created_at, updated_at`

// UpsertEnvVar inserts or replaces the variable identified by (scope, user, key).
// Values arrive already encrypted; the repository never sees plaintext secrets.
func (r *Repository) UpsertEnvVar(ctx context.Context, v *models.UserEnvVar) error {
	now := time.Now().UTC()

	existing, err := r.GetEnvVar(ctx, v.Scope, v.UserID, v.Key)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if existing != nil {
		v.ID = existing.ID
		v.CreatedAt = existing.CreatedAt
		v.UpdatedAt = now
		_, err = r.exec(ctx, `
			UPDATE user_env_vars SET value = ?, is_secret = ?, updated_at = ?
			WHERE id = ?
		`, v.Value, dialect.BoolToInt(v.IsSecret), v.UpdatedAt, v.ID)
		return err
	}

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.CreatedAt = now
	v.UpdatedAt = now
	_, err = r.exec(ctx, `
		INSERT INTO user_env_vars (id, scope, user_id, key, value, is_secret,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, string(v.Scope), v.UserID, v.Key, v.Value,
		dialect.BoolToInt(v.IsSecret), v.CreatedAt, v.UpdatedAt)
	return err
}

func scanEnvVar(scan func(dest ...interface{}) error) (*models.UserEnvVar, error) {
	v := &models.UserEnvVar{}
	var isSecret int
	err := scan(&v.ID, &v.Scope, &v.UserID, &v.Key, &v.Value, &isSecret,
		&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.IsSecret = isSecret != 0
	return v, nil
}

// GetEnvVar retrieves one variable by its natural key.
func (r *Repository) GetEnvVar(ctx context.Context, scope models.Scope, userID, key string) (*models.UserEnvVar, error) {
	row := r.queryRow(ctx, `
		SELECT `+envVarColumns+` FROM user_env_vars
		WHERE scope = ? AND user_id = ? AND key = ?
	`, string(scope), userID, key)
	return scanEnvVar(row.Scan)
}

// ListEnvVars returns all variables in a scope for one owner, sorted by key.
func (r *Repository) ListEnvVars(ctx context.Context, scope models.Scope, userID string) ([]*models.UserEnvVar, error) {
	rows, err := r.query(ctx, `
		SELECT `+envVarColumns+` FROM user_env_vars
		WHERE scope = ? AND user_id = ? ORDER BY key ASC
	`, string(scope), userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.UserEnvVar
	for rows.Next() {
		v, err := scanEnvVar(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// DeleteEnvVar removes a variable by its natural key.
func (r *Repository) DeleteEnvVar(ctx context.Context, scope models.Scope, userID, key string) error {
	res, err := r.exec(ctx, `
		DELETE FROM user_env_vars WHERE scope = ? AND user_id = ? AND key = ?
	`, string(scope), userID, key)
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
