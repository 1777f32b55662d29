package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
)

const slashCommandColumns = `id, scope, user_id, name, description, content,
	enabled_by_default, created_at, updated_at`

// CreateSlashCommand inserts a slash command definition.
func (r *Repository) CreateSlashCommand(ctx context.Context, cmd *models.SlashCommand) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	cmd.CreatedAt = now
	cmd.UpdatedAt = now

	_, err := r.exec(ctx, `
		INSERT INTO slash_commands (id, scope, user_id, name, description, content,
			enabled_by_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, string(cmd.Scope), cmd.UserID, cmd.Name,
		nullableString(cmd.Description), cmd.Content,
		dialect.BoolToInt(cmd.EnabledByDefault), cmd.CreatedAt, cmd.UpdatedAt)
	return err
}

func scanSlashCommand(scan func(dest ...interface{}) error) (*models.SlashCommand, error) {
	cmd := &models.SlashCommand{}
	var description sql.NullString
	var enabledByDefault int

	err := scan(&cmd.ID, &cmd.Scope, &cmd.UserID, &cmd.Name, &description,
		&cmd.Content, &enabledByDefault, &cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		cmd.Description = &description.String
	}
	cmd.EnabledByDefault = enabledByDefault != 0
	return cmd, nil
}

// GetSlashCommand retrieves a slash command by ID.
func (r *Repository) GetSlashCommand(ctx context.Context, id string) (*models.SlashCommand, error) {
	row := r.queryRow(ctx, `SELECT `+slashCommandColumns+` FROM slash_commands WHERE id = ?`, id)
	return scanSlashCommand(row.Scan)
}

// ListVisibleSlashCommands returns the slash commands visible to a user; a
// user record hides a same-named system record.
func (r *Repository) ListVisibleSlashCommands(ctx context.Context, userID string) ([]*models.SlashCommand, error) {
	rows, err := r.query(ctx, `
		SELECT `+slashCommandColumns+` FROM slash_commands s
		WHERE (s.scope = 'user' AND s.user_id = ?)
		   OR (s.scope = 'system' AND NOT EXISTS (
				SELECT 1 FROM slash_commands u
				WHERE u.scope = 'user' AND u.user_id = ? AND u.name = s.name))
		ORDER BY s.name ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.SlashCommand
	for rows.Next() {
		cmd, err := scanSlashCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, cmd)
	}
	return result, rows.Err()
}

// UpdateSlashCommand persists mutable slash command fields.
func (r *Repository) UpdateSlashCommand(ctx context.Context, cmd *models.SlashCommand) error {
	cmd.UpdatedAt = time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE slash_commands
		SET name = ?, description = ?, content = ?, enabled_by_default = ?, updated_at = ?
		WHERE id = ?
	`, cmd.Name, nullableString(cmd.Description), cmd.Content,
		dialect.BoolToInt(cmd.EnabledByDefault), cmd.UpdatedAt, cmd.ID)
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

// DeleteSlashCommand removes a slash command definition.
func (r *Repository) DeleteSlashCommand(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM slash_commands WHERE id = ?`, id)
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
