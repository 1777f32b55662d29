package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
)

const subAgentColumns = `id, scope, user_id, name, description, prompt, model,
	enabled_by_default, created_at, updated_at`

// CreateSubAgent inserts a sub-agent definition.
func (r *Repository) CreateSubAgent(ctx context.Context, agent *models.SubAgent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := r.exec(ctx, `
		INSERT INTO sub_agents (id, scope, user_id, name, description, prompt, model,
			enabled_by_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, string(agent.Scope), agent.UserID, agent.Name,
		nullableString(agent.Description), agent.Prompt, nullableString(agent.Model),
		dialect.BoolToInt(agent.EnabledByDefault), agent.CreatedAt, agent.UpdatedAt)
	return err
}

func scanSubAgent(scan func(dest ...interface{}) error) (*models.SubAgent, error) {
	agent := &models.SubAgent{}
	var description, model sql.NullString
	var enabledByDefault int

	err := scan(&agent.ID, &agent.Scope, &agent.UserID, &agent.Name, &description,
		&agent.Prompt, &model, &enabledByDefault, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		agent.Description = &description.String
	}
	if model.Valid {
		agent.Model = &model.String
	}
	agent.EnabledByDefault = enabledByDefault != 0
	return agent, nil
}

// GetSubAgent retrieves a sub-agent by ID.
func (r *Repository) GetSubAgent(ctx context.Context, id string) (*models.SubAgent, error) {
	row := r.queryRow(ctx, `SELECT `+subAgentColumns+` FROM sub_agents WHERE id = ?`, id)
	return scanSubAgent(row.Scan)
}

// ListVisibleSubAgents returns the sub-agents visible to a user; a user
// record hides a same-named system record.
func (r *Repository) ListVisibleSubAgents(ctx context.Context, userID string) ([]*models.SubAgent, error) {
	rows, err := r.query(ctx, `
		SELECT `+subAgentColumns+` FROM sub_agents s
		WHERE (s.scope = 'user' AND s.user_id = ?)
		   OR (s.scope = 'system' AND NOT EXISTS (
				SELECT 1 FROM sub_agents u
				WHERE u.scope = 'user' AND u.user_id = ? AND u.name = s.name))
		ORDER BY s.name ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.SubAgent
	for rows.Next() {
		agent, err := scanSubAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, agent)
	}
	return result, rows.Err()
}

// UpdateSubAgent persists mutable sub-agent fields.
func (r *Repository) UpdateSubAgent(ctx context.Context, agent *models.SubAgent) error {
	agent.UpdatedAt = time.Now().UTC()
	res, err := r.exec(ctx, `
		UPDATE sub_agents
		SET name = ?, description = ?, prompt = ?, model = ?, enabled_by_default = ?,
			updated_at = ?
		WHERE id = ?
	`, agent.Name, nullableString(agent.Description), agent.Prompt,
		nullableString(agent.Model), dialect.BoolToInt(agent.EnabledByDefault),
		agent.UpdatedAt, agent.ID)
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

// DeleteSubAgent removes a sub-agent definition.
func (r *Repository) DeleteSubAgent(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM sub_agents WHERE id = ?`, id)
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
