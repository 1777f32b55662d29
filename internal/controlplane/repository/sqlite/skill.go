package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
)

const skillColumns = `id, scope, user_id, name, description, files, created_at, updated_at`

// CreateSkill inserts a skill record.
func (r *Repository) CreateSkill(ctx context.Context, skill *models.Skill) error {
	if skill.ID == "" {
		skill.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	skill.CreatedAt = now
	skill.UpdatedAt = now

	filesJSON, err := marshalAny(skill.Files)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO skills (id, scope, user_id, name, description, files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, skill.ID, string(skill.Scope), skill.UserID, skill.Name,
		nullableString(skill.Description), filesJSON, skill.CreatedAt, skill.UpdatedAt)
	return err
}

func scanSkill(scan func(dest ...interface{}) error) (*models.Skill, error) {
	skill := &models.Skill{}
	var description sql.NullString
	var filesJSON string

	err := scan(&skill.ID, &skill.Scope, &skill.UserID, &skill.Name, &description,
		&filesJSON, &skill.CreatedAt, &skill.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if description.Valid {
		skill.Description = &description.String
	}
	if skill.Files, err = unmarshalStringMap(filesJSON); err != nil {
		return nil, err
	}
	return skill, nil
}

// GetSkill retrieves a skill by ID.
func (r *Repository) GetSkill(ctx context.Context, id string) (*models.Skill, error) {
	row := r.queryRow(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = ?`, id)
	return scanSkill(row.Scan)
}

// ListVisibleSkills returns the skills visible to a user: the user's own
// records plus system records not shadowed by a same-named user record.
func (r *Repository) ListVisibleSkills(ctx context.Context, userID string) ([]*models.Skill, error) {
	rows, err := r.query(ctx, `
		SELECT `+skillColumns+` FROM skills s
		WHERE (s.scope = 'user' AND s.user_id = ?)
		   OR (s.scope = 'system' AND NOT EXISTS (
				SELECT 1 FROM skills u
				WHERE u.scope = 'user' AND u.user_id = ? AND u.name = s.name))
		ORDER BY s.name ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Skill
	for rows.Next() {
		skill, err := scanSkill(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, skill)
	}
	return result, rows.Err()
}

// GetSkillsByIDs returns skills by ID, preserving no particular order.
func (r *Repository) GetSkillsByIDs(ctx context.Context, ids []string) ([]*models.Skill, error) {
	result := make([]*models.Skill, 0, len(ids))
	for _, id := range ids {
		skill, err := r.GetSkill(ctx, id)
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, err
		}
		result = append(result, skill)
	}
	return result, nil
}

// UpdateSkill persists mutable skill fields. System records are updated
// only through system-scope service calls.
func (r *Repository) UpdateSkill(ctx context.Context, skill *models.Skill) error {
	skill.UpdatedAt = time.Now().UTC()

	filesJSON, err := marshalAny(skill.Files)
	if err != nil {
		return err
	}

	res, err := r.exec(ctx, `
		UPDATE skills SET name = ?, description = ?, files = ?, updated_at = ?
		WHERE id = ?
	`, skill.Name, nullableString(skill.Description), filesJSON, skill.UpdatedAt, skill.ID)
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

// DeleteSkill removes a skill record.
func (r *Repository) DeleteSkill(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM skills WHERE id = ?`, id)
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
