package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
)

// InstallKind selects which capability install table an operation targets.
type InstallKind string

const (
	InstallSkill     InstallKind = "skill"
	InstallMcpServer InstallKind = "mcp_server"
	InstallSubAgent  InstallKind = "sub_agent"
)

func installTable(kind InstallKind) (string, error) {
	switch kind {
	case InstallSkill:
		return "user_skill_installs", nil
	case InstallMcpServer:
		return "user_mcp_server_installs", nil
	case InstallSubAgent:
		return "user_sub_agent_installs", nil
	default:
		return "", fmt.Errorf("unknown install kind: %s", kind)
	}
}

// UpsertInstall installs a capability for a user, or updates its enable flag.
func (r *Repository) UpsertInstall(ctx context.Context, kind InstallKind, install *models.Install) error {
	table, err := installTable(kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := r.exec(ctx, `
		UPDATE `+table+` SET enabled = ?
		WHERE user_id = ? AND capability_id = ?
	`, dialect.BoolToInt(install.Enabled), install.UserID, install.CapabilityID)
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

	install.CreatedAt = now
	_, err = r.exec(ctx, `
		INSERT INTO `+table+` (user_id, capability_id, enabled, created_at)
		VALUES (?, ?, ?, ?)
	`, install.UserID, install.CapabilityID, dialect.BoolToInt(install.Enabled), now)
	return err
}

// GetInstall returns a user's install record for one capability.
func (r *Repository) GetInstall(ctx context.Context, kind InstallKind, userID, capabilityID string) (*models.Install, error) {
	table, err := installTable(kind)
	if err != nil {
		return nil, err
	}
	install := &models.Install{}
	var enabled int
	err = r.queryRow(ctx, `
		SELECT user_id, capability_id, enabled, created_at FROM `+table+`
		WHERE user_id = ? AND capability_id = ?
	`, userID, capabilityID).Scan(&install.UserID, &install.CapabilityID,
		&enabled, &install.CreatedAt)
	if err != nil {
		return nil, err
	}
	install.Enabled = enabled != 0
	return install, nil
}

// ListInstalls returns a user's installs of one capability kind.
func (r *Repository) ListInstalls(ctx context.Context, kind InstallKind, userID string) ([]*models.Install, error) {
	table, err := installTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := r.query(ctx, `
		SELECT user_id, capability_id, enabled, created_at FROM `+table+`
		WHERE user_id = ? ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Install
	for rows.Next() {
		install := &models.Install{}
		var enabled int
		if err := rows.Scan(&install.UserID, &install.CapabilityID, &enabled,
			&install.CreatedAt); err != nil {
			return nil, err
		}
		install.Enabled = enabled != 0
		result = append(result, install)
	}
	return result, rows.Err()
}

// DeleteInstall uninstalls a capability for a user.
func (r *Repository) DeleteInstall(ctx context.Context, kind InstallKind, userID, capabilityID string) error {
	table, err := installTable(kind)
	if err != nil {
		return err
	}
	res, err := r.exec(ctx, `
		DELETE FROM `+table+` WHERE user_id = ? AND capability_id = ?
	`, userID, capabilityID)
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

// InstallMap returns capability_id -> enabled for a user's installs.
func (r *Repository) InstallMap(ctx context.Context, kind InstallKind, userID string) (map[string]bool, error) {
	installs, err := r.ListInstalls(ctx, kind, userID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]bool, len(installs))
	for _, install := range installs {
		m[install.CapabilityID] = install.Enabled
	}
	return m, nil
}
