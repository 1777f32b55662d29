package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
)

const sessionColumns = `id, user_id, project_id, kind, status, sdk_session_id,
	config, state_patch, workspace_archive_url, workspace_files_prefix,
	workspace_manifest_key, workspace_archive_key, workspace_export_status,
	is_deleted, created_at, updated_at`

// CreateSession inserts a new session.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.Kind == "" {
		session.Kind = "chat"
	}
	if session.Status == "" {
		session.Status = "pending"
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	configJSON, err := marshalJSON(session.Config)
	if err != nil {
		return err
	}
	patchJSON, err := marshalJSON(session.StatePatch)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO agent_sessions (id, user_id, project_id, kind, status, sdk_session_id,
			config, state_patch, workspace_archive_url, workspace_files_prefix,
			workspace_manifest_key, workspace_archive_key, workspace_export_status,
			is_deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, session.ID, session.UserID, nullableString(session.ProjectID), session.Kind,
		string(session.Status), nullableString(session.SdkSessionID),
		configJSON, patchJSON,
		nullableString(session.WorkspaceArchiveURL), nullableString(session.WorkspaceFilesPrefix),
		nullableString(session.WorkspaceManifestKey), nullableString(session.WorkspaceArchiveKey),
		nullableString(session.WorkspaceExportStatus),
		session.CreatedAt, session.UpdatedAt)
	return err
}

func scanSession(scan func(dest ...interface{}) error) (*models.Session, error) {
	s := &models.Session{}
	var projectID, sdkSessionID, archiveURL, filesPrefix, manifestKey, archiveKey, exportStatus sql.NullString
	var configJSON, patchJSON string
	var isDeleted int

	err := scan(&s.ID, &s.UserID, &projectID, &s.Kind, &s.Status, &sdkSessionID,
		&configJSON, &patchJSON, &archiveURL, &filesPrefix,
		&manifestKey, &archiveKey, &exportStatus,
		&isDeleted, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if projectID.Valid {
		s.ProjectID = &projectID.String
	}
	if sdkSessionID.Valid {
		s.SdkSessionID = &sdkSessionID.String
	}
	if archiveURL.Valid {
		s.WorkspaceArchiveURL = &archiveURL.String
	}
	if filesPrefix.Valid {
		s.WorkspaceFilesPrefix = &filesPrefix.String
	}
	if manifestKey.Valid {
		s.WorkspaceManifestKey = &manifestKey.String
	}
	if archiveKey.Valid {
		s.WorkspaceArchiveKey = &archiveKey.String
	}
	if exportStatus.Valid {
		s.WorkspaceExportStatus = &exportStatus.String
	}
	s.IsDeleted = isDeleted != 0

	if s.Config, err = unmarshalMap(configJSON); err != nil {
		return nil, err
	}
	if s.StatePatch, err = unmarshalMap(patchJSON); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession retrieves a session by ID, including soft-deleted rows.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.queryRow(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	return scanSession(row.Scan)
}

// GetSessionBySdkID retrieves a session by its SDK session id.
func (r *Repository) GetSessionBySdkID(ctx context.Context, sdkSessionID string) (*models.Session, error) {
	row := r.queryRow(ctx, `SELECT `+sessionColumns+` FROM agent_sessions WHERE sdk_session_id = ?`, sdkSessionID)
	return scanSession(row.Scan)
}

// SessionListFilter narrows ListSessions.
type SessionListFilter struct {
	UserID    string
	ProjectID string
	Kind      string
	Limit     int
	Offset    int
}

// ListSessions returns non-deleted sessions, newest first.
func (r *Repository) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM agent_sessions WHERE is_deleted = 0`
	args := []interface{}{}

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// UpdateSession persists mutable session fields.
func (r *Repository) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()

	configJSON, err := marshalJSON(session.Config)
	if err != nil {
		return err
	}
	patchJSON, err := marshalJSON(session.StatePatch)
	if err != nil {
		return err
	}

	res, err := r.exec(ctx, `
		UPDATE agent_sessions
		SET project_id = ?, status = ?, sdk_session_id = ?, config = ?, state_patch = ?,
			workspace_archive_url = ?, workspace_files_prefix = ?,
			workspace_manifest_key = ?, workspace_archive_key = ?,
			workspace_export_status = ?, is_deleted = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(session.ProjectID), string(session.Status), nullableString(session.SdkSessionID),
		configJSON, patchJSON,
		nullableString(session.WorkspaceArchiveURL), nullableString(session.WorkspaceFilesPrefix),
		nullableString(session.WorkspaceManifestKey), nullableString(session.WorkspaceArchiveKey),
		nullableString(session.WorkspaceExportStatus),
		dialect.BoolToInt(session.IsDeleted), session.UpdatedAt, session.ID)
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

// SetSessionStatus updates only the session status.
func (r *Repository) SetSessionStatus(ctx context.Context, id, status string) error {
	_, err := r.exec(ctx, `
		UPDATE agent_sessions SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().UTC(), id)
	return err
}

// SetSdkSessionID records the SDK session id the first time it is observed.
func (r *Repository) SetSdkSessionID(ctx context.Context, id, sdkSessionID string) error {
	_, err := r.exec(ctx, `
		UPDATE agent_sessions SET sdk_session_id = ?, updated_at = ?
		WHERE id = ? AND (sdk_session_id IS NULL OR sdk_session_id = '')
	`, sdkSessionID, time.Now().UTC(), id)
	return err
}

// SoftDeleteSession marks a session deleted without removing its history.
func (r *Repository) SoftDeleteSession(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `
		UPDATE agent_sessions SET is_deleted = 1, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
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

