package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/opencowork/opencowork/internal/controlplane/models"
	"github.com/opencowork/opencowork/internal/db/dialect"
)

const mcpServerColumns = `id, scope, user_id, name, transport, command, args, url,
	env, enabled_by_default, created_at, updated_at`

// CreateMcpServer inserts an MCP server definition.
func (r *Repository) CreateMcpServer(ctx context.Context, srv *models.McpServer) error {
	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	if srv.Transport == "" {
		srv.Transport = "stdio"
	}
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now

	argsJSON, err := marshalAny(srv.Args)
	if err != nil {
		return err
	}
	envJSON, err := marshalAny(srv.Env)
	if err != nil {
		return err
	}

	_, err = r.exec(ctx, `
		INSERT INTO mcp_servers (id, scope, user_id, name, transport, command, args,
			url, env, enabled_by_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, srv.ID, string(srv.Scope), srv.UserID, srv.Name, srv.Transport,
		nullableString(srv.Command), argsJSON, nullableString(srv.URL), envJSON,
		dialect.BoolToInt(srv.EnabledByDefault), srv.CreatedAt, srv.UpdatedAt)
	return err
}

func scanMcpServer(scan func(dest ...interface{}) error) (*models.McpServer, error) {
	srv := &models.McpServer{}
	var command, argsJSON, url, envJSON sql.NullString
	var enabledByDefault int

	err := scan(&srv.ID, &srv.Scope, &srv.UserID, &srv.Name, &srv.Transport,
		&command, &argsJSON, &url, &envJSON, &enabledByDefault,
		&srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if command.Valid {
		srv.Command = &command.String
	}
	if url.Valid {
		srv.URL = &url.String
	}
	if argsJSON.Valid {
		if srv.Args, err = unmarshalStrings(argsJSON.String); err != nil {
			return nil, err
		}
	}
	if envJSON.Valid {
		if srv.Env, err = unmarshalStringMap(envJSON.String); err != nil {
			return nil, err
		}
	}
	srv.EnabledByDefault = enabledByDefault != 0
	return srv, nil
}

// GetMcpServer retrieves an MCP server by ID.
func (r *Repository) GetMcpServer(ctx context.Context, id string) (*models.McpServer, error) {
	row := r.queryRow(ctx, `SELECT `+mcpServerColumns+` FROM mcp_servers WHERE id = ?`, id)
	return scanMcpServer(row.Scan)
}

// ListVisibleMcpServers returns the MCP servers visible to a user; a user
// record hides a same-named system record.
func (r *Repository) ListVisibleMcpServers(ctx context.Context, userID string) ([]*models.McpServer, error) {
	rows, err := r.query(ctx, `
		SELECT `+mcpServerColumns+` FROM mcp_servers s
		WHERE (s.scope = 'user' AND s.user_id = ?)
		   OR (s.scope = 'system' AND NOT EXISTS (
				SELECT 1 FROM mcp_servers u
				WHERE u.scope = 'user' AND u.user_id = ? AND u.name = s.name))
		ORDER BY s.name ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.McpServer
	for rows.Next() {
		srv, err := scanMcpServer(rows.Scan)
		if err != nil {
			return nil, err
		}
		result = append(result, srv)
	}
	return result, rows.Err()
}

// UpdateMcpServer persists mutable MCP server fields.
func (r *Repository) UpdateMcpServer(ctx context.Context, srv *models.McpServer) error {
	srv.UpdatedAt = time.Now().UTC()

	argsJSON, err := marshalAny(srv.Args)
	if err != nil {
		return err
	}
	envJSON, err := marshalAny(srv.Env)
	if err != nil {
		return err
	}

	res, err := r.exec(ctx, `
		UPDATE mcp_servers
		SET name = ?, transport = ?, command = ?, args = ?, url = ?, env = ?,
			enabled_by_default = ?, updated_at = ?
		WHERE id = ?
	`, srv.Name, srv.Transport, nullableString(srv.Command), argsJSON,
		nullableString(srv.URL), envJSON, dialect.BoolToInt(srv.EnabledByDefault),
		srv.UpdatedAt, srv.ID)
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

// DeleteMcpServer removes an MCP server definition.
func (r *Repository) DeleteMcpServer(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM mcp_servers WHERE id = ?`, id)
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
