// Package sqlite provides the sqlx-based repository for the control plane.
// Despite the package name it supports both SQLite and PostgreSQL; queries
// are written with ? placeholders and rebound per driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/opencowork/opencowork/internal/db"
)

// Repository provides persistence for sessions, runs, messages, tool
// executions, usage, projects, scheduled tasks and the capability catalogs.
type Repository struct {
	db     *sqlx.DB
	driver string
	ownsDB bool
}

// New opens a database connection and initializes the schema.
func New(driver, dsn string) (*Repository, error) {
	conn, err := db.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return newRepository(conn, driver, true)
}

// NewWithDB creates a repository over an existing connection (shared ownership).
func NewWithDB(db *sqlx.DB, driver string) (*Repository, error) {
	return newRepository(db, driver, false)
}

func newRepository(db *sqlx.DB, driver string, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: db, driver: driver, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// Driver returns the active SQL driver name.
func (r *Repository) Driver() string {
	return r.driver
}

// exec runs a write statement with driver-appropriate placeholders.
func (r *Repository) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.db.Rebind(query), args...)
}

// queryRow runs a single-row query with driver-appropriate placeholders.
func (r *Repository) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return r.db.QueryRowContext(ctx, r.db.Rebind(query), args...)
}

// query runs a multi-row query with driver-appropriate placeholders.
func (r *Repository) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, r.db.Rebind(query), args...)
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initCatalogSchema(); err != nil {
		return err
	}
	if err := r.runMigrations(); err != nil {
		return err
	}
	return r.ensureIndexes()
}

func (r *Repository) initSessionSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT,
			kind TEXT NOT NULL DEFAULT 'chat',
			status TEXT NOT NULL DEFAULT 'pending',
			sdk_session_id TEXT,
			config TEXT,
			state_patch TEXT,
			workspace_archive_url TEXT,
			workspace_files_prefix TEXT,
			workspace_manifest_key TEXT,
			workspace_archive_key TEXT,
			workspace_export_status TEXT,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			scheduled_task_id TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			schedule_mode TEXT NOT NULL DEFAULT 'immediate',
			scheduled_at TIMESTAMP,
			permission_mode TEXT NOT NULL DEFAULT 'default',
			claimed_by TEXT,
			lease_expires_at TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			progress INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			config_snapshot TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			text_preview TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			tool_use_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			tool_input TEXT,
			tool_output TEXT,
			result_message_id TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (session_id, tool_use_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_input_requests (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			answer TEXT,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			run_id TEXT,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL,
			duration_ms INTEGER,
			num_turns INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			repo_url TEXT,
			git_branch TEXT,
			git_token_env_key TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT,
			prompt TEXT NOT NULL,
			schedule_mode TEXT NOT NULL,
			scheduled_at TIMESTAMP,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_id TEXT,
			last_run_status TEXT,
			last_run_at TIMESTAMP,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create session tables: %w", err)
		}
	}
	return nil
}

func (r *Repository) initCatalogSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			files TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (scope, user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			transport TEXT NOT NULL DEFAULT 'stdio',
			command TEXT,
			args TEXT,
			url TEXT,
			env TEXT,
			enabled_by_default INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (scope, user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS sub_agents (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			prompt TEXT NOT NULL,
			model TEXT,
			enabled_by_default INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (scope, user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS slash_commands (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			content TEXT NOT NULL,
			enabled_by_default INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (scope, user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS user_env_vars (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL DEFAULT '',
			is_secret INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (scope, user_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS claude_md_docs (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (scope, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_skill_installs (
			user_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, capability_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_mcp_server_installs (
			user_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, capability_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_sub_agent_installs (
			user_id TEXT NOT NULL,
			capability_id TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, capability_id)
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create catalog tables: %w", err)
		}
	}
	return nil
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (r *Repository) runMigrations() error {
	// Export bookkeeping columns arrived after the initial schema
	// (ignore errors when the column already exists).
	_, _ = r.db.Exec(`ALTER TABLE agent_sessions ADD COLUMN workspace_manifest_key TEXT`)
	_, _ = r.db.Exec(`ALTER TABLE agent_sessions ADD COLUMN workspace_archive_key TEXT`)
	_, _ = r.db.Exec(`ALTER TABLE agent_runs ADD COLUMN scheduled_task_id TEXT`)
	_, _ = r.db.Exec(`ALTER TABLE agent_runs ADD COLUMN permission_mode TEXT NOT NULL DEFAULT 'default'`)
	_, _ = r.db.Exec(`ALTER TABLE tool_executions ADD COLUMN result_message_id TEXT`)
	return nil
}

func (r *Repository) ensureIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_runs_claim ON agent_runs(status, schedule_mode, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON agent_runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON agent_sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_sdk ON agent_sessions(sdk_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON agent_messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tools_session ON tool_executions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_inputs_session ON user_input_requests(session_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_logs(session_id)`,
	}
	for _, stmt := range indexes {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// marshalJSON serializes a map column, defaulting to the empty document.
func marshalJSON(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	return marshalAny(m)
}
