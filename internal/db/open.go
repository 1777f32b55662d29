// Package db opens the control plane database. SQLite is the default
// backing store; PostgreSQL is supported for multi-node deployments.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteBusyTimeout = 5 * time.Second

// Open opens a database connection for the given driver.
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "sqlite3":
		return openSQLite(dsn)
	case "pgx", "postgres":
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// openSQLite opens a SQLite database tuned for a single-writer workload:
// WAL journaling, FK enforcement and a busy timeout to ride out transient
// locks. The pool is capped at one connection so concurrent claim
// transactions serialize instead of failing with SQLITE_BUSY.
func openSQLite(path string) (*sqlx.DB, error) {
	dsn := path
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		normalized, err := preparePath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		dsn = fmt.Sprintf(
			"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
			normalized,
			int(sqliteBusyTimeout/time.Millisecond),
		)
	}

	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

func openPostgres(dsn string) (*sqlx.DB, error) {
	conn, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return conn, nil
}

func preparePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return abs, nil
}
