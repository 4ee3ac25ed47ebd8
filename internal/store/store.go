// Package store provides the embedded SQLite persistence layer for
// ledgersync.
//
// The database runs in embedded mode with WAL for concurrency: the
// scheduler's background tasks and the dashboard's read endpoints share
// one file without blocking each other.
//
// Tables:
//   - transactions: the locally mirrored remote transactions
//   - push_queue:   pending outbound category/tag mutations
//   - sync_progress: resumable full-history sync state, one row per owner
//   - usage_windows: hourly API call counters
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// If the database doesn't exist it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		amount_cents INTEGER NOT NULL DEFAULT 0,
		date TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		tags TEXT,  -- JSON array
		sync_status TEXT NOT NULL DEFAULT 'synced',
		remote_updated_at TEXT,
		payload TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS push_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt TEXT,
		scheduled_for TEXT,
		error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_progress (
		owner TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'idle',
		last_synced_cursor TEXT,
		last_synced_date TEXT,
		total_synced INTEGER NOT NULL DEFAULT 0,
		current_batch INTEGER NOT NULL DEFAULT 0,
		since_horizon TEXT,
		started_at TEXT,
		completed_at TEXT,
		error TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS usage_windows (
		window_start TEXT PRIMARY KEY,
		calls_used INTEGER NOT NULL DEFAULT 0,
		calls_limit INTEGER NOT NULL
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_txn_account ON transactions(account_id);
	CREATE INDEX IF NOT EXISTS idx_txn_date ON transactions(date);
	CREATE INDEX IF NOT EXISTS idx_txn_sync_status ON transactions(sync_status);

	-- Composite index for batch selection (pending first, then retryable)
	CREATE INDEX IF NOT EXISTS idx_queue_selection
	    ON push_queue(status, scheduled_for, created_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// stringToNullString maps "" to NULL.
func stringToNullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: v, Valid: true}
}
