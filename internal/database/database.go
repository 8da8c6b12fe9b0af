package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	core
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("open db: sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite prefers a single writer; every query shares one connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	db := &DB{core: core{
		conn:       conn,
		rebind:     func(q string) string { return q },
		isConflict: isSQLiteConflict,
	}}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false for SQLite.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		city TEXT NOT NULL,
		theater_slug TEXT NOT NULL,
		theater_code TEXT NOT NULL,
		target_date TEXT NOT NULL,
		movie_name TEXT NOT NULL,
		movie_key TEXT NOT NULL,
		owner_contact TEXT NOT NULL,
		notify_new_movie INTEGER NOT NULL DEFAULT 1,
		notify_new_showtime INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		last_match TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		deactivated_at INTEGER,
		deactivated_reason TEXT NOT NULL DEFAULT '',
		checked_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_active_unique
		ON subscriptions(owner_contact, theater_code, target_date, movie_key) WHERE status = 'ACTIVE';
	CREATE INDEX IF NOT EXISTS idx_subscriptions_target ON subscriptions(theater_code, target_date, status);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_owner ON subscriptions(owner_contact);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		subscription_id TEXT NOT NULL REFERENCES subscriptions(id),
		kind TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		event_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		sent_at INTEGER,
		delivery_status TEXT NOT NULL DEFAULT 'PENDING',
		last_error TEXT NOT NULL DEFAULT '',
		queued INTEGER NOT NULL DEFAULT 1,
		claimed_until INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_queue ON notifications(delivery_status, queued, created_at);
	CREATE INDEX IF NOT EXISTS idx_notifications_event ON notifications(subscription_id, kind, event_key);

	CREATE TABLE IF NOT EXISTS snapshot_cache (
		target_key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

func isSQLiteConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
