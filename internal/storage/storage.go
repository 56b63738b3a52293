// Package storage is LifeTrace's sole persistence layer. Every other
// component reaches the database only through the narrow manager types
// defined here, each bracketing its work in a single transaction — no
// entity is ever handed to a caller across a transaction boundary
// (grounded on the teacher's config store doc comment: "entity objects
// are never handed outside the scope").
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB owns the SQLite connection and exposes one manager per entity group.
type DB struct {
	conn *sql.DB

	Screenshots   *ScreenshotManager
	OCRResults    *OCRManager
	Events        *EventManager
	Activities    *ActivityManager
	Todos         *TodoManager
	TokenUsage    *TokenUsageManager
	Notifications *NotificationManager
}

// Open opens (creating if needed) the SQLite database at path and runs
// pending migrations. SQLite allows only one writer at a time, so the
// connection pool is capped at a single connection (same discipline as
// the teacher's config store).
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db := &DB{conn: conn}
	db.Screenshots = &ScreenshotManager{db: db}
	db.OCRResults = &OCRManager{db: db}
	db.Events = &EventManager{db: db}
	db.Activities = &ActivityManager{db: db}
	db.Todos = &TodoManager{db: db}
	db.TokenUsage = &TokenUsageManager{db: db}
	db.Notifications = &NotificationManager{db: db}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting manager
// methods run either standalone or nested inside a caller's transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a new transaction, committing on success and
// rolling back on any returned error or panic. Every manager's multi-step
// methods use this so a caller can never observe a partially applied
// write (spec's session-scope invariant).
func (d *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
