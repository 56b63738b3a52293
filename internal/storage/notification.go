package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// NotificationManager persists durable, user-dismissible notifications
// (supplemented from original_source's notifications router — the
// reminder planner's fire function needs somewhere durable to write).
type NotificationManager struct {
	db *DB
}

func scanNotification(row interface{ Scan(...any) error }) (*Notification, error) {
	var n Notification
	var createdAt string
	err := row.Scan(&n.ID, &n.Title, &n.Body, &n.Source, &n.Dismissed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse notification created_at: %w", err)
	}
	return &n, nil
}

// Create inserts a new notification.
func (m *NotificationManager) Create(ctx context.Context, n Notification) (*Notification, error) {
	res, err := m.db.conn.ExecContext(ctx, `
		INSERT INTO notifications (title, body, source, dismissed, created_at)
		VALUES (?, ?, ?, 0, ?)
	`, n.Title, n.Body, n.Source, n.CreatedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}
	row := m.db.conn.QueryRowContext(ctx,
		"SELECT id, title, body, source, dismissed, created_at FROM notifications WHERE id = ?", id)
	return scanNotification(row)
}

// ListUndismissed returns every notification that hasn't been dismissed,
// newest first.
func (m *NotificationManager) ListUndismissed(ctx context.Context) ([]Notification, error) {
	rows, err := m.db.conn.QueryContext(ctx, `
		SELECT id, title, body, source, dismissed, created_at FROM notifications
		WHERE dismissed = 0 ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list undismissed notifications: %w", err)
	}
	defer rows.Close()

	var result []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}

// GetBySource returns the most recent notification created with the given
// source tag, or ErrNotFound if none exists. The reminder planner encodes a
// dedupe key into source (spec §4.10 "already dismissed" idempotence check)
// so a misfired or re-synced reminder job can tell whether this exact
// instant was already notified or dismissed.
func (m *NotificationManager) GetBySource(ctx context.Context, source string) (*Notification, error) {
	row := m.db.conn.QueryRowContext(ctx, `
		SELECT id, title, body, source, dismissed, created_at FROM notifications
		WHERE source = ? ORDER BY created_at DESC LIMIT 1
	`, source)
	return scanNotification(row)
}

// Dismiss marks a notification as dismissed.
func (m *NotificationManager) Dismiss(ctx context.Context, id int64) error {
	res, err := m.db.conn.ExecContext(ctx, "UPDATE notifications SET dismissed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("dismiss notification %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dismiss notification %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
