package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by manager Get* methods when no row matches.
var ErrNotFound = errors.New("storage: not found")

// ScreenshotManager persists Screenshot rows (spec §4.3).
type ScreenshotManager struct {
	db *DB
}

const screenshotColumns = "id, file_path, file_hash, width, height, screen_id, app_name, window_title, created_at, file_deleted, event_id"

func scanScreenshot(row interface{ Scan(...any) error }) (*Screenshot, error) {
	var s Screenshot
	var createdAt string
	var eventID sql.NullInt64
	err := row.Scan(&s.ID, &s.FilePath, &s.FileHash, &s.Width, &s.Height, &s.ScreenID,
		&s.AppName, &s.WindowTitle, &createdAt, &s.FileDeleted, &eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan screenshot: %w", err)
	}
	s.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse screenshot created_at: %w", err)
	}
	if eventID.Valid {
		id := eventID.Int64
		s.EventID = &id
	}
	return &s, nil
}

// Add inserts a new screenshot row. A prior row with the same FilePath
// wins (spec §7 idempotency): the existing row is returned instead of
// erroring.
func (m *ScreenshotManager) Add(ctx context.Context, s Screenshot) (*Screenshot, error) {
	_, err := m.db.conn.ExecContext(ctx, `
		INSERT INTO screenshots (file_path, file_hash, width, height, screen_id, app_name, window_title, created_at, file_deleted, event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO NOTHING
	`, s.FilePath, s.FileHash, s.Width, s.Height, s.ScreenID, s.AppName, s.WindowTitle,
		s.CreatedAt.Format(timeFormat), s.FileDeleted, nullableInt64(s.EventID))
	if err != nil {
		return nil, fmt.Errorf("add screenshot %q: %w", s.FilePath, err)
	}
	return m.GetByPath(ctx, s.FilePath)
}

// GetByPath looks up a screenshot by its file path.
func (m *ScreenshotManager) GetByPath(ctx context.Context, path string) (*Screenshot, error) {
	row := m.db.conn.QueryRowContext(ctx,
		"SELECT "+screenshotColumns+" FROM screenshots WHERE file_path = ?", path)
	return scanScreenshot(row)
}

// GetByID looks up a screenshot by its primary key.
func (m *ScreenshotManager) GetByID(ctx context.Context, id int64) (*Screenshot, error) {
	row := m.db.conn.QueryRowContext(ctx,
		"SELECT "+screenshotColumns+" FROM screenshots WHERE id = ?", id)
	return scanScreenshot(row)
}

// Count returns the number of screenshot rows, optionally excluding those
// whose backing file has already been deleted.
func (m *ScreenshotManager) Count(ctx context.Context, excludeDeleted bool) (int, error) {
	query := "SELECT count(*) FROM screenshots"
	if excludeDeleted {
		query += " WHERE file_deleted = 0"
	}
	var n int
	if err := m.db.conn.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count screenshots: %w", err)
	}
	return n, nil
}

// MarkFileDeleted flags a screenshot's backing file as gone without
// deleting the row (spec §3: "a row may outlive its file ... but never
// vice versa").
func (m *ScreenshotManager) MarkFileDeleted(ctx context.Context, id int64) error {
	_, err := m.db.conn.ExecContext(ctx,
		"UPDATE screenshots SET file_deleted = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("mark screenshot %d file deleted: %w", id, err)
	}
	return nil
}

// IterNewestUnprocessed returns up to limit screenshots that have not yet
// been OCR'd (no matching ocr_results row), newest first — the OCR
// worker's (C6) intake query (spec §4.6 "ordered newest first", spec §5
// "OCR processing order is newest-first").
func (m *ScreenshotManager) IterNewestUnprocessed(ctx context.Context, limit int) ([]Screenshot, error) {
	rows, err := m.db.conn.QueryContext(ctx, `
		SELECT `+screenshotColumns+` FROM screenshots s
		WHERE NOT EXISTS (SELECT 1 FROM ocr_results o WHERE o.screenshot_id = s.id)
		  AND s.file_deleted = 0
		ORDER BY s.created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("iter newest unprocessed screenshots: %w", err)
	}
	defer rows.Close()

	var result []Screenshot
	for rows.Next() {
		s, err := scanScreenshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// ListOldestExcess returns the oldest `count` not-yet-deleted screenshots,
// ordered oldest first — the retention job's (C11
// clean_data_job) "trim by count" query (spec §3 "Lifecycles",
// original_source/lifetrace/jobs/clean_data.py's _clean_by_count).
func (m *ScreenshotManager) ListOldestExcess(ctx context.Context, count int) ([]Screenshot, error) {
	if count <= 0 {
		return nil, nil
	}
	rows, err := m.db.conn.QueryContext(ctx, `
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE file_deleted = 0
		ORDER BY created_at ASC
		LIMIT ?
	`, count)
	if err != nil {
		return nil, fmt.Errorf("list oldest excess screenshots: %w", err)
	}
	defer rows.Close()
	return scanScreenshots(rows)
}

// ListOlderThan returns every not-yet-deleted screenshot created before
// cutoff — the retention job's "trim by age" query (spec §3 "Lifecycles",
// original_source/lifetrace/jobs/clean_data.py's _clean_by_date).
func (m *ScreenshotManager) ListOlderThan(ctx context.Context, cutoff time.Time) ([]Screenshot, error) {
	rows, err := m.db.conn.QueryContext(ctx, `
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE file_deleted = 0 AND created_at < ?
		ORDER BY created_at ASC
	`, cutoff.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("list screenshots older than %s: %w", cutoff, err)
	}
	defer rows.Close()
	return scanScreenshots(rows)
}

func scanScreenshots(rows *sql.Rows) ([]Screenshot, error) {
	var result []Screenshot
	for rows.Next() {
		s, err := scanScreenshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

// Delete hard-deletes a screenshot row (used when
// jobs.clean_data.delete_file_only is false).
func (m *ScreenshotManager) Delete(ctx context.Context, id int64) error {
	_, err := m.db.conn.ExecContext(ctx, "DELETE FROM screenshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete screenshot %d: %w", id, err)
	}
	return nil
}

// SetEvent associates a screenshot with an event. Nothing in this
// repository calls it; the capture pipeline links screenshots through
// EventManager.AddScreenshotToEvent.
func (m *ScreenshotManager) SetEvent(ctx context.Context, tx *sql.Tx, screenshotID, eventID int64) error {
	exec := querier(tx)
	if tx == nil {
		exec = m.db.conn
	}
	_, err := exec.ExecContext(ctx, "UPDATE screenshots SET event_id = ? WHERE id = ?", eventID, screenshotID)
	if err != nil {
		return fmt.Errorf("set screenshot %d event %d: %w", screenshotID, eventID, err)
	}
	return nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
