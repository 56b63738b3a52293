package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// OCRManager persists OCRResult rows (spec §4.3, §4.6).
type OCRManager struct {
	db *DB
}

const ocrColumns = "id, screenshot_id, text_content, text_hash, confidence, language, processing_time, created_at"

func scanOCRResult(row interface{ Scan(...any) error }) (*OCRResult, error) {
	var o OCRResult
	var createdAt string
	var textHash sql.NullString
	err := row.Scan(&o.ID, &o.ScreenshotID, &o.TextContent, &textHash, &o.Confidence,
		&o.Language, &o.ProcessingTime, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ocr result: %w", err)
	}
	o.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse ocr result created_at: %w", err)
	}
	if textHash.Valid {
		h := textHash.String
		o.TextHash = &h
	}
	return &o, nil
}

// Add inserts a new OCR result for a screenshot. A screenshot can have at
// most one result (unique on screenshot_id); a duplicate insert returns
// the existing row (spec §7 idempotency).
func (m *OCRManager) Add(ctx context.Context, o OCRResult) (*OCRResult, error) {
	_, err := m.db.conn.ExecContext(ctx, `
		INSERT INTO ocr_results (screenshot_id, text_content, text_hash, confidence, language, processing_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(screenshot_id) DO NOTHING
	`, o.ScreenshotID, o.TextContent, o.TextHash, o.Confidence, o.Language, o.ProcessingTime,
		o.CreatedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("add ocr result for screenshot %d: %w", o.ScreenshotID, err)
	}
	return m.GetByScreenshot(ctx, o.ScreenshotID)
}

// GetByScreenshot returns the OCR result for a screenshot, if any.
func (m *OCRManager) GetByScreenshot(ctx context.Context, screenshotID int64) (*OCRResult, error) {
	row := m.db.conn.QueryRowContext(ctx,
		"SELECT "+ocrColumns+" FROM ocr_results WHERE screenshot_id = ?", screenshotID)
	return scanOCRResult(row)
}

// GetByTextHash returns every OCR result sharing the given normalized-text
// hash (used to find near-duplicate captures).
func (m *OCRManager) GetByTextHash(ctx context.Context, hash string) ([]OCRResult, error) {
	rows, err := m.db.conn.QueryContext(ctx,
		"SELECT "+ocrColumns+" FROM ocr_results WHERE text_hash = ?", hash)
	if err != nil {
		return nil, fmt.Errorf("get ocr results by text hash: %w", err)
	}
	defer rows.Close()

	var result []OCRResult
	for rows.Next() {
		o, err := scanOCRResult(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}
