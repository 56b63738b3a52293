package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ActivityManager persists Activity rows and their event links (spec
// §4.3, §4.8).
type ActivityManager struct {
	db *DB
}

const activityColumns = "id, start_time, end_time, ai_title, ai_summary, event_count"

func scanActivity(row interface{ Scan(...any) error }) (*Activity, error) {
	var a Activity
	var startTime, endTime string
	err := row.Scan(&a.ID, &startTime, &endTime, &a.AITitle, &a.AISummary, &a.EventCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan activity: %w", err)
	}
	if a.StartTime, err = parseTime(startTime); err != nil {
		return nil, fmt.Errorf("parse activity start_time: %w", err)
	}
	if a.EndTime, err = parseTime(endTime); err != nil {
		return nil, fmt.Errorf("parse activity end_time: %w", err)
	}
	return &a, nil
}

// ActivityExistsForTimeWindow reports whether an activity already covers
// [start, end) exactly (spec §4.8 step 5 idempotence check).
func (m *ActivityManager) ActivityExistsForTimeWindow(ctx context.Context, start, end time.Time) (bool, error) {
	return m.existsForTimeWindowTx(ctx, nil, start, end)
}

func (m *ActivityManager) existsForTimeWindowTx(ctx context.Context, tx *sql.Tx, start, end time.Time) (bool, error) {
	q := querier(m.db.conn)
	if tx != nil {
		q = tx
	}
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT count(*) FROM activities WHERE start_time = ? AND end_time = ?",
		start.Format(timeFormat), end.Format(timeFormat)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check activity exists for window: %w", err)
	}
	return n > 0, nil
}

// ActivityOverlapsWithEvent reports whether any activity's [start,end)
// overlaps the event's [start,end) span (spec §4.8 step 4, long-event
// overlap check).
func (m *ActivityManager) ActivityOverlapsWithEvent(ctx context.Context, eventStart, eventEnd time.Time) (bool, error) {
	return m.overlapsWithEventTx(ctx, nil, eventStart, eventEnd)
}

func (m *ActivityManager) overlapsWithEventTx(ctx context.Context, tx *sql.Tx, eventStart, eventEnd time.Time) (bool, error) {
	q := querier(m.db.conn)
	if tx != nil {
		q = tx
	}
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT count(*) FROM activities
		WHERE start_time < ? AND end_time > ?
	`, eventEnd.Format(timeFormat), eventStart.Format(timeFormat)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check activity overlaps event: %w", err)
	}
	return n > 0, nil
}

// ActivityExistsForEvent reports whether the event is already linked to
// an activity.
func (m *ActivityManager) ActivityExistsForEvent(ctx context.Context, eventID int64) (bool, error) {
	return m.existsForEventTx(ctx, nil, eventID)
}

func (m *ActivityManager) existsForEventTx(ctx context.Context, tx *sql.Tx, eventID int64) (bool, error) {
	q := querier(m.db.conn)
	if tx != nil {
		q = tx
	}
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT count(*) FROM activity_events WHERE event_id = ?", eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check activity exists for event %d: %w", eventID, err)
	}
	return n > 0, nil
}

// Create inserts an activity and links eventIDs to it, all inside one
// transaction with the existence checks re-verified under the write lock
// so concurrent aggregator ticks cannot double-create (spec §4.8
// idempotence).
func (m *ActivityManager) Create(ctx context.Context, a Activity, eventIDs []int64) (*Activity, error) {
	var result *Activity
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		exists, err := m.existsForTimeWindowTx(ctx, tx, a.StartTime, a.EndTime)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("storage: activity already exists for window [%s, %s)",
				a.StartTime.Format(timeFormat), a.EndTime.Format(timeFormat))
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO activities (start_time, end_time, ai_title, ai_summary, event_count)
			VALUES (?, ?, ?, ?, ?)
		`, a.StartTime.Format(timeFormat), a.EndTime.Format(timeFormat), a.AITitle, a.AISummary, len(eventIDs))
		if err != nil {
			return fmt.Errorf("create activity: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create activity: %w", err)
		}

		for _, eid := range eventIDs {
			linked, err := m.existsForEventTx(ctx, tx, eid)
			if err != nil {
				return err
			}
			if linked {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO activity_events (activity_id, event_id) VALUES (?, ?)", id, eid); err != nil {
				return fmt.Errorf("link event %d to activity %d: %w", eid, id, err)
			}
		}

		a.ID = id
		a.EventCount = len(eventIDs)
		result = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetActivityEvents returns the events linked to an activity.
func (m *ActivityManager) GetActivityEvents(ctx context.Context, activityID int64) ([]Event, error) {
	rows, err := m.db.conn.QueryContext(ctx, `
		SELECT e.id, e.app_name, e.window_title, e.start_time, e.end_time, e.ai_title, e.ai_summary
		FROM events e
		JOIN activity_events ae ON ae.event_id = e.id
		WHERE ae.activity_id = ?
		ORDER BY e.start_time ASC
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("get activity events for %d: %w", activityID, err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

// GetUnprocessedEvents returns closed events ending at or after since that
// are not yet linked to any activity, oldest first — the aggregator's
// window intake query (spec §4.8 step 2).
func (m *ActivityManager) GetUnprocessedEvents(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := m.db.conn.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events e
		WHERE e.end_time IS NOT NULL AND e.end_time >= ?
		  AND NOT EXISTS (SELECT 1 FROM activity_events ae WHERE ae.event_id = e.id)
		ORDER BY e.start_time ASC
	`, since.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("get unprocessed events since %s: %w", since, err)
	}
	defer rows.Close()

	var result []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}
