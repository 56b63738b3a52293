package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EventManager implements the Event Store state machine (spec §4.7): at
// most one active event (end_time IS NULL) exists process-wide at a time.
type EventManager struct {
	db *DB
}

const eventColumns = "id, app_name, window_title, start_time, end_time, ai_title, ai_summary"

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var e Event
	var startTime string
	var endTime, aiTitle, aiSummary sql.NullString
	err := row.Scan(&e.ID, &e.AppName, &e.WindowTitle, &startTime, &endTime, &aiTitle, &aiSummary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	e.StartTime, err = parseTime(startTime)
	if err != nil {
		return nil, fmt.Errorf("parse event start_time: %w", err)
	}
	if endTime.Valid {
		t, err := parseTime(endTime.String)
		if err != nil {
			return nil, fmt.Errorf("parse event end_time: %w", err)
		}
		e.EndTime = &t
	}
	if aiTitle.Valid {
		v := aiTitle.String
		e.AITitle = &v
	}
	if aiSummary.Valid {
		v := aiSummary.String
		e.AISummary = &v
	}
	return &e, nil
}

// GetOrCreateEvent implements the §4.7 state transition: if the currently
// active event matches (app, title), its end_time is refreshed to now and
// its id is returned; otherwise the active event (if any) is closed and a
// new active event is created starting at now. Runs inside one
// transaction so concurrent capture ticks across screens cannot both
// create a new active event.
func (m *EventManager) GetOrCreateEvent(ctx context.Context, app, title string, now time.Time) (*Event, error) {
	var result *Event
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		active, err := queryActiveEvent(ctx, tx)
		if err != nil {
			return err
		}
		if active != nil && active.AppName == app && active.WindowTitle == title {
			if _, err := tx.ExecContext(ctx, "UPDATE events SET end_time = ? WHERE id = ?",
				now.Format(timeFormat), active.ID); err != nil {
				return fmt.Errorf("refresh active event %d: %w", active.ID, err)
			}
			active.EndTime = &now
			result = active
			return nil
		}

		if active != nil {
			if _, err := tx.ExecContext(ctx, "UPDATE events SET end_time = ? WHERE id = ?",
				now.Format(timeFormat), active.ID); err != nil {
				return fmt.Errorf("close active event %d: %w", active.ID, err)
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (app_name, window_title, start_time, end_time)
			VALUES (?, ?, ?, NULL)
		`, app, title, now.Format(timeFormat))
		if err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		result = &Event{ID: id, AppName: app, WindowTitle: title, StartTime: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseActiveEvent closes whatever event is active, if any. Idempotent:
// calling it with no active event is a no-op.
func (m *EventManager) CloseActiveEvent(ctx context.Context, now time.Time) error {
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		active, err := queryActiveEvent(ctx, tx)
		if err != nil {
			return err
		}
		if active == nil {
			return nil
		}
		_, err = tx.ExecContext(ctx, "UPDATE events SET end_time = ? WHERE id = ?",
			now.Format(timeFormat), active.ID)
		if err != nil {
			return fmt.Errorf("close active event %d: %w", active.ID, err)
		}
		return nil
	})
}

func queryActiveEvent(ctx context.Context, tx *sql.Tx) (*Event, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE end_time IS NULL ORDER BY id DESC LIMIT 1")
	e, err := scanEvent(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active event: %w", err)
	}
	return e, nil
}

// AddScreenshotToEvent links a screenshot to an event.
func (m *EventManager) AddScreenshotToEvent(ctx context.Context, screenshotID, eventID int64) error {
	_, err := m.db.conn.ExecContext(ctx,
		"UPDATE screenshots SET event_id = ? WHERE id = ?", eventID, screenshotID)
	if err != nil {
		return fmt.Errorf("add screenshot %d to event %d: %w", screenshotID, eventID, err)
	}
	return nil
}

// GetScreenshots returns every screenshot linked to an event, oldest first.
func (m *EventManager) GetScreenshots(ctx context.Context, eventID int64) ([]Screenshot, error) {
	rows, err := m.db.conn.QueryContext(ctx,
		"SELECT "+screenshotColumns+" FROM screenshots WHERE event_id = ? ORDER BY created_at ASC", eventID)
	if err != nil {
		return nil, fmt.Errorf("get screenshots for event %d: %w", eventID, err)
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

// GetSummary returns an event's AI-written title and summary, if set.
func (m *EventManager) GetSummary(ctx context.Context, eventID int64) (title, summary string, err error) {
	var t, s sql.NullString
	err = m.db.conn.QueryRowContext(ctx,
		"SELECT ai_title, ai_summary FROM events WHERE id = ?", eventID).Scan(&t, &s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("get summary for event %d: %w", eventID, err)
	}
	return t.String, s.String, nil
}

// SetSummary writes the AI-generated title/summary for an event. Called
// by the activity aggregator's summary oracle hook, not by the event
// store itself.
func (m *EventManager) SetSummary(ctx context.Context, eventID int64, title, summary string) error {
	_, err := m.db.conn.ExecContext(ctx,
		"UPDATE events SET ai_title = ?, ai_summary = ? WHERE id = ?", title, summary, eventID)
	if err != nil {
		return fmt.Errorf("set summary for event %d: %w", eventID, err)
	}
	return nil
}

// GetByID returns a single event by id.
func (m *EventManager) GetByID(ctx context.Context, id int64) (*Event, error) {
	row := m.db.conn.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	return scanEvent(row)
}
