package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// TodoManager persists Todo rows (spec §3 "Todo", §4.10).
type TodoManager struct {
	db *DB
}

const todoColumns = "id, name, description, status, due, start_time, deadline, dtstart, item_type, reminder_offsets, user_notes, priority, tags, created_at, updated_at"

func scanTodo(row interface{ Scan(...any) error }) (*Todo, error) {
	var t Todo
	var due, startTime, deadline, dtstart sql.NullString
	var reminderOffsetsJSON, tagsJSON string
	var createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Status, &due, &startTime, &deadline,
		&dtstart, &t.ItemType, &reminderOffsetsJSON, &t.UserNotes, &t.Priority, &tagsJSON,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan todo: %w", err)
	}

	if t.Due, err = parseNullableTime(nullStringPtr(due)); err != nil {
		return nil, fmt.Errorf("parse todo due: %w", err)
	}
	if t.StartTime, err = parseNullableTime(nullStringPtr(startTime)); err != nil {
		return nil, fmt.Errorf("parse todo start_time: %w", err)
	}
	if t.Deadline, err = parseNullableTime(nullStringPtr(deadline)); err != nil {
		return nil, fmt.Errorf("parse todo deadline: %w", err)
	}
	if t.DTStart, err = parseNullableTime(nullStringPtr(dtstart)); err != nil {
		return nil, fmt.Errorf("parse todo dtstart: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse todo created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse todo updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(reminderOffsetsJSON), &t.ReminderOffsets); err != nil {
		return nil, fmt.Errorf("unmarshal todo reminder_offsets: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal todo tags: %w", err)
	}
	return &t, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// Create inserts a new todo.
func (m *TodoManager) Create(ctx context.Context, t Todo) (*Todo, error) {
	reminderOffsetsJSON, err := json.Marshal(t.ReminderOffsets)
	if err != nil {
		return nil, fmt.Errorf("marshal reminder_offsets: %w", err)
	}
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}

	res, err := m.db.conn.ExecContext(ctx, `
		INSERT INTO todos (name, description, status, due, start_time, deadline, dtstart,
			item_type, reminder_offsets, user_notes, priority, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Name, t.Description, t.Status, formatNullableTime(t.Due), formatNullableTime(t.StartTime),
		formatNullableTime(t.Deadline), formatNullableTime(t.DTStart), t.ItemType,
		string(reminderOffsetsJSON), t.UserNotes, t.Priority, string(tagsJSON),
		t.CreatedAt.Format(timeFormat), t.UpdatedAt.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create todo %q: %w", t.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create todo %q: %w", t.Name, err)
	}
	return m.Get(ctx, id)
}

// Update overwrites every mutable field of an existing todo.
func (m *TodoManager) Update(ctx context.Context, t Todo) error {
	reminderOffsetsJSON, err := json.Marshal(t.ReminderOffsets)
	if err != nil {
		return fmt.Errorf("marshal reminder_offsets: %w", err)
	}
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	res, err := m.db.conn.ExecContext(ctx, `
		UPDATE todos SET name = ?, description = ?, status = ?, due = ?, start_time = ?,
			deadline = ?, dtstart = ?, item_type = ?, reminder_offsets = ?, user_notes = ?,
			priority = ?, tags = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, t.Description, t.Status, formatNullableTime(t.Due), formatNullableTime(t.StartTime),
		formatNullableTime(t.Deadline), formatNullableTime(t.DTStart), t.ItemType,
		string(reminderOffsetsJSON), t.UserNotes, t.Priority, string(tagsJSON),
		t.UpdatedAt.Format(timeFormat), t.ID)
	if err != nil {
		return fmt.Errorf("update todo %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update todo %d: %w", t.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a todo.
func (m *TodoManager) Delete(ctx context.Context, id int64) error {
	res, err := m.db.conn.ExecContext(ctx, "DELETE FROM todos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete todo %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete todo %d: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns a single todo by id.
func (m *TodoManager) Get(ctx context.Context, id int64) (*Todo, error) {
	row := m.db.conn.QueryRowContext(ctx, "SELECT "+todoColumns+" FROM todos WHERE id = ?", id)
	return scanTodo(row)
}

// List returns todos filtered by status (empty string = all statuses),
// newest first, capped at limit (0 = unbounded).
func (m *TodoManager) List(ctx context.Context, status string, limit int) ([]Todo, error) {
	query := "SELECT " + todoColumns + " FROM todos"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	var result []Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// GetActiveTodosForPrompt returns every active todo with a schedulable
// time (due, start_time, deadline or dtstart set), ordered by deadline —
// the set an LLM collaborator would be given as context.
func (m *TodoManager) GetActiveTodosForPrompt(ctx context.Context) ([]Todo, error) {
	rows, err := m.db.conn.QueryContext(ctx, `
		SELECT `+todoColumns+` FROM todos
		WHERE status = ? AND (due IS NOT NULL OR start_time IS NOT NULL
			OR deadline IS NOT NULL OR dtstart IS NOT NULL)
		ORDER BY deadline ASC
	`, TodoStatusActive)
	if err != nil {
		return nil, fmt.Errorf("get active todos for prompt: %w", err)
	}
	defer rows.Close()

	var result []Todo
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}
