package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// TriggerKind distinguishes a recurring interval job from a one-shot date
// job in the durable store.
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerDate     TriggerKind = "date"
)

// JobRecord is the durable row persisted for one scheduled job (spec §4.9
// "Durable job store"). It names the job function by {module, symbol}
// rather than persisting a closure.
type JobRecord struct {
	ID           string
	Name         string
	TriggerKind  TriggerKind
	TriggerSpec  string // duration string for interval, RFC3339 for date
	NextRunTime  time.Time
	Paused       bool
	Module       string
	Symbol       string
	Kwargs       map[string]any
	MisfireGrace time.Duration
}

// store is the scheduler's single-table sqlite-backed durable job store.
// It deliberately bypasses the embedded-migrations machinery in
// internal/storage: this is one table with no schema history to manage,
// so a bare CREATE TABLE IF NOT EXISTS keeps the same durability guarantee
// without the ceremony.
type store struct {
	conn *sql.DB
}

func openStore(path string) (*store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create scheduler db directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open scheduler db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL,
			trigger_kind          TEXT NOT NULL,
			trigger_spec          TEXT NOT NULL,
			next_run_time         TEXT,
			paused                INTEGER NOT NULL DEFAULT 0,
			module                TEXT NOT NULL,
			symbol                TEXT NOT NULL,
			kwargs                BLOB,
			misfire_grace_seconds INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &store{conn: conn}, nil
}

func (s *store) Close() error {
	return s.conn.Close()
}

func (s *store) Upsert(ctx context.Context, r JobRecord) error {
	kwargs, err := msgpack.Marshal(r.Kwargs)
	if err != nil {
		return fmt.Errorf("marshal job kwargs: %w", err)
	}
	var nextRun any
	if !r.NextRunTime.IsZero() {
		nextRun = r.NextRunTime.Format(time.RFC3339Nano)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO jobs (id, name, trigger_kind, trigger_spec, next_run_time, paused, module, symbol, kwargs, misfire_grace_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, trigger_kind = excluded.trigger_kind,
			trigger_spec = excluded.trigger_spec, next_run_time = excluded.next_run_time,
			paused = excluded.paused, module = excluded.module, symbol = excluded.symbol,
			kwargs = excluded.kwargs, misfire_grace_seconds = excluded.misfire_grace_seconds
	`, r.ID, r.Name, string(r.TriggerKind), r.TriggerSpec, nextRun, r.Paused,
		r.Module, r.Symbol, kwargs, int64(r.MisfireGrace/time.Second))
	if err != nil {
		return fmt.Errorf("upsert job %q: %w", r.ID, err)
	}
	return nil
}

func (s *store) SetPaused(ctx context.Context, id string, paused bool) error {
	_, err := s.conn.ExecContext(ctx, "UPDATE jobs SET paused = ? WHERE id = ?", paused, id)
	if err != nil {
		return fmt.Errorf("set paused for job %q: %w", id, err)
	}
	return nil
}

func (s *store) Delete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job %q: %w", id, err)
	}
	return nil
}

func (s *store) List(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, name, trigger_kind, trigger_spec, next_run_time, paused, module, symbol, kwargs, misfire_grace_seconds
		FROM jobs
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []JobRecord
	for rows.Next() {
		var r JobRecord
		var kind, nextRun sql.NullString
		var paused bool
		var kwargs []byte
		var graceSeconds int64
		if err := rows.Scan(&r.ID, &r.Name, &kind, &r.TriggerSpec, &nextRun, &paused,
			&r.Module, &r.Symbol, &kwargs, &graceSeconds); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		r.TriggerKind = TriggerKind(kind.String)
		r.Paused = paused
		r.MisfireGrace = time.Duration(graceSeconds) * time.Second
		if nextRun.Valid && nextRun.String != "" {
			t, err := time.Parse(time.RFC3339Nano, nextRun.String)
			if err != nil {
				return nil, fmt.Errorf("parse next_run_time for job %q: %w", r.ID, err)
			}
			r.NextRunTime = t
		}
		if len(kwargs) > 0 {
			if err := msgpack.Unmarshal(kwargs, &r.Kwargs); err != nil {
				return nil, fmt.Errorf("unmarshal kwargs for job %q: %w", r.ID, err)
			}
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
