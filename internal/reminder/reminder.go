// Package reminder translates Todo deadlines into one-shot scheduler jobs
// (spec §4.10), ported from
// original_source/lifetrace/jobs/deadline_reminder.py.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"lifetrace/internal/clock"
	"lifetrace/internal/logging"
	"lifetrace/internal/scheduler"
	"lifetrace/internal/storage"
)

const (
	// ModuleName and FireSymbol are the {module, symbol} pair every
	// reminder job resolves to via the scheduler's Registry — one
	// registered function serves every todo/offset pair, parameterized
	// entirely through kwargs (spec §4.9 "job function registry").
	ModuleName = "reminder"
	FireSymbol = "fire"

	jobIDPrefix = "todo_reminder_"
)

// Config mirrors jobs.deadline_reminder in the config store.
type Config struct {
	Enabled      bool
	MisfireGrace time.Duration
}

// DefaultConfig returns an enabled planner with a one-minute misfire grace.
// These are not the shipped defaults: default_config.yaml sets
// jobs.deadline_reminder.enabled to false.
func DefaultConfig() Config {
	return Config{Enabled: true, MisfireGrace: time.Minute}
}

// Planner creates, refreshes, and fires todo reminder jobs.
type Planner struct {
	db     *storage.DB
	sched  *scheduler.Scheduler
	clock  clock.Clock
	logger *slog.Logger
}

// New constructs a Planner and registers its fire function against sched's
// registry under ModuleName/FireSymbol.
func New(db *storage.DB, sched *scheduler.Scheduler, registry *scheduler.Registry, clk clock.Clock, logger *slog.Logger) *Planner {
	p := &Planner{
		db:     db,
		sched:  sched,
		clock:  clk,
		logger: logging.Default(logger).With("component", "reminder"),
	}
	registry.Register(ModuleName, FireSymbol, p.fire)
	return p
}

// resolveScheduleTime picks the todo's schedulable instant per item_type
// (spec §4.10 / GLOSSARY): VEVENT prefers dtstart, then start_time, due,
// deadline; everything else (VTODO) prefers due, then deadline, dtstart,
// start_time.
func resolveScheduleTime(t storage.Todo) (time.Time, bool) {
	var candidates []*time.Time
	if strings.EqualFold(t.ItemType, storage.TodoItemVEVENT) {
		candidates = []*time.Time{t.DTStart, t.StartTime, t.Due, t.Deadline}
	} else {
		candidates = []*time.Time{t.Due, t.Deadline, t.DTStart, t.StartTime}
	}
	for _, c := range candidates {
		if c != nil {
			return clock.NaiveAsUTC(*c), true
		}
	}
	return time.Time{}, false
}

func reminderJobID(todoID int64, reminderAt time.Time) string {
	return fmt.Sprintf("%s%d_%d", jobIDPrefix, todoID, reminderAt.Unix())
}

func notificationSource(todoID int64, reminderAt time.Time) string {
	return fmt.Sprintf("todo_reminder:%d:%d", todoID, reminderAt.Unix())
}

// RefreshTodoReminders clears every existing todo_reminder_<id>_* job for
// todo.ID and reschedules from scratch, per offset, applying the spec
// §4.10 three-way grace comparison: an offset whose instant is already
// more than cfg.MisfireGrace in the past is dropped; one within grace is
// caught up to now (fires immediately); one in the future is scheduled as
// a one-shot date job. Returns the number of jobs (re)created.
func (p *Planner) RefreshTodoReminders(ctx context.Context, todo storage.Todo, cfg Config) (int, error) {
	p.removeExistingJobs(todo.ID)

	if todo.Status != storage.TodoStatusActive {
		return 0, nil
	}
	scheduleTime, ok := resolveScheduleTime(todo)
	if !ok || len(todo.ReminderOffsets) == 0 {
		return 0, nil
	}

	now := p.clock.Now()
	created := 0
	for _, offsetMinutes := range sortedOffsets(todo.ReminderOffsets) {
		reminderAt := scheduleTime.Add(-time.Duration(offsetMinutes) * time.Minute)
		fireAt := reminderAt
		if reminderAt.Before(now) || reminderAt.Equal(now) {
			if now.Sub(reminderAt) <= cfg.MisfireGrace {
				fireAt = now // catch up: fire right away
			} else {
				continue // drop: too far in the past
			}
		}

		jobID := reminderJobID(todo.ID, reminderAt)
		kwargs := map[string]any{
			"todo_id":         todo.ID,
			"reminder_at":     reminderAt.Format(time.RFC3339Nano),
			"reminder_offset": offsetMinutes,
		}
		if _, err := p.sched.AddDateJob(jobID, fmt.Sprintf("todo_%d_reminder", todo.ID),
			ModuleName, FireSymbol, fireAt, kwargs, cfg.MisfireGrace); err != nil {
			p.logger.Warn("failed to schedule reminder job", "todo_id", todo.ID, "job_id", jobID, "error", err)
			continue
		}
		created++
	}
	return created, nil
}

// removeExistingJobs removes every todo_reminder_<id>_* job for todoID.
func (p *Planner) removeExistingJobs(todoID int64) int {
	prefix := fmt.Sprintf("%s%d_", jobIDPrefix, todoID)
	removed := 0
	for _, rec := range p.sched.GetAllJobs() {
		if strings.HasPrefix(rec.ID, prefix) {
			if ok, _ := p.sched.RemoveJob(rec.ID); ok {
				removed++
			}
		}
	}
	return removed
}

// SyncAll rebuilds reminder jobs for every active todo with a schedulable
// time, gated by cfg.Enabled (spec §4.10 "jobs.deadline_reminder.enabled").
// Called at startup and whenever the Job Manager resumes the deadline
// reminder job.
func (p *Planner) SyncAll(ctx context.Context, cfg Config) (int, error) {
	if !cfg.Enabled {
		p.logger.Info("deadline reminder disabled, skipping sync")
		return 0, nil
	}
	todos, err := p.db.Todos.List(ctx, storage.TodoStatusActive, 0)
	if err != nil {
		return 0, fmt.Errorf("list active todos: %w", err)
	}

	total := 0
	for _, t := range todos {
		if _, ok := resolveScheduleTime(t); !ok {
			continue
		}
		n, err := p.RefreshTodoReminders(ctx, t, cfg)
		if err != nil {
			p.logger.Warn("refresh reminders failed", "todo_id", t.ID, "error", err)
			continue
		}
		total += n
	}
	p.logger.Info("reminder sync complete", "jobs_created", total)
	return total, nil
}

// fire is the registered {reminder, fire} JobFunc. It re-reads the todo,
// re-verifies it is still active and its schedule hasn't drifted, and
// writes a notification row (spec §4.10). The scheduler keeps the one-shot
// job's record after it runs; only Scheduler.Restore drops date jobs whose
// time has passed.
func (p *Planner) fire(ctx context.Context, kwargs map[string]any) error {
	todoID, err := kwargsInt64(kwargs, "todo_id")
	if err != nil {
		return err
	}
	reminderAtStr, _ := kwargs["reminder_at"].(string)
	reminderAt, err := time.Parse(time.RFC3339Nano, reminderAtStr)
	if err != nil {
		return fmt.Errorf("reminder fire: parse reminder_at %q: %w", reminderAtStr, err)
	}
	offset64, err := kwargsInt64(kwargs, "reminder_offset")
	if err != nil {
		return err
	}
	offset := int(offset64)

	todo, err := p.db.Todos.Get(ctx, todoID)
	if err != nil {
		if err == storage.ErrNotFound {
			p.logger.Info("reminder skipped: todo not found", "todo_id", todoID)
			return nil
		}
		return fmt.Errorf("reminder fire: get todo %d: %w", todoID, err)
	}
	if todo.Status != storage.TodoStatusActive {
		p.logger.Info("reminder skipped: todo not active", "todo_id", todoID)
		return nil
	}

	scheduleTime, ok := resolveScheduleTime(*todo)
	if !ok {
		p.logger.Info("reminder skipped: todo has no schedulable time", "todo_id", todoID)
		return nil
	}

	expected := scheduleTime.Add(-time.Duration(offset) * time.Minute)
	if d := expected.Sub(reminderAt); d > time.Second || d < -time.Second {
		p.logger.Info("reminder skipped: schedule drifted", "todo_id", todoID, "expected", expected, "actual", reminderAt)
		return nil
	}

	source := notificationSource(todoID, reminderAt)
	if existing, err := p.db.Notifications.GetBySource(ctx, source); err == nil {
		if existing.Dismissed {
			p.logger.Debug("reminder skipped: already dismissed", "todo_id", todoID, "source", source)
			return nil
		}
		return nil // already notified for this exact instant
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("reminder fire: check existing notification: %w", err)
	}

	now := p.clock.Now()
	if _, err := p.db.Notifications.Create(ctx, storage.Notification{
		Title:     todo.Name,
		Body:      formatRemaining(scheduleTime, now),
		Source:    source,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("reminder fire: create notification: %w", err)
	}
	p.logger.Info("reminder notification created", "todo_id", todoID, "name", todo.Name, "schedule_time", scheduleTime)
	return nil
}

// kwargsInt64 extracts an integer kwarg regardless of its concrete type.
// Freshly-built kwargs (RefreshTodoReminders) hold plain int/int64; kwargs
// restored from the durable scheduler store (scheduler.Scheduler.Restore)
// come back from msgpack.Unmarshal into map[string]any, and msgpack/v5
// decodes small integers into the narrowest signed/unsigned fixed-width
// type that fits (int8/int16/int32/uint8/...), not int/int64 — every one
// of those widths must be handled or a restored reminder's kwargs silently
// fail their type assertion.
func kwargsInt64(kwargs map[string]any, key string) (int64, error) {
	v, ok := kwargs[key]
	if !ok {
		return 0, fmt.Errorf("reminder: missing kwarg %q", key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("reminder: kwarg %q is not an integer: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("reminder: kwarg %q has unexpected type %T", key, v)
	}
}

// formatRemaining renders the time left until deadline as a coarse,
// human-friendly duration (minutes/hours/days), ported from
// original_source/lifetrace/jobs/deadline_reminder.py's _format_remaining.
func formatRemaining(deadline, now time.Time) string {
	remaining := deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	minutes := int(remaining.Minutes())
	if minutes < 60 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	hours := minutes / 60
	if hours < 24 && minutes%60 == 0 {
		return fmt.Sprintf("%d hours", hours)
	}
	days := hours / 24
	if days >= 1 && hours%24 == 0 {
		return fmt.Sprintf("%d days", days)
	}
	return fmt.Sprintf("%d minutes", minutes)
}

// sortedOffsets returns a sorted copy of offsets so RefreshTodoReminders
// processes them in a deterministic order.
func sortedOffsets(offsets []int) []int {
	out := append([]int(nil), offsets...)
	sort.Ints(out)
	return out
}
