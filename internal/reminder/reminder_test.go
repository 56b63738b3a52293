package reminder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"lifetrace/internal/clock"
	"lifetrace/internal/scheduler"
	"lifetrace/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "lifetrace.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestPlanner(t *testing.T, fc *clock.Fake) (*Planner, *storage.DB) {
	t.Helper()
	db := openTestDB(t)
	reg := scheduler.NewRegistry()
	sched, err := scheduler.New(filepath.Join(t.TempDir(), "scheduler.db"), reg, fc, nil, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched.Stop(ctx)
	})
	p := New(db, sched, reg, fc, nil)
	return p, db
}

func activeTodo(t *testing.T, db *storage.DB, name string, due time.Time, offsets []int) storage.Todo {
	t.Helper()
	now := time.Now().UTC()
	got, err := db.Todos.Create(context.Background(), storage.Todo{
		Name: name, Status: storage.TodoStatusActive, ItemType: storage.TodoItemVTODO,
		Due: &due, ReminderOffsets: offsets, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create todo: %v", err)
	}
	return *got
}

func TestResolveScheduleTimePrefersDueForVTODO(t *testing.T) {
	due := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	deadline := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	todo := storage.Todo{ItemType: storage.TodoItemVTODO, Due: &due, Deadline: &deadline}
	got, ok := resolveScheduleTime(todo)
	if !ok || !got.Equal(due) {
		t.Fatalf("got %v, ok=%v, want %v", got, ok, due)
	}
}

func TestResolveScheduleTimePrefersDTStartForVEVENT(t *testing.T) {
	dtstart := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	due := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	todo := storage.Todo{ItemType: storage.TodoItemVEVENT, DTStart: &dtstart, Due: &due}
	got, ok := resolveScheduleTime(todo)
	if !ok || !got.Equal(dtstart) {
		t.Fatalf("got %v, ok=%v, want %v", got, ok, dtstart)
	}
}

func TestResolveScheduleTimeNoneSet(t *testing.T) {
	if _, ok := resolveScheduleTime(storage.Todo{ItemType: storage.TodoItemVTODO}); ok {
		t.Error("expected ok=false with no time fields set")
	}
}

func TestRefreshTodoRemindersSchedulesFutureOffset(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(2 * time.Hour)
	todo := activeTodo(t, db, "Pay rent", due, []int{60})

	n, err := p.RefreshTodoReminders(context.Background(), todo, DefaultConfig())
	if err != nil {
		t.Fatalf("RefreshTodoReminders: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job created, got %d", n)
	}

	jobs := p.sched.GetAllJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 scheduler job, got %d", len(jobs))
	}
	wantAt := due.Add(-60 * time.Minute)
	if !jobs[0].NextRunTime.Equal(wantAt) {
		t.Errorf("job fires at %v, want %v", jobs[0].NextRunTime, wantAt)
	}
}

func TestRefreshTodoRemindersDropsFarPastOffset(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	// due 2 hours ago, offset 60 minutes -> reminder instant is 3 hours
	// in the past, far beyond the default 1-minute grace: dropped.
	due := fc.Now().Add(-2 * time.Hour)
	todo := activeTodo(t, db, "Stale todo", due, []int{60})

	n, err := p.RefreshTodoReminders(context.Background(), todo, DefaultConfig())
	if err != nil {
		t.Fatalf("RefreshTodoReminders: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 jobs created for a far-past offset, got %d", n)
	}
}

func TestRefreshTodoRemindersCatchesUpWithinGrace(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	// reminder instant is 30s in the past, within the default 1-minute
	// grace: should be scheduled to fire now instead of being dropped.
	due := fc.Now().Add(30 * time.Second)
	todo := activeTodo(t, db, "Almost due", due, []int{1})

	n, err := p.RefreshTodoReminders(context.Background(), todo, DefaultConfig())
	if err != nil {
		t.Fatalf("RefreshTodoReminders: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 caught-up job, got %d", n)
	}
	jobs := p.sched.GetAllJobs()
	if !jobs[0].NextRunTime.Equal(fc.Now()) {
		t.Errorf("caught-up job should fire at now (%v), got %v", fc.Now(), jobs[0].NextRunTime)
	}
}

func TestRefreshTodoRemindersClearsExistingJobsFirst(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(2 * time.Hour)
	todo := activeTodo(t, db, "Todo", due, []int{60, 90})
	if _, err := p.RefreshTodoReminders(context.Background(), todo, DefaultConfig()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if got := len(p.sched.GetAllJobs()); got != 2 {
		t.Fatalf("expected 2 jobs after first refresh, got %d", got)
	}

	// Refresh again with a single offset: the prior two jobs must be
	// removed, leaving exactly one.
	todo.ReminderOffsets = []int{60}
	if _, err := p.RefreshTodoReminders(context.Background(), todo, DefaultConfig()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got := len(p.sched.GetAllJobs()); got != 1 {
		t.Fatalf("expected 1 job after second refresh, got %d", got)
	}
}

func TestRefreshTodoRemindersSkipsInactiveTodo(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(time.Hour)
	todo := activeTodo(t, db, "Done todo", due, []int{10})
	todo.Status = storage.TodoStatusDone

	n, err := p.RefreshTodoReminders(context.Background(), todo, DefaultConfig())
	if err != nil {
		t.Fatalf("RefreshTodoReminders: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 jobs for a non-active todo, got %d", n)
	}
}

func TestSyncAllSkipsWhenDisabled(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(time.Hour)
	activeTodo(t, db, "Todo", due, []int{10})

	n, err := p.SyncAll(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 jobs when disabled, got %d", n)
	}
}

func TestSyncAllSchedulesAllActiveTodos(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	activeTodo(t, db, "A", fc.Now().Add(time.Hour), []int{10})
	activeTodo(t, db, "B", fc.Now().Add(2*time.Hour), []int{10, 20})

	n, err := p.SyncAll(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 jobs total, got %d", n)
	}
}

func TestFireCreatesNotificationWhenOnSchedule(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(time.Hour)
	todo := activeTodo(t, db, "Fire me", due, []int{60})

	reminderAt := due.Add(-60 * time.Minute)
	err := p.fire(context.Background(), map[string]any{
		"todo_id":         todo.ID,
		"reminder_at":     reminderAt.Format(time.RFC3339Nano),
		"reminder_offset": 60,
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}

	notes, err := db.Notifications.ListUndismissed(context.Background())
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notes))
	}
	if notes[0].Title != "Fire me" {
		t.Errorf("notification title = %q, want %q", notes[0].Title, "Fire me")
	}
}

func TestFireSkipsWhenTodoNoLongerActive(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(time.Hour)
	todo := activeTodo(t, db, "Done already", due, []int{60})
	todo.Status = storage.TodoStatusDone
	if err := db.Todos.Update(context.Background(), todo); err != nil {
		t.Fatalf("update todo: %v", err)
	}

	reminderAt := due.Add(-60 * time.Minute)
	err := p.fire(context.Background(), map[string]any{
		"todo_id":         todo.ID,
		"reminder_at":     reminderAt.Format(time.RFC3339Nano),
		"reminder_offset": 60,
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	notes, err := db.Notifications.ListUndismissed(context.Background())
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("expected no notification for a non-active todo, got %d", len(notes))
	}
}

func TestFireSkipsOnScheduleDrift(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(time.Hour)
	todo := activeTodo(t, db, "Rescheduled", due, []int{60})

	// reminder_at doesn't match due-60m anymore (e.g. the todo's due time
	// changed after the job was scheduled): must be skipped, not fired.
	staleReminderAt := due.Add(-30 * time.Minute)
	err := p.fire(context.Background(), map[string]any{
		"todo_id":         todo.ID,
		"reminder_at":     staleReminderAt.Format(time.RFC3339Nano),
		"reminder_offset": 60,
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	notes, err := db.Notifications.ListUndismissed(context.Background())
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("expected no notification when schedule drifted, got %d", len(notes))
	}
}

func TestFireIsIdempotentForSameInstant(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(time.Hour)
	todo := activeTodo(t, db, "Twice", due, []int{60})
	reminderAt := due.Add(-60 * time.Minute)
	kwargs := map[string]any{
		"todo_id":         todo.ID,
		"reminder_at":     reminderAt.Format(time.RFC3339Nano),
		"reminder_offset": 60,
	}

	if err := p.fire(context.Background(), kwargs); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if err := p.fire(context.Background(), kwargs); err != nil {
		t.Fatalf("second fire: %v", err)
	}

	notes, err := db.Notifications.ListUndismissed(context.Background())
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected exactly 1 notification after 2 fires, got %d", len(notes))
	}
}

func TestRestoredReminderJobFiresCorrectly(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	db := openTestDB(t)
	schedDBPath := filepath.Join(t.TempDir(), "scheduler.db")

	reg1 := scheduler.NewRegistry()
	sched1, err := scheduler.New(schedDBPath, reg1, fc, nil, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	p1 := New(db, sched1, reg1, fc, nil)

	due := fc.Now().Add(2 * time.Hour)
	todo := activeTodo(t, db, "Survives restart", due, []int{30})
	if _, err := p1.RefreshTodoReminders(context.Background(), todo, DefaultConfig()); err != nil {
		t.Fatalf("RefreshTodoReminders: %v", err)
	}

	// Simulate a process restart: stop the scheduler (closing its durable
	// store) and reopen a fresh Scheduler/Planner pair against the same
	// sqlite file, the way cmd/lifetrace's runServer calls Restore after
	// reopening everything at startup.
	if err := sched1.Stop(context.Background()); err != nil {
		t.Fatalf("stop scheduler: %v", err)
	}

	reg2 := scheduler.NewRegistry()
	sched2, err := scheduler.New(schedDBPath, reg2, fc, nil, nil)
	if err != nil {
		t.Fatalf("reopen scheduler: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched2.Stop(ctx)
	})
	p2 := New(db, sched2, reg2, fc, nil)

	if err := sched2.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	jobs := sched2.GetAllJobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 restored job, got %d", len(jobs))
	}

	// Drive the restored job's kwargs through the real fire path, exactly
	// as msgpack.Unmarshal handed them back (not the freshly-built ints
	// RefreshTodoReminders would produce): a restart must not corrupt
	// todo_id/reminder_offset into a type fire's assertions reject.
	if err := p2.fire(context.Background(), jobs[0].Kwargs); err != nil {
		t.Fatalf("fire restored job: %v", err)
	}

	notes, err := db.Notifications.ListUndismissed(context.Background())
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 notification from the restored reminder, got %d", len(notes))
	}
	if notes[0].Title != "Survives restart" {
		t.Errorf("notification title = %q, want %q", notes[0].Title, "Survives restart")
	}
}

func TestFireSkipsWhenAlreadyDismissed(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	p, db := newTestPlanner(t, fc)

	due := fc.Now().Add(time.Hour)
	todo := activeTodo(t, db, "Dismissed ahead of time", due, []int{60})
	reminderAt := due.Add(-60 * time.Minute)
	source := notificationSource(todo.ID, reminderAt)

	n, err := db.Notifications.Create(context.Background(), storage.Notification{
		Title: todo.Name, Body: "pre-dismissed", Source: source, CreatedAt: fc.Now(),
	})
	if err != nil {
		t.Fatalf("create notification: %v", err)
	}
	if err := db.Notifications.Dismiss(context.Background(), n.ID); err != nil {
		t.Fatalf("dismiss: %v", err)
	}

	err = p.fire(context.Background(), map[string]any{
		"todo_id":         todo.ID,
		"reminder_at":     reminderAt.Format(time.RFC3339Nano),
		"reminder_offset": 60,
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}

	notes, err := db.Notifications.ListUndismissed(context.Background())
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 0 {
		t.Errorf("expected no new undismissed notification, got %d", len(notes))
	}
}
