package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lifetrace.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestScreenshotAddIsIdempotentOnFilePath(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := db.Screenshots.Add(ctx, Screenshot{
		FilePath: "/data/screenshots/a.png", Width: 100, Height: 100,
		ScreenID: 1, AppName: "Editor", WindowTitle: "main.go", CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	second, err := db.Screenshots.Add(ctx, Screenshot{
		FilePath: "/data/screenshots/a.png", Width: 200, Height: 200,
		ScreenID: 2, AppName: "Other", WindowTitle: "other", CreatedAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if second.ID != first.ID || second.Width != 100 || second.AppName != "Editor" {
		t.Errorf("duplicate insert should return original row, got %+v", second)
	}

	count, err := db.Screenshots.Count(ctx, false)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}
}

func TestScreenshotMarkFileDeleted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s, err := db.Screenshots.Add(ctx, Screenshot{
		FilePath: "/data/screenshots/b.png", Width: 1, Height: 1, ScreenID: 1,
		AppName: "x", WindowTitle: "y", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := db.Screenshots.MarkFileDeleted(ctx, s.ID); err != nil {
		t.Fatalf("MarkFileDeleted: %v", err)
	}

	got, err := db.Screenshots.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.FileDeleted {
		t.Error("FileDeleted = false, want true")
	}

	all, err := db.Screenshots.Count(ctx, false)
	if err != nil {
		t.Fatalf("Count(false): %v", err)
	}
	excl, err := db.Screenshots.Count(ctx, true)
	if err != nil {
		t.Fatalf("Count(true): %v", err)
	}
	if all != 1 || excl != 0 {
		t.Errorf("Count(false)=%d Count(true)=%d, want 1,0", all, excl)
	}
}

func TestScreenshotIterNewestUnprocessedExcludesProcessedAndOrdersNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	s1, _ := db.Screenshots.Add(ctx, Screenshot{FilePath: "/a.png", ScreenID: 1, AppName: "a", WindowTitle: "a", CreatedAt: base})
	s2, _ := db.Screenshots.Add(ctx, Screenshot{FilePath: "/b.png", ScreenID: 1, AppName: "b", WindowTitle: "b", CreatedAt: base.Add(time.Second)})
	s3, _ := db.Screenshots.Add(ctx, Screenshot{FilePath: "/c.png", ScreenID: 1, AppName: "c", WindowTitle: "c", CreatedAt: base.Add(2 * time.Second)})

	if _, err := db.OCRResults.Add(ctx, OCRResult{ScreenshotID: s1.ID, TextContent: "hi", Confidence: 0.9, Language: "en", CreatedAt: base}); err != nil {
		t.Fatalf("Add OCR: %v", err)
	}

	pending, err := db.Screenshots.IterNewestUnprocessed(ctx, 10)
	if err != nil {
		t.Fatalf("IterNewestUnprocessed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("IterNewestUnprocessed = %+v, want 2 unprocessed rows", pending)
	}
	if pending[0].ID != s3.ID || pending[1].ID != s2.ID {
		t.Errorf("IterNewestUnprocessed order = [%d, %d], want newest first [%d, %d]",
			pending[0].ID, pending[1].ID, s3.ID, s2.ID)
	}
}

func TestEventGetOrCreateRefreshesSameWindow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	e1, err := db.Events.GetOrCreateEvent(ctx, "Editor", "main.go", t0)
	if err != nil {
		t.Fatalf("GetOrCreateEvent: %v", err)
	}

	e2, err := db.Events.GetOrCreateEvent(ctx, "Editor", "main.go", t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("GetOrCreateEvent (same window): %v", err)
	}
	if e2.ID != e1.ID {
		t.Errorf("same (app,title) should refresh same event, got new id %d != %d", e2.ID, e1.ID)
	}
}

func TestEventGetOrCreateClosesOnDifferentWindow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	e1, err := db.Events.GetOrCreateEvent(ctx, "Editor", "main.go", t0)
	if err != nil {
		t.Fatalf("GetOrCreateEvent: %v", err)
	}

	t1 := t0.Add(time.Minute)
	e2, err := db.Events.GetOrCreateEvent(ctx, "Browser", "docs", t1)
	if err != nil {
		t.Fatalf("GetOrCreateEvent (different window): %v", err)
	}
	if e2.ID == e1.ID {
		t.Fatal("different (app,title) should create a new event")
	}

	closed, err := db.Events.GetByID(ctx, e1.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if closed.EndTime == nil || !closed.EndTime.Equal(t1) {
		t.Errorf("previous event end_time = %v, want %v", closed.EndTime, t1)
	}

	active, err := db.Events.GetByID(ctx, e2.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if active.EndTime != nil {
		t.Error("new event should still be active (end_time nil)")
	}
}

func TestCloseActiveEventIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Events.CloseActiveEvent(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("CloseActiveEvent with nothing active: %v", err)
	}

	t0 := time.Now().UTC()
	e, err := db.Events.GetOrCreateEvent(ctx, "Editor", "main.go", t0)
	if err != nil {
		t.Fatalf("GetOrCreateEvent: %v", err)
	}

	if err := db.Events.CloseActiveEvent(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatalf("CloseActiveEvent: %v", err)
	}
	if err := db.Events.CloseActiveEvent(ctx, t0.Add(2*time.Minute)); err != nil {
		t.Fatalf("second CloseActiveEvent: %v", err)
	}

	got, err := db.Events.GetByID(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.EndTime == nil || !got.EndTime.Equal(t0.Add(time.Minute)) {
		t.Errorf("end_time should be set by the first close, not the second: got %v", got.EndTime)
	}
}

func TestActivityCreateRejectsDuplicateWindow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Now().UTC()
	end := start.Add(15 * time.Minute)

	_, err := db.Activities.Create(ctx, Activity{StartTime: start, EndTime: end, AITitle: "t", AISummary: "s"}, nil)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}

	exists, err := db.Activities.ActivityExistsForTimeWindow(ctx, start, end)
	if err != nil {
		t.Fatalf("ActivityExistsForTimeWindow: %v", err)
	}
	if !exists {
		t.Error("ActivityExistsForTimeWindow = false after create, want true")
	}

	if _, err := db.Activities.Create(ctx, Activity{StartTime: start, EndTime: end, AITitle: "dup", AISummary: "dup"}, nil); err == nil {
		t.Fatal("expected second Create for the same window to fail")
	}
}

func TestTodoCreateUpdateDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := db.Todos.Create(ctx, Todo{
		Name: "ship it", Status: TodoStatusDraft, ItemType: TodoItemVTODO,
		ReminderOffsets: []int{60, 15}, Tags: []string{"work"},
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created.ReminderOffsets) != 2 || created.ReminderOffsets[0] != 60 {
		t.Errorf("ReminderOffsets = %v, want [60 15]", created.ReminderOffsets)
	}

	created.Status = TodoStatusActive
	created.UpdatedAt = now.Add(time.Hour)
	if err := db.Todos.Update(ctx, *created); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := db.Todos.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != TodoStatusActive {
		t.Errorf("Status = %q, want active", got.Status)
	}

	if err := db.Todos.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Todos.Get(ctx, created.ID); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestTokenUsageWindowAggregate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, tokens := range []int{10, 20, 30} {
		if err := db.TokenUsage.Add(ctx, TokenUsage{
			Model: "m", InputTokens: tokens, OutputTokens: tokens, TotalTokens: tokens * 2,
			Endpoint: "chat", FeatureType: "summary", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	agg, err := db.TokenUsage.WindowAggregate(ctx, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("WindowAggregate: %v", err)
	}
	if agg.TotalTokens != 120 {
		t.Errorf("TotalTokens = %d, want 120", agg.TotalTokens)
	}
}

func TestNotificationCreateListDismiss(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n, err := db.Notifications.Create(ctx, Notification{
		Title: "Deadline", Body: "due soon", Source: "reminder", CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	undismissed, err := db.Notifications.ListUndismissed(ctx)
	if err != nil {
		t.Fatalf("ListUndismissed: %v", err)
	}
	if len(undismissed) != 1 {
		t.Fatalf("ListUndismissed = %d, want 1", len(undismissed))
	}

	if err := db.Notifications.Dismiss(ctx, n.ID); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}

	undismissed, err = db.Notifications.ListUndismissed(ctx)
	if err != nil {
		t.Fatalf("ListUndismissed after dismiss: %v", err)
	}
	if len(undismissed) != 0 {
		t.Errorf("ListUndismissed after dismiss = %d, want 0", len(undismissed))
	}
}
