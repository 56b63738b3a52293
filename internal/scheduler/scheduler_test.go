package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"lifetrace/internal/clock"
)

func newTestScheduler(t *testing.T) (*Scheduler, *Registry) {
	t.Helper()
	reg := NewRegistry()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(filepath.Join(t.TempDir(), "scheduler.db"), reg, fc, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, reg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met within timeout")
	}
}

func TestAddIntervalJobFiresRepeatedly(t *testing.T) {
	s, reg := newTestScheduler(t)
	var calls int32
	reg.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ok, err := s.AddIntervalJob("job1", "job1", "test", "tick", 20*time.Millisecond, nil, 0, false)
	if err != nil || !ok {
		t.Fatalf("AddIntervalJob: ok=%v err=%v", ok, err)
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&calls) >= 2 })
}

func TestAddIntervalJobRejectsDuplicateUnlessReplace(t *testing.T) {
	s, reg := newTestScheduler(t)
	reg.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error { return nil })

	if _, err := s.AddIntervalJob("dup", "dup", "test", "tick", time.Hour, nil, 0, false); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := s.AddIntervalJob("dup", "dup", "test", "tick", time.Hour, nil, 0, false); err == nil {
		t.Error("expected duplicate add without replaceExisting to fail")
	}
	if _, err := s.AddIntervalJob("dup", "dup", "test", "tick", 2*time.Hour, nil, 0, true); err != nil {
		t.Errorf("replaceExisting add should succeed, got %v", err)
	}
}

func TestAddIntervalJobUnknownFunctionFails(t *testing.T) {
	s, _ := newTestScheduler(t)
	if _, err := s.AddIntervalJob("missing", "missing", "nope", "nope", time.Hour, nil, 0, false); err == nil {
		t.Error("expected unregistered module/symbol to fail")
	}
}

func TestPauseJobStopsFiring(t *testing.T) {
	s, reg := newTestScheduler(t)
	var calls int32
	reg.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	if _, err := s.AddIntervalJob("paused", "paused", "test", "tick", 15*time.Millisecond, nil, 0, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&calls) >= 1 })

	if ok, err := s.PauseJob("paused"); err != nil || !ok {
		t.Fatalf("PauseJob: ok=%v err=%v", ok, err)
	}
	atomic.StoreInt32(&calls, 0)
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("expected no calls while paused, got %d", got)
	}

	if ok, err := s.ResumeJob("paused"); err != nil || !ok {
		t.Fatalf("ResumeJob: ok=%v err=%v", ok, err)
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&calls) >= 1 })
}

func TestRemoveJobStopsFiringAndForgetsJob(t *testing.T) {
	s, reg := newTestScheduler(t)
	reg.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error { return nil })

	if _, err := s.AddIntervalJob("gone", "gone", "test", "tick", time.Hour, nil, 0, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ok, err := s.RemoveJob("gone"); err != nil || !ok {
		t.Fatalf("RemoveJob: ok=%v err=%v", ok, err)
	}
	if _, ok := s.GetJob("gone"); ok {
		t.Error("expected removed job to be forgotten")
	}
}

func TestMisfireGraceSkipsStaleRun(t *testing.T) {
	// Misfire tracking compares the real clock against an expected-fire
	// schedule, so this test needs a real (not fake, frozen) clock:
	// every actual gocron fire trails its expected instant by at least a
	// few microseconds of scheduling jitter.
	reg := NewRegistry()
	s, err := New(filepath.Join(t.TempDir(), "scheduler.db"), reg, clock.NewReal(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var calls int32
	reg.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	// A grace of 1ns guarantees any real fire (which always trails its
	// scheduled instant by at least a few microseconds) is treated as a
	// misfire and skipped.
	if _, err := s.AddIntervalJob("misfire", "misfire", "test", "tick", 15*time.Millisecond, nil, time.Nanosecond, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("expected misfired runs to be skipped, got %d calls", got)
	}
}

func TestRestoreReRegistersDurableJobs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "scheduler.db")
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	reg1 := NewRegistry()
	reg1.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error { return nil })
	s1, err := New(dbPath, reg1, fc, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s1.AddIntervalJob("durable", "durable", "test", "tick", time.Hour, map[string]any{"k": "v"}, 0, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	s1.Stop(ctx)
	cancel()

	reg2 := NewRegistry()
	var calls int32
	reg2.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	s2, err := New(dbPath, reg2, fc, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s2.Stop(ctx)
	}()

	if err := s2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	rec, ok := s2.GetJob("durable")
	if !ok {
		t.Fatal("expected restored job to be registered")
	}
	if rec.Kwargs["k"] != "v" {
		t.Errorf("expected kwargs to round-trip, got %+v", rec.Kwargs)
	}
}

func TestRestoreSkipsUnresolvedJobFunction(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "scheduler.db")
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	reg1 := NewRegistry()
	reg1.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error { return nil })
	s1, err := New(dbPath, reg1, fc, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s1.AddIntervalJob("orphan", "orphan", "test", "tick", time.Hour, nil, 0, false); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	s1.Stop(ctx)
	cancel()

	reg2 := NewRegistry() // no "test.tick" registered this time
	s2, err := New(dbPath, reg2, fc, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s2.Stop(ctx)
	}()

	if err := s2.Restore(context.Background()); err != nil {
		t.Fatalf("Restore should not fail the whole process on an unresolved job: %v", err)
	}
	if _, ok := s2.GetJob("orphan"); ok {
		t.Error("expected unresolved job to be skipped, not registered")
	}
}

func TestObserverReceivesJobEvents(t *testing.T) {
	type event struct{ kind, name string }
	events := make(chan event, 16)
	obs := recordingObserver{events: events}

	reg := NewRegistry()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := New(filepath.Join(t.TempDir(), "scheduler.db"), reg, fc, obs, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	reg.Register("test", "tick", func(ctx context.Context, kwargs map[string]any) error { return nil })
	if _, err := s.AddIntervalJob("obs", "obs", "test", "tick", 10*time.Millisecond, nil, 0, false); err != nil {
		t.Fatalf("add: %v", err)
	}

	select {
	case e := <-events:
		if e.kind != "added" || e.name != "obs" {
			t.Errorf("got %+v, want added/obs", e)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a job_added event")
	}
}

type recordingObserver struct {
	events chan struct{ kind, name string }
}

func (o recordingObserver) JobAdded(name string)   { o.events <- struct{ kind, name string }{"added", name} }
func (o recordingObserver) JobRemoved(name string) { o.events <- struct{ kind, name string }{"removed", name} }
func (o recordingObserver) JobExecuted(name string) {
	o.events <- struct{ kind, name string }{"executed", name}
}
func (o recordingObserver) JobError(name string, err error) {
	o.events <- struct{ kind, name string }{fmt.Sprintf("error:%v", err), name}
}
