// Package scheduler implements the durable job scheduler (spec §4.9).
// Adapted from the teacher's internal/orchestrator/scheduler.go
// (gocron.Scheduler wrapper with WithLimitConcurrentJobs), generalized
// from log-rotation cron jobs to interval/date jobs with a durable sqlite
// store, a job-function registry, and pause/resume support gocron v2 no
// longer offers natively.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"lifetrace/internal/clock"
	"lifetrace/internal/logging"
)

// Scheduler wraps a gocron.Scheduler with durable persistence, a
// {module,symbol} job-function registry, and emulated pause/resume.
type Scheduler struct {
	mu       sync.Mutex
	gs       gocron.Scheduler
	store    *store
	registry *Registry
	clock    clock.Clock
	observer Observer
	logger   *slog.Logger

	jobs   map[string]gocron.Job // id -> live gocron job
	paused map[string]bool
	meta   map[string]JobRecord // id -> last-known durable record
}

// New opens the durable store at dbPath and constructs a Scheduler.
// Registrations made against registry resolve job functions at fire and
// restore time. observer may be nil, in which case a slog-backed default
// is used.
func New(dbPath string, registry *Registry, clk clock.Clock, observer Observer, logger *slog.Logger) (*Scheduler, error) {
	st, err := openStore(dbPath)
	if err != nil {
		return nil, err
	}
	gs, err := gocron.NewScheduler()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create gocron scheduler: %w", err)
	}
	logger = logging.Default(logger).With("component", "scheduler")
	if observer == nil {
		observer = NewSlogObserver(logger)
	}
	gs.Start()
	return &Scheduler{
		gs:       gs,
		store:    st,
		registry: registry,
		clock:    clk,
		observer: observer,
		logger:   logger,
		jobs:     make(map[string]gocron.Job),
		paused:   make(map[string]bool),
		meta:     make(map[string]JobRecord),
	}, nil
}

// wrapFunc bounds fn with a misfire-grace check: if now exceeds
// scheduledFire+grace by the time the job actually runs, the run is
// skipped and logged rather than executed late (spec §4.9
// "misfire_grace_time"; gocron has no native misfire concept, so this
// wrapper is new code grounded on the teacher's LastRun bookkeeping).
func (s *Scheduler) wrapFunc(id, name string, fn JobFunc, kwargs map[string]any, grace time.Duration, scheduledFire func() time.Time) func() {
	return func() {
		if grace > 0 {
			now := s.clock.Now()
			if sf := scheduledFire(); !sf.IsZero() && now.After(sf.Add(grace)) {
				s.logger.Warn("job misfired past grace period, skipping", "name", name, "scheduled", sf, "now", now)
				return
			}
		}
		if s.isPaused(id) {
			return
		}
		if err := fn(context.Background(), kwargs); err != nil {
			s.observer.JobError(name, err)
			return
		}
		s.observer.JobExecuted(name)
	}
}

func (s *Scheduler) isPaused(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[id]
}

// AddIntervalJob registers a recurring job firing every d, whose work is
// resolved at fire (and restore) time as registry.Resolve(module, symbol).
// max_instances=1 and coalesce are both satisfied by gocron's
// singleton-reschedule mode: an overdue or still-running fire is skipped
// rather than stacked.
func (s *Scheduler) AddIntervalJob(id, name, module, symbol string, d time.Duration, kwargs map[string]any, misfireGrace time.Duration, replaceExisting bool) (bool, error) {
	fn, err := s.registry.Resolve(module, symbol)
	if err != nil {
		return false, fmt.Errorf("add interval job %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.meta[id]; exists {
		if !replaceExisting {
			return false, fmt.Errorf("scheduler: job %q already exists", id)
		}
		s.removeLocked(id)
	}

	expected := s.clock.Now().Add(d)
	wrapped := s.wrapFunc(id, name, fn, kwargs, misfireGrace, func() time.Time {
		fireTime := expected
		expected = expected.Add(d)
		return fireTime
	})

	j, err := s.gs.NewJob(
		gocron.DurationJob(d),
		gocron.NewTask(func() {
			wrapped()
		}),
		gocron.WithName(id),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return false, fmt.Errorf("add interval job %q: %w", id, err)
	}

	s.jobs[id] = j
	rec := JobRecord{
		ID: id, Name: name, TriggerKind: TriggerInterval, TriggerSpec: d.String(),
		Module: module, Symbol: symbol, Kwargs: kwargs, MisfireGrace: misfireGrace,
	}
	if nr, err := j.NextRun(); err == nil {
		rec.NextRunTime = nr
	}
	s.meta[id] = rec
	if err := s.store.Upsert(context.Background(), rec); err != nil {
		s.logger.Warn("failed to persist interval job", "id", id, "error", err)
	}
	s.observer.JobAdded(name)
	return true, nil
}

// AddDateJob registers a one-shot job firing once at the given time, whose
// work is resolved as registry.Resolve(module, symbol).
func (s *Scheduler) AddDateJob(id, name, module, symbol string, at time.Time, kwargs map[string]any, misfireGrace time.Duration) (bool, error) {
	fn, err := s.registry.Resolve(module, symbol)
	if err != nil {
		return false, fmt.Errorf("add date job %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.meta[id]; exists {
		return false, fmt.Errorf("scheduler: job %q already exists", id)
	}

	wrapped := s.wrapFunc(id, name, fn, kwargs, misfireGrace, func() time.Time { return at })

	j, err := s.gs.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(wrapped),
		gocron.WithName(id),
	)
	if err != nil {
		return false, fmt.Errorf("add date job %q: %w", id, err)
	}

	s.jobs[id] = j
	rec := JobRecord{
		ID: id, Name: name, TriggerKind: TriggerDate, TriggerSpec: at.Format(time.RFC3339Nano),
		NextRunTime: at, Module: module, Symbol: symbol, Kwargs: kwargs, MisfireGrace: misfireGrace,
	}
	s.meta[id] = rec
	if err := s.store.Upsert(context.Background(), rec); err != nil {
		s.logger.Warn("failed to persist date job", "id", id, "error", err)
	}
	s.observer.JobAdded(name)
	return true, nil
}

// RemoveJob stops and removes a job. Failures are logged, never raised,
// matching the teacher's RemoveJob convention.
func (s *Scheduler) RemoveJob(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id), nil
}

func (s *Scheduler) removeLocked(id string) bool {
	rec, ok := s.meta[id]
	if !ok {
		return false
	}
	if j, ok := s.jobs[id]; ok {
		if err := s.gs.RemoveJob(j.ID()); err != nil {
			s.logger.Warn("failed to remove job from gocron", "id", id, "error", err)
		}
	}
	delete(s.jobs, id)
	delete(s.paused, id)
	delete(s.meta, id)
	if err := s.store.Delete(context.Background(), id); err != nil {
		s.logger.Warn("failed to delete job from durable store", "id", id, "error", err)
	}
	s.observer.JobRemoved(rec.Name)
	return true
}

// PauseJob marks a job paused: its gocron registration stays live (gocron
// v2 removed pause support), but the fire wrapper short-circuits on every
// tick while paused[id] is true.
func (s *Scheduler) PauseJob(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meta[id]; !ok {
		return false, nil
	}
	s.paused[id] = true
	if err := s.store.SetPaused(context.Background(), id, true); err != nil {
		s.logger.Warn("failed to persist paused state", "id", id, "error", err)
	}
	return true, nil
}

// ResumeJob clears a job's paused flag.
func (s *Scheduler) ResumeJob(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.meta[id]; !ok {
		return false, nil
	}
	delete(s.paused, id)
	if err := s.store.SetPaused(context.Background(), id, false); err != nil {
		s.logger.Warn("failed to persist resumed state", "id", id, "error", err)
	}
	return true, nil
}

// PauseAll pauses every currently registered job.
func (s *Scheduler) PauseAll() (bool, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.meta))
	for id := range s.meta {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if _, err := s.PauseJob(id); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ResumeAll resumes every currently registered job.
func (s *Scheduler) ResumeAll() (bool, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.meta))
	for id := range s.meta {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if _, err := s.ResumeJob(id); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ModifyInterval changes a recurring job's interval in place by removing
// and re-adding it under the same id, module, and symbol.
func (s *Scheduler) ModifyInterval(id string, d time.Duration) (bool, error) {
	s.mu.Lock()
	rec, ok := s.meta[id]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return s.AddIntervalJob(id, rec.Name, rec.Module, rec.Symbol, d, rec.Kwargs, rec.MisfireGrace, true)
}

// GetJob returns the last-known durable record for id.
func (s *Scheduler) GetJob(id string) (JobRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.meta[id]
	rec.Paused = s.paused[id]
	return rec, ok
}

// GetAllJobs returns every registered job's durable record.
func (s *Scheduler) GetAllJobs() []JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]JobRecord, 0, len(s.meta))
	for _, rec := range s.meta {
		rec.Paused = s.paused[rec.ID]
		result = append(result, rec)
	}
	return result
}

// Restore reads every durable job row and re-registers it against the
// scheduler, resolving {module, symbol} through registry. An id with no
// matching registration fails visibly (logged, job skipped) rather than
// panicking the process (spec §9 "Durable job store").
func (s *Scheduler) Restore(ctx context.Context) error {
	records, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore: list durable jobs: %w", err)
	}
	for _, rec := range records {
		var addErr error
		switch rec.TriggerKind {
		case TriggerInterval:
			d, perr := time.ParseDuration(rec.TriggerSpec)
			if perr != nil {
				s.logger.Error("restore: invalid interval spec, skipping", "id", rec.ID, "error", perr)
				continue
			}
			_, addErr = s.AddIntervalJob(rec.ID, rec.Name, rec.Module, rec.Symbol, d, rec.Kwargs, rec.MisfireGrace, true)
		case TriggerDate:
			at, perr := time.Parse(time.RFC3339Nano, rec.TriggerSpec)
			if perr != nil {
				s.logger.Error("restore: invalid date spec, skipping", "id", rec.ID, "error", perr)
				continue
			}
			if at.Before(s.clock.Now()) {
				s.logger.Info("restore: skipping date job already in the past", "id", rec.ID, "at", at)
				if derr := s.store.Delete(ctx, rec.ID); derr != nil {
					s.logger.Warn("failed to delete stale date job", "id", rec.ID, "error", derr)
				}
				continue
			}
			_, addErr = s.AddDateJob(rec.ID, rec.Name, rec.Module, rec.Symbol, at, rec.Kwargs, rec.MisfireGrace)
		default:
			s.logger.Error("restore: unknown trigger kind, skipping", "id", rec.ID, "kind", rec.TriggerKind)
			continue
		}
		if addErr != nil {
			s.logger.Error("restore: failed to re-register job", "id", rec.ID, "error", addErr)
			continue
		}
		if rec.Paused {
			if _, err := s.PauseJob(rec.ID); err != nil {
				s.logger.Warn("restore: failed to re-pause job", "id", rec.ID, "error", err)
			}
		}
	}
	return nil
}

// Stop drains in-flight jobs and refuses new registrations, returning once
// every in-flight job finishes or ctx's deadline passes (spec §5
// "shutdown(wait=true)").
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.gs.Shutdown() }()
	select {
	case err := <-done:
		if err != nil {
			err = fmt.Errorf("shut down scheduler: %w", err)
		}
		s.store.Close()
		return err
	case <-ctx.Done():
		s.store.Close()
		return ctx.Err()
	}
}
