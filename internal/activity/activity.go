// Package activity implements the activity aggregator (spec §4.8): every
// tick it folds the last completed 15-minute window of closed events into
// Activity rows, summarizing long events individually and grouping short
// events by window. Ported from
// original_source/lifetrace/jobs/activity_aggregator.py, generalized from
// its single-window grouping map to the general §4.8 contract. Each tick
// considers only the single most recent completed window; windows that
// elapsed while no tick ran are not backfilled.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"lifetrace/internal/clock"
	"lifetrace/internal/logging"
	"lifetrace/internal/storage"
)

const (
	// longEventThreshold is the duration at/above which an event is
	// summarized on its own rather than folded into a 15-minute window.
	longEventThreshold = 30 * time.Minute
	// windowSize is the bucket width short events are grouped into.
	windowSize = 15 * time.Minute
	// safetyGap holds back the most recently completed window by this
	// much, so an event that is still being extended isn't aggregated
	// prematurely.
	safetyGap = time.Minute
	// lookback bounds how far back GetUnprocessedEvents searches.
	lookback = time.Hour

	summaryTitleMaxLen = 120
)

// Summarizer is the out-of-scope LLM summarization collaborator.
type Summarizer interface {
	// Summarize produces a title/body for a group of events. ok=false
	// (or a non-nil error) tells the caller to fall back to the
	// deterministic summary.
	Summarize(ctx context.Context, events []storage.Event) (title, body string, ok bool, err error)
}

// Aggregator implements Tick, one activity-aggregation pass.
type Aggregator struct {
	db         *storage.DB
	clock      clock.Clock
	summarizer Summarizer
	logger     *slog.Logger
}

// New constructs an Aggregator. summarizer may be nil, in which case every
// activity uses the deterministic fallback summary.
func New(db *storage.DB, clk clock.Clock, summarizer Summarizer, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		db:         db,
		clock:      clk,
		summarizer: summarizer,
		logger:     logging.Default(logger).With("component", "activity"),
	}
}

// isLongEvent reports whether e's duration meets the long-event threshold.
// An event with no end_time is never long (it isn't closed yet).
func isLongEvent(e storage.Event) bool {
	if e.EndTime == nil {
		return false
	}
	return e.EndTime.Sub(e.StartTime) >= longEventThreshold
}

// targetWindow computes the most recently completed 15-minute window, or
// returns ok=false if that window hasn't fully elapsed yet (spec §4.8 step
// 1 "skip if now < window_end + 1m"; spec §8's now==window_end+1m boundary
// case runs, so the skip test is a strict less-than against the gap, not a
// not-after against now).
func targetWindow(now time.Time) (start, end time.Time, ok bool) {
	end = clock.RoundDown15m(now)
	start = end.Add(-windowSize)
	if now.Before(end.Add(safetyGap)) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func filterEventsInWindow(events []storage.Event, start, end time.Time) []storage.Event {
	var result []storage.Event
	for _, e := range events {
		if e.EndTime == nil {
			continue
		}
		if !e.EndTime.Before(start) && !e.EndTime.After(end) && e.StartTime.Before(end) {
			result = append(result, e)
		}
	}
	return result
}

func separateLongAndShort(events []storage.Event) (long, short []storage.Event) {
	for _, e := range events {
		if isLongEvent(e) {
			long = append(long, e)
		} else {
			short = append(short, e)
		}
	}
	return long, short
}

// Tick runs one aggregation pass over events that closed since the last
// completed window began (spec §4.8 steps 1-6). now is supplied by the
// injected clock, never read directly, so tests can exercise exact
// window-boundary behavior.
func (a *Aggregator) Tick(ctx context.Context) (int, error) {
	now := a.clock.Now()

	start, end, ok := targetWindow(now)
	if !ok {
		a.logger.Debug("target window not yet complete, skipping")
		return 0, nil
	}

	events, err := a.db.Activities.GetUnprocessedEvents(ctx, now.Add(-lookback))
	if err != nil {
		return 0, fmt.Errorf("get unprocessed events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	inWindow := filterEventsInWindow(events, start, end)
	if len(inWindow) == 0 {
		a.logger.Debug("no events in target window", "start", start, "end", end)
		return 0, nil
	}

	long, short := separateLongAndShort(inWindow)

	created := 0
	for _, e := range long {
		ok, err := a.createActivityForLongEvent(ctx, e)
		if err != nil {
			a.logger.Warn("create activity for long event failed", "event_id", e.ID, "error", err)
			continue
		}
		if ok {
			created++
		}
	}

	windowCreated, err := a.createActivityForWindow(ctx, start, end, short)
	if err != nil {
		a.logger.Warn("create activity for window failed", "start", start, "end", end, "error", err)
	} else if windowCreated {
		created++
	}

	return created, nil
}

func (a *Aggregator) createActivityForLongEvent(ctx context.Context, e storage.Event) (bool, error) {
	if e.EndTime == nil {
		return false, nil
	}
	linked, err := a.db.Activities.ActivityExistsForEvent(ctx, e.ID)
	if err != nil {
		return false, err
	}
	if linked {
		return false, nil
	}
	overlaps, err := a.db.Activities.ActivityOverlapsWithEvent(ctx, e.StartTime, *e.EndTime)
	if err != nil {
		return false, err
	}
	if overlaps {
		return false, nil
	}

	title, body := a.summarize(ctx, []storage.Event{e}, e.StartTime, *e.EndTime)
	_, err = a.db.Activities.Create(ctx, storage.Activity{
		StartTime: e.StartTime,
		EndTime:   *e.EndTime,
		AITitle:   title,
		AISummary: body,
	}, []int64{e.ID})
	if err != nil {
		return false, fmt.Errorf("create activity for event %d: %w", e.ID, err)
	}
	return true, nil
}

func (a *Aggregator) createActivityForWindow(ctx context.Context, start, end time.Time, short []storage.Event) (bool, error) {
	var unprocessed []storage.Event
	for _, e := range short {
		linked, err := a.db.Activities.ActivityExistsForEvent(ctx, e.ID)
		if err != nil {
			return false, err
		}
		if !linked {
			unprocessed = append(unprocessed, e)
		}
	}
	if len(unprocessed) == 0 {
		return false, nil
	}

	exists, err := a.db.Activities.ActivityExistsForTimeWindow(ctx, start, end)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	title, body := a.summarize(ctx, unprocessed, start, end)
	ids := make([]int64, len(unprocessed))
	for i, e := range unprocessed {
		ids[i] = e.ID
	}
	if _, err := a.db.Activities.Create(ctx, storage.Activity{
		StartTime: start,
		EndTime:   end,
		AITitle:   title,
		AISummary: body,
	}, ids); err != nil {
		return false, fmt.Errorf("create activity for window [%s, %s): %w", start, end, err)
	}
	return true, nil
}

// summarize calls the Summarizer, falling back to a deterministic
// title-based summary on error or ok=false (spec §4.8 "best-effort...
// fall back to a deterministic summary").
func (a *Aggregator) summarize(ctx context.Context, events []storage.Event, start, end time.Time) (title, body string) {
	if a.summarizer != nil {
		title, body, ok, err := a.summarizer.Summarize(ctx, events)
		if err != nil {
			a.logger.Warn("summarizer failed, using fallback", "error", err)
		} else if ok {
			return title, body
		}
	}
	return fallbackSummary(events, start, end)
}

// fallbackSummary joins the distinct window/event titles, truncated to a
// readable length, matching spec §4.8's deterministic fallback.
func fallbackSummary(events []storage.Event, start, end time.Time) (title, body string) {
	seen := make(map[string]bool)
	var titles []string
	for _, e := range events {
		label := e.WindowTitle
		if e.AITitle != nil && *e.AITitle != "" {
			label = *e.AITitle
		}
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		titles = append(titles, label)
	}
	sort.Strings(titles)

	joined := strings.Join(titles, ", ")
	if len(joined) > summaryTitleMaxLen {
		joined = joined[:summaryTitleMaxLen] + "..."
	}
	if joined == "" {
		joined = "Unlabeled activity"
	}
	return joined, fmt.Sprintf("%s (%s - %s), %d event(s)", joined, start.Format(time.Kitchen), end.Format(time.Kitchen), len(events))
}
