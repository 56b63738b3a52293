// Package windowprobe answers "what window is active right now" across
// platforms (spec §4.4). Each OS gets its own Prober implementation
// behind a build tag; WithTimeout bounds every call so a hung external
// tool never stalls the capture pipeline.
package windowprobe

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by WithTimeout when the underlying probe does
// not finish within the configured duration.
var ErrTimeout = errors.New("windowprobe: timed out")

// Prober reports the foreground application, window title, and screen
// id of the active window.
type Prober interface {
	Active(ctx context.Context) (app, title string, screenID int, err error)
}

// timeoutProber wraps a Prober so a slow OS call degrades to a known
// placeholder instead of blocking the caller indefinitely (spec §4.4).
type timeoutProber struct {
	inner Prober
	d     time.Duration
}

// WithTimeout returns a Prober that runs p's Active call in a goroutine
// and, if it doesn't finish within d, returns
// ("unknown_app", "unknown_window", 0, ErrTimeout) instead of waiting.
func WithTimeout(p Prober, d time.Duration) Prober {
	return &timeoutProber{inner: p, d: d}
}

type activeResult struct {
	app, title string
	screenID   int
	err        error
}

func (p *timeoutProber) Active(ctx context.Context) (string, string, int, error) {
	resultCh := make(chan activeResult, 1)
	go func() {
		app, title, screenID, err := p.inner.Active(ctx)
		resultCh <- activeResult{app, title, screenID, err}
	}()

	timer := time.NewTimer(p.d)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		return r.app, r.title, r.screenID, r.err
	case <-timer.C:
		return "unknown_app", "unknown_window", 0, ErrTimeout
	case <-ctx.Done():
		return "unknown_app", "unknown_window", 0, ctx.Err()
	}
}

// Monitor describes one physical display's bounding rectangle in global
// desktop coordinates.
type Monitor struct {
	ID                 int
	X, Y, Width, Height int
}

// ResolveScreen returns the id of the monitor whose rectangle contains
// point (x, y). If no monitor contains the point, or monitors is empty,
// it returns 1 (the default primary id) so ambiguity never produces a
// zero-value screen id.
func ResolveScreen(monitors []Monitor, x, y int) int {
	for _, m := range monitors {
		if x >= m.X && x < m.X+m.Width && y >= m.Y && y < m.Y+m.Height {
			return m.ID
		}
	}
	return 1
}
