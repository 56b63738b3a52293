package windowprobe

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestResolveScreen(t *testing.T) {
	monitors := []Monitor{
		{ID: 1, X: 0, Y: 0, Width: 1920, Height: 1080},
		{ID: 2, X: 1920, Y: 0, Width: 1920, Height: 1080},
	}

	cases := []struct {
		name    string
		x, y    int
		want    int
	}{
		{"inside first monitor", 100, 100, 1},
		{"inside second monitor", 2000, 100, 2},
		{"boundary of second monitor start", 1920, 0, 2},
		{"outside all monitors falls back to primary", -100, -100, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ResolveScreen(monitors, c.x, c.y)
			if got != c.want {
				t.Errorf("ResolveScreen(%d,%d) = %d, want %d", c.x, c.y, got, c.want)
			}
		})
	}
}

func TestResolveScreenNoMonitors(t *testing.T) {
	if got := ResolveScreen(nil, 50, 50); got != 1 {
		t.Errorf("ResolveScreen with no monitors = %d, want 1", got)
	}
}

type fakeProber struct {
	delay time.Duration
	err   error
}

func (f fakeProber) Active(ctx context.Context) (string, string, int, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return "", "", 0, ctx.Err()
	}
	if f.err != nil {
		return "", "", 0, f.err
	}
	return "Editor", "main.go", 1, nil
}

func TestWithTimeoutReturnsFastResult(t *testing.T) {
	p := WithTimeout(fakeProber{delay: time.Millisecond}, 50*time.Millisecond)
	app, title, screenID, err := p.Active(context.Background())
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if app != "Editor" || title != "main.go" || screenID != 1 {
		t.Errorf("Active = (%q,%q,%d), want (Editor,main.go,1)", app, title, screenID)
	}
}

func TestWithTimeoutExpires(t *testing.T) {
	p := WithTimeout(fakeProber{delay: 100 * time.Millisecond}, 10*time.Millisecond)
	app, title, screenID, err := p.Active(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if app != "unknown_app" || title != "unknown_window" || screenID != 0 {
		t.Errorf("Active on timeout = (%q,%q,%d), want placeholders", app, title, screenID)
	}
}

func TestWithTimeoutPropagatesInnerError(t *testing.T) {
	boom := errors.New("boom")
	p := WithTimeout(fakeProber{delay: time.Millisecond, err: boom}, 50*time.Millisecond)
	_, _, _, err := p.Active(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}
