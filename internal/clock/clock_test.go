package clock

import (
	"testing"
	"time"
)

func TestRoundDown15m(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"2026-01-01T09:00:00Z", "2026-01-01T09:00:00Z"},
		{"2026-01-01T09:14:59Z", "2026-01-01T09:00:00Z"},
		{"2026-01-01T09:15:00Z", "2026-01-01T09:15:00Z"},
		{"2026-01-01T09:44:30.5Z", "2026-01-01T09:30:00Z"},
		{"2026-01-01T09:59:59Z", "2026-01-01T09:45:00Z"},
	}
	for _, c := range cases {
		in, err := time.Parse(time.RFC3339Nano, c.in)
		if err != nil {
			t.Fatalf("parse %s: %v", c.in, err)
		}
		want, err := time.Parse(time.RFC3339, c.want)
		if err != nil {
			t.Fatalf("parse %s: %v", c.want, err)
		}
		if got := RoundDown15m(in); !got.Equal(want) {
			t.Errorf("RoundDown15m(%s) = %s, want %s", c.in, got, want)
		}
	}
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	if !f.Now().Equal(start) {
		t.Fatalf("expected %s, got %s", start, f.Now())
	}
	f.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !f.Now().Equal(want) {
		t.Fatalf("expected %s, got %s", want, f.Now())
	}
	f.Set(start)
	if !f.Now().Equal(start) {
		t.Fatalf("Set did not reset clock")
	}
}
