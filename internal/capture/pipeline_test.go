package capture

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"
	"time"

	"lifetrace/internal/capture/blacklist"
	"lifetrace/internal/clock"
	"lifetrace/internal/storage"
)

type fakeProber struct {
	app, title string
	screenID   int
	err        error
}

func (p *fakeProber) Active(ctx context.Context) (string, string, int, error) {
	return p.app, p.title, p.screenID, p.err
}

type fakeGrabber struct {
	img image.Image
	err error
}

func (g *fakeGrabber) Grab(ctx context.Context, screenID int) (image.Image, error) {
	return g.img, g.err
}

func solidImage(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "lifetrace.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Screens = []int{1}
	return cfg
}

func TestTickSkipsBlacklistedWindowAndClosesActiveEvent(t *testing.T) {
	db := openTestDB(t)
	fc := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	prober := &fakeProber{app: "chrome", title: "LifeTrace - Intelligent Life Recording System"}
	grabber := &fakeGrabber{img: solidImage(color.RGBA{1, 2, 3, 255})}
	p := New(db, fc, prober, grabber, t.TempDir(), nil, nil, nil)
	active, err := db.Events.GetOrCreateEvent(context.Background(), "code", "main.go - Visual Studio Code", fc.Now())
	if err != nil {
		t.Fatalf("create active event: %v", err)
	}

	cfg := testConfig()
	cfg.Blacklist = blacklist.Config{Enabled: true, AutoExcludeSelf: true}

	if err := p.Tick(context.Background(), cfg); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	n, err := db.Screenshots.Count(context.Background(), false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no screenshots for blacklisted window, got %d", n)
	}
	ev, err := db.Events.GetByID(context.Background(), active.ID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.EndTime == nil {
		t.Errorf("expected the active event to be closed by the blacklisted tick")
	}
}

func TestTickCapturesAndLinksEvent(t *testing.T) {
	db := openTestDB(t)
	fc := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	prober := &fakeProber{app: "code", title: "main.go - Visual Studio Code"}
	grabber := &fakeGrabber{img: solidImage(color.RGBA{10, 20, 30, 255})}
	p := New(db, fc, prober, grabber, t.TempDir(), nil, nil, nil)

	cfg := testConfig()
	cfg.Deduplicate = false

	if err := p.Tick(context.Background(), cfg); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	n, err := db.Screenshots.Count(context.Background(), false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 screenshot, got %d", n)
	}

	shots, err := db.Events.GetScreenshots(context.Background(), 1)
	if err != nil {
		t.Fatalf("get screenshots for event 1: %v", err)
	}
	if len(shots) != 1 {
		t.Fatalf("expected the captured screenshot linked to event 1, got %d", len(shots))
	}
}

func TestTickDeduplicatesIdenticalFrames(t *testing.T) {
	db := openTestDB(t)
	fc := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	prober := &fakeProber{app: "code", title: "main.go - Visual Studio Code"}
	grabber := &fakeGrabber{img: solidImage(color.RGBA{40, 50, 60, 255})}
	p := New(db, fc, prober, grabber, t.TempDir(), nil, nil, nil)

	cfg := testConfig()
	cfg.Deduplicate = true
	cfg.HashThreshold = 5

	if err := p.Tick(context.Background(), cfg); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	fc.Advance(time.Minute)
	if err := p.Tick(context.Background(), cfg); err != nil {
		t.Fatalf("second Tick: %v", err)
	}

	n, err := db.Screenshots.Count(context.Background(), false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected duplicate frame to be skipped, got %d screenshots", n)
	}
}

func TestWritePNGNamesFileBySpecPattern(t *testing.T) {
	db := openTestDB(t)
	fc := clock.NewFake(time.Date(2026, 3, 4, 9, 6, 7, 250_000_000, time.UTC))
	dir := t.TempDir()
	p := New(db, fc, &fakeProber{}, &fakeGrabber{}, dir, nil, nil, nil)

	img := solidImage(color.RGBA{5, 5, 5, 255})
	path, _, err := p.writePNG(img, 2, fc.Now())
	if err != nil {
		t.Fatalf("writePNG: %v", err)
	}

	wantName := "screen_2_20260304_090607_250.png"
	if got := filepath.Base(path); got != wantName {
		t.Errorf("filename = %q, want %q", got, wantName)
	}
	if got := filepath.Dir(path); got != dir {
		t.Errorf("screenshot written under %q, want directly under %q (spec §6 flat screenshots/ layout)", got, dir)
	}
}

func TestSweepReconcilesOrphanedFile(t *testing.T) {
	db := openTestDB(t)
	fc := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	dir := t.TempDir()
	p := New(db, fc, &fakeProber{}, &fakeGrabber{}, dir, nil, nil, nil)

	// Write an orphan PNG directly, bypassing Tick, to simulate a file left
	// over from an unclean shutdown.
	img := solidImage(color.RGBA{5, 5, 5, 255})
	if _, _, err := p.writePNG(img, 1, fc.Now()); err != nil {
		t.Fatalf("writePNG: %v", err)
	}

	inserted, err := p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("expected 1 orphan reconciled, got %d", inserted)
	}

	n, err := db.Screenshots.Count(context.Background(), false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected orphan row to be inserted, got %d rows", n)
	}

	// Running Sweep again must be a no-op since the row now exists.
	inserted, err = p.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if inserted != 0 {
		t.Errorf("expected second Sweep to find no new orphans, got %d", inserted)
	}
}
