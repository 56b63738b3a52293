// Package capture implements the screenshot pipeline (spec §4.5): probe
// the active window, decide whether to skip it, grab a frame per
// configured screen, deduplicate against the previous frame's perceptual
// hash, persist the PNG and its Screenshot row, and fold the capture into
// the Event Store.
package capture

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"lifetrace/internal/capture/blacklist"
	"lifetrace/internal/capture/grabber"
	"lifetrace/internal/capture/phash"
	"lifetrace/internal/clock"
	"lifetrace/internal/logging"
	"lifetrace/internal/storage"
	"lifetrace/internal/windowprobe"
)

// TodoDetector is the narrow seam to the out-of-scope LLM todo-extraction
// collaborator (spec §4.5 "asynchronously invoke the todo extraction
// collaborator").
type TodoDetector interface {
	Detect(ctx context.Context, screenshotID int64) error
}

// ProactiveOCR is the narrow seam to internal/ocr's Worker.ProactiveTick,
// invoked right after a successful capture when proactive OCR is enabled
// (spec's supplemented proactive_ocr_job).
type ProactiveOCR interface {
	ProactiveTick(ctx context.Context, screenshotID int64) error
}

// Pipeline implements one capture tick plus the startup orphan sweep.
type Pipeline struct {
	db             *storage.DB
	clock          clock.Clock
	prober         windowprobe.Prober
	grabber        grabber.Grabber
	screenshotsDir string
	logger         *slog.Logger
	detector       TodoDetector
	proactiveOCR   ProactiveOCR

	mu         sync.Mutex
	lastHashes map[int]uint64 // screenID -> last perceptual hash, for dedup
}

// New constructs a Pipeline. detector and proactiveOCR may be nil if the
// respective feature is disabled.
func New(db *storage.DB, clk clock.Clock, prober windowprobe.Prober, g grabber.Grabber,
	screenshotsDir string, logger *slog.Logger, detector TodoDetector, proactiveOCR ProactiveOCR) *Pipeline {
	return &Pipeline{
		db:             db,
		clock:          clk,
		prober:         prober,
		grabber:        g,
		screenshotsDir: screenshotsDir,
		logger:         logging.Default(logger).With("component", "capture"),
		detector:       detector,
		proactiveOCR:   proactiveOCR,
		lastHashes:     make(map[int]uint64),
	}
}

// Tick runs one capture cycle across every configured screen (spec §4.5
// steps 1-6).
func (p *Pipeline) Tick(ctx context.Context, cfg Config) error {
	probeCtx, cancel := context.WithTimeout(ctx, cfg.WindowInfoTimeout)
	app, title, _, err := p.prober.Active(probeCtx)
	cancel()
	if err != nil {
		p.logger.Warn("active window probe failed", "error", err)
		app, title = "unknown_app", "unknown_window"
	}

	if skip, reason := blacklist.Decide(app, title, cfg.Blacklist); skip {
		p.logger.Debug("capture skipped", "reason", reason, "app", app)
		if err := p.db.Events.CloseActiveEvent(ctx, p.clock.Now()); err != nil {
			return fmt.Errorf("close active event on blacklist: %w", err)
		}
		return nil
	}

	screens := cfg.Screens
	if len(screens) == 0 {
		screens = []int{1}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(screens))
	for _, screenID := range screens {
		screenID := screenID
		g.Go(func() error {
			return p.captureScreen(gctx, cfg, screenID, app, title)
		})
	}
	return g.Wait()
}

func (p *Pipeline) captureScreen(ctx context.Context, cfg Config, screenID int, app, title string) error {
	grabCtx, cancel := context.WithTimeout(ctx, cfg.FileIOTimeout)
	defer cancel()

	img, err := p.grabber.Grab(grabCtx, screenID)
	if err != nil {
		return fmt.Errorf("grab screen %d: %w", screenID, err)
	}

	if cfg.Deduplicate && p.isDuplicate(screenID, img, cfg.HashThreshold) {
		p.logger.Debug("capture deduplicated", "screen_id", screenID)
		return nil
	}

	now := p.clock.Now()
	path, fileHash, err := p.writePNG(img, screenID, now)
	if err != nil {
		return fmt.Errorf("write screenshot for screen %d: %w", screenID, err)
	}

	bounds := img.Bounds()
	s, err := p.db.Screenshots.Add(ctx, storage.Screenshot{
		FilePath: path, FileHash: fileHash,
		Width: bounds.Dx(), Height: bounds.Dy(), ScreenID: screenID,
		AppName: app, WindowTitle: title, CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("persist screenshot for screen %d: %w", screenID, err)
	}

	event, err := p.db.Events.GetOrCreateEvent(ctx, app, title, now)
	if err != nil {
		return fmt.Errorf("get or create event for screen %d: %w", screenID, err)
	}
	if err := p.db.Events.AddScreenshotToEvent(ctx, s.ID, event.ID); err != nil {
		return fmt.Errorf("link screenshot %d to event %d: %w", s.ID, event.ID, err)
	}

	if p.detector != nil {
		go func() {
			detectCtx := context.Background()
			if err := p.detector.Detect(detectCtx, s.ID); err != nil {
				p.logger.Warn("todo detection failed", "screenshot_id", s.ID, "error", err)
			}
		}()
	}

	if p.proactiveOCR != nil {
		go func() {
			ocrCtx := context.Background()
			if err := p.proactiveOCR.ProactiveTick(ocrCtx, s.ID); err != nil {
				p.logger.Warn("proactive ocr failed", "screenshot_id", s.ID, "error", err)
			}
		}()
	}

	return nil
}

func (p *Pipeline) isDuplicate(screenID int, img image.Image, threshold int) bool {
	h := phash.Average(img)

	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.lastHashes[screenID]
	p.lastHashes[screenID] = h
	if !ok {
		return false
	}
	return phash.HammingDistance(prev, h) <= threshold
}

// writePNG encodes img and writes it directly under screenshotsDir, named
// screen_<id>_<YYYYmmdd_HHMMSS_ms>.png per spec §4.5 step 5 / §6, and
// returns the absolute path and the MD5 hash of the encoded bytes.
func (p *Pipeline) writePNG(img image.Image, screenID int, now time.Time) (path, fileHash string, err error) {
	dir := p.screenshotsDir
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create screenshot directory: %w", err)
	}

	ms := now.Nanosecond() / int(time.Millisecond)
	filename := fmt.Sprintf("screen_%d_%s_%03d.png", screenID, now.Format("20060102_150405"), ms)
	full := filepath.Join(dir, filename)

	f, err := os.Create(full)
	if err != nil {
		return "", "", fmt.Errorf("create screenshot file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(png.Encode(pw, img))
	}()

	hasher := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), pr); err != nil {
		return "", "", fmt.Errorf("encode screenshot: %w", err)
	}

	return full, hex.EncodeToString(hasher.Sum(nil)), nil
}

// doublestarGlobPattern is the screenshots-directory sweep pattern used
// by Sweep, kept as a named constant so the glob shape is documented once.
const doublestarGlobPattern = "**/*.png"

// Sweep reconciles orphaned screenshot files on disk with no matching
// screenshots row (spec §4.5 startup sweep) — e.g. files written just
// before an unclean shutdown. Inserted rows are attributed app_name
// "unknown".
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	matches, err := doublestar.Glob(os.DirFS(p.screenshotsDir), doublestarGlobPattern)
	if err != nil {
		return 0, fmt.Errorf("glob screenshots dir: %w", err)
	}

	inserted := 0
	for _, rel := range matches {
		full := filepath.Join(p.screenshotsDir, rel)
		existing, err := p.db.Screenshots.GetByPath(ctx, full)
		if err != nil && err != storage.ErrNotFound {
			return inserted, fmt.Errorf("check existing screenshot %q: %w", full, err)
		}
		if existing != nil {
			continue
		}

		info, err := os.Stat(full)
		if err != nil {
			p.logger.Warn("sweep: stat failed, skipping", "path", full, "error", err)
			continue
		}

		width, height := 0, 0
		if f, err := os.Open(full); err == nil {
			if cfg, _, err := image.DecodeConfig(f); err == nil {
				width, height = cfg.Width, cfg.Height
			}
			f.Close()
		}

		if _, err := p.db.Screenshots.Add(ctx, storage.Screenshot{
			FilePath: full, Width: width, Height: height, ScreenID: 0,
			AppName: "unknown", WindowTitle: "unknown", CreatedAt: info.ModTime(),
		}); err != nil {
			return inserted, fmt.Errorf("insert orphaned screenshot %q: %w", full, err)
		}
		inserted++
	}
	return inserted, nil
}
