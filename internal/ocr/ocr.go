// Package ocr implements the OCR worker (spec §4.6): pull unprocessed
// screenshots, preprocess them, recognize text through a pluggable
// Recognizer, and persist the result.
package ocr

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/nfnt/resize"
	"golang.org/x/time/rate"

	"lifetrace/internal/callgroup"
	"lifetrace/internal/logging"
	"lifetrace/internal/storage"
	"lifetrace/internal/vectorindex"
)

// Line is one recognized line of text with its model confidence in [0, 1].
type Line struct {
	Text       string
	Confidence float64
}

// Recognizer is the out-of-scope OCR engine collaborator (e.g. a Tesseract
// binding or a cloud vision API client).
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) ([]Line, error)
}

// RecognizerFactory lazily constructs a Recognizer, used so the worker can
// retry with a fallback, minimal configuration if the primary
// configuration fails to initialize (spec §4.6).
type RecognizerFactory func() (Recognizer, error)

const (
	maxWidth  = 1920
	maxHeight = 1080
)

// Config mirrors jobs.ocr.params in the config store (spec §6).
type Config struct {
	BatchSize          int
	ConfidenceThreshold float64
	ProcessingDelay    time.Duration
}

// DefaultConfig mirrors default_config.yaml's jobs.ocr.params.
func DefaultConfig() Config {
	return Config{
		BatchSize:           50,
		ConfidenceThreshold: 0.5,
		ProcessingDelay:      100 * time.Millisecond,
	}
}

// Worker runs one OCR pass over unprocessed screenshots per Tick.
type Worker struct {
	db      *storage.DB
	index   *vectorindex.Index // may be nil: vector indexing is best-effort
	primary RecognizerFactory
	fallback RecognizerFactory
	logger  *slog.Logger

	recognizer Recognizer // lazily initialized on first Tick
	initGroup  callgroup.Group[string]
	limiter    *rate.Limiter
	lastConfig Config // most recent Tick config, reused by ProactiveTick
}

// New constructs a Worker. fallback may be nil if no degraded recognizer
// configuration is available.
func New(db *storage.DB, index *vectorindex.Index, primary, fallback RecognizerFactory, logger *slog.Logger) *Worker {
	return &Worker{
		db:       db,
		index:    index,
		primary:  primary,
		fallback: fallback,
		logger:   logging.Default(logger).With("component", "ocr"),
	}
}

// ensureRecognizer lazily initializes the Recognizer: primary configuration
// first, minimal-config fallback second, propagating the error only if both
// fail (spec §4.6's "lazy recognizer init"). Concurrent callers (a
// scheduled Tick racing a proactive tick) collapse onto a single in-flight
// initialization via callgroup instead of each paying the init cost.
func (w *Worker) ensureRecognizer() (Recognizer, error) {
	if r := w.recognizer; r != nil {
		return r, nil
	}
	err := <-w.initGroup.DoChan("recognizer", func() error {
		if w.recognizer != nil {
			return nil
		}
		r, err := w.primary()
		if err == nil {
			w.recognizer = r
			return nil
		}
		w.logger.Warn("primary recognizer init failed, trying fallback", "error", err)
		if w.fallback == nil {
			return fmt.Errorf("init recognizer: %w", err)
		}
		r, fbErr := w.fallback()
		if fbErr != nil {
			return fmt.Errorf("init recognizer: primary: %v, fallback: %w", err, fbErr)
		}
		w.recognizer = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w.recognizer, nil
}

// Tick processes up to cfg.BatchSize unprocessed screenshots.
func (w *Worker) Tick(ctx context.Context, cfg Config) error {
	recognizer, err := w.ensureRecognizer()
	if err != nil {
		return fmt.Errorf("ocr worker: %w", err)
	}
	if w.limiter == nil || w.limiter.Limit() != rate.Every(cfg.ProcessingDelay) {
		w.limiter = rate.NewLimiter(rate.Every(cfg.ProcessingDelay), 1)
	}
	w.lastConfig = cfg

	shots, err := w.db.Screenshots.IterNewestUnprocessed(ctx, cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list unprocessed screenshots: %w", err)
	}

	for _, s := range shots {
		if err := w.limiter.Wait(ctx); err != nil {
			return err // context canceled during shutdown drain
		}
		if err := w.processOne(ctx, recognizer, s, cfg); err != nil {
			w.logger.Warn("ocr failed for screenshot", "screenshot_id", s.ID, "error", err)
		}
	}
	return nil
}

// ProactiveTick recognizes a single, just-captured screenshot immediately,
// bypassing the normal newest-first batch queue (supplemented feature,
// ported from original_source/lifetrace/jobs/proactive_ocr/__init__.py) so
// it becomes searchable within seconds rather than waiting for the next
// scheduled Tick.
func (w *Worker) ProactiveTick(ctx context.Context, screenshotID int64) error {
	recognizer, err := w.ensureRecognizer()
	if err != nil {
		return fmt.Errorf("ocr worker proactive tick: %w", err)
	}
	cfg := w.lastConfig
	if cfg.ProcessingDelay == 0 {
		cfg = DefaultConfig()
	}
	s, err := w.db.Screenshots.GetByID(ctx, screenshotID)
	if err != nil {
		return fmt.Errorf("get screenshot %d: %w", screenshotID, err)
	}
	if _, err := w.db.OCRResults.GetByScreenshot(ctx, screenshotID); err == nil {
		return nil // already processed
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("check existing ocr result: %w", err)
	}
	return w.processOne(ctx, recognizer, *s, cfg)
}

func (w *Worker) processOne(ctx context.Context, recognizer Recognizer, s storage.Screenshot, cfg Config) error {
	start := time.Now()

	f, err := os.Open(s.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			w.logger.Debug("skipping screenshot with missing file", "screenshot_id", s.ID, "path", s.FilePath)
			return nil
		}
		return fmt.Errorf("open screenshot file: %w", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode screenshot image: %w", err)
	}

	img = preprocess(img)

	lines, err := recognizer.Recognize(ctx, img)
	if err != nil {
		return fmt.Errorf("recognize: %w", err)
	}

	text := concatenateAboveThreshold(lines, cfg.ConfidenceThreshold)
	avgConfidence := averageConfidence(lines)

	result, err := w.db.OCRResults.Add(ctx, storage.OCRResult{
		ScreenshotID:   s.ID,
		TextContent:    text,
		Confidence:     avgConfidence,
		Language:       "eng",
		ProcessingTime: time.Since(start).Seconds(),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("persist ocr result: %w", err)
	}

	if w.index != nil && text != "" {
		if err := w.index.Upsert(ctx, vectorindex.Document{
			ScreenshotID: s.ID,
			Text:         text,
		}); err != nil {
			w.logger.Warn("vector index upsert failed", "screenshot_id", s.ID, "error", err)
		}
	}

	_ = result
	return nil
}

// preprocess converts img to RGB and downscales it (preserving aspect
// ratio) to at most 1920x1080, matching the recognizer's expected input
// size (spec §4.6).
func preprocess(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxWidth && h <= maxHeight {
		return img
	}
	scale := float64(maxWidth) / float64(w)
	if hs := float64(maxHeight) / float64(h); hs < scale {
		scale = hs
	}
	newW := uint(float64(w) * scale)
	newH := uint(float64(h) * scale)
	return resize.Resize(newW, newH, img, resize.Lanczos3)
}

func concatenateAboveThreshold(lines []Line, threshold float64) string {
	var text string
	for i, l := range lines {
		if l.Confidence < threshold {
			continue
		}
		if i > 0 && text != "" {
			text += "\n"
		}
		text += l.Text
	}
	return text
}

func averageConfidence(lines []Line) float64 {
	if len(lines) == 0 {
		return 0
	}
	var sum float64
	for _, l := range lines {
		sum += l.Confidence
	}
	return sum / float64(len(lines))
}
