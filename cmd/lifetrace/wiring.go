package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lifetrace/internal/activity"
	"lifetrace/internal/capture"
	"lifetrace/internal/capture/grabber"
	"lifetrace/internal/clock"
	"lifetrace/internal/config"
	"lifetrace/internal/ocr"
	"lifetrace/internal/retention"
	"lifetrace/internal/scheduler"
	"lifetrace/internal/storage"
	"lifetrace/internal/vectorindex"
	"lifetrace/internal/windowprobe"
)

// errRecognizerUnavailable is returned by the placeholder OCR recognizer
// factory: the actual vision engine is an out-of-scope oracle (spec.md
// "LLM/embedding/ASR clients, treated as an oracle"), so a real deployment
// supplies its own RecognizerFactory in place of this one.
var errRecognizerUnavailable = errors.New("ocr: no recognizer configured")

// components holds every long-lived collaborator built at startup. The
// LLM/vision oracles (todo detector, OCR recognizer, activity summarizer)
// are out of scope, so every seam that accepts one is left nil or backed
// by a placeholder that reports unavailability rather than silently
// no-opping.
type components struct {
	db         *storage.DB
	index      *vectorindex.Index // nil when vector indexing is disabled
	pipeline   *capture.Pipeline
	ocrWorker  *ocr.Worker
	aggregator *activity.Aggregator
	cleaner    *retention.Cleaner
}

// buildComponents constructs every domain component and registers their
// scheduler job functions against registry. Each job function re-reads
// cfgStore's live snapshot on every tick, so a config reload changes
// behavior on the next scheduled run without a restart.
func buildComponents(db *storage.DB, index *vectorindex.Index, screenshotsDir string, cfgStore *config.Store, registry *scheduler.Registry, clk clock.Clock, logger *slog.Logger) *components {
	c := &components{db: db, index: index}

	c.ocrWorker = ocr.New(db, index, unavailableRecognizer, unavailableRecognizer, logger)
	registry.Register("ocr", "tick", func(ctx context.Context, _ map[string]any) error {
		return c.ocrWorker.Tick(ctx, ocrConfigFromSnapshot(cfgStore.Snapshot()))
	})

	// c.ocrWorker doubles as the capture pipeline's proactive-OCR hook
	// (spec's supplemented proactive_ocr_job), gated on
	// jobs.proactive_ocr.enabled: a screenshot becomes searchable within
	// seconds instead of waiting for the next scheduled OCR tick.
	c.pipeline = capture.New(db, clk, windowprobe.New(), grabber.New(), screenshotsDir, logger, nil,
		proactiveOCRGate{worker: c.ocrWorker, cfgStore: cfgStore})
	registry.Register("capture", "tick", func(ctx context.Context, _ map[string]any) error {
		return c.pipeline.Tick(ctx, captureConfigFromSnapshot(cfgStore.Snapshot()))
	})

	c.aggregator = activity.New(db, clk, nil, logger)
	registry.Register("activity", "tick", func(ctx context.Context, _ map[string]any) error {
		_, err := c.aggregator.Tick(ctx)
		return err
	})

	c.cleaner = retention.New(db, clk, logger)
	registry.Register("retention", "tick", func(ctx context.Context, _ map[string]any) error {
		_, err := c.cleaner.Tick(ctx, retentionConfigFromSnapshot(cfgStore.Snapshot()))
		return err
	})

	return c
}

func unavailableRecognizer() (ocr.Recognizer, error) {
	return nil, errRecognizerUnavailable
}

// proactiveOCRGate forwards to the OCR worker's ProactiveTick only while
// jobs.proactive_ocr.enabled is true in the live config snapshot.
type proactiveOCRGate struct {
	worker   *ocr.Worker
	cfgStore *config.Store
}

func (g proactiveOCRGate) ProactiveTick(ctx context.Context, screenshotID int64) error {
	if !boolFromSnapshot(g.cfgStore.Snapshot(), "jobs.proactive_ocr.enabled", false) {
		return nil
	}
	return g.worker.ProactiveTick(ctx, screenshotID)
}

func captureConfigFromSnapshot(snap *config.Snapshot) capture.Config {
	cfg := capture.DefaultConfig()
	cfg.Deduplicate = boolFromSnapshot(snap, "jobs.recorder.params.deduplicate", cfg.Deduplicate)
	cfg.HashThreshold = intFromSnapshot(snap, "jobs.recorder.params.hash_threshold", cfg.HashThreshold)
	cfg.FileIOTimeout = secondsFromSnapshot(snap, "jobs.recorder.params.file_io_timeout", cfg.FileIOTimeout)
	cfg.DBTimeout = secondsFromSnapshot(snap, "jobs.recorder.params.db_timeout", cfg.DBTimeout)
	cfg.WindowInfoTimeout = secondsFromSnapshot(snap, "jobs.recorder.params.window_info_timeout", cfg.WindowInfoTimeout)
	cfg.Blacklist.Enabled = boolFromSnapshot(snap, "jobs.recorder.params.blacklist.enabled", cfg.Blacklist.Enabled)
	cfg.Blacklist.AutoExcludeSelf = boolFromSnapshot(snap, "jobs.recorder.params.auto_exclude_self", cfg.Blacklist.AutoExcludeSelf)
	cfg.Blacklist.Apps = stringsFromSnapshot(snap, "jobs.recorder.params.blacklist.apps")
	cfg.Blacklist.Windows = stringsFromSnapshot(snap, "jobs.recorder.params.blacklist.windows")
	return cfg
}

func ocrConfigFromSnapshot(snap *config.Snapshot) ocr.Config {
	cfg := ocr.DefaultConfig()
	cfg.BatchSize = intFromSnapshot(snap, "jobs.ocr.params.batch_size", cfg.BatchSize)
	if v, err := snap.Get("jobs.ocr.params.confidence_threshold"); err == nil {
		if f, ok := v.(float64); ok {
			cfg.ConfidenceThreshold = f
		}
	}
	return cfg
}

func retentionConfigFromSnapshot(snap *config.Snapshot) retention.Config {
	cfg := retention.DefaultConfig()
	cfg.MaxScreenshots = intFromSnapshot(snap, "jobs.clean_data.max_screenshots", cfg.MaxScreenshots)
	cfg.MaxDays = intFromSnapshot(snap, "jobs.clean_data.max_days", cfg.MaxDays)
	cfg.DeleteFileOnly = boolFromSnapshot(snap, "jobs.clean_data.delete_file_only", cfg.DeleteFileOnly)
	return cfg
}

func boolFromSnapshot(snap *config.Snapshot, key string, fallback bool) bool {
	v, err := snap.GetBool(key)
	if err != nil {
		return fallback
	}
	return v
}

func intFromSnapshot(snap *config.Snapshot, key string, fallback int) int {
	v, err := snap.GetInt(key)
	if err != nil {
		return fallback
	}
	return v
}

func secondsFromSnapshot(snap *config.Snapshot, key string, fallback time.Duration) time.Duration {
	v, err := snap.GetInt(key)
	if err != nil {
		return fallback
	}
	return time.Duration(v) * time.Second
}

func stringsFromSnapshot(snap *config.Snapshot, key string) []string {
	v, err := snap.Get(key)
	if err != nil {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
