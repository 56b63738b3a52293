// Package retention implements the data retention job (spec §3
// "Lifecycles", the clean_data_job row in spec §4.11's table), ported from
// original_source/lifetrace/jobs/clean_data.py: trim screenshots by count,
// then by age, soft-deleting (default) or hard-deleting each one.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"lifetrace/internal/clock"
	"lifetrace/internal/logging"
	"lifetrace/internal/storage"
)

// Config mirrors jobs.clean_data in the config store.
type Config struct {
	MaxScreenshots  int  // 0 disables the by-count pass
	MaxDays         int  // 0 disables the by-age pass
	DeleteFileOnly bool // true: keep the row, mark file_deleted; false: delete the row too
}

// DefaultConfig mirrors default_config.yaml's jobs.clean_data.
func DefaultConfig() Config {
	return Config{MaxScreenshots: 10000, MaxDays: 30, DeleteFileOnly: true}
}

// Result summarizes one Tick's cleanup work.
type Result struct {
	DeletedFiles   int
	DeletedRecords int
	FreedBytes     int64
}

// Cleaner enforces Config against the screenshot store.
type Cleaner struct {
	db     *storage.DB
	clock  clock.Clock
	logger *slog.Logger
}

// New constructs a Cleaner.
func New(db *storage.DB, clk clock.Clock, logger *slog.Logger) *Cleaner {
	return &Cleaner{db: db, clock: clk, logger: logging.Default(logger).With("component", "retention")}
}

// Tick is the registered {retention, tick} JobFunc's implementation (spec
// §4.11 "clean_data_job"): trims by count, then by age, logging freed
// space in human-readable form.
func (c *Cleaner) Tick(ctx context.Context, cfg Config) (Result, error) {
	var total Result

	if cfg.MaxScreenshots > 0 {
		byCount, err := c.cleanByCount(ctx, cfg)
		if err != nil {
			return total, fmt.Errorf("clean by count: %w", err)
		}
		total = add(total, byCount)
	}

	if cfg.MaxDays > 0 {
		byAge, err := c.cleanByAge(ctx, cfg)
		if err != nil {
			return total, fmt.Errorf("clean by age: %w", err)
		}
		total = add(total, byAge)
	}

	c.logger.Info("data cleanup complete",
		"deleted_files", total.DeletedFiles, "deleted_records", total.DeletedRecords,
		"freed_space", humanize.Bytes(uint64(total.FreedBytes)))
	return total, nil
}

func (c *Cleaner) cleanByCount(ctx context.Context, cfg Config) (Result, error) {
	var res Result
	total, err := c.db.Screenshots.Count(ctx, true)
	if err != nil {
		return res, fmt.Errorf("count screenshots: %w", err)
	}
	if total <= cfg.MaxScreenshots {
		return res, nil
	}

	excess := total - cfg.MaxScreenshots
	c.logger.Info("screenshot count over limit, trimming oldest", "total", total, "limit", cfg.MaxScreenshots, "excess", excess)
	screenshots, err := c.db.Screenshots.ListOldestExcess(ctx, excess)
	if err != nil {
		return res, fmt.Errorf("list oldest excess: %w", err)
	}
	return c.deleteAll(ctx, screenshots, cfg), nil
}

func (c *Cleaner) cleanByAge(ctx context.Context, cfg Config) (Result, error) {
	var res Result
	cutoff := c.clock.Now().AddDate(0, 0, -cfg.MaxDays)
	screenshots, err := c.db.Screenshots.ListOlderThan(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list older than %s: %w", cutoff, err)
	}
	if len(screenshots) == 0 {
		return res, nil
	}
	c.logger.Info("found expired screenshots", "cutoff", cutoff, "count", len(screenshots))
	return c.deleteAll(ctx, screenshots, cfg), nil
}

func (c *Cleaner) deleteAll(ctx context.Context, screenshots []storage.Screenshot, cfg Config) Result {
	var res Result
	for _, s := range screenshots {
		freed, err := c.deleteOne(ctx, s, cfg)
		if err != nil {
			c.logger.Warn("failed to delete screenshot", "id", s.ID, "path", s.FilePath, "error", err)
			continue
		}
		res.DeletedFiles++
		res.FreedBytes += freed
		if !cfg.DeleteFileOnly {
			res.DeletedRecords++
		}
	}
	return res
}

func (c *Cleaner) deleteOne(ctx context.Context, s storage.Screenshot, cfg Config) (int64, error) {
	var freed int64
	if info, err := os.Stat(s.FilePath); err == nil {
		freed = info.Size()
		if err := os.Remove(s.FilePath); err != nil {
			return 0, fmt.Errorf("remove file %s: %w", s.FilePath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("stat file %s: %w", s.FilePath, err)
	}

	if cfg.DeleteFileOnly {
		if err := c.db.Screenshots.MarkFileDeleted(ctx, s.ID); err != nil {
			return freed, fmt.Errorf("mark file deleted: %w", err)
		}
		return freed, nil
	}
	if err := c.db.Screenshots.Delete(ctx, s.ID); err != nil {
		return freed, fmt.Errorf("delete row: %w", err)
	}
	return freed, nil
}

func add(a, b Result) Result {
	return Result{
		DeletedFiles:   a.DeletedFiles + b.DeletedFiles,
		DeletedRecords: a.DeletedRecords + b.DeletedRecords,
		FreedBytes:     a.FreedBytes + b.FreedBytes,
	}
}
