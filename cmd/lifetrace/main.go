// Command lifetrace runs the LifeTrace recording service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"lifetrace/internal/capture"
	"lifetrace/internal/capture/grabber"
	"lifetrace/internal/clock"
	"lifetrace/internal/config"
	"lifetrace/internal/home"
	"lifetrace/internal/jobmanager"
	"lifetrace/internal/logging"
	"lifetrace/internal/reminder"
	"lifetrace/internal/scheduler"
	"lifetrace/internal/storage"
	"lifetrace/internal/trace"
	"lifetrace/internal/vectorindex"
	"lifetrace/internal/windowprobe"
)

var version = "dev"

func main() {
	// Base logger wrapped in a per-component level filter with a fixed
	// Info default. The logging.level/logging.default_level config keys
	// are not read, and nothing here calls the filter's SetLevel.
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "lifetrace",
		Short: "Personal life-recording service",
	}
	rootCmd.PersistentFlags().String("data-dir", os.Getenv("LIFETRACE_DATA_DIR"), "data directory (default: platform config dir, or $LIFETRACE_DATA_DIR)")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the recording service",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			vectorIndex, _ := cmd.Flags().GetBool("vector-index")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runServer(ctx, logger, dataDir, vectorIndex)
		},
	}
	serverCmd.Flags().Bool("vector-index", true, "maintain the OCR text vector index")

	tickCmd := &cobra.Command{
		Use:   "tick",
		Short: "Run a single capture tick and exit, bypassing the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			screensFlag, _ := cmd.Flags().GetString("screens")
			return runTick(context.Background(), logger, dataDir, screensFlag)
		},
	}
	tickCmd.Flags().String("interval", "", "accepted for CLI-surface parity with the scheduled recorder job; a single tick ignores it")
	tickCmd.Flags().String("screens", "", `override recorder screens for this run: "all" or a comma-separated list of ids`)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, tickCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runServer starts the full recording service: config store, storage,
// scheduler, every domain component, and the job manager, then blocks
// until ctx is canceled (spec §6 CLI surface, the service's normal mode).
func runServer(ctx context.Context, logger *slog.Logger, dataDirFlag string, wantVectorIndex bool) error {
	hd, err := resolveHome(dataDirFlag)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	logger.Info("data directory", "path", hd.Root())

	if err := config.Bootstrap(hd.DefaultConfigPath(), hd.UserConfigPath()); err != nil {
		return fmt.Errorf("bootstrap config: %w", err)
	}
	cfgStore := config.NewStore(hd.DefaultConfigPath(), hd.UserConfigPath(), logger)
	if err := cfgStore.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := storage.Open(hd.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var index *vectorindex.Index
	if wantVectorIndex {
		index, err = vectorindex.Open(hd.VectorDBDir())
		if err != nil {
			return fmt.Errorf("open vector index: %w", err)
		}
		defer index.Close()
	}

	clk := clock.NewReal()
	registry := scheduler.NewRegistry()

	sched, err := scheduler.New(hd.SchedulerDBPath(), registry, clk, nil, logger)
	if err != nil {
		return fmt.Errorf("open scheduler: %w", err)
	}

	buildComponents(db, index, hd.ScreenshotsDir(), cfgStore, registry, clk, logger)
	planner := reminder.New(db, sched, registry, clk, logger)
	traceSink := trace.New(hd.TracesDir(), trace.DefaultConfig(), clk, logger)

	if err := sched.Restore(ctx); err != nil {
		return fmt.Errorf("restore durable jobs: %w", err)
	}

	jobs := jobmanager.New(sched, cfgStore, planner, logger)
	if err := jobs.Start(ctx); err != nil {
		return fmt.Errorf("start job manager: %w", err)
	}

	logger.Info("lifetrace started")
	<-ctx.Done()
	logger.Info("shutting down")

	jobs.Stop()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		logger.Error("scheduler stop error", "error", err)
	}
	if err := traceSink.Stop(stopCtx); err != nil {
		logger.Error("trace sink stop error", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// runTick performs one capture pass with no scheduler or job manager
// involved (spec §6 CLI surface "the scheduled-job entry point and any
// wrapper"): useful for forcing an out-of-band capture from an external
// scheduler, or exercising recorder config by hand.
func runTick(ctx context.Context, logger *slog.Logger, dataDirFlag, screensFlag string) error {
	hd, err := resolveHome(dataDirFlag)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := storage.Open(hd.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	cfg := capture.DefaultConfig()
	if screensFlag != "" && screensFlag != "all" {
		screens, err := parseScreens(screensFlag)
		if err != nil {
			return fmt.Errorf("parse --screens: %w", err)
		}
		cfg.Screens = screens
	}

	pipeline := capture.New(db, clock.NewReal(), windowprobe.New(), grabber.New(), hd.ScreenshotsDir(), logger, nil, nil)
	if err := pipeline.Tick(ctx, cfg); err != nil {
		return fmt.Errorf("capture tick: %w", err)
	}
	return nil
}

func parseScreens(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	screens := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid screen id %q: %w", p, err)
		}
		screens = append(screens, n)
	}
	return screens, nil
}

// resolveHome returns a Dir from the flag/env value, or the platform
// default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
