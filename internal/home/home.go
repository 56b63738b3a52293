// Package home manages the LifeTrace data directory layout (spec §6
// "Filesystem layout").
//
// The data directory owns all persistent state: the relational store, the
// scheduler's durable job store, captured screenshots, the vector index,
// logs, trace files, and user config overrides.
//
// Layout:
//
//	<root>/
//	  data/
//	    lifetrace.db     (relational store)
//	    scheduler.db      (scheduler's durable job store)
//	    screenshots/      (screen_<id>_<YYYYmmdd_HHMMSS_ms>.png)
//	    vector_db/        (opaque embedding store)
//	  logs/<YYYY-MM-DD>.log
//	  logs/<YYYY-MM-DD>.error.log
//	  traces/session_<sid>_<ts>.json
//	  config/config.yaml
//	  config/default_config.yaml
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a LifeTrace data directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/lifetrace
//   - macOS:   ~/Library/Application Support/lifetrace
//   - Windows: %APPDATA%/lifetrace
//
// Overridden at the CLI layer by --data-dir / LIFETRACE_DATA_DIR.
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "lifetrace")}, nil
}

// Root returns the data directory path.
func (d Dir) Root() string {
	return d.root
}

// DataDir returns the directory holding the relational store, scheduler
// store, screenshots, and vector index.
func (d Dir) DataDir() string {
	return filepath.Join(d.root, "data")
}

// DatabasePath returns the path to the relational store.
func (d Dir) DatabasePath() string {
	return filepath.Join(d.DataDir(), "lifetrace.db")
}

// SchedulerDBPath returns the path to the scheduler's durable job store.
func (d Dir) SchedulerDBPath() string {
	return filepath.Join(d.DataDir(), "scheduler.db")
}

// ScreenshotsDir returns the directory screenshots are written to.
func (d Dir) ScreenshotsDir() string {
	return filepath.Join(d.DataDir(), "screenshots")
}

// VectorDBDir returns the directory the embedding store is opened in.
func (d Dir) VectorDBDir() string {
	return filepath.Join(d.DataDir(), "vector_db")
}

// LogsDir returns the directory plain and error logs are written to.
func (d Dir) LogsDir() string {
	return filepath.Join(d.root, "logs")
}

// TracesDir returns the directory the Trace Sink writes session files to.
func (d Dir) TracesDir() string {
	return filepath.Join(d.root, "traces")
}

// ConfigDir returns the directory holding config.yaml and
// default_config.yaml.
func (d Dir) ConfigDir() string {
	return filepath.Join(d.root, "config")
}

// DefaultConfigPath returns the path to the bundled default config file.
func (d Dir) DefaultConfigPath() string {
	return filepath.Join(d.ConfigDir(), "default_config.yaml")
}

// UserConfigPath returns the path to the user override config file.
func (d Dir) UserConfigPath() string {
	return filepath.Join(d.ConfigDir(), "config.yaml")
}

// EnsureExists creates every subdirectory in the layout (and their
// parents) if they don't already exist.
func (d Dir) EnsureExists() error {
	for _, dir := range []string{
		d.DataDir(),
		d.ScreenshotsDir(),
		d.VectorDBDir(),
		d.LogsDir(),
		d.TracesDir(),
		d.ConfigDir(),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return nil
}
