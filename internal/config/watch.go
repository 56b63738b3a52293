package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"lifetrace/internal/notify"
)

// debounceWindow absorbs editors that emit multiple write events per save
// (grounded on the teacher's tail ingester fsnotify debounce, see
// internal/ingester/tail/discovery.go in the retrieval pack).
const debounceWindow = 100 * time.Millisecond

// Watch watches the user config file's directory for writes and triggers
// Reload, debounced. It blocks until ctx is cancelled. Reload errors are
// logged, not returned — a bad edit must not crash the watch loop (spec
// §4.2: a malformed reload just keeps the previous snapshot).
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.userPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	defaultDir := filepath.Dir(s.defaultPath)
	if defaultDir != dir {
		if err := watcher.Add(defaultDir); err != nil {
			s.logger.Warn("failed to watch default config directory", "dir", defaultDir, "error", err)
		}
	}

	sig := notify.NewSignal()
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.userPath) &&
				filepath.Clean(ev.Name) != filepath.Clean(s.defaultPath) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, sig.Notify)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)
		case <-sig.C():
			if err := s.Reload(ctx); err != nil {
				s.logger.Error("config reload after file change failed", "error", err)
			}
		}
	}
}
