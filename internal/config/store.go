// Package config provides LifeTrace's configuration surface: layered YAML
// load (default → user, deep-merged), dotted get/set, hot-reload driven by
// fsnotify, and a typed change bus that downstream components (chiefly the
// Job Manager) subscribe to (spec §4.2).
//
// Reads are lock-free after load: Store swaps an immutable *Snapshot
// pointer under a lock on every successful reload, and readers load the
// pointer once per tick so a mid-tick reload cannot produce a torn read
// (spec §5, and the teacher's logging package doc: "global configuration
// belongs only in main(), not a global registry").
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"lifetrace/internal/logging"
)

// ChangeType is a bitmask identifying which config sections a subscriber
// cares about (spec §4.2).
type ChangeType int

const (
	ChangeLLM ChangeType = 1 << iota
	ChangeJobs
	ChangeServer
	ChangeAll = ChangeLLM | ChangeJobs | ChangeServer
)

// sectionChangeType maps a top-level YAML section name to the ChangeType
// bit a reload diff against that section should dispatch under.
var sectionChangeType = map[string]ChangeType{
	"llm":       ChangeLLM,
	"jobs":      ChangeJobs,
	"scheduler": ChangeServer,
	"server":    ChangeServer,
	"logging":   ChangeServer,
}

// Handler is invoked synchronously on a successful reload for every section
// whose ChangeType intersects the subscription. old/new are the section's
// subtree (nil if the section didn't exist before/after).
type Handler func(section string, changeType ChangeType, old, new any)

type subscription struct {
	types   ChangeType
	handler Handler
}


// Store loads, persists, and hot-reloads LifeTrace's YAML configuration.
type Store struct {
	defaultPath string
	userPath    string
	logger      *slog.Logger

	snapshot atomic.Pointer[Snapshot]

	mu   sync.Mutex // guards writes (Set, Reload) and subs
	subs []*subscription
}

// NewStore creates a Store reading from defaultPath and userPath. Load must
// be called before Get/Set are usable.
func NewStore(defaultPath, userPath string, logger *slog.Logger) *Store {
	return &Store{
		defaultPath: defaultPath,
		userPath:    userPath,
		logger:      logging.Default(logger).With("component", "config"),
	}
}

// Load reads both YAML files and deep-merges the user file over the
// default file, then installs the resulting snapshot. It does not dispatch
// change events (there is no prior snapshot to diff against).
func (s *Store) Load(ctx context.Context) error {
	merged, err := s.readMerged()
	if err != nil {
		return err
	}
	s.snapshot.Store(newSnapshot(merged))
	return nil
}

// Snapshot returns the current immutable configuration snapshot. Safe for
// concurrent use; callers should call this once per tick and use the
// returned pointer for the duration of that tick.
func (s *Store) Snapshot() *Snapshot {
	snap := s.snapshot.Load()
	if snap == nil {
		return newSnapshot(nil)
	}
	return snap
}

// Get is a convenience wrapper over Snapshot().Get.
func (s *Store) Get(key string) (any, error) {
	return s.Snapshot().Get(key)
}

// Set writes value at the dotted key path into the in-memory snapshot and,
// if persist is true, writes it back to the user YAML file (never the
// default file) so that file and memory cannot diverge across a crash
// (spec §4.2).
func (s *Store) Set(key string, value any, persist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Snapshot().root
	updated := setDotted(cloneTree(current), key, value)
	s.snapshot.Store(newSnapshot(updated))

	if !persist {
		return nil
	}

	userTree, err := readYAMLFile(s.userPath)
	if err != nil {
		return fmt.Errorf("config: read user file for set: %w", err)
	}
	userTree = setDotted(userTree, key, value)
	return writeYAMLFile(s.userPath, userTree)
}

// Reload re-reads both YAML files atomically under the write lock. A
// malformed file fails the reload and the previous in-memory snapshot is
// retained (spec §4.2 failure model). On success it diffs the old and new
// trees at section granularity and dispatches to registered handlers;
// handler panics/errors are recovered and logged per-handler, never
// propagated to the caller or to other handlers. Handlers run after the
// lock is released, so a handler may itself call Set.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	old := s.Snapshot()
	merged, err := s.readMerged()
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("config reload failed, retaining previous snapshot", "error", err)
		return err
	}
	newSnap := newSnapshot(merged)
	s.snapshot.Store(newSnap)
	subs := append([]*subscription(nil), s.subs...)
	s.mu.Unlock()

	s.dispatch(old, newSnap, subs)
	return nil
}

// Subscribe registers handler for sections whose ChangeType bit intersects
// types. Returns an unsubscribe function.
func (s *Store) Subscribe(types ChangeType, handler Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{types: types, handler: handler}
	s.subs = append(s.subs, sub)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sb := range s.subs {
			if sb == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// dispatch compares old and new at section granularity and invokes
// matching subscriptions from subs, a copy taken under s.mu. Must be called
// without s.mu held.
func (s *Store) dispatch(old, newSnap *Snapshot, subs []*subscription) {
	oldSections := old.sections()
	newSections := newSnap.sections()

	seen := make(map[string]bool, len(oldSections)+len(newSections))
	for name := range oldSections {
		seen[name] = true
	}
	for name := range newSections {
		seen[name] = true
	}

	for name := range seen {
		ov := oldSections[name]
		nv := newSections[name]
		if treesEqual(ov, nv) {
			continue
		}
		ct, ok := sectionChangeType[name]
		if !ok {
			continue
		}
		for _, sub := range subs {
			if sub.types&ct == 0 {
				continue
			}
			s.invoke(sub.handler, name, ct, ov, nv)
		}
	}
}

func (s *Store) invoke(h Handler, section string, ct ChangeType, old, new any) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("config change handler panicked", "section", section, "panic", r)
		}
	}()
	h(section, ct, old, new)
}

func (s *Store) readMerged() (map[string]any, error) {
	def, err := readYAMLFile(s.defaultPath)
	if err != nil {
		return nil, fmt.Errorf("config: read default file: %w", err)
	}
	user, err := readYAMLFile(s.userPath)
	if err != nil {
		return nil, fmt.Errorf("config: read user file: %w", err)
	}
	return deepMerge(def, user), nil
}

func readYAMLFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse yaml %s: %w", path, err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

func writeYAMLFile(path string, tree map[string]any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	return os.Rename(tmp, path)
}

func cloneTree(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := asStringMap(v); ok {
			out[k] = cloneTree(sub)
			continue
		}
		out[k] = v
	}
	return out
}

func setDotted(tree map[string]any, key string, value any) map[string]any {
	segs := splitDotted(key)
	cur := tree
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return tree
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return tree
}

func splitDotted(key string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			segs = append(segs, key[start:i])
			start = i + 1
		}
	}
	segs = append(segs, key[start:])
	return segs
}

func treesEqual(a, b any) bool {
	am, aIsMap := asStringMap(a)
	bm, bIsMap := asStringMap(b)
	if aIsMap != bIsMap {
		return false
	}
	if aIsMap {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !treesEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
