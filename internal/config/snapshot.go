package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Snapshot is an immutable, parsed configuration tree. Once constructed it
// is never mutated in place — Store swaps the pointer under a lock on
// reload so a mid-tick reader never observes a torn read (spec §5).
type Snapshot struct {
	root map[string]any
}

// KeyError is returned by Get when a dotted key path doesn't resolve. There
// is no silent default (spec §4.2).
type KeyError struct {
	Key string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("config: key not found: %q", e.Key)
}

func newSnapshot(root map[string]any) *Snapshot {
	if root == nil {
		root = map[string]any{}
	}
	return &Snapshot{root: root}
}

// Get resolves a dotted key path (e.g. "jobs.recorder.interval") against the
// tree. Every intermediate segment must resolve to a map; the final segment
// may be any value.
func (s *Snapshot) Get(key string) (any, error) {
	segs := strings.Split(key, ".")
	var cur any = s.root
	for i, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &KeyError{Key: key}
		}
		v, ok := m[seg]
		if !ok {
			return nil, &KeyError{Key: key}
		}
		if i == len(segs)-1 {
			return v, nil
		}
		cur = v
	}
	return nil, &KeyError{Key: key}
}

// GetString resolves key and coerces the result to a string.
func (s *Snapshot) GetString(key string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("config: key %q is not a string (got %T)", key, v)
	}
	return str, nil
}

// GetBool resolves key and coerces the result to a bool.
func (s *Snapshot) GetBool(key string) (bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("config: key %q is not a bool (got %T)", key, v)
	}
	return b, nil
}

// GetInt resolves key and coerces the result to an int.
func (s *Snapshot) GetInt(key string) (int, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("config: key %q is not an int: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("config: key %q is not an int (got %T)", key, v)
	}
}

// sections returns the top-level keys of the tree (used for section-
// granularity diffing on reload).
func (s *Snapshot) sections() map[string]any {
	return s.root
}

// deepMerge merges override onto base, mutating a fresh copy of base and
// returning it. Maps are merged recursively; any other type in override
// replaces the corresponding value in base wholesale. base and override are
// both treated as read-only.
func deepMerge(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, ov := range override {
		bv, exists := result[k]
		if !exists {
			result[k] = ov
			continue
		}
		bm, bIsMap := asStringMap(bv)
		om, oIsMap := asStringMap(ov)
		if bIsMap && oIsMap {
			result[k] = deepMerge(bm, om)
			continue
		}
		result[k] = ov
	}
	return result
}

// asStringMap normalizes the two shapes yaml.v3 produces for mapping nodes
// (map[string]any when keys happen to unmarshal as strings, or
// map[any]any/map[interface{}]any otherwise) into map[string]any.
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}
