package scheduler

import (
	"context"
	"fmt"
	"sync"
)

// JobFunc is the shape every scheduled job's work takes (spec §4.9 "Job
// functions"). Durable storage persists only the (module, symbol) pair
// that resolves back to one of these plus a kwargs map, never a serialized
// closure — mirroring APScheduler's func+kwargs job shape from
// original_source/lifetrace/jobs/scheduler.py so one registered function
// (e.g. "reminder.fire") serves every differently-parameterized job
// instance (one per todo_id/reminder_at pair).
type JobFunc func(ctx context.Context, kwargs map[string]any) error

// Registry resolves a durable {module, symbol} pair back to a live
// JobFunc at fire or restore time (spec §4.9 "Job function registry").
// An id with no matching registration fails that job's restore visibly
// instead of panicking.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]map[string]JobFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]map[string]JobFunc)}
}

// Register associates module.symbol with fn. Re-registering the same pair
// overwrites the previous function (used by tests and hot-reload paths).
func (r *Registry) Register(module, symbol string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.funcs[module] == nil {
		r.funcs[module] = make(map[string]JobFunc)
	}
	r.funcs[module][symbol] = fn
}

// Resolve looks up module.symbol, returning an error if nothing is
// registered under that pair.
func (r *Registry) Resolve(module, symbol string) (JobFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fns, ok := r.funcs[module]
	if !ok {
		return nil, fmt.Errorf("scheduler: no module registered: %q", module)
	}
	fn, ok := fns[symbol]
	if !ok {
		return nil, fmt.Errorf("scheduler: no symbol %q registered under module %q", symbol, module)
	}
	return fn, nil
}
