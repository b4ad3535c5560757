package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
)

// Listener is notified after one or more datapoints changed. Implementations
// re-read the calculators they display. Listeners are compared with ==, so
// they must be of a comparable type (typically a pointer).
type Listener interface {
	OnDataChanged()
}

// Factory builds a fresh calculator for a key being provisioned.
type Factory func() (calculator.Calculator, error)

// Registry is a concurrent key to calculator map with coalesced change
// notification.
type Registry struct {
	data atomic.Pointer[map[string]calculator.Calculator]

	mu       sync.Mutex // serializes writers of data and restored
	restored map[string]calculator.Record

	dirty     atomic.Bool
	lmu       sync.Mutex
	listeners []Listener
	runMu     sync.Mutex

	persistMu sync.Mutex

	now func() time.Time // injectable for deterministic tests
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{now: time.Now}
	empty := map[string]calculator.Calculator{}
	r.data.Store(&empty)
	return r
}

// Get returns the calculator for key and whether it is provisioned.
func (r *Registry) Get(key string) (calculator.Calculator, bool) {
	c, ok := (*r.data.Load())[key]
	return c, ok
}

// Len returns the number of provisioned keys.
func (r *Registry) Len() int {
	return len(*r.data.Load())
}

// Keys returns the provisioned keys in sorted order.
func (r *Registry) Keys() []string {
	m := *r.data.Load()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Restore stages persisted records so that a later Provision of the same key
// can resume from them instead of starting fresh. Staged records that are
// never provisioned are discarded on the next Restore.
func (r *Registry) Restore(records map[string]calculator.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restored = records
}

// Provision inserts a calculator for key unless one already exists and
// reports whether a new one was created. When a staged record for key has the
// same kind and an identical config, the calculator resumes from it.
func (r *Registry) Provision(key string, factory Factory) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.data.Load()
	if _, ok := cur[key]; ok {
		return false, nil
	}

	fresh, err := factory()
	if err != nil {
		return false, fmt.Errorf("registry: provision %q: %w", key, err)
	}
	c := r.resume(key, fresh)

	next := make(map[string]calculator.Calculator, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = c
	r.data.Store(&next)
	return true, nil
}

// resume returns the calculator restored from the staged record for key, or
// fresh when there is none or it is not compatible.
func (r *Registry) resume(key string, fresh calculator.Calculator) calculator.Calculator {
	rec, ok := r.restored[key]
	if !ok {
		return fresh
	}
	delete(r.restored, key)

	if rec.Kind != fresh.Kind() {
		slog.Info("registry: persisted calculator kind differs, starting fresh",
			"key", key, "persisted", rec.Kind, "configured", fresh.Kind())
		return fresh
	}
	if ok, reason := fresh.Config().Matches(rec.Config); !ok {
		slog.Info("registry: persisted calculator config differs, starting fresh",
			"key", key, "reason", reason)
		return fresh
	}
	c, err := calculator.FromRecord(rec, calculator.WithClock(r.now))
	if err != nil {
		slog.Warn("registry: cannot restore persisted calculator, starting fresh",
			"key", key, "err", err)
		return fresh
	}
	slog.Debug("registry: resumed calculator from snapshot", "key", key, "kind", rec.Kind)
	return c
}

// Records returns the persistable form of every calculator. It must be called
// inside Exclusive so that no batch is applied concurrently.
func (r *Registry) Records() map[string]calculator.Record {
	m := *r.data.Load()
	out := make(map[string]calculator.Record, len(m))
	for k, c := range m {
		out[k] = c.Record()
	}
	return out
}

// Exclusive runs fn while holding the persist lock. The queue processor
// applies each batch inside it and the snapshot writer serializes inside it.
func (r *Registry) Exclusive(fn func()) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	fn()
}

// AddListener registers l and reports whether it was not already registered.
func (r *Registry) AddListener(l Listener) bool {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for _, x := range r.listeners {
		if x == l {
			return false
		}
	}
	r.listeners = append(r.listeners, l)
	return true
}

// RemoveListener unregisters l and reports whether it was registered.
func (r *Registry) RemoveListener(l Listener) bool {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	for i, x := range r.listeners {
		if x == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// NotifyChange marks the registry dirty. It never blocks.
func (r *Registry) NotifyChange() {
	r.dirty.Store(true)
}

// RunUpdate clears the dirty flag and, if it was set, calls OnDataChanged on
// every listener once. It reports whether listeners were notified. Calls are
// serialized; a change is delivered by exactly one of any concurrent callers.
func (r *Registry) RunUpdate() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if !r.dirty.CompareAndSwap(true, false) {
		return false
	}

	r.lmu.Lock()
	ls := make([]Listener, len(r.listeners))
	copy(ls, r.listeners)
	r.lmu.Unlock()

	for _, l := range ls {
		notify(l)
	}
	return true
}

func notify(l Listener) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("registry: listener panicked", "listener", fmt.Sprintf("%T", l), "panic", p)
		}
	}()
	l.OnDataChanged()
}

// Run calls RunUpdate every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.RunUpdate()
		}
	}
}
