package alerts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/config"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

const (
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert represents a single alert event produced by the engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	Key        string     `json:"key"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

// Engine evaluates alert rules against datapoint views and delivers webhook
// notifications when rules fire or resolve. It is safe for concurrent use.
type Engine struct {
	reg      *registry.Registry
	rules    []rule
	webhooks []config.WebhookConfig

	mu       sync.Mutex
	active   map[string]*Alert    // key: "ruleName:datapointKey"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts
	client   *http.Client
	wg       sync.WaitGroup
	now      func() time.Time // injectable for deterministic tests
}

// New creates an Engine reading views from reg. An Engine with no rules is
// valid; OnDataChanged becomes a no-op.
func New(cfg config.AlertsConfig, reg *registry.Registry) *Engine {
	return &Engine{
		reg:      reg,
		rules:    compile(cfg.Rules),
		webhooks: cfg.Webhooks,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// OnDataChanged implements registry.Listener by evaluating every datapoint.
func (e *Engine) OnDataChanged() {
	if len(e.rules) == 0 {
		return
	}
	now := e.now()
	for _, key := range e.reg.Keys() {
		c, ok := e.reg.Get(key)
		if !ok {
			continue
		}
		e.Evaluate(key, c.View(now))
	}
}

// Evaluate tests all rules against one datapoint view. A rule that starts
// firing outside its cooldown produces an alert; a firing rule whose
// condition no longer holds is resolved. Webhooks are delivered
// asynchronously.
func (e *Engine) Evaluate(key string, v calculator.View) {
	now := e.now()
	for _, r := range e.rules {
		if !r.matches(key) {
			continue
		}
		id := r.name + ":" + key
		if r.fires(v) {
			e.fire(r, id, key, v, now)
		} else {
			e.resolve(r, id, key, now)
		}
	}
}

func (e *Engine) fire(r rule, id, key string, v calculator.View, now time.Time) {
	e.mu.Lock()
	last, fired := e.lastFire[id]
	if _, firing := e.active[id]; firing || (fired && now.Sub(last) <= r.cooldown) {
		e.mu.Unlock()
		return
	}
	sev := v.LatestRange.String()
	a := &Alert{
		ID:       fmt.Sprintf("%s:%d", id, now.UnixNano()),
		RuleName: r.name,
		Key:      key,
		Severity: sev,
		Value:    *v.LatestValue,
		Message:  fmt.Sprintf("[%s] %s fired on %s: value %.3f is %s", sev, r.name, key, *v.LatestValue, sev),
		FiredAt:  now,
		State:    "firing",
	}
	e.active[id] = a
	e.lastFire[id] = now
	alertCopy := *a
	e.mu.Unlock()

	slog.Warn("alerts: fired", "rule", r.name, "key", key, "value", alertCopy.Value, "severity", sev)
	e.dispatch(&alertCopy)
}

func (e *Engine) resolve(r rule, id, key string, now time.Time) {
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	resolved := now
	a.State = "resolved"
	a.ResolvedAt = &resolved
	delete(e.active, id)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	alertCopy := *a
	e.mu.Unlock()

	slog.Info("alerts: resolved", "rule", r.name, "key", key)
	e.dispatch(&alertCopy)
}

func (e *Engine) dispatch(a *Alert) {
	if len(e.webhooks) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(a)
	}()
}

// Wait blocks until in-flight webhook deliveries have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.After(out[j].FiredAt) })
	return out
}
