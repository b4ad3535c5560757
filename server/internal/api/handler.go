package api

import (
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/obsidianstack/perfmatrix/server/internal/alerts"
	"github.com/obsidianstack/perfmatrix/server/internal/auth"
	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/ingest"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

// Persister writes the registry to durable storage.
type Persister interface {
	Enabled() bool
	Persist(reg *registry.Registry) bool
}

// AlertSource lists current alerts.
type AlertSource interface {
	Active() []*alerts.Alert
}

// Deps are the components the API reads from. Registry and Stats are
// required; the rest may be nil.
type Deps struct {
	Registry *registry.Registry
	Stats    *ingest.Stats
	Queue    *ingest.Queue
	Store    Persister
	Alerts   AlertSource
	Metrics  http.Handler
	Auth     *auth.Checker
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	deps Deps
	mux  *http.ServeMux
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Handler wired to deps and registers all routes.
func New(deps Deps) http.Handler {
	h := &Handler{deps: deps, mux: http.NewServeMux(), now: time.Now}

	guard := func(fn http.HandlerFunc) http.Handler {
		if deps.Auth == nil {
			return fn
		}
		return deps.Auth.Require(fn)
	}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.Handle("/api/v1/datapoints", guard(h.listDataPoints))
	h.mux.Handle("/api/v1/datapoints/", guard(h.getDataPoint)) // subtree, extracts {key}
	h.mux.Handle("/api/v1/snapshot", guard(h.snapshot))
	h.mux.Handle("/api/v1/alerts", guard(h.alerts))
	h.mux.Handle("/api/v1/stats", guard(h.stats))
	h.mux.Handle("/api/v1/stats/reset", guard(h.resetStats))
	h.mux.Handle("/api/v1/persist", guard(h.persist))
	if deps.Metrics != nil {
		h.mux.Handle("/metrics", deps.Metrics)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// BuildSnapshot returns every datapoint view at now, sorted by key. It is
// shared by GET /api/v1/snapshot and the WebSocket hub.
func BuildSnapshot(reg *registry.Registry, now time.Time) SnapshotResponse {
	keys := reg.Keys()
	out := make([]DataPointResponse, 0, len(keys))
	for _, k := range keys {
		c, ok := reg.Get(k)
		if !ok {
			continue
		}
		out = append(out, toDataPointResponse(k, c.View(now)))
	}
	return SnapshotResponse{DataPoints: out, GeneratedAt: now.UTC().Format(time.RFC3339)}
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap := BuildSnapshot(h.deps.Registry, h.now())
	resp := HealthResponse{
		DataPointCount: len(snap.DataPoints),
		ByRange:        make(map[string]int),
	}
	worst := calculator.Indeterminate
	for _, dp := range snap.DataPoints {
		switch {
		case dp.LatestValue == nil:
			resp.NoDataCount++
		case dp.Stale:
			resp.StaleCount++
		}
		resp.ByRange[dp.LatestRange.String()]++
		if dp.LatestRange > worst {
			worst = dp.LatestRange
		}
	}
	resp.State = stateOf(worst, resp.StaleCount, resp.DataPointCount)

	if h.deps.Alerts != nil {
		for _, a := range h.deps.Alerts.Active() {
			if a.State == "firing" {
				resp.AlertCount++
			}
		}
	}
	if h.deps.Stats != nil {
		c := h.deps.Stats.Snapshot(h.deps.Queue)
		resp.QueueDepth = c.QueueDepth
		resp.Dropped = c.Dropped
	}
	jsonResp(w, http.StatusOK, resp)
}

// listDataPoints returns GET /api/v1/datapoints.
func (h *Handler) listDataPoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildSnapshot(h.deps.Registry, h.now()).DataPoints)
}

// getDataPoint returns GET /api/v1/datapoints/{key} and, for keys ending in
// /csv, the window export.
func (h *Handler) getDataPoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/api/v1/datapoints/")
	if key == "" {
		h.listDataPoints(w, r)
		return
	}

	c, ok := h.deps.Registry.Get(key)
	if ok {
		jsonResp(w, http.StatusOK, toDataPointResponse(key, c.View(h.now())))
		return
	}

	if base, isCSV := strings.CutSuffix(key, "/csv"); isCSV {
		if c, ok := h.deps.Registry.Get(base); ok {
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(c.CSV() + "\n"))
			return
		}
	}
	jsonErr(w, http.StatusNotFound, "datapoint not found")
}

// snapshot returns GET /api/v1/snapshot.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildSnapshot(h.deps.Registry, h.now()))
}

// alerts returns GET /api/v1/alerts.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := []*alerts.Alert{}
	if h.deps.Alerts != nil {
		out = append(out, h.deps.Alerts.Active()...)
	}
	jsonResp(w, http.StatusOK, out)
}

// stats returns GET /api/v1/stats.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Stats.Snapshot(h.deps.Queue))
}

// resetStats handles POST /api/v1/stats/reset.
func (h *Handler) resetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.deps.Stats.Reset()
	jsonResp(w, http.StatusOK, h.deps.Stats.Snapshot(h.deps.Queue))
}

// persist handles POST /api/v1/persist.
func (h *Handler) persist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.deps.Store == nil {
		jsonErr(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	if !h.deps.Store.Enabled() {
		jsonErr(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	ok := h.deps.Store.Persist(h.deps.Registry)
	code := http.StatusOK
	if !ok {
		code = http.StatusInternalServerError
	}
	jsonResp(w, code, PersistResponse{Persisted: ok, At: h.now().UTC()})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// stateOf summarises the worst range across datapoints.
func stateOf(worst calculator.Severity, stale, total int) string {
	switch {
	case total == 0:
		return "unknown"
	case worst >= calculator.Major:
		return "critical"
	case worst >= calculator.Warning || stale > 0:
		return "degraded"
	case worst == calculator.Indeterminate:
		return "unknown"
	default:
		return "healthy"
	}
}

func toDataPointResponse(key string, v calculator.View) DataPointResponse {
	hints := computeDiagnostics(v)
	sort.SliceStable(hints, func(i, j int) bool { return levelRank(hints[i].Level) > levelRank(hints[j].Level) })
	return DataPointResponse{Key: key, View: v, Diagnostics: hints}
}
