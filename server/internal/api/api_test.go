package api_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/obsidianstack/perfmatrix/server/internal/alerts"
	"github.com/obsidianstack/perfmatrix/server/internal/api"
	"github.com/obsidianstack/perfmatrix/server/internal/auth"
	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/ingest"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

// --- test helpers -----------------------------------------------------------

type fakeStore struct {
	calls    int
	ok       bool
	disabled bool
}

func (f *fakeStore) Enabled() bool { return !f.disabled }

func (f *fakeStore) Persist(*registry.Registry) bool {
	f.calls++
	return f.ok
}

type fakeAlerts []*alerts.Alert

func (f fakeAlerts) Active() []*alerts.Alert { return f }

// newRegistry provisions icmp/host1 (fed into the warning range) and
// icmp/host2 (no data).
func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, key := range []string{"icmp/host2", "icmp/host1"} {
		_, err := reg.Provision(key, func() (calculator.Calculator, error) {
			return calculator.New(calculator.KindMovingAverage, nil)
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	c, _ := reg.Get("icmp/host1")
	ts := time.Now().UnixMilli()
	for _, v := range []float64{10, 10, 10, 40} {
		if err := c.Update(v, ts); err != nil {
			t.Fatal(err)
		}
	}
	return reg
}

func newHandler(t *testing.T, mutate ...func(*api.Deps)) http.Handler {
	t.Helper()
	stats := ingest.NewStats()
	d := api.Deps{
		Registry: newRegistry(t),
		Stats:    stats,
		Queue:    ingest.NewQueue(8, stats),
	}
	for _, m := range mutate {
		m(&d)
	}
	return api.New(d)
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodGet, path)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

// --- /api/v1/health ---------------------------------------------------------

func TestHealth_EmptyRegistry(t *testing.T) {
	h := api.New(api.Deps{Registry: registry.New(), Stats: ingest.NewStats()})
	rr := get(t, h, "/api/v1/health")

	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	decode(t, rr, &resp)
	if resp.State != "unknown" {
		t.Errorf("state: got %q, want unknown", resp.State)
	}
	if resp.DataPointCount != 0 {
		t.Errorf("datapoint_count: got %d, want 0", resp.DataPointCount)
	}
}

func TestHealth_Counts(t *testing.T) {
	h := newHandler(t, func(d *api.Deps) {
		d.Alerts = fakeAlerts{{State: "firing"}, {State: "resolved"}}
	})
	var resp api.HealthResponse
	decode(t, get(t, h, "/api/v1/health"), &resp)

	if resp.State != "degraded" {
		t.Errorf("state: got %q, want degraded", resp.State)
	}
	if resp.DataPointCount != 2 || resp.NoDataCount != 1 {
		t.Errorf("counts: got %+v", resp)
	}
	if resp.ByRange["warning"] != 1 || resp.ByRange["indeterminate"] != 1 {
		t.Errorf("by_range: got %v", resp.ByRange)
	}
	if resp.AlertCount != 1 {
		t.Errorf("alert_count: got %d, want 1", resp.AlertCount)
	}
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	if rr := do(t, newHandler(t), http.MethodPost, "/api/v1/health"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- /api/v1/datapoints -----------------------------------------------------

func TestListDataPoints_SortedByKey(t *testing.T) {
	var out []api.DataPointResponse
	decode(t, get(t, newHandler(t), "/api/v1/datapoints"), &out)

	if len(out) != 2 {
		t.Fatalf("len: got %d, want 2", len(out))
	}
	if out[0].Key != "icmp/host1" || out[1].Key != "icmp/host2" {
		t.Errorf("keys: got %q, %q", out[0].Key, out[1].Key)
	}
	if out[0].Kind != calculator.KindMovingAverage {
		t.Errorf("kind: got %q", out[0].Kind)
	}
}

func TestGetDataPoint(t *testing.T) {
	rr := get(t, newHandler(t), "/api/v1/datapoints/icmp/host1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}
	var dp api.DataPointResponse
	decode(t, rr, &dp)

	if dp.LatestValue == nil || *dp.LatestValue != 40 {
		t.Errorf("latestValue: got %v, want 40", dp.LatestValue)
	}
	if dp.LatestRange != calculator.Warning {
		t.Errorf("latestRange: got %v, want warning", dp.LatestRange)
	}
	if len(dp.Window) != 4 {
		t.Errorf("window: got %v", dp.Window)
	}
	if len(dp.Diagnostics) == 0 || dp.Diagnostics[0].Key != "deviation" || dp.Diagnostics[0].Level != "warning" {
		t.Errorf("diagnostics: got %+v", dp.Diagnostics)
	}
}

func TestGetDataPoint_NoData(t *testing.T) {
	var dp api.DataPointResponse
	decode(t, get(t, newHandler(t), "/api/v1/datapoints/icmp/host2"), &dp)
	if dp.MouseOverText != calculator.NoDataText {
		t.Errorf("mouseOverText: got %q", dp.MouseOverText)
	}
	if len(dp.Diagnostics) != 1 || dp.Diagnostics[0].Key != "no_data" {
		t.Errorf("diagnostics: got %+v", dp.Diagnostics)
	}
}

func TestGetDataPoint_NotFound(t *testing.T) {
	h := newHandler(t)
	for _, path := range []string{"/api/v1/datapoints/icmp/host9", "/api/v1/datapoints/icmp/host9/csv"} {
		if rr := get(t, h, path); rr.Code != http.StatusNotFound {
			t.Errorf("%s: got %d, want 404", path, rr.Code)
		}
	}
}

func TestGetDataPoint_CSV(t *testing.T) {
	rr := get(t, newHandler(t), "/api/v1/datapoints/icmp/host1/csv")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type: got %q", ct)
	}
	if body := rr.Body.String(); body != "10,10,10,40\n" {
		t.Errorf("body: got %q, want 10,10,10,40", body)
	}
}

func TestSnapshot(t *testing.T) {
	var resp api.SnapshotResponse
	decode(t, get(t, newHandler(t), "/api/v1/snapshot"), &resp)
	if len(resp.DataPoints) != 2 {
		t.Errorf("datapoints: got %d, want 2", len(resp.DataPoints))
	}
	if _, err := time.Parse(time.RFC3339, resp.GeneratedAt); err != nil {
		t.Errorf("generated_at: %v", err)
	}
}

// --- /api/v1/alerts ---------------------------------------------------------

func TestAlerts_EmptyWithoutEngine(t *testing.T) {
	rr := get(t, newHandler(t), "/api/v1/alerts")
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body: got %q, want []", body)
	}
}

// --- /api/v1/stats ----------------------------------------------------------

func TestStats_AndReset(t *testing.T) {
	stats := ingest.NewStats()
	stats.Received(4)
	h := newHandler(t, func(d *api.Deps) { d.Stats = stats })

	var c ingest.Counters
	decode(t, get(t, h, "/api/v1/stats"), &c)
	if c.BatchesReceived != 1 || c.ReadingsReceived != 4 || c.QueueCapacity != 8 {
		t.Errorf("counters: got %+v", c)
	}

	if rr := get(t, h, "/api/v1/stats/reset"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET reset: got %d, want 405", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/api/v1/stats/reset")
	if rr.Code != http.StatusOK {
		t.Fatalf("POST reset: got %d, want 200", rr.Code)
	}
	decode(t, rr, &c)
	if c.BatchesReceived != 0 || c.ReadingsReceived != 0 {
		t.Errorf("after reset: got %+v", c)
	}
}

// --- /api/v1/persist --------------------------------------------------------

func TestPersist(t *testing.T) {
	st := &fakeStore{ok: true}
	h := newHandler(t, func(d *api.Deps) { d.Store = st })

	rr := do(t, h, http.MethodPost, "/api/v1/persist")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.PersistResponse
	decode(t, rr, &resp)
	if !resp.Persisted || st.calls != 1 {
		t.Errorf("persisted=%v calls=%d, want true and 1", resp.Persisted, st.calls)
	}

	st.ok = false
	if rr := do(t, h, http.MethodPost, "/api/v1/persist"); rr.Code != http.StatusInternalServerError {
		t.Errorf("failed persist: got %d, want 500", rr.Code)
	}
}

func TestPersist_Disabled(t *testing.T) {
	st := &fakeStore{ok: true, disabled: true}
	h := newHandler(t, func(d *api.Deps) { d.Store = st })

	rr := do(t, h, http.MethodPost, "/api/v1/persist")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rr.Code)
	}
	if st.calls != 0 {
		t.Errorf("Persist calls: got %d, want 0", st.calls)
	}
	if !strings.Contains(rr.Body.String(), "persistence disabled") {
		t.Errorf("body: got %q, want persistence disabled", rr.Body.String())
	}
}

func TestPersist_NotConfigured(t *testing.T) {
	if rr := do(t, newHandler(t), http.MethodPost, "/api/v1/persist"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", rr.Code)
	}
}

// --- auth and /metrics ------------------------------------------------------

func TestAuth_GuardsAllButHealth(t *testing.T) {
	h := newHandler(t, func(d *api.Deps) { d.Auth = auth.NewChecker("apikey", "x-api-key", "k") })

	if rr := get(t, h, "/api/v1/health"); rr.Code != http.StatusOK {
		t.Errorf("health: got %d, want 200", rr.Code)
	}
	if rr := get(t, h, "/api/v1/datapoints"); rr.Code != http.StatusUnauthorized {
		t.Errorf("datapoints without key: got %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/datapoints", nil)
	req.Header.Set("X-API-Key", "k")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("datapoints with key: got %d, want 200", rr.Code)
	}
}

func TestMetricsMounted(t *testing.T) {
	h := newHandler(t, func(d *api.Deps) {
		d.Metrics = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("up 1\n")) })
	})
	if body := get(t, h, "/metrics").Body.String(); body != "up 1\n" {
		t.Errorf("/metrics: got %q", body)
	}
	if rr := get(t, newHandler(t), "/metrics"); rr.Code != http.StatusNotFound {
		t.Errorf("/metrics without collector: got %d, want 404", rr.Code)
	}
}
