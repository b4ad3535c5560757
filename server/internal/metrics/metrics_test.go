package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/perfmatrix/pkg/perfdata"
	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/ingest"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

func setup(t *testing.T) *Collector {
	t.Helper()
	reg := registry.New()
	for _, key := range []string{"icmp/host1", "icmp/host2"} {
		_, err := reg.Provision(key, func() (calculator.Calculator, error) {
			return calculator.New(calculator.KindSimple, nil)
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	c, _ := reg.Get("icmp/host1")
	if err := c.Update(12.5, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	stats := ingest.NewStats()
	q := ingest.NewQueue(4, stats)
	q.Offer(&perfdata.Batch{Readings: []perfdata.Reading{{Path: "icmp/host1", TimestampMs: 1, Values: []float64{1}}}})
	stats.Received(3)
	stats.Malformed()
	stats.Refused()
	return New(reg, stats, q)
}

func TestWriteText(t *testing.T) {
	c := setup(t)
	var sb strings.Builder
	if err := c.WriteText(&sb); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := sb.String()
	for _, want := range []string{
		"# TYPE perfmatrix_ingest_batches_received_total counter",
		"perfmatrix_ingest_batches_received_total 1",
		"perfmatrix_ingest_readings_received_total 3",
		"perfmatrix_ingest_malformed_total 1",
		"perfmatrix_ingest_refused_total 1",
		"perfmatrix_ingest_dropped_total 1",
		"perfmatrix_ingest_queue_depth 1",
		"perfmatrix_ingest_queue_capacity 4",
		"perfmatrix_datapoints 2",
		`perfmatrix_datapoint_value{key="icmp/host1"} 12.5`,
		`perfmatrix_datapoint_severity{key="icmp/host2"} 0`,
		`perfmatrix_datapoint_stale{key="icmp/host1"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, `perfmatrix_datapoint_value{key="icmp/host2"}`) {
		t.Error("value exported for a datapoint that never received data")
	}
}

func TestServeHTTP_Parses(t *testing.T) {
	c := setup(t)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("Content-Type: got %q, want %q", ct, ContentType)
	}

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(rec.Body)
	if err != nil {
		t.Fatalf("parse exposition: %v", err)
	}
	mf, ok := mfs["perfmatrix_datapoint_value"]
	if !ok || len(mf.GetMetric()) != 1 {
		t.Fatalf("perfmatrix_datapoint_value: got %v", mf)
	}
	if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 12.5 {
		t.Errorf("value: got %v, want 12.5", v)
	}
}

func TestServeHTTP_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	setup(t).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rec.Code)
	}
}
