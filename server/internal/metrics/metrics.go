// Package metrics exposes ingest counters and datapoint values in the
// Prometheus text exposition format.
package metrics

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/obsidianstack/perfmatrix/server/internal/ingest"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

// ContentType is the media type of the text exposition format.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"

// Collector builds metric families on demand; it keeps no state of its own.
type Collector struct {
	reg   *registry.Registry
	stats *ingest.Stats
	queue *ingest.Queue
	now   func() time.Time // injectable for deterministic tests
}

// New creates a Collector. queue may be nil.
func New(reg *registry.Registry, stats *ingest.Stats, queue *ingest.Queue) *Collector {
	return &Collector{reg: reg, stats: stats, queue: queue, now: time.Now}
}

// Gather returns the current metric families in a stable order.
func (c *Collector) Gather() []*dto.MetricFamily {
	cnt := c.stats.Snapshot(c.queue)

	mfs := []*dto.MetricFamily{
		counter("perfmatrix_ingest_batches_received_total", "Batches accepted by the ingest socket.", cnt.BatchesReceived),
		counter("perfmatrix_ingest_readings_received_total", "Readings carried by accepted batches.", cnt.ReadingsReceived),
		counter("perfmatrix_ingest_batches_processed_total", "Batches applied to the registry.", cnt.BatchesProcessed),
		counter("perfmatrix_ingest_readings_processed_total", "Readings applied without error.", cnt.ReadingsProcessed),
		counter("perfmatrix_ingest_readings_skipped_total", "Readings for keys that are not provisioned.", cnt.ReadingsSkipped),
		counter("perfmatrix_ingest_update_errors_total", "Values rejected by a calculator.", cnt.UpdateErrors),
		counter("perfmatrix_ingest_dropped_total", "Batches dropped because the queue was full or the connection limit was reached.", cnt.Dropped),
		counter("perfmatrix_ingest_refused_total", "Connections closed unread at the connection limit.", cnt.Refused),
		counter("perfmatrix_ingest_malformed_total", "Connections whose frame could not be decoded.", cnt.Malformed),
		gauge("perfmatrix_ingest_queue_depth", "Batches waiting in the queue.", float64(cnt.QueueDepth)),
		gauge("perfmatrix_ingest_queue_capacity", "Capacity of the queue.", float64(cnt.QueueCapacity)),
		{
			Name: proto.String("perfmatrix_apply_latency_microseconds"),
			Help: proto.String("Batch apply latency quantiles."),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{
				labelled("quantile", "0.5", float64(cnt.ApplyP50Us)),
				labelled("quantile", "0.99", float64(cnt.ApplyP99Us)),
				labelled("quantile", "1", float64(cnt.ApplyMaxUs)),
			},
		},
		gauge("perfmatrix_datapoints", "Provisioned datapoints.", float64(c.reg.Len())),
	}

	value := family("perfmatrix_datapoint_value", "Latest value of a datapoint.")
	severity := family("perfmatrix_datapoint_severity", "Latest range of a datapoint, 0 indeterminate to 5 critical.")
	stale := family("perfmatrix_datapoint_stale", "1 when a datapoint has not been updated within its sample timeout.")

	now := c.now()
	for _, key := range c.reg.Keys() {
		calc, ok := c.reg.Get(key)
		if !ok {
			continue
		}
		v := calc.View(now)
		if v.LatestValue != nil {
			value.Metric = append(value.Metric, labelled("key", key, *v.LatestValue))
		}
		severity.Metric = append(severity.Metric, labelled("key", key, float64(v.LatestRange)))
		stale.Metric = append(stale.Metric, labelled("key", key, boolFloat(v.Stale)))
	}
	for _, mf := range []*dto.MetricFamily{value, severity, stale} {
		if len(mf.Metric) > 0 {
			mfs = append(mfs, mf)
		}
	}
	return mfs
}

// WriteText writes every family in the text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	for _, mf := range c.Gather() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP implements http.Handler for GET /metrics.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var buf bytes.Buffer
	if err := c.WriteText(&buf); err != nil {
		slog.Error("metrics: encode failed", "err", err)
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

func family(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
	}
}

func counter(name, help string, v int64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(name),
		Help:   proto.String(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{Counter: &dto.Counter{Value: proto.Float64(float64(v))}}},
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	mf := family(name, help)
	mf.Metric = []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}}
	return mf
}

func labelled(label, value string, v float64) *dto.Metric {
	return &dto.Metric{
		Label: []*dto.LabelPair{{Name: proto.String(label), Value: proto.String(value)}},
		Gauge: &dto.Gauge{Value: proto.Float64(v)},
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
