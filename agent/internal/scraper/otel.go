package scraper

import "github.com/obsidianstack/perfmatrix/agent/internal/config"

// otelDefaults covers an OTel Collector's receive and export counters for
// each signal type, plus exporter queue depth. Series of one family are summed
// across receivers and exporters.
var otelDefaults = otelSelectors()

func otelSelectors() []config.MetricSelector {
	signals := []struct{ suffix, signal string }{
		{"spans", "traces"},
		{"metric_points", "metrics"},
		{"log_records", "logs"},
	}
	var out []config.MetricSelector
	for _, s := range signals {
		out = append(out,
			sel("otelcol_receiver_accepted_"+s.suffix+"_total", s.signal+"/accepted"),
			sel("otelcol_receiver_refused_"+s.suffix+"_total", s.signal+"/refused"),
			sel("otelcol_exporter_sent_"+s.suffix+"_total", s.signal+"/sent"),
			sel("otelcol_exporter_send_failed_"+s.suffix+"_total", s.signal+"/send_failed"),
			sel("otelcol_processor_dropped_"+s.suffix+"_total", s.signal+"/dropped"),
		)
	}
	return append(out,
		sel("otelcol_exporter_queue_size", "exporter_queue_size"),
		sel("otelcol_exporter_queue_capacity", "exporter_queue_capacity"),
	)
}
