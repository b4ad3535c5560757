package scraper

import "github.com/obsidianstack/perfmatrix/agent/internal/config"

// lokiDefaults tracks distributor intake and ingester flush health. The
// cortex_ring_* series only exist in microservice mode; when absent no
// reading is shipped for them.
var lokiDefaults = []config.MetricSelector{
	sel("loki_distributor_lines_received_total", "lines_received"),
	sel("loki_distributor_bytes_received_total", "bytes_received"),
	sel("loki_ingester_chunks_flushed_total", "chunks_flushed"),
	sel("loki_ingester_flush_failures_total", "flush_failures"),
	sel("loki_ingester_ingestion_rate_bytes", "ingestion_rate_bytes"),
	sel("cortex_ring_tokens_owned", "ring_tokens"),
}
