package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/obsidianstack/perfmatrix/agent/internal/config"
)

// promDefaults tracks Prometheus's own ingestion and remote-write health.
var promDefaults = []config.MetricSelector{
	sel("prometheus_tsdb_head_samples_appended_total", "samples_appended"),
	sel("prometheus_remote_storage_samples_dropped_total", "samples_dropped"),
	sel("prometheus_remote_storage_succeeded_samples_total", "samples_sent"),
	sel("prometheus_remote_storage_samples_pending", "queue_pending"),
	sel("prometheus_tsdb_wal_storage_errors_total", "wal_errors"),
}

// textScraper reads any Prometheus text exposition endpoint. The prometheus,
// otelcol and loki types differ only in their default metric selection.
type textScraper struct {
	src    config.Source
	client *http.Client
	now    func() time.Time // injectable for deterministic tests
}

// Scrape fetches the endpoint and returns every series as a Sample.
// A failed fetch is reported in ScrapeResult.Err, not as an error.
func (s *textScraper) Scrape(ctx context.Context) (*ScrapeResult, error) {
	res := &ScrapeResult{SourceID: s.src.ID, SourceType: s.src.Type, ScrapedAt: s.now()}

	mfs, err := fetchMetrics(ctx, s.client, s.src.Endpoint)
	if err != nil {
		res.Err = fmt.Errorf("%s scrape %q: %w", s.src.Type, s.src.ID, err)
		slog.Warn("scraper: fetch failed", "source", s.src.ID, "type", s.src.Type, "err", err)
		return res, nil
	}
	res.Samples = flatten(mfs)
	return res, nil
}
