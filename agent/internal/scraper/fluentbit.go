package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/obsidianstack/perfmatrix/agent/internal/config"
)

// fluentbitDefaults sums record counters across plugins of each section.
var fluentbitDefaults = []config.MetricSelector{
	sel("fluentbit_input_records", "input_records"),
	sel("fluentbit_input_bytes", "input_bytes"),
	sel("fluentbit_filter_drop_records", "filter_drop_records"),
	sel("fluentbit_output_proc_records", "output_proc_records"),
	sel("fluentbit_output_errors", "output_errors"),
	sel("fluentbit_output_retries", "output_retries"),
	sel("fluentbit_output_retried_failed", "output_retried_failed"),
}

// fluentbitMetrics is the JSON shape of Fluent Bit's /api/v1/metrics:
// section (input|filter|output) -> plugin instance -> counter -> value.
type fluentbitMetrics map[string]map[string]map[string]float64

type fluentbitScraper struct {
	src    config.Source
	client *http.Client
	now    func() time.Time // injectable for deterministic tests
}

// Scrape fetches Fluent Bit's JSON metrics endpoint. Every plugin counter
// becomes a counter Sample named fluentbit_<section>_<field> with the plugin
// instance in the "plugin" label.
func (s *fluentbitScraper) Scrape(ctx context.Context) (*ScrapeResult, error) {
	res := &ScrapeResult{SourceID: s.src.ID, SourceType: "fluentbit", ScrapedAt: s.now()}

	url := strings.TrimRight(s.src.Endpoint, "/") + "/api/v1/metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = fmt.Errorf("fluentbit scrape %q: build request: %w", s.src.ID, err)
		return res, nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("fluentbit scrape %q: %w", s.src.ID, err)
		slog.Warn("scraper: fluentbit fetch failed", "source", s.src.ID, "err", err)
		return res, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("fluentbit scrape %q: unexpected status %d", s.src.ID, resp.StatusCode)
		return res, nil
	}

	var m fluentbitMetrics
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		res.Err = fmt.Errorf("fluentbit scrape %q: decode JSON: %w", s.src.ID, err)
		return res, nil
	}

	for _, section := range sortedKeys(m) {
		plugins := m[section]
		for _, plugin := range sortedKeys(plugins) {
			fields := plugins[plugin]
			for _, field := range sortedKeys(fields) {
				res.Samples = append(res.Samples, Sample{
					Name:    "fluentbit_" + section + "_" + field,
					Labels:  map[string]string{"plugin": plugin},
					Value:   fields[field],
					Counter: true,
				})
			}
		}
	}
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
