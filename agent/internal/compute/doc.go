// Package compute turns scraper output into perfdata readings.
//
// One Engine per source selects series (config.MetricSelector, or the
// scraper's per-type defaults), names them <prefix>/<key>, and ships counters
// as per-minute rates derived from the delta between scrape cycles. Gauges
// pass through unchanged. Each scrape also yields <prefix>/up and
// <prefix>/uptime_pct over the last 20 scrapes.
package compute
