// Package scraper polls monitored endpoints and returns their series as
// Samples (name, labels, value, counter flag).
//
// prometheus, otelcol and loki sources share one Prometheus text-format
// scraper (expfmt); fluentbit sources are read from the JSON /api/v1/metrics
// API. The types differ in Defaults, the metric selection used when a source
// does not list its own.
//
// Authentication (mTLS, API key, bearer, basic) is handled by the shared
// authRoundTripper in base.go.
package scraper
