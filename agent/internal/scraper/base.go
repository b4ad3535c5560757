package scraper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/perfmatrix/agent/internal/config"
)

const defaultScrapeTimeout = 10 * time.Second

// Sample is one series value from a scrape.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64

	// Counter marks monotonically increasing totals. The compute engine turns
	// these into per-minute rates unless the selector asks for the raw value.
	Counter bool
}

// ScrapeResult is the normalized output of one scrape of a single source.
// Counters hold raw totals; rates are derived by the compute engine.
type ScrapeResult struct {
	SourceID   string
	SourceType string
	ScrapedAt  time.Time
	Samples    []Sample

	// Err is non-nil if the scrape itself failed (connectivity, auth, parse).
	Err error
}

// Scraper is implemented by every source type.
type Scraper interface {
	Scrape(ctx context.Context) (*ScrapeResult, error)
}

// New returns the Scraper for src. The HTTP client is built once and reused
// across scrape calls.
func New(src config.Source) (Scraper, error) {
	client, err := buildHTTPClient(src)
	if err != nil {
		return nil, fmt.Errorf("scraper %q: build http client: %w", src.ID, err)
	}
	switch src.Type {
	case "prometheus", "otelcol", "loki":
		return &textScraper{src: src, client: client, now: time.Now}, nil
	case "fluentbit":
		return &fluentbitScraper{src: src, client: client, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("scraper: unsupported type %q", src.Type)
	}
}

// Defaults returns the metric selection used for a source type when the
// source lists no metrics of its own.
func Defaults(sourceType string) []config.MetricSelector {
	switch sourceType {
	case "prometheus":
		return promDefaults
	case "otelcol":
		return otelDefaults
	case "loki":
		return lokiDefaults
	case "fluentbit":
		return fluentbitDefaults
	}
	return nil
}

// sel is shorthand for the default selector tables.
func sel(name, key string) config.MetricSelector {
	return config.MetricSelector{Name: name, Key: key}
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	src  config.Source
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.src.Auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		req.Header.Set(t.src.Auth.Header, t.src.Auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.src.Auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.src.Auth.Username, t.src.Auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildHTTPClient constructs an http.Client for the source's auth and TLS settings.
func buildHTTPClient(src config.Source) (*http.Client, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: src.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}

	if src.Auth.Mode == "mtls" {
		cert, err := tls.LoadX509KeyPair(src.Auth.CertFile, src.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}

		if src.Auth.CAFile != "" {
			caPEM, err := os.ReadFile(src.Auth.CAFile)
			if err != nil {
				return nil, fmt.Errorf("read ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no valid certs found in ca file %q", src.Auth.CAFile)
			}
			tlsCfg.RootCAs = pool
		}
	}

	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			src:  src,
		},
		Timeout: defaultScrapeTimeout,
	}, nil
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// flatten turns metric families into samples ordered by family name.
// Summaries and histograms contribute their _sum and _count series.
func flatten(mfs map[string]*dto.MetricFamily) []Sample {
	names := make([]string, 0, len(mfs))
	for name := range mfs {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Sample
	add := func(name string, labels map[string]string, v float64, counter bool) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		out = append(out, Sample{Name: name, Labels: labels, Value: v, Counter: counter})
	}
	for _, name := range names {
		mf := mfs[name]
		for _, m := range mf.GetMetric() {
			labels := labelMap(m.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				add(name, labels, m.GetCounter().GetValue(), true)
			case dto.MetricType_GAUGE:
				add(name, labels, m.GetGauge().GetValue(), false)
			case dto.MetricType_SUMMARY:
				add(name+"_sum", labels, m.GetSummary().GetSampleSum(), true)
				add(name+"_count", labels, float64(m.GetSummary().GetSampleCount()), true)
			case dto.MetricType_HISTOGRAM:
				add(name+"_sum", labels, m.GetHistogram().GetSampleSum(), true)
				add(name+"_count", labels, float64(m.GetHistogram().GetSampleCount()), true)
			default:
				add(name, labels, m.GetUntyped().GetValue(), false)
			}
		}
	}
	return out
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]string, len(pairs))
	for _, lp := range pairs {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}
