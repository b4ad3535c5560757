package compute

import (
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/obsidianstack/perfmatrix/agent/internal/config"
	"github.com/obsidianstack/perfmatrix/agent/internal/scraper"
	"github.com/obsidianstack/perfmatrix/pkg/perfdata"
)

// uptimeWindow is the number of recent scrape outcomes tracked for uptime %.
const uptimeWindow = 20

// Readings the engine adds for every scrape, relative to the source prefix.
const (
	KeyUp        = "up"
	KeyUptimePct = "uptime_pct"
)

// Engine turns the scrapes of one source into perfdata readings. It keeps
// counter baselines across scrape cycles so counters can be shipped as
// per-minute rates.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	prefix    string
	owner     string
	selectors []config.MetricSelector
	prev      map[string]point
	history   []bool // recent scrape outcomes, newest last
}

// point is the last observed value of a counter series.
type point struct {
	value float64
	at    time.Time
}

// series is one outgoing value before rate conversion.
type series struct {
	key   string
	value float64
	rate  bool
}

// NewEngine returns an Engine for src. Readings are stamped with owner.
// When src lists no metrics the per-type defaults apply.
func NewEngine(src config.Source, owner string) *Engine {
	selectors := src.Metrics
	if len(selectors) == 0 {
		selectors = scraper.Defaults(src.Type)
	}
	return &Engine{
		prefix:    src.Prefix(),
		owner:     owner,
		selectors: selectors,
		prev:      make(map[string]point),
	}
}

// Process converts one ScrapeResult into readings, all stamped with
// res.ScrapedAt.
//
// Every call yields <prefix>/up (1 or 0) and <prefix>/uptime_pct. A failed
// scrape yields nothing else and leaves the counter baselines untouched, so
// the next rate spans the gap. A rate series needs two observations: the
// first only records the baseline, as does a counter that went backwards.
func (e *Engine) Process(res *scraper.ScrapeResult) []perfdata.Reading {
	e.mu.Lock()
	defer e.mu.Unlock()

	at := res.ScrapedAt
	ok := res.Err == nil
	e.recordScrape(ok)

	up := 0.0
	if ok {
		up = 1
	}
	out := []perfdata.Reading{
		e.reading(KeyUp, up, at),
		e.reading(KeyUptimePct, e.uptimePct(), at),
	}
	if !ok {
		slog.Debug("compute: scrape failed, shipping up=0", "source", res.SourceID, "err", res.Err)
		return out
	}

	for _, s := range e.selectSeries(res.Samples) {
		if !s.rate {
			out = append(out, e.reading(s.key, s.value, at))
			continue
		}
		if v, ok := e.rate(s.key, s.value, at); ok {
			out = append(out, e.reading(s.key, v, at))
		}
	}
	return out
}

// Reading builds a single reading for name under the source prefix. The
// agent uses it for values that do not come from a scrape.
func (e *Engine) Reading(name string, value float64, at time.Time) perfdata.Reading {
	return e.reading(name, value, at)
}

func (e *Engine) reading(name string, value float64, at time.Time) perfdata.Reading {
	return perfdata.Reading{
		Path:        e.prefix + "/" + name,
		Owner:       e.owner,
		TimestampMs: at.UnixMilli(),
		Values:      []float64{value},
	}
}

// selectSeries applies the selectors in order. A sample matched by an
// earlier selector is not shipped again under a later one.
func (e *Engine) selectSeries(samples []scraper.Sample) []series {
	var out []series
	taken := make(map[int]bool)
	for _, sel := range e.selectors {
		var (
			sum     float64
			matched int
			counter = true
		)
		for i, s := range samples {
			if taken[i] || !matches(sel, s) {
				continue
			}
			taken[i] = true
			if sel.Key != "" {
				sum += s.Value
				matched++
				counter = counter && s.Counter
				continue
			}
			out = append(out, series{
				key:   seriesKey(s),
				value: s.Value,
				rate:  wantRate(sel, s.Counter),
			})
		}
		if sel.Key != "" && matched > 0 {
			out = append(out, series{
				key:   strings.Trim(sel.Key, "/"),
				value: sum,
				rate:  wantRate(sel, counter),
			})
		}
	}
	return out
}

// rate returns the per-minute increase of a counter since its last
// observation and records the new baseline.
func (e *Engine) rate(key string, value float64, at time.Time) (float64, bool) {
	prev, seen := e.prev[key]
	e.prev[key] = point{value: value, at: at}
	if !seen {
		return 0, false
	}
	if value < prev.value {
		slog.Debug("compute: counter reset, rebasing", "key", e.prefix+"/"+key,
			"prev", prev.value, "value", value)
		return 0, false
	}
	elapsed := at.Sub(prev.at).Minutes()
	if elapsed <= 0 {
		return 0, false
	}
	return (value - prev.value) / elapsed, true
}

func (e *Engine) recordScrape(success bool) {
	if len(e.history) >= uptimeWindow {
		e.history = e.history[1:]
	}
	e.history = append(e.history, success)
}

func (e *Engine) uptimePct() float64 {
	if len(e.history) == 0 {
		return 100
	}
	var ok int
	for _, s := range e.history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(e.history)) * 100
}

// matches reports whether s satisfies the selector's name pattern and labels.
func matches(sel config.MetricSelector, s scraper.Sample) bool {
	if ok, _ := path.Match(sel.Name, s.Name); !ok {
		return false
	}
	for k, v := range sel.Labels {
		if s.Labels[k] != v {
			return false
		}
	}
	return true
}

func wantRate(sel config.MetricSelector, counter bool) bool {
	switch sel.EffectiveMode() {
	case config.ModeRate:
		return true
	case config.ModeValue:
		return false
	default:
		return counter
	}
}

// seriesKey is the sample name followed by its labels as sorted k=v path
// segments, e.g. "http_requests_total/code=200/method=get".
func seriesKey(s scraper.Sample) string {
	if len(s.Labels) == 0 {
		return s.Name
	}
	names := make([]string, 0, len(s.Labels))
	for k := range s.Labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(s.Name)
	for _, k := range names {
		b.WriteByte('/')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Labels[k])
	}
	return b.String()
}
