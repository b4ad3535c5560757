package calculator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidArgument is returned by Update for a missing value or timestamp.
	ErrInvalidArgument = errors.New("calculator: invalid argument")

	// ErrUnknownKind is returned for a Kind outside the supported set.
	ErrUnknownKind = errors.New("calculator: unknown kind")
)

// Kind selects a calculator variant.
type Kind string

const (
	KindSimple                   Kind = "simple"
	KindMovingAverage            Kind = "movingAverage"
	KindExponentialMovingAverage Kind = "exponentialMovingAverage"
)

// ParseKind validates s as a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSimple, KindMovingAverage, KindExponentialMovingAverage:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Calculator is the per-metric statistics engine. Update must only be called
// from a single goroutine; View, IsStale, Kind, Config and CSV are safe from
// any goroutine. Record must not run concurrently with Update.
type Calculator interface {
	Kind() Kind
	Config() Config
	Update(value float64, timestampMs int64) error
	View(now time.Time) View
	IsStale(now time.Time) bool
	Record() Record
	CSV() string

	sealed()
}

// State is the display state shared by all variants. Optional values are nil
// until the first update.
type State struct {
	LatestValue     *float64 `json:"latestValue"`
	LatestTimestamp *int64   `json:"latestTimestamp"` // ms since epoch
	PrevValue       *float64 `json:"prevValue"`
	PrevTimestamp   *int64   `json:"prevTimestamp"`
	LatestRange     Severity `json:"latestRange"`
	SecondaryValue  *float64 `json:"secondaryValue"`
	SecondaryRange  Severity `json:"secondaryRange"`
	LeftTrend       Trend    `json:"leftTrend"`
	RightTrend      Trend    `json:"rightTrend"`
	MouseOverText   string   `json:"mouseOverText"`
}

// View is an immutable snapshot of a calculator for display consumers.
type View struct {
	Kind Kind `json:"kind"`
	State
	RealUpdateMs int64     `json:"realUpdateMs"`
	Stale        bool      `json:"stale"`
	Samples      int       `json:"samples"`
	Average      float64   `json:"average"`
	StdDev       float64   `json:"stdDev"`
	Low          float64   `json:"low"`
	High         float64   `json:"high"`
	Window       []float64 `json:"window,omitempty"`
}

// NoDataText is the mouse-over text before the first update.
const NoDataText = "Value Statistics:\n  No Data Received"

// Option configures a Calculator.
type Option func(*base)

// WithClock overrides the wall clock used for update times and staleness.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// New returns a fresh calculator of the given kind.
func New(kind Kind, cfg Config, opts ...Option) (Calculator, error) {
	b := newBase(kind, cfg, opts)
	switch kind {
	case KindSimple:
		c := &simple{base: b}
		c.publish(nil)
		return c, nil
	case KindMovingAverage:
		c := &movingAverage{base: b, win: newWindow(b.set.maxSamples)}
		c.publish(c.stats())
		return c, nil
	case KindExponentialMovingAverage:
		c := &expMovingAverage{base: b}
		c.publish(c.stats())
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// base holds what every variant shares: config, display state, clock and the
// published view.
type base struct {
	kind   Kind
	cfg    Config
	set    settings
	now    func() time.Time
	st     State
	realMs atomic.Int64
	view   atomic.Pointer[View]
}

func newBase(kind Kind, cfg Config, opts []Option) *base {
	b := &base{kind: kind, cfg: cfg.Clone(), now: time.Now}
	for _, o := range opts {
		o(b)
	}
	b.set = parseSettings(b.cfg)
	b.st.MouseOverText = NoDataText
	b.realMs.Store(b.now().UnixMilli())
	return b
}

func (b *base) sealed() {}

func (b *base) Kind() Kind { return b.kind }

// Config returns a copy of the calculator's configuration.
func (b *base) Config() Config { return b.cfg.Clone() }

// IsStale reports whether no update has arrived within the sample timeout.
func (b *base) IsStale(now time.Time) bool {
	return now.UnixMilli()-b.realMs.Load() >= b.set.sampleTimeout.Milliseconds()
}

// View returns the last published view. When stale, both ranges read as
// Indeterminate.
func (b *base) View(now time.Time) View {
	v := *b.view.Load()
	if b.IsStale(now) {
		v.Stale = true
		v.LatestRange = Indeterminate
		v.SecondaryRange = Indeterminate
	}
	return v
}

// windowStats is what a variant contributes to its View beyond State.
type windowStats struct {
	samples int
	average float64
	stdDev  float64
	low     float64
	high    float64
	window  []float64
}

// publish stores an immutable copy of the current state.
func (b *base) publish(ws *windowStats) {
	v := &View{
		Kind:         b.kind,
		State:        b.st,
		RealUpdateMs: b.realMs.Load(),
	}
	if ws != nil {
		v.Samples = ws.samples
		v.Average = ws.average
		v.StdDev = ws.stdDev
		v.Low = ws.low
		v.High = ws.high
		v.Window = ws.window
	}
	b.view.Store(v)
}

// begin validates the inputs and records the update time.
func (b *base) begin(value float64, timestampMs int64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: value %v", ErrInvalidArgument, value)
	}
	if timestampMs <= 0 {
		return fmt.Errorf("%w: timestamp %d", ErrInvalidArgument, timestampMs)
	}
	b.realMs.Store(b.now().UnixMilli())
	return nil
}

// applyLatest sets latest value and timestamp, bootstraps prev on the first
// update and computes the left trend. It returns the previous value and
// timestamp as they were before this update, for the mouse-over text.
func (b *base) applyLatest(value float64, timestampMs int64) (prevValue *float64, prevTs int64) {
	prevValue = b.st.PrevValue
	if b.st.PrevTimestamp == nil {
		prevTs = timestampMs
	} else {
		prevTs = *b.st.PrevTimestamp
	}

	b.st.LatestValue = ptr(value)
	b.st.LatestTimestamp = ptr(timestampMs)

	cmp := value
	if prevValue != nil {
		cmp = *prevValue
	}
	b.st.LeftTrend = trendOf(value, cmp)
	return prevValue, prevTs
}

// applySecondary recomputes the secondary value and right trend.
func (b *base) applySecondary(average, low, high float64) {
	var next *float64
	switch b.set.secondValue {
	case SecondValueAverage:
		next = ptr(average)
	case SecondValueHighest:
		next = ptr(high)
	case SecondValueLowest:
		next = ptr(low)
	}

	if next == nil {
		b.st.RightTrend = TrendNone
	} else {
		prev := *next
		if b.st.SecondaryValue != nil {
			prev = *b.st.SecondaryValue
		}
		b.st.RightTrend = trendOf(*next, prev)
	}
	b.st.SecondaryValue = next
	b.st.SecondaryRange = Normal
}

// finish rolls prev forward to the values just applied.
func (b *base) finish() {
	b.st.PrevValue = ptr(*b.st.LatestValue)
	b.st.PrevTimestamp = ptr(*b.st.LatestTimestamp)
}

// thresholds returns the four severity thresholds for the given basis.
func (b *base) thresholds(stdDev, average float64) [4]float64 {
	s := b.set
	if s.thresholdType == ThresholdAbsolute {
		return [4]float64{s.warning, s.minor, s.major, s.critical}
	}
	basis := stdDev
	if s.thresholdType == ThresholdAverage {
		basis = average
	}
	return [4]float64{basis * s.warning, basis * s.minor, basis * s.major, basis * s.critical}
}

// classify maps a deviation onto a Severity. Each threshold reached raises
// the severity by one step. A zero deviation is always Normal.
func classify(deviation float64, t [4]float64) Severity {
	if deviation == 0 {
		return Normal
	}
	switch {
	case deviation < t[0]:
		return Normal
	case deviation < t[1]:
		return Warning
	case deviation < t[2]:
		return Minor
	case deviation < t[3]:
		return Major
	default:
		return Critical
	}
}

func ptr[T any](v T) *T { return &v }

// logGrown warns when a restored window no longer fits the configured size.
func logGrown(kind Kind, restored, configured int) {
	slog.Warn("calculator: restored window larger than configured, keeping restored size",
		"kind", kind, "restored", restored, "max_samples", configured)
}
