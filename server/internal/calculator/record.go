package calculator

import "fmt"

// Record is the persistable form of a Calculator. Exactly one of Window and
// EMA is set for the statistical variants; neither for simple.
type Record struct {
	Kind   Kind
	Config Config
	State  State
	Window *WindowRecord
	EMA    *EMARecord
}

// WindowRecord is the moving-average window, values oldest first.
type WindowRecord struct {
	Capacity int
	Values   []float64
	Sum      float64
	SumSq    float64
	Low      float64
	High     float64
}

// EMARecord is the exponential moving average state.
type EMARecord struct {
	Count    int64
	Mean     float64
	Variance float64
	Low      float64
	High     float64
}

// FromRecord rebuilds a Calculator from rec. The real update time is set to
// now, so a restored calculator is not stale until a full sample timeout has
// passed without updates.
func FromRecord(rec Record, opts ...Option) (Calculator, error) {
	b := newBase(rec.Kind, rec.Config, opts)
	b.st = rec.State
	if b.st.MouseOverText == "" {
		b.st.MouseOverText = NoDataText
	}

	switch rec.Kind {
	case KindSimple:
		c := &simple{base: b}
		c.publish(nil)
		return c, nil

	case KindMovingAverage:
		c := &movingAverage{base: b}
		if rec.Window == nil {
			c.win = newWindow(b.set.maxSamples)
		} else {
			w := rec.Window
			var grown bool
			c.win, grown = restoreWindow(b.set.maxSamples, w.Values, w.Sum, w.SumSq, w.Low, w.High)
			if grown {
				logGrown(rec.Kind, len(w.Values), b.set.maxSamples)
			}
		}
		c.publish(c.stats())
		return c, nil

	case KindExponentialMovingAverage:
		c := &expMovingAverage{base: b}
		if e := rec.EMA; e != nil {
			if e.Count < 0 || e.Variance < 0 {
				return nil, fmt.Errorf("calculator: restore %s: invalid state count=%d variance=%v",
					rec.Kind, e.Count, e.Variance)
			}
			c.count, c.mean, c.variance = e.Count, e.Mean, e.Variance
			c.low, c.high = e.Low, e.High
		}
		c.publish(c.stats())
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, rec.Kind)
}
