package calculator

import "math"

// window is a bounded FIFO of samples with running sum, sum of squares and
// low/high watermarks. The zero value is not usable; use newWindow.
type window struct {
	buf   []float64 // grows lazily up to capacity
	head  int       // index of the oldest sample once buf is full
	cap   int
	sum   float64
	sumSq float64
	low   float64
	high  float64
}

func newWindow(capacity int) *window {
	if capacity <= 0 {
		capacity = DefaultMaxSamples
	}
	return &window{cap: capacity}
}

func (w *window) len() int { return len(w.buf) }

// add appends v, evicting the oldest sample when the window is full.
func (w *window) add(v float64) {
	if len(w.buf) == 0 {
		w.low, w.high = v, v
	} else {
		w.low = math.Min(w.low, v)
		w.high = math.Max(w.high, v)
	}

	if len(w.buf) < w.cap {
		w.buf = append(w.buf, v)
		w.sum += v
		w.sumSq += v * v
		return
	}

	old := w.buf[w.head]
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	w.sum += v - old
	w.sumSq += v*v - old*old

	// Only a sample sitting on a watermark can move it.
	if old <= w.low || old >= w.high {
		w.rescan()
	}
}

func (w *window) rescan() {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range w.buf {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	w.low, w.high = lo, hi
}

// values returns the samples oldest first.
func (w *window) values() []float64 {
	out := make([]float64, 0, len(w.buf))
	out = append(out, w.buf[w.head:]...)
	return append(out, w.buf[:w.head]...)
}

func (w *window) average() float64 {
	if len(w.buf) == 0 {
		return 0
	}
	return w.sum / float64(len(w.buf))
}

// variance is the sample variance (n*sumSq - sum^2) / (n*(n-1)), clamped at
// zero against rounding.
func (w *window) variance() float64 {
	n := float64(len(w.buf))
	if n < 2 {
		return 0
	}
	v := (n*w.sumSq - w.sum*w.sum) / (n * (n - 1))
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// restoreWindow rebuilds a window from persisted state. If vals holds more
// samples than capacity, capacity grows to fit.
func restoreWindow(capacity int, vals []float64, sum, sumSq, low, high float64) (w *window, grown bool) {
	w = newWindow(capacity)
	if len(vals) > w.cap {
		w.cap = len(vals)
		grown = true
	}
	w.buf = append(make([]float64, 0, len(vals)), vals...)
	w.sum, w.sumSq = sum, sumSq
	w.low, w.high = low, high
	if len(vals) == 0 {
		w.sum, w.sumSq, w.low, w.high = 0, 0, 0, 0
	}
	return w, grown
}
