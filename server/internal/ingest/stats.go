package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Apply latency histogram bounds, in microseconds.
const (
	histMin    = 1
	histMax    = 60_000_000
	histSigFig = 3
)

// Stats counts pipeline activity. All methods are safe for concurrent use.
type Stats struct {
	batchesReceived   atomic.Int64
	readingsReceived  atomic.Int64
	batchesProcessed  atomic.Int64
	readingsProcessed atomic.Int64
	readingsSkipped   atomic.Int64
	updateErrors      atomic.Int64
	dropped           atomic.Int64
	malformed         atomic.Int64
	refused           atomic.Int64

	mu        sync.Mutex
	apply     *hdrhistogram.Histogram
	lastReset time.Time
	now       func() time.Time
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	s := &Stats{
		apply: hdrhistogram.New(histMin, histMax, histSigFig),
		now:   time.Now,
	}
	s.lastReset = s.now()
	return s
}

// Received counts a decoded batch accepted from a connection.
func (s *Stats) Received(readings int) {
	s.batchesReceived.Add(1)
	s.readingsReceived.Add(int64(readings))
}

// Processed counts a batch applied by the processor: readings routed to a
// calculator, readings skipped for an unknown key, values rejected by a
// calculator, and how long the batch took to apply.
func (s *Stats) Processed(applied, skipped, errs int, took time.Duration) {
	s.batchesProcessed.Add(1)
	s.readingsProcessed.Add(int64(applied))
	s.readingsSkipped.Add(int64(skipped))
	s.updateErrors.Add(int64(errs))

	us := took.Microseconds()
	if us < histMin {
		us = histMin
	}
	if us > histMax {
		us = histMax
	}
	s.mu.Lock()
	s.apply.RecordValue(us) //nolint:errcheck // clamped into range above
	s.mu.Unlock()
}

// Malformed counts a frame that could not be decoded.
func (s *Stats) Malformed() {
	s.malformed.Add(1)
}

// Refused counts a connection closed unread because the handler limit was
// reached. It is also counted as a drop. It returns the refused total.
func (s *Stats) Refused() int64 {
	s.dropped.Add(1)
	return s.refused.Add(1)
}

// Counters is a point-in-time copy of Stats.
type Counters struct {
	BatchesReceived   int64     `json:"batchesReceived"`
	ReadingsReceived  int64     `json:"readingsReceived"`
	BatchesProcessed  int64     `json:"batchesProcessed"`
	ReadingsProcessed int64     `json:"readingsProcessed"`
	ReadingsSkipped   int64     `json:"readingsSkipped"`
	UpdateErrors      int64     `json:"updateErrors"`
	Dropped           int64     `json:"dropped"`
	Malformed         int64     `json:"malformed"`
	Refused           int64     `json:"refused"`
	QueueDepth        int       `json:"queueDepth"`
	QueueCapacity     int       `json:"queueCapacity"`
	ApplyCount        int64     `json:"applyCount"`
	ApplyP50Us        int64     `json:"applyP50Us"`
	ApplyP99Us        int64     `json:"applyP99Us"`
	ApplyMaxUs        int64     `json:"applyMaxUs"`
	Since             time.Time `json:"since"`
}

// Snapshot returns the current counters. q may be nil when no queue is
// attached.
func (s *Stats) Snapshot(q *Queue) Counters {
	c := Counters{
		BatchesReceived:   s.batchesReceived.Load(),
		ReadingsReceived:  s.readingsReceived.Load(),
		BatchesProcessed:  s.batchesProcessed.Load(),
		ReadingsProcessed: s.readingsProcessed.Load(),
		ReadingsSkipped:   s.readingsSkipped.Load(),
		UpdateErrors:      s.updateErrors.Load(),
		Dropped:           s.dropped.Load(),
		Malformed:         s.malformed.Load(),
		Refused:           s.refused.Load(),
	}
	if q != nil {
		c.QueueDepth = q.Len()
		c.QueueCapacity = q.Cap()
	}

	s.mu.Lock()
	c.ApplyCount = s.apply.TotalCount()
	if c.ApplyCount > 0 {
		c.ApplyP50Us = s.apply.ValueAtQuantile(50)
		c.ApplyP99Us = s.apply.ValueAtQuantile(99)
		c.ApplyMaxUs = s.apply.Max()
	}
	c.Since = s.lastReset
	s.mu.Unlock()
	return c
}

// Reset zeroes every counter and the latency histogram.
func (s *Stats) Reset() {
	s.batchesReceived.Store(0)
	s.readingsReceived.Store(0)
	s.batchesProcessed.Store(0)
	s.readingsProcessed.Store(0)
	s.readingsSkipped.Store(0)
	s.updateErrors.Store(0)
	s.dropped.Store(0)
	s.malformed.Store(0)
	s.refused.Store(0)

	s.mu.Lock()
	s.apply.Reset()
	s.lastReset = s.now()
	s.mu.Unlock()
}
