package ingest

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/obsidianstack/perfmatrix/pkg/perfdata"
)

// DefaultQueueCapacity is the number of batches buffered between the
// listener and the processor.
const DefaultQueueCapacity = 500

// Queue is a bounded FIFO of batches. Offer never blocks; Take blocks until a
// batch is available or the context is done.
type Queue struct {
	ch      chan *perfdata.Batch
	stats   *Stats
	dropLog *rate.Limiter
}

// NewQueue creates a Queue holding at most capacity batches. Drops are
// counted in stats.
func NewQueue(capacity int, stats *Stats) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		ch:      make(chan *perfdata.Batch, capacity),
		stats:   stats,
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Offer enqueues b if there is room and reports whether it did. A full queue
// drops b and increments the drop counter.
func (q *Queue) Offer(b *perfdata.Batch) bool {
	select {
	case q.ch <- b:
		return true
	default:
		n := q.stats.dropped.Add(1)
		if q.dropLog.Allow() {
			slog.Warn("ingest: queue full, dropping batch",
				"readings", len(b.Readings), "capacity", cap(q.ch), "dropped_total", n)
		}
		return false
	}
}

// Take returns the oldest batch, blocking until one is available. It returns
// ctx.Err() once ctx is done.
func (q *Queue) Take(ctx context.Context) (*perfdata.Batch, error) {
	select {
	case b := <-q.ch:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued batches.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
