// Package processor drains the ingest queue and applies each batch to the
// registry's calculators. It is the only writer of calculator state.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/obsidianstack/perfmatrix/pkg/perfdata"
	"github.com/obsidianstack/perfmatrix/server/internal/ingest"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

// Processor is the single consumer of an ingest.Queue.
type Processor struct {
	queue *ingest.Queue
	reg   *registry.Registry
	stats *ingest.Stats
	now   func() time.Time // injectable for deterministic tests
}

// New creates a Processor that routes batches from q into reg.
func New(q *ingest.Queue, reg *registry.Registry, stats *ingest.Stats) *Processor {
	return &Processor{queue: q, reg: reg, stats: stats, now: time.Now}
}

// Run applies batches in queue order until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		b, err := p.queue.Take(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				slog.Error("processor: dequeue failed", "err", err)
			}
			return
		}
		p.Apply(b)
	}
}

// Apply routes every reading of b to its calculator while holding the
// registry's exclusion lock, then signals one change for the whole batch.
// Readings for unprovisioned keys are skipped. A rejected value is logged and
// the rest of the batch is still applied.
func (p *Processor) Apply(b *perfdata.Batch) {
	start := p.now()
	var applied, skipped, errs int

	p.reg.Exclusive(func() {
		for i := range b.Readings {
			r := &b.Readings[i]
			c, ok := p.reg.Get(r.Path)
			if !ok {
				skipped++
				slog.Debug("processor: no datapoint provisioned for key, skipping", "key", r.Path, "owner", r.Owner)
				continue
			}
			failed := false
			for _, v := range r.Values {
				if err := c.Update(v, r.TimestampMs); err != nil {
					errs++
					failed = true
					slog.Warn("processor: update rejected", "key", r.Path, "value", v, "timestamp", r.TimestampMs, "err", err)
				}
			}
			if !failed {
				applied++
			}
		}
	})

	p.reg.NotifyChange()
	if p.stats != nil {
		p.stats.Processed(applied, skipped, errs, p.now().Sub(start))
	}
}
