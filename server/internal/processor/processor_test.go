package processor

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obsidianstack/perfmatrix/pkg/perfdata"
	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/ingest"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

type countingListener struct{ n atomic.Int64 }

func (l *countingListener) OnDataChanged() { l.n.Add(1) }

func setup(t *testing.T, keys ...string) (*Processor, *registry.Registry, *ingest.Stats) {
	t.Helper()
	reg := registry.New()
	for _, k := range keys {
		_, err := reg.Provision(k, func() (calculator.Calculator, error) {
			return calculator.New(calculator.KindMovingAverage, nil)
		})
		if err != nil {
			t.Fatalf("Provision(%s): %v", k, err)
		}
	}
	stats := ingest.NewStats()
	return New(ingest.NewQueue(10, stats), reg, stats), reg, stats
}

func csv(t *testing.T, reg *registry.Registry, key string) string {
	t.Helper()
	c, ok := reg.Get(key)
	if !ok {
		t.Fatalf("Get(%s): not provisioned", key)
	}
	return c.CSV()
}

func TestApply_ValuesInOrder(t *testing.T) {
	p, reg, _ := setup(t, "a", "b")
	p.Apply(&perfdata.Batch{Readings: []perfdata.Reading{
		{Path: "a", TimestampMs: 1000, Values: []float64{1, 2, 3}},
		{Path: "b", TimestampMs: 1000, Values: []float64{9}},
		{Path: "a", TimestampMs: 2000, Values: []float64{4}},
	}})

	if got := csv(t, reg, "a"); got != "1,2,3,4" {
		t.Errorf("a: got %q, want 1,2,3,4", got)
	}
	if got := csv(t, reg, "b"); got != "9" {
		t.Errorf("b: got %q, want 9", got)
	}
	c, _ := reg.Get("a")
	if ts := c.View(time.Now()).LatestTimestamp; ts == nil || *ts != 2000 {
		t.Errorf("LatestTimestamp: got %v, want 2000", ts)
	}
}

func TestApply_SkipsUnknownKeysAndBadValues(t *testing.T) {
	p, reg, stats := setup(t, "a")
	p.Apply(&perfdata.Batch{Readings: []perfdata.Reading{
		{Path: "missing", TimestampMs: 1000, Values: []float64{1}},
		{Path: "a", TimestampMs: 1000, Values: []float64{1, math.NaN(), 2}},
	}})

	if got := csv(t, reg, "a"); got != "1,2" {
		t.Errorf("a: got %q, want 1,2", got)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("unknown key was provisioned by traffic")
	}
	c := stats.Snapshot(nil)
	if c.BatchesProcessed != 1 || c.ReadingsSkipped != 1 || c.UpdateErrors != 1 || c.ReadingsProcessed != 0 {
		t.Errorf("counters: got %+v", c)
	}
}

func TestApply_NotifiesOncePerBatch(t *testing.T) {
	p, reg, _ := setup(t, "a")
	l := &countingListener{}
	reg.AddListener(l)

	p.Apply(&perfdata.Batch{Readings: []perfdata.Reading{
		{Path: "a", TimestampMs: 1000, Values: []float64{1, 2, 3, 4, 5}},
		{Path: "a", TimestampMs: 2000, Values: []float64{6}},
	}})
	reg.RunUpdate()
	if got := l.n.Load(); got != 1 {
		t.Errorf("listener calls: got %d, want 1", got)
	}
}

func TestApply_WaitsForExclusive(t *testing.T) {
	p, reg, _ := setup(t, "a")
	release := make(chan struct{})
	held := make(chan struct{})
	go reg.Exclusive(func() {
		close(held)
		<-release
	})
	<-held

	done := make(chan struct{})
	go func() {
		p.Apply(&perfdata.Batch{Readings: []perfdata.Reading{{Path: "a", TimestampMs: 1, Values: []float64{7}}}})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Apply ran while the exclusion lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-done
	if got := csv(t, reg, "a"); got != "7" {
		t.Errorf("a: got %q, want 7", got)
	}
}

func TestRun_DrainsQueueAndStops(t *testing.T) {
	p, reg, stats := setup(t, "a")
	for i := 1; i <= 3; i++ {
		p.queue.Offer(&perfdata.Batch{Readings: []perfdata.Reading{
			{Path: "a", TimestampMs: int64(i), Values: []float64{float64(i)}},
		}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for stats.Snapshot(nil).BatchesProcessed < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := csv(t, reg, "a"); got != "1,2,3" {
		t.Errorf("a: got %q, want 1,2,3", got)
	}
}
