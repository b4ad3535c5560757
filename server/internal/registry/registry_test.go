package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
)

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func factory(kind calculator.Kind, cfg calculator.Config) Factory {
	return func() (calculator.Calculator, error) {
		return calculator.New(kind, cfg, calculator.WithClock(fixedClock(baseTime)))
	}
}

type countingListener struct{ n atomic.Int64 }

func (l *countingListener) OnDataChanged() { l.n.Add(1) }

type panickingListener struct{}

func (panickingListener) OnDataChanged() { panic("boom") }

// --- Provisioning ---

func TestProvisionAndGet(t *testing.T) {
	r := New()
	created, err := r.Provision("icmp/host1", factory(calculator.KindMovingAverage, nil))
	if err != nil || !created {
		t.Fatalf("Provision: created=%v err=%v, want true nil", created, err)
	}

	c, ok := r.Get("icmp/host1")
	if !ok {
		t.Fatal("Get: expected calculator, got none")
	}
	if c.Kind() != calculator.KindMovingAverage {
		t.Errorf("Kind: got %q, want movingAverage", c.Kind())
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("Get(unknown): expected false, got true")
	}
}

func TestProvision_Idempotent(t *testing.T) {
	r := New()
	r.Provision("k", factory(calculator.KindSimple, nil))
	first, _ := r.Get("k")

	called := false
	created, err := r.Provision("k", func() (calculator.Calculator, error) {
		called = true
		return calculator.New(calculator.KindMovingAverage, nil)
	})
	if err != nil || created {
		t.Fatalf("second Provision: created=%v err=%v, want false nil", created, err)
	}
	if called {
		t.Error("factory called for an existing key")
	}
	if second, _ := r.Get("k"); second != first {
		t.Error("existing calculator replaced")
	}
	if r.Len() != 1 {
		t.Errorf("Len: got %d, want 1", r.Len())
	}
}

func TestProvision_FactoryError(t *testing.T) {
	r := New()
	wantErr := errors.New("no such kind")
	_, err := r.Provision("k", func() (calculator.Calculator, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("err: got %v, want %v", err, wantErr)
	}
	if _, ok := r.Get("k"); ok {
		t.Error("key present after failed provision")
	}
}

func TestKeys_Sorted(t *testing.T) {
	r := New()
	for _, k := range []string{"c", "a", "b"} {
		r.Provision(k, factory(calculator.KindSimple, nil))
	}
	got := r.Keys()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("Keys: got %v, want [a b c]", got)
	}
}

// --- Restoring persisted state ---

func persistedRecord(t *testing.T, kind calculator.Kind, cfg calculator.Config) calculator.Record {
	t.Helper()
	c, err := factory(kind, cfg)()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range []float64{1, 2, 3} {
		if err := c.Update(v, int64(1000+i)); err != nil {
			t.Fatal(err)
		}
	}
	return c.Record()
}

func TestProvision_ResumesCompatibleRecord(t *testing.T) {
	cfg := calculator.Config{{Name: calculator.KeyMaxSampleNo, Value: "10"}}
	r := New()
	r.now = fixedClock(baseTime)
	r.Restore(map[string]calculator.Record{
		"k": persistedRecord(t, calculator.KindMovingAverage, cfg),
	})

	r.Provision("k", factory(calculator.KindMovingAverage, cfg))
	c, _ := r.Get("k")
	if got := c.CSV(); got != "1,2,3" {
		t.Errorf("CSV: got %q, want restored window 1,2,3", got)
	}
}

func TestProvision_IncompatibleRecordStartsFresh(t *testing.T) {
	cfg := calculator.Config{{Name: calculator.KeyMaxSampleNo, Value: "10"}}
	cases := map[string]struct {
		kind calculator.Kind
		cfg  calculator.Config
	}{
		"kind changed":   {calculator.KindExponentialMovingAverage, cfg},
		"config changed": {calculator.KindMovingAverage, calculator.Config{{Name: calculator.KeyMaxSampleNo, Value: "20"}}},
		"config grew":    {calculator.KindMovingAverage, append(cfg.Clone(), calculator.Pair{Name: calculator.KeyAlpha, Value: "0.5"})},
		"duplicates":     {calculator.KindMovingAverage, calculator.Config{cfg[0], cfg[0]}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := New()
			r.Restore(map[string]calculator.Record{
				"k": persistedRecord(t, calculator.KindMovingAverage, cfg),
			})
			r.Provision("k", factory(tc.kind, tc.cfg))
			c, _ := r.Get("k")
			if got := c.View(baseTime).Samples; got != 0 {
				t.Errorf("Samples: got %d, want fresh calculator", got)
			}
		})
	}
}

func TestRecords(t *testing.T) {
	r := New()
	r.Provision("a", factory(calculator.KindSimple, nil))
	r.Provision("b", factory(calculator.KindMovingAverage, nil))

	var recs map[string]calculator.Record
	r.Exclusive(func() { recs = r.Records() })
	if len(recs) != 2 || recs["a"].Kind != calculator.KindSimple || recs["b"].Kind != calculator.KindMovingAverage {
		t.Errorf("Records: got %+v", recs)
	}
}

// --- Listeners and coalescing ---

func TestListeners_Idempotent(t *testing.T) {
	r := New()
	l := &countingListener{}
	if !r.AddListener(l) {
		t.Error("first AddListener: got false, want true")
	}
	if r.AddListener(l) {
		t.Error("second AddListener: got true, want false")
	}

	r.NotifyChange()
	r.RunUpdate()
	if got := l.n.Load(); got != 1 {
		t.Errorf("calls after double registration: got %d, want 1", got)
	}

	if !r.RemoveListener(l) {
		t.Error("RemoveListener: got false, want true")
	}
	if r.RemoveListener(l) {
		t.Error("second RemoveListener: got true, want false")
	}
	r.NotifyChange()
	r.RunUpdate()
	if got := l.n.Load(); got != 1 {
		t.Errorf("calls after removal: got %d, want 1", got)
	}
}

func TestRunUpdate_CoalescesNotifications(t *testing.T) {
	r := New()
	a, b := &countingListener{}, &countingListener{}
	r.AddListener(a)
	r.AddListener(b)

	for i := 0; i < 100; i++ {
		r.NotifyChange()
	}
	if !r.RunUpdate() {
		t.Fatal("RunUpdate: got false, want true")
	}
	if a.n.Load() != 1 || b.n.Load() != 1 {
		t.Errorf("calls: got %d and %d, want 1 each", a.n.Load(), b.n.Load())
	}

	if r.RunUpdate() {
		t.Error("RunUpdate without change: got true, want false")
	}
	if a.n.Load() != 1 {
		t.Errorf("calls after clean RunUpdate: got %d, want 1", a.n.Load())
	}
}

func TestRunUpdate_ConcurrentCallersDeliverOnce(t *testing.T) {
	r := New()
	l := &countingListener{}
	r.AddListener(l)
	r.NotifyChange()

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.RunUpdate() {
				delivered.Add(1)
			}
		}()
	}
	wg.Wait()

	if delivered.Load() != 1 || l.n.Load() != 1 {
		t.Errorf("delivered %d times, listener called %d times, want 1 and 1", delivered.Load(), l.n.Load())
	}
}

func TestRunUpdate_PanickingListenerDoesNotStopOthers(t *testing.T) {
	r := New()
	l := &countingListener{}
	r.AddListener(panickingListener{})
	r.AddListener(l)

	r.NotifyChange()
	r.RunUpdate()
	if l.n.Load() != 1 {
		t.Errorf("calls: got %d, want 1", l.n.Load())
	}
}

func TestRun_DeliversOnTicker(t *testing.T) {
	r := New()
	l := &countingListener{}
	r.AddListener(l)
	r.NotifyChange()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for l.n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if l.n.Load() != 1 {
		t.Errorf("calls: got %d, want 1", l.n.Load())
	}
}

func TestExclusive_Serializes(t *testing.T) {
	r := New()
	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Exclusive(func() {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
			})
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Error("Exclusive sections overlapped")
	}
}
