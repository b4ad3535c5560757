package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// steppingClock returns a clock that advances by step on every call.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	t := start
	return func() time.Time {
		now := t
		t = t.Add(step)
		return now
	}
}

type datapoint struct {
	key  string
	kind calculator.Kind
	cfg  calculator.Config
}

var datapoints = []datapoint{
	{"icmp/host1", calculator.KindMovingAverage, calculator.Config{
		{Name: calculator.KeyMaxSampleNo, Value: "4"},
		{Name: calculator.KeySecondValue, Value: calculator.SecondValueHighest},
	}},
	{"snmp/host2/ifInOctets", calculator.KindExponentialMovingAverage, calculator.Config{
		{Name: calculator.KeyAlpha, Value: "0.25"},
		{Name: calculator.KeyThresholdType, Value: calculator.ThresholdAverage},
	}},
	{"static/value", calculator.KindSimple, calculator.Config{
		{Name: calculator.KeySampleTimeout, Value: "60000"},
	}},
}

// populated returns a registry holding every datapoint, each fed a few values.
func populated(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	for _, dp := range datapoints {
		provision(t, reg, dp)
		c, _ := reg.Get(dp.key)
		for i, v := range []float64{3, 1.5, 4, 1, 5.25, 9} {
			if err := c.Update(v, 1767268800000+int64(i)*1000); err != nil {
				t.Fatal(err)
			}
		}
	}
	return reg
}

func provision(t *testing.T, reg *registry.Registry, dp datapoint) {
	t.Helper()
	_, err := reg.Provision(dp.key, func() (calculator.Calculator, error) {
		return calculator.New(dp.kind, dp.cfg)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func newStore(t *testing.T, archiveMax int) *Store {
	t.Helper()
	s := New(Options{Enabled: true, Dir: t.TempDir(), FileName: "pmatrix-history.xml", ArchiveMax: archiveMax})
	s.now = steppingClock(baseTime, time.Second)
	return s
}

func records(reg *registry.Registry) map[string]calculator.Record {
	var out map[string]calculator.Record
	reg.Exclusive(func() { out = reg.Records() })
	return out
}

// --- Round trip ---

func TestPersistLoad_RoundTrip(t *testing.T) {
	s := newStore(t, 1)
	reg := populated(t)
	want := records(reg)

	if !s.Persist(reg) {
		t.Fatal("Persist: got false, want true")
	}

	snap, ok := s.Load()
	if !ok {
		t.Fatal("Load: got false, want true")
	}
	if !snap.PersistedAt.Equal(baseTime) {
		t.Errorf("PersistedAt: got %v, want %v", snap.PersistedAt, baseTime)
	}
	if !reflect.DeepEqual(snap.Records, want) {
		t.Errorf("Records after load:\n got %+v\nwant %+v", snap.Records, want)
	}

	// Provisioning a fresh registry from the snapshot resumes every datapoint.
	reg2 := registry.New()
	reg2.Restore(snap.Records)
	for _, dp := range datapoints {
		provision(t, reg2, dp)
	}
	if got := records(reg2); !reflect.DeepEqual(got, want) {
		t.Errorf("Records after restore:\n got %+v\nwant %+v", got, want)
	}
}

func TestEncode_IsVersionedXML(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Snapshot{PersistedAt: baseTime, Records: records(populated(t))})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<perfmatrixHistory version="1" persistedAt="2026-01-01T12:00:00Z">`,
		`<dataPoint key="icmp/host1" kind="movingAverage">`,
		`<property name="maxSampleNo" value="4"></property>`,
		`<x>5.25</x>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("document missing %q:\n%s", want, out)
		}
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"not xml":       "hello",
		"wrong version": `<perfmatrixHistory version="2"></perfmatrixHistory>`,
		"unknown kind":  `<perfmatrixHistory version="1"><dataPoint key="k" kind="median"></dataPoint></perfmatrixHistory>`,
		"missing key":   `<perfmatrixHistory version="1"><dataPoint kind="simple"></dataPoint></perfmatrixHistory>`,
		"bad severity":  `<perfmatrixHistory version="1"><dataPoint key="k" kind="simple"><state latestRange="awful"></state></dataPoint></perfmatrixHistory>`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(doc)); err == nil {
				t.Error("Decode: expected error, got nil")
			}
		})
	}
}

// --- Rotation and retention ---

func TestPersist_RetainsArchiveMax(t *testing.T) {
	s := newStore(t, 2)
	reg := populated(t)

	for i := 0; i < 4; i++ {
		if !s.Persist(reg) {
			t.Fatalf("Persist %d: got false", i+1)
		}
	}

	archives, err := s.Archives()
	if err != nil {
		t.Fatal(err)
	}
	// Persist 1 creates the live file; persists 2 to 4 each rotate one out,
	// suffixed with their own timestamp. The oldest (persist 2) is pruned.
	want := []string{
		s.LivePath() + "." + baseTime.Add(2*time.Second).Format(archiveLayout),
		s.LivePath() + "." + baseTime.Add(3*time.Second).Format(archiveLayout),
	}
	if !reflect.DeepEqual(archives, want) {
		t.Errorf("archives:\n got %v\nwant %v", archives, want)
	}

	entries, _ := os.ReadDir(s.opts.Dir)
	if len(entries) != 3 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("files: got %v, want live plus 2 archives", names)
	}
	if _, err := os.Stat(s.LivePath()); err != nil {
		t.Errorf("live file: %v", err)
	}
}

func TestPersist_LeavesUnparseableSuffixAlone(t *testing.T) {
	s := newStore(t, 0)
	reg := populated(t)
	stray := s.LivePath() + ".backup"
	if err := os.WriteFile(stray, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	s.Persist(reg)
	s.Persist(reg)

	if _, err := os.Stat(stray); err != nil {
		t.Errorf("stray file removed: %v", err)
	}
	if archives, _ := s.Archives(); len(archives) != 0 {
		t.Errorf("archives: got %v, want none with ArchiveMax 0", archives)
	}
}

func TestPersist_FailureLeavesLiveFileUntouched(t *testing.T) {
	s := newStore(t, 5)
	reg := populated(t)
	if !s.Persist(reg) {
		t.Fatal("first Persist failed")
	}
	before, err := os.ReadFile(s.LivePath())
	if err != nil {
		t.Fatal(err)
	}

	// A directory where the temp file should go makes the write fail.
	if err := os.Mkdir(s.LivePath()+".tmp", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.LivePath()+".tmp", "blocker"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if s.Persist(reg) {
		t.Fatal("Persist: got true with unwritable temp file")
	}

	after, err := os.ReadFile(s.LivePath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("live file changed after failed persist")
	}
	if archives, _ := s.Archives(); len(archives) != 0 {
		t.Errorf("archives: got %v, want none", archives)
	}
}

// --- Load edge cases ---

func TestLoad_MissingFile(t *testing.T) {
	s := newStore(t, 1)
	snap, ok := s.Load()
	if ok {
		t.Error("Load: got true for missing file")
	}
	if snap == nil || len(snap.Records) != 0 {
		t.Errorf("snapshot: got %+v, want empty", snap)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	s := newStore(t, 1)
	if err := os.WriteFile(s.LivePath(), []byte("<broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if snap, ok := s.Load(); ok || len(snap.Records) != 0 {
		t.Errorf("Load: got ok=%v records=%d, want false and empty", ok, len(snap.Records))
	}
}

func TestDisabled_TouchesNothing(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Enabled: false, Dir: dir, FileName: "h.xml", ArchiveMax: 1})
	if s.Enabled() {
		t.Error("Enabled: got true")
	}
	if s.Persist(populated(t)) {
		t.Error("Persist: got true while disabled")
	}
	if _, ok := s.Load(); ok {
		t.Error("Load: got true while disabled")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("files written while disabled: %d", len(entries))
	}
}

func TestRun_PersistsOnTicker(t *testing.T) {
	s := newStore(t, 1)
	reg := populated(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, reg, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(s.LivePath()); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if _, err := os.Stat(s.LivePath()); err != nil {
		t.Errorf("live file after Run: %v", err)
	}
}
