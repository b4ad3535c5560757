package snapshot

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
)

// Version is the snapshot document version written by Encode.
const Version = 1

// Snapshot is a point-in-time copy of every calculator in a registry.
type Snapshot struct {
	PersistedAt time.Time
	Records     map[string]calculator.Record
}

type document struct {
	XMLName     xml.Name    `xml:"perfmatrixHistory"`
	Version     int         `xml:"version,attr"`
	PersistedAt time.Time   `xml:"persistedAt,attr"`
	DataPoints  []dataPoint `xml:"dataPoint"`
}

type dataPoint struct {
	Key    string      `xml:"key,attr"`
	Kind   string      `xml:"kind,attr"`
	Config []property  `xml:"configuration>property"`
	State  stateElem   `xml:"state"`
	Window *windowElem `xml:"window"`
	EMA    *emaElem    `xml:"ema"`
}

type property struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type stateElem struct {
	LatestValue     *float64            `xml:"latestValue,attr,omitempty"`
	LatestTimestamp *int64              `xml:"latestTimestamp,attr,omitempty"`
	PrevValue       *float64            `xml:"prevValue,attr,omitempty"`
	PrevTimestamp   *int64              `xml:"prevTimestamp,attr,omitempty"`
	LatestRange     calculator.Severity `xml:"latestRange,attr,omitempty"`
	SecondaryValue  *float64            `xml:"secondaryValue,attr,omitempty"`
	SecondaryRange  calculator.Severity `xml:"secondaryRange,attr,omitempty"`
	LeftTrend       calculator.Trend    `xml:"leftTrend,attr,omitempty"`
	RightTrend      calculator.Trend    `xml:"rightTrend,attr,omitempty"`
	MouseOverText   string              `xml:"mouseOverText"`
}

type windowElem struct {
	Capacity int       `xml:"capacity,attr"`
	Sum      float64   `xml:"sum,attr"`
	SumSq    float64   `xml:"sumSq,attr"`
	Low      float64   `xml:"low,attr"`
	High     float64   `xml:"high,attr"`
	Values   []float64 `xml:"x"`
}

type emaElem struct {
	Count    int64   `xml:"count,attr"`
	Mean     float64 `xml:"mean,attr"`
	Variance float64 `xml:"variance,attr"`
	Low      float64 `xml:"low,attr"`
	High     float64 `xml:"high,attr"`
}

// Encode writes snap as an indented XML document. Datapoints are written in
// key order.
func Encode(w io.Writer, snap *Snapshot) error {
	doc := document{Version: Version, PersistedAt: snap.PersistedAt.UTC()}

	keys := make([]string, 0, len(snap.Records))
	for k := range snap.Records {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		doc.DataPoints = append(doc.DataPoints, toElem(k, snap.Records[k]))
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Decode reads a document written by Encode.
func Decode(r io.Reader) (*Snapshot, error) {
	var doc document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("snapshot: unsupported version %d", doc.Version)
	}

	snap := &Snapshot{
		PersistedAt: doc.PersistedAt,
		Records:     make(map[string]calculator.Record, len(doc.DataPoints)),
	}
	for i, dp := range doc.DataPoints {
		if dp.Key == "" {
			return nil, fmt.Errorf("snapshot: decode: datapoint %d has no key", i)
		}
		rec, err := fromElem(dp)
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode %q: %w", dp.Key, err)
		}
		snap.Records[dp.Key] = rec
	}
	return snap, nil
}

func toElem(key string, rec calculator.Record) dataPoint {
	dp := dataPoint{
		Key:  key,
		Kind: string(rec.Kind),
		State: stateElem{
			LatestValue:     rec.State.LatestValue,
			LatestTimestamp: rec.State.LatestTimestamp,
			PrevValue:       rec.State.PrevValue,
			PrevTimestamp:   rec.State.PrevTimestamp,
			LatestRange:     rec.State.LatestRange,
			SecondaryValue:  rec.State.SecondaryValue,
			SecondaryRange:  rec.State.SecondaryRange,
			LeftTrend:       rec.State.LeftTrend,
			RightTrend:      rec.State.RightTrend,
			MouseOverText:   rec.State.MouseOverText,
		},
	}
	for _, p := range rec.Config {
		dp.Config = append(dp.Config, property{Name: p.Name, Value: p.Value})
	}
	if w := rec.Window; w != nil {
		dp.Window = &windowElem{
			Capacity: w.Capacity,
			Sum:      w.Sum,
			SumSq:    w.SumSq,
			Low:      w.Low,
			High:     w.High,
			Values:   w.Values,
		}
	}
	if e := rec.EMA; e != nil {
		dp.EMA = &emaElem{Count: e.Count, Mean: e.Mean, Variance: e.Variance, Low: e.Low, High: e.High}
	}
	return dp
}

func fromElem(dp dataPoint) (calculator.Record, error) {
	kind, err := calculator.ParseKind(dp.Kind)
	if err != nil {
		return calculator.Record{}, err
	}
	rec := calculator.Record{
		Kind: kind,
		State: calculator.State{
			LatestValue:     dp.State.LatestValue,
			LatestTimestamp: dp.State.LatestTimestamp,
			PrevValue:       dp.State.PrevValue,
			PrevTimestamp:   dp.State.PrevTimestamp,
			LatestRange:     dp.State.LatestRange,
			SecondaryValue:  dp.State.SecondaryValue,
			SecondaryRange:  dp.State.SecondaryRange,
			LeftTrend:       dp.State.LeftTrend,
			RightTrend:      dp.State.RightTrend,
			MouseOverText:   dp.State.MouseOverText,
		},
	}
	for _, p := range dp.Config {
		rec.Config = append(rec.Config, calculator.Pair{Name: p.Name, Value: p.Value})
	}
	if w := dp.Window; w != nil {
		rec.Window = &calculator.WindowRecord{
			Capacity: w.Capacity,
			Values:   w.Values,
			Sum:      w.Sum,
			SumSq:    w.SumSq,
			Low:      w.Low,
			High:     w.High,
		}
	}
	if e := dp.EMA; e != nil {
		rec.EMA = &calculator.EMARecord{Count: e.Count, Mean: e.Mean, Variance: e.Variance, Low: e.Low, High: e.High}
	}
	return rec, nil
}
