package calculator

import (
	"math"
	"strconv"
	"strings"
)

// movingAverage classifies each value by its deviation from the average of a
// bounded window of recent samples.
type movingAverage struct {
	*base
	win *window
}

func (c *movingAverage) Update(value float64, timestampMs int64) error {
	if err := c.begin(value, timestampMs); err != nil {
		return err
	}
	prev, prevTs := c.applyLatest(value, timestampMs)

	c.win.add(value)
	avg := c.win.average()
	variance := c.win.variance()
	stdDev := math.Sqrt(variance)
	deviation := math.Abs(value - avg)

	c.st.LatestRange = classify(deviation, c.thresholds(stdDev, avg))
	c.applySecondary(avg, c.win.low, c.win.high)

	t := newText()
	t.values(value, timestampMs, prev, prevTs)
	t.line("Average: ", num(avg), " over ", strconv.Itoa(c.win.len()),
		" samples (of max window size ", strconv.Itoa(c.win.cap), ")")
	t.line("Std Deviation: ", num(stdDev), " (Variance: ", num(variance), ")")
	t.line("Absolute Difference from Average: ", num(deviation))
	t.line("Lowest Value: ", num(c.win.low), "  Highest Value: ", num(c.win.high))
	t.thresholdConfig(c.set)
	c.st.MouseOverText = t.String()

	c.finish()
	c.publish(c.stats())
	return nil
}

func (c *movingAverage) stats() *windowStats {
	ws := &windowStats{
		samples: c.win.len(),
		average: c.win.average(),
		stdDev:  math.Sqrt(c.win.variance()),
		window:  c.win.values(),
	}
	if ws.samples > 0 {
		ws.low, ws.high = c.win.low, c.win.high
	}
	return ws
}

// CSV returns the window contents, oldest first, comma separated.
func (c *movingAverage) CSV() string {
	vals := c.view.Load().Window
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (c *movingAverage) Record() Record {
	return Record{
		Kind:   c.kind,
		Config: c.cfg.Clone(),
		State:  c.st,
		Window: &WindowRecord{
			Capacity: c.win.cap,
			Values:   c.win.values(),
			Sum:      c.win.sum,
			SumSq:    c.win.sumSq,
			Low:      c.win.low,
			High:     c.win.high,
		},
	}
}
