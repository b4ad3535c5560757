package calculator

import (
	"math"
	"strconv"
)

// expMovingAverage classifies values against an exponentially weighted mean
// and variance. Low and high track every sample since the first update.
type expMovingAverage struct {
	*base
	count    int64
	mean     float64
	variance float64
	low      float64
	high     float64
}

func (c *expMovingAverage) Update(value float64, timestampMs int64) error {
	if err := c.begin(value, timestampMs); err != nil {
		return err
	}
	prev, prevTs := c.applyLatest(value, timestampMs)

	if c.count == 0 {
		c.mean, c.variance = value, 0
		c.low, c.high = value, value
	} else {
		diff := value - c.mean
		incr := c.set.alpha * diff
		c.mean += incr
		c.variance = (1 - c.set.alpha) * (c.variance + diff*incr)
		c.low = math.Min(c.low, value)
		c.high = math.Max(c.high, value)
	}
	c.count++

	stdDev := math.Sqrt(c.variance)
	deviation := math.Abs(value - c.mean)
	c.st.LatestRange = classify(deviation, c.thresholds(stdDev, c.mean))
	c.applySecondary(c.mean, c.low, c.high)

	t := newText()
	t.values(value, timestampMs, prev, prevTs)
	t.line("Exponential Average: ", num(c.mean), " over ", strconv.FormatInt(c.count, 10),
		" samples (alpha ", num(c.set.alpha), ")")
	t.line("Std Deviation: ", num(stdDev), " (Variance: ", num(c.variance), ")")
	t.line("Absolute Difference from Average: ", num(deviation))
	t.line("Lowest Value: ", num(c.low), "  Highest Value: ", num(c.high))
	t.thresholdConfig(c.set)
	c.st.MouseOverText = t.String()

	c.finish()
	c.publish(c.stats())
	return nil
}

func (c *expMovingAverage) stats() *windowStats {
	return &windowStats{
		samples: int(c.count),
		average: c.mean,
		stdDev:  math.Sqrt(c.variance),
		low:     c.low,
		high:    c.high,
	}
}

// CSV returns the latest value, or an empty string before the first update.
// The exponential state keeps no window to export.
func (c *expMovingAverage) CSV() string {
	v := c.view.Load()
	if v.LatestValue == nil {
		return ""
	}
	return strconv.FormatFloat(*v.LatestValue, 'g', -1, 64)
}

func (c *expMovingAverage) Record() Record {
	return Record{
		Kind:   c.kind,
		Config: c.cfg.Clone(),
		State:  c.st,
		EMA: &EMARecord{
			Count:    c.count,
			Mean:     c.mean,
			Variance: c.variance,
			Low:      c.low,
			High:     c.high,
		},
	}
}
