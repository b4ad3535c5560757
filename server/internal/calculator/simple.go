package calculator

import "strconv"

// simple keeps the latest value and its trend, nothing else.
type simple struct {
	*base
}

func (c *simple) Update(value float64, timestampMs int64) error {
	if err := c.begin(value, timestampMs); err != nil {
		return err
	}
	prev, prevTs := c.applyLatest(value, timestampMs)
	c.st.LatestRange = Normal

	t := newText()
	t.values(value, timestampMs, prev, prevTs)
	c.st.MouseOverText = t.String()

	c.finish()
	c.publish(nil)
	return nil
}

// CSV returns the latest value, or an empty string before the first update.
func (c *simple) CSV() string {
	v := c.view.Load()
	if v.LatestValue == nil {
		return ""
	}
	return strconv.FormatFloat(*v.LatestValue, 'g', -1, 64)
}

func (c *simple) Record() Record {
	return Record{Kind: c.kind, Config: c.cfg.Clone(), State: c.st}
}
