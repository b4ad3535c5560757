package calculator

import (
	"math"
	"strconv"
	"strings"
	"time"
)

const textTimeLayout = "2006.01.02 15:04:05.000"

// num formats v rounded to three decimals.
func num(v float64) string {
	return strconv.FormatFloat(math.Round(v*1000)/1000, 'f', -1, 64)
}

func stamp(ms int64) string {
	return strconv.FormatInt(ms, 10) + " (" + time.UnixMilli(ms).UTC().Format(textTimeLayout) + ")"
}

// textBuilder assembles the mouse-over description.
type textBuilder struct {
	strings.Builder
}

func newText() *textBuilder {
	t := &textBuilder{}
	t.WriteString("Value Statistics:")
	return t
}

func (t *textBuilder) line(parts ...string) {
	t.WriteString("\n  ")
	for _, p := range parts {
		t.WriteString(p)
	}
}

// values writes the latest and previous value lines.
func (t *textBuilder) values(latest float64, latestTs int64, prev *float64, prevTs int64) {
	prevStr := "none"
	if prev != nil {
		prevStr = num(*prev)
	}
	t.line("Latest Data Value: ", num(latest))
	t.line("Latest Timestamp: ", stamp(latestTs))
	t.line("Previous Data Value: ", prevStr)
	t.line("Previous Timestamp: ", stamp(prevTs))
}

// thresholdConfig writes the threshold type and its multipliers or values.
func (t *textBuilder) thresholdConfig(s settings) {
	t.line("Threshold Type: ", s.thresholdType)
	label := "Threshold Multipliers"
	if s.thresholdType == ThresholdAbsolute {
		label = "Absolute Thresholds"
	}
	t.line(label, ": Warn:", num(s.warning), " Minor:", num(s.minor),
		" Major:", num(s.major), " Critical:", num(s.critical))
}
