package api

import (
	"fmt"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
)

// DiagnosticHint is one human-readable insight about a datapoint. The UI
// shows these as chips on the matrix cell; Detail is the full explanation.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier (used for dedup/ordering).
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short label shown on the chip.
	Title string `json:"title"`
	// Detail is the full explanation shown on click/hover.
	Detail string `json:"detail"`
	// Value is an optional numeric value associated with this hint.
	Value *float64 `json:"value,omitempty"`
}

// warmupSamples is how many samples a window needs before its average means much.
const warmupSamples = 3

// computeDiagnostics derives hints from a datapoint view. Callers order them.
func computeDiagnostics(v calculator.View) []DiagnosticHint {
	if v.LatestValue == nil {
		return []DiagnosticHint{{
			Key:   "no_data",
			Level: "info",
			Title: "No data yet",
			Detail: "No value has been received for this datapoint since it was provisioned. " +
				"Check that an agent is shipping readings with exactly this key.",
		}}
	}

	var hints []DiagnosticHint

	if v.Stale {
		hints = append(hints, DiagnosticHint{
			Key:   "stale",
			Level: "warning",
			Title: "No recent data",
			Detail: fmt.Sprintf(
				"Nothing has arrived since %s, longer ago than the sample timeout allows. "+
					"The value shown may no longer reflect reality.",
				time.UnixMilli(v.RealUpdateMs).UTC().Format(time.RFC3339)),
		})
	}

	if v.LatestRange > calculator.Normal {
		val := *v.LatestValue
		level := "warning"
		if v.LatestRange >= calculator.Major {
			level = "critical"
		}
		detail := fmt.Sprintf("The latest value %s is in the %s range.", num(val), v.LatestRange)
		if v.Kind != calculator.KindSimple {
			detail = fmt.Sprintf(
				"The latest value %s deviates from the average %s by more than the %s threshold "+
					"(standard deviation %s over %d samples).",
				num(val), num(v.Average), v.LatestRange, num(v.StdDev), v.Samples)
		}
		hints = append(hints, DiagnosticHint{
			Key:    "deviation",
			Level:  level,
			Title:  fmt.Sprintf("%s deviation", v.LatestRange),
			Detail: detail,
			Value:  &val,
		})
		if v.RightTrend == calculator.TrendUp {
			hints = append(hints, DiagnosticHint{
				Key:    "rising",
				Level:  "info",
				Title:  "Still rising",
				Detail: "The value went up compared with the previous sample.",
			})
		}
	}

	if v.Kind != calculator.KindSimple && v.Samples < warmupSamples {
		n := float64(v.Samples)
		hints = append(hints, DiagnosticHint{
			Key:   "warming_up",
			Level: "info",
			Title: "Warming up",
			Detail: fmt.Sprintf(
				"Only %d samples so far. Ranges are computed from the spread of the history, "+
					"so they settle once a few more values arrive.", v.Samples),
			Value: &n,
		})
	}

	if len(hints) == 0 {
		hints = append(hints, DiagnosticHint{Key: "ok", Level: "ok", Title: "Normal", Detail: "The latest value is within its normal range."})
	}
	return hints
}

func levelRank(level string) int {
	switch level {
	case "critical":
		return 3
	case "warning":
		return 2
	case "info":
		return 1
	default:
		return 0
	}
}

func num(v float64) string {
	return fmt.Sprintf("%.3f", v)
}
