package calculator

import "fmt"

// Severity is the range a value falls into. Values above Indeterminate are in
// ascending order of severity.
type Severity int

const (
	Indeterminate Severity = iota
	Normal
	Warning
	Minor
	Major
	Critical
)

var severityNames = [...]string{
	Indeterminate: "indeterminate",
	Normal:        "normal",
	Warning:       "warning",
	Minor:         "minor",
	Major:         "major",
	Critical:      "critical",
}

func (s Severity) String() string {
	if s < Indeterminate || s > Critical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(s string) (Severity, error) {
	for i, name := range severityNames {
		if name == s {
			return Severity(i), nil
		}
	}
	return Indeterminate, fmt.Errorf("calculator: unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Trend is the direction of change between two consecutive values.
// TrendNone means there is nothing to compare.
type Trend int

const (
	TrendNone Trend = iota
	TrendUp
	TrendLevel
	TrendDown
)

var trendNames = [...]string{
	TrendNone:  "",
	TrendUp:    "up",
	TrendLevel: "level",
	TrendDown:  "down",
}

func (t Trend) String() string {
	if t < TrendNone || t > TrendDown {
		return fmt.Sprintf("trend(%d)", int(t))
	}
	return trendNames[t]
}

// ParseTrend is the inverse of Trend.String. The empty string is TrendNone.
func ParseTrend(s string) (Trend, error) {
	for i, name := range trendNames {
		if name == s {
			return Trend(i), nil
		}
	}
	return TrendNone, fmt.Errorf("calculator: unknown trend %q", s)
}

func (t Trend) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Trend) UnmarshalText(b []byte) error {
	v, err := ParseTrend(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// trendOf compares cur against prev.
func trendOf(cur, prev float64) Trend {
	switch {
	case cur > prev:
		return TrendUp
	case cur < prev:
		return TrendDown
	default:
		return TrendLevel
	}
}
