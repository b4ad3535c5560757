package calculator

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Configuration property names.
const (
	KeyMaxSampleNo        = "maxSampleNo"
	KeySecondValue        = "secondValue"
	KeyThresholdType      = "thresholdType"
	KeyWarningMultiplier  = "warningThresholdMultiplier"
	KeyMinorMultiplier    = "minorThresholdMultiplier"
	KeyMajorMultiplier    = "majorThresholdMultiplier"
	KeyCriticalMultiplier = "criticalThresholdMultiplier"
	KeySampleTimeout      = "sampleTimeout"
	KeyAlpha              = "alpha"
)

// Values accepted for KeyThresholdType.
const (
	ThresholdStandardDeviation = "standardDeviation"
	ThresholdAverage           = "average"
	ThresholdAbsolute          = "absolute"
)

// Values accepted for KeySecondValue.
const (
	SecondValueAverage = "averageValue"
	SecondValueHighest = "highestValue"
	SecondValueLowest  = "lowestValue"
	SecondValueNone    = "noValue"
)

// Defaults applied when a property is absent or unparseable.
const (
	DefaultMaxSamples         = 100
	DefaultSampleTimeout      = 2250 * time.Second // 2.5 x 15 minutes
	DefaultWarningMultiplier  = 1.0
	DefaultMinorMultiplier    = 1.5
	DefaultMajorMultiplier    = 2.0
	DefaultCriticalMultiplier = 3.0
	DefaultAlpha              = 0.1
)

// Pair is one configuration property.
type Pair struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Config is an ordered list of properties. When a name repeats, the last
// occurrence wins on lookup.
type Config []Pair

// Lookup returns the value for name.
func (c Config) Lookup(name string) (string, bool) {
	for i := len(c) - 1; i >= 0; i-- {
		if c[i].Name == name {
			return c[i].Value, true
		}
	}
	return "", false
}

// Clone returns a copy of c that shares no memory with it.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	copy(out, c)
	return out
}

// Duplicates returns the names that occur more than once, in first-seen order.
func (c Config) Duplicates() []string {
	seen := make(map[string]int, len(c))
	var dups []string
	for _, p := range c {
		seen[p.Name]++
		if seen[p.Name] == 2 {
			dups = append(dups, p.Name)
		}
	}
	return dups
}

// Matches reports whether a calculator persisted with config stored may be
// reused under c. Both must have the same number of pairs, c must not repeat
// a name, and every stored pair must be present in c with the same value.
// When they do not match, the returned string says why.
func (c Config) Matches(stored Config) (bool, string) {
	if len(c) != len(stored) {
		return false, fmt.Sprintf("config has %d properties, persisted has %d", len(c), len(stored))
	}
	if dups := c.Duplicates(); len(dups) > 0 {
		return false, fmt.Sprintf("config has duplicate properties %v", dups)
	}
	current := make(map[string]string, len(c))
	for _, p := range c {
		current[p.Name] = p.Value
	}
	for _, p := range stored {
		v, ok := current[p.Name]
		if !ok {
			return false, fmt.Sprintf("persisted property %q not in config", p.Name)
		}
		if v != p.Value {
			return false, fmt.Sprintf("property %q is %q, persisted %q", p.Name, v, p.Value)
		}
	}
	return true, ""
}

// settings are the typed values derived from a Config.
type settings struct {
	maxSamples    int
	thresholdType string
	warning       float64
	minor         float64
	major         float64
	critical      float64
	secondValue   string
	sampleTimeout time.Duration
	alpha         float64
}

// parseSettings derives typed settings from cfg. Absent or invalid values are
// logged and replaced with their defaults; parsing never fails.
func parseSettings(cfg Config) settings {
	s := settings{
		maxSamples:    DefaultMaxSamples,
		thresholdType: ThresholdStandardDeviation,
		warning:       DefaultWarningMultiplier,
		minor:         DefaultMinorMultiplier,
		major:         DefaultMajorMultiplier,
		critical:      DefaultCriticalMultiplier,
		secondValue:   SecondValueNone,
		sampleTimeout: DefaultSampleTimeout,
		alpha:         DefaultAlpha,
	}

	if v, ok := cfg.Lookup(KeyMaxSampleNo); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			slog.Warn("calculator: invalid property, using default",
				"property", KeyMaxSampleNo, "value", v, "default", s.maxSamples)
		} else {
			s.maxSamples = n
		}
	}

	if v, ok := cfg.Lookup(KeyThresholdType); ok {
		switch v {
		case ThresholdStandardDeviation, ThresholdAverage, ThresholdAbsolute:
			s.thresholdType = v
		default:
			slog.Error("calculator: unknown threshold type, defaulting to standard deviation",
				"property", KeyThresholdType, "value", v)
		}
	}

	parseFloat(cfg, KeyWarningMultiplier, &s.warning)
	parseFloat(cfg, KeyMinorMultiplier, &s.minor)
	parseFloat(cfg, KeyMajorMultiplier, &s.major)
	parseFloat(cfg, KeyCriticalMultiplier, &s.critical)

	if v, ok := cfg.Lookup(KeySecondValue); ok {
		switch v {
		case SecondValueAverage, SecondValueHighest, SecondValueLowest, SecondValueNone:
			s.secondValue = v
		default:
			slog.Warn("calculator: unknown secondary value selector, rendering none",
				"property", KeySecondValue, "value", v)
		}
	}

	if v, ok := cfg.Lookup(KeySampleTimeout); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			slog.Error("calculator: invalid sample timeout, using default",
				"property", KeySampleTimeout, "value", v, "default", s.sampleTimeout)
		} else {
			s.sampleTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v, ok := cfg.Lookup(KeyAlpha); ok {
		a, err := strconv.ParseFloat(v, 64)
		if err != nil || a <= 0 || a > 1 {
			slog.Warn("calculator: alpha must be in (0, 1], using default",
				"property", KeyAlpha, "value", v, "default", s.alpha)
		} else {
			s.alpha = a
		}
	}
	return s
}

func parseFloat(cfg Config, name string, dst *float64) {
	v, ok := cfg.Lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Error("calculator: cannot parse property, using default",
			"property", name, "value", v, "default", *dst)
		return
	}
	*dst = f
}
