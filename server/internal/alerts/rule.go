package alerts

import (
	"strings"
	"time"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/config"
)

const defaultCooldown = 15 * time.Minute

type rule struct {
	name     string
	prefix   string
	min      calculator.Severity
	cooldown time.Duration
}

// compile converts configured rules. Rules with an unknown severity were
// rejected by config validation; any that slip through never fire.
func compile(cfg []config.AlertRule) []rule {
	out := make([]rule, 0, len(cfg))
	for _, r := range cfg {
		sev, err := calculator.ParseSeverity(r.Severity)
		if err != nil {
			sev = calculator.Critical + 1
		}
		cd := r.Cooldown
		if cd <= 0 {
			cd = defaultCooldown
		}
		out = append(out, rule{name: r.Name, prefix: r.KeyPrefix, min: sev, cooldown: cd})
	}
	return out
}

func (r rule) matches(key string) bool {
	return strings.HasPrefix(key, r.prefix)
}

// fires reports whether v is in or above the rule's range. A stale datapoint
// never fires.
func (r rule) fires(v calculator.View) bool {
	return !v.Stale && v.LatestValue != nil && v.LatestRange >= r.min
}
