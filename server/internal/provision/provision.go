// Package provision turns configured matrices into registry datapoints.
package provision

import (
	"log/slog"

	"github.com/obsidianstack/perfmatrix/server/internal/calculator"
	"github.com/obsidianstack/perfmatrix/server/internal/config"
	"github.com/obsidianstack/perfmatrix/server/internal/registry"
)

// Result counts what Apply did.
type Result struct {
	Added    int // new calculators created
	Existing int // keys already provisioned, left as they were
	Skipped  int // static cells, empty keys, in-matrix duplicates and failures
}

// Apply provisions a calculator for every datapoint of every matrix. Static
// text cells carry no data and are skipped. A key repeated within one matrix
// is ignored after its first occurrence; the same key in several matrices
// shares one calculator. Apply is idempotent: calling it again with the same
// matrices adds nothing.
func Apply(reg *registry.Registry, matrices []config.Matrix) Result {
	var res Result
	owner := make(map[string]string)

	for _, m := range matrices {
		seen := make(map[string]bool, len(m.DataPoints))
		for i, dp := range m.DataPoints {
			if dp.IsStatic() {
				res.Skipped++
				continue
			}
			if dp.Key == "" {
				slog.Warn("provision: datapoint without key, skipping", "matrix", m.Name, "index", i)
				res.Skipped++
				continue
			}
			if seen[dp.Key] {
				slog.Warn("provision: duplicate key in matrix, ignoring", "matrix", m.Name, "key", dp.Key)
				res.Skipped++
				continue
			}
			seen[dp.Key] = true

			if first, ok := owner[dp.Key]; ok {
				slog.Info("provision: key shared across matrices", "key", dp.Key, "first", first, "matrix", m.Name)
				res.Existing++
				continue
			}
			owner[dp.Key] = m.Name

			if dups := dp.Config.Duplicates(); len(dups) > 0 {
				slog.Warn("provision: repeated config properties, last one wins", "key", dp.Key, "names", dups)
			}

			kind, cfg := dp.Kind(), dp.Config
			added, err := reg.Provision(dp.Key, func() (calculator.Calculator, error) {
				return calculator.New(kind, cfg)
			})
			switch {
			case err != nil:
				slog.Error("provision: cannot create calculator", "matrix", m.Name, "key", dp.Key, "err", err)
				res.Skipped++
			case added:
				res.Added++
			default:
				res.Existing++
			}
		}
	}

	slog.Info("provision: matrices applied",
		"matrices", len(matrices), "added", res.Added, "existing", res.Existing, "skipped", res.Skipped)
	return res
}
