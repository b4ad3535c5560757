package config

import (
	"context"

	"github.com/obsidianstack/perfmatrix/pkg/filewatch"
)

// Watch monitors path and calls onChange with each newly loaded Config.
// It runs until ctx is cancelled; a file that fails to load is skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	return filewatch.Watch(ctx, path, "agent config", func() error {
		cfg, err := Load(path)
		if err != nil {
			return err
		}
		onChange(cfg)
		return nil
	})
}
