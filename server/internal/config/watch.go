package config

import (
	"context"

	"github.com/obsidianstack/perfmatrix/pkg/filewatch"
)

// Watch reloads path on every write and hands the validated Config to
// onChange. Invalid files are logged and skipped, so the previous config
// stays in effect. It runs until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	return filewatch.Watch(ctx, path, "server config", func() error {
		cfg, err := Load(path)
		if err != nil {
			return err
		}
		onChange(cfg)
		return nil
	})
}
