// Package filewatch re-reads a file each time it changes on disk.
//
// It is shared by the agent and server config packages; both wrap Watch with
// their own Load so a reload that fails validation leaves the previous
// configuration in effect.
package filewatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch calls reload each time path is written or re-created, until ctx is
// cancelled. name prefixes every log line ("server config", "agent config").
//
// A reload error is logged and otherwise ignored.
func Watch(ctx context.Context, path, name string, reload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%s: new watcher: %w", name, err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("%s: watch %q: %w", name, path, err)
	}

	slog.Info(name+": watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic-save editors replace the file, which arrives as Create.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := reload(); err != nil {
				slog.Error(name+": reload failed, keeping previous config",
					"path", path, "err", err)
			} else {
				slog.Info(name+": reloaded", "path", path)
			}

			// A rename drops the inode from the watch list; re-adding is a no-op otherwise.
			_ = watcher.Add(path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error(name+": watcher error", "err", err)
		}
	}
}
