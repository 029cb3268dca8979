package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval is the delay after an fsnotify event before reloading,
// so atomic replaces (write temp + rename) settle first.
const debounceInterval = 100 * time.Millisecond

// Watch reloads the registry whenever the file at path changes. It blocks
// until ctx is cancelled. The parent directory is watched rather than the
// file itself because editors and deploy tools replace files by rename,
// which changes the inode.
func (r *Registry) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watchDir := filepath.Dir(path)
	fileName := filepath.Base(path)
	if err := watcher.Add(watchDir); err != nil {
		return err
	}
	slog.Info("watching worker registry", "path", path)

	var debounceTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceInterval, func() {
				if err := r.Reload(path); err != nil {
					slog.Error("failed to reload worker registry", "path", path, "error", err)
					return
				}
				slog.Info("worker registry reloaded", "path", path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("registry watcher error", "error", err)
		}
	}
}
