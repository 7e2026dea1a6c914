package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/cropio/usagegate/internal/logging"
)

// Watch reloads the configuration when the file changes on disk. Editors
// typically replace the file, so the watch is on the parent directory and
// events are filtered by name. Reload failures keep the current config.
func (l *Loader) Watch(ctx context.Context, logger *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(l.path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					if _, err := l.Reload(); err != nil {
						logger.Warn("config reload failed", "path", l.path, "error", err.Error())
					} else {
						logger.Info("config reloaded", "path", l.path)
					}
				}
			case <-watcher.Errors:
				// Ignore watcher errors; an explicit admin reload still works.
			}
		}
	}()

	return nil
}
