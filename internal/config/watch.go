package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange whenever the config file at path is written, created
// or renamed into place. The parent directory is watched so that editors and
// deploy tools that replace the file atomically are seen as well.
//
// Watch blocks until ctx is cancelled or the underlying watcher fails.
func Watch(ctx context.Context, path string, onChange func()) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := slog.Default().With("component", "configwatch", "path", absPath)
	logger.Info("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return fmt.Errorf("config watcher event channel closed")
			}
			if filepath.Clean(event.Name) != absPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				logger.Debug("config file changed", "op", event.Op.String())
				onChange()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return fmt.Errorf("config watcher error channel closed")
			}
			logger.Error("config watcher error", "error", err)
		}
	}
}
