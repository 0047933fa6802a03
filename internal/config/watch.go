package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the config at path whenever the file changes and passes the
// result to onChange. Invalid files are logged and skipped. The parent
// directory is watched so editors that replace the file are picked up. Watch
// returns once the watcher is running; it stops when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}
	logger = logger.With("path", abs)

	go func() {
		defer w.Close()
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					cfg, err := Load(abs)
					if err != nil {
						logger.Warn("ignoring invalid config change", "error", err)
						return
					}
					logger.Info("config reloaded")
					onChange(cfg)
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Error("config watcher failed", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
