package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/relay/internal/observability"
)

const watchDebounce = 250 * time.Millisecond

// Watch reloads the configuration file on change and delivers each
// valid new Config to onReload. Invalid edits are logged and skipped;
// the previous configuration stays in effect. Watch blocks until ctx is
// cancelled.
//
// The parent directory is watched rather than the file itself so
// rename-based atomic writes (editors, configmap updates) are seen.
func Watch(ctx context.Context, path string, logger *observability.Logger, onReload func(*Config)) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	reload := func() {
		cfg, err := Load(abs)
		if err != nil {
			logger.Error(ctx, "config reload failed, keeping previous configuration",
				"path", abs,
				"error", err.Error())
			return
		}
		logger.Info(ctx, "configuration reloaded", "path", abs)
		onReload(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce bursts of events from a single save.
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "config watcher error", "error", err.Error())
		}
	}
}
