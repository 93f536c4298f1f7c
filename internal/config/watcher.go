package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher watches the loaded server.config for on-disk changes. The
// configuration is read once at startup, so a change cannot take effect in
// the running process; the watcher logs a warning (and calls onChange, if
// set) so operators know a restart is needed.
func StartWatcher(ctx context.Context, cfgPath string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the containing directory rather than the file itself: editors
	// and config reloaders typically replace the file, which drops a watch
	// placed directly on it.
	dir := filepath.Dir(cfgPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go runWatcher(ctx, watcher, cfgPath, onChange)

	slog.Debug("config watcher started", "path", cfgPath)
	return nil
}

func runWatcher(ctx context.Context, watcher *fsnotify.Watcher, cfgPath string, onChange func()) {
	defer watcher.Close()

	base := filepath.Base(cfgPath)

	// Debounce: coalesce rewrite event bursts within 200ms
	var debounceMu sync.Mutex
	var pending *time.Timer

	trigger := func() {
		debounceMu.Lock()
		defer debounceMu.Unlock()

		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(200*time.Millisecond, func() {
			slog.Warn("server configuration changed on disk; restart the connector to apply it",
				"path", cfgPath)
			if onChange != nil {
				onChange()
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			debounceMu.Lock()
			if pending != nil {
				pending.Stop()
			}
			debounceMu.Unlock()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				trigger()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		}
	}
}
