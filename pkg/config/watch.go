package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay collapses the burst of events an editor save produces.
const debounceDelay = 500 * time.Millisecond

// Watch reloads path whenever it changes and passes the new Config to fn.
// Files that fail to load are logged and skipped. Watching stops when ctx
// is done.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return err
	}

	go watchLoop(ctx, watcher, path, log, fn)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, log *slog.Logger, fn func(*Config)) {
	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			log.Error("config reload failed", "path", path, "error", err)
			return
		}
		log.Info("config reloaded", "path", path)
		fn(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceDelay, reload)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error("config watcher error", "error", err)
		}
	}
}
