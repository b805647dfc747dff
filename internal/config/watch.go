package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// applyHotReloadable copies the fields safe to pick up without
// restarting a run: the per-stage rate limits, the safety factor, the
// breaker thresholds and the retry policy. Workers, the database path,
// and the provider are fixed at startup.
func applyHotReloadable(dst, src *Config) {
	dst.Stage1 = src.Stage1
	dst.Stage2 = src.Stage2
	dst.SafetyFactor = src.SafetyFactor
	dst.Breaker = src.Breaker
	dst.Retry = src.Retry
}

// Watch reloads path on every write or create event and invokes onChange with a
// Config that has had its hot-reloadable fields updated in place.
// Parse or validation errors are logged and ignored — the previous
// config keeps running rather than crashing a long batch over a typo.
func (c *Config) Watch(ctx context.Context, path string, logger *logrus.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(path); err != nil {
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
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := Load(path)
				if err != nil {
					if logger != nil {
						logger.WithError(err).Warn("config reload failed, keeping previous config")
					}
					continue
				}
				applyHotReloadable(c, next)
				if onChange != nil {
					onChange(c)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.WithError(err).Warn("config watcher error")
				}
			}
		}
	}()
	return nil
}
