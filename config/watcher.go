package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// WatcherConfig configures the rules file watcher.
type WatcherConfig struct {
	// Debounce coalesces bursts of writes (editors often write twice).
	// Default: 200ms
	Debounce time.Duration
}

func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{Debounce: 200 * time.Millisecond}
}

// Watcher calls onChange after the watched file is written, created or
// replaced. The parent directory is watched so atomic renames are seen.
type Watcher struct {
	logger   *logrus.Entry
	path     string
	config   WatcherConfig
	onChange func()
}

func NewWatcher(logger *logrus.Logger, path string, config WatcherConfig, onChange func()) *Watcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultWatcherConfig().Debounce
	}
	return &Watcher{
		logger:   logger.WithField("controller", "Watcher"),
		path:     filepath.Clean(path),
		config:   config,
		onChange: onChange,
	}
}

// Start blocks until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsWatcher.Close()

	dir := filepath.Dir(w.path)
	if err := fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.logger.WithField("path", w.path).Info("Watching rules file")

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.config.Debounce)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("File watcher error")
		case <-timer.C:
			w.logger.WithField("path", w.path).Info("Rules file changed")
			w.onChange()
		}
	}
}
