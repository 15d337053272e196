package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reapplies the config file whenever it changes on disk. Editors and
// config-map mounts often replace the file rather than write it, so the
// parent directory is watched and events are filtered by name.
type Watcher struct {
	path     string
	loader   *Loader
	logger   *slog.Logger
	debounce time.Duration
	onApply  func(*Snapshot)
}

// NewWatcher creates a watcher for path. onApply, when non-nil, runs after
// every successful reload.
func NewWatcher(path string, loader *Loader, logger *slog.Logger, onApply func(*Snapshot)) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		loader:   loader,
		logger:   logger,
		debounce: 250 * time.Millisecond,
		onApply:  onApply,
	}
}

// Start blocks until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch path %s: %w", dir, err)
	}
	w.logger.Info("config watcher started", "path", w.path)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) reload() {
	if err := w.loader.LoadFile(w.path); err != nil {
		w.logger.Error("config reload rejected; keeping previous config", "path", w.path, "err", err)
		return
	}
	if w.onApply != nil {
		w.onApply(w.loader.Snapshot())
	}
}
