package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ppiankov/kalpana/internal/logger"
)

// reloadDebounce is how long the policy file must be quiet before a reload.
const reloadDebounce = 500 * time.Millisecond

// Reloader watches the policy file and triggers hot-reload. It watches the
// parent directory so that editors which replace the file by rename are
// still seen.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	reload   func() error
	log      logger.Logger
	debounce time.Duration
}

// NewReloader creates a watcher for path.
func NewReloader(path string, reload func() error, log logger.Logger) (*Reloader, error) {
	if path == "" {
		return nil, fmt.Errorf("no policy path to watch")
	}
	if log == nil {
		log = logger.Nop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(abs), err)
	}
	return &Reloader{
		watcher:  watcher,
		path:     abs,
		reload:   reload,
		log:      log,
		debounce: reloadDebounce,
	}, nil
}

// Run watches for changes and reloads. Blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	defer r.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := r.reload(); err != nil {
				r.log.Error("hot-reload failed, keeping current rule set", logger.Error(err))
			} else {
				r.log.Info("hot-reload: policy reloaded", logger.String("path", r.path))
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("file watcher error", logger.Error(err))
		}
	}
}
