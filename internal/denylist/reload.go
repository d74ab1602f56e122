package denylist

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long Reloader waits after the last change.
const DefaultDebounce = 500 * time.Millisecond

// Reloader watches a deny-list file and hands every successful reload to a
// callback. The parent directory is watched so that editors replacing the
// file by rename are seen too.
type Reloader struct {
	watcher  *fsnotify.Watcher
	path     string
	onReload func(*Denylist)
	debounce time.Duration
	log      *zap.Logger
}

// NewReloader creates a watcher for path.
func NewReloader(path string, onReload func(*Denylist), log *zap.Logger) (*Reloader, error) {
	if path == "" {
		return nil, fmt.Errorf("denylist path is required for watching")
	}
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}

	return &Reloader{
		watcher:  watcher,
		path:     abs,
		onReload: onReload,
		debounce: DefaultDebounce,
		log:      log,
	}, nil
}

// Run blocks until ctx is cancelled, reloading after changes settle.
func (r *Reloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(r.debounce, r.reload)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) reload() {
	dl, err := Load(r.path)
	if err != nil {
		r.log.Warn("denylist reload failed, keeping previous list", zap.String("path", r.path), zap.Error(err))
		return
	}
	r.log.Info("denylist reloaded", zap.String("path", r.path), zap.Int("processes", dl.Len()))
	r.onReload(dl)
}
