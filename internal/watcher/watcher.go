// Package watcher watches a source tree and reports changed paths in
// debounced batches, feeding the reload loop's invalidation set.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports batches of changed file paths.
type Watcher struct {
	root     string
	debounce time.Duration
	logger   *zap.Logger

	fsw     *fsnotify.Watcher
	changes chan []string
}

// New creates a watcher over the tree rooted at dir. Subdirectories are
// watched recursively, including ones created later.
func New(dir string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     dir,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		changes:  make(chan []string, 4),
	}
	if err := w.addRecursive(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// Changes returns the channel of debounced change batches. It is closed
// when the watcher stops.
func (w *Watcher) Changes() <-chan []string {
	return w.changes
}

// Start runs the watch loop until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.changes)

	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time

	flush := func() {
		batch := make([]string, 0, len(pending))
		for p := range pending {
			batch = append(batch, p)
		}
		pending = make(map[string]struct{})
		fire = nil
		select {
		case w.changes <- batch:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("watch new directory", zap.String("dir", event.Name), zap.Error(err))
					}
					continue
				}
			}
			pending[event.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			flush()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}
