package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// PollWatcher is the fallback for filesystems where native change
// notification is unavailable (network mounts, exhausted inotify
// budgets). It rescans the tree on an interval and diffs mtimes.
type PollWatcher struct {
	root     string
	interval time.Duration
	logger   *zap.Logger

	state   map[string]int64 // path -> mtime (unix nanos)
	seeded  bool
	changes chan []string
	done    chan struct{}
}

// NewPoll creates a polling watcher over the tree rooted at dir.
func NewPoll(dir string, interval time.Duration, logger *zap.Logger) (*PollWatcher, error) {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &PollWatcher{
		root:     dir,
		interval: interval,
		logger:   logger,
		state:    make(map[string]int64),
		changes:  make(chan []string, 4),
		done:     make(chan struct{}),
	}
	// Seed the baseline so the first poll reports only real changes.
	if _, err := w.scan(); err != nil {
		return nil, err
	}
	return w, nil
}

// Changes returns the channel of change batches. It is closed when the
// watcher stops.
func (w *PollWatcher) Changes() <-chan []string {
	return w.changes
}

// Start runs the poll loop until ctx is done or Close is called.
func (w *PollWatcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Close stops the poll loop.
func (w *PollWatcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return nil
}

func (w *PollWatcher) loop(ctx context.Context) {
	defer close(w.changes)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			batch, err := w.scan()
			if err != nil {
				w.logger.Warn("poll scan failed", zap.Error(err))
				continue
			}
			if len(batch) == 0 {
				continue
			}
			select {
			case w.changes <- batch:
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
		}
	}
}

// scan walks the tree and returns paths whose mtime moved since the
// previous scan, including files that vanished.
func (w *PollWatcher) scan() ([]string, error) {
	seen := make(map[string]int64, len(w.state))
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		seen[path] = info.ModTime().UnixNano()
		return nil
	})
	if err != nil {
		return nil, err
	}

	var batch []string
	if w.seeded {
		for path, mtime := range seen {
			if prev, ok := w.state[path]; !ok || prev != mtime {
				batch = append(batch, path)
			}
		}
		for path := range w.state {
			if _, ok := seen[path]; !ok {
				batch = append(batch, path)
			}
		}
	}
	w.state = seen
	w.seeded = true
	return batch, nil
}
