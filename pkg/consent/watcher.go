package consent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pulsekit/pulse/pkg/errors"
)

// Watcher reloads the consent record when another process edits the
// persisted file, so a consent UI outside the host app takes effect in
// a running tracker.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration

	mu           sync.Mutex
	lastModified time.Time
	size         int64
	processing   bool

	// OnChange fires after a debounced change to the consent file.
	OnChange func()
	// OnError reports watch failures.
	OnError func(error)
}

// NewWatcher creates a watcher for the consent file at path.
func NewWatcher(path string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageFailed, "create consent watcher")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		fsWatcher.Close()
		return nil, errors.Wrap(err, errors.CodeStorageFailed, "resolve consent path")
	}

	w := &Watcher{
		watcher:  fsWatcher,
		path:     absPath,
		debounce: 500 * time.Millisecond,
	}

	if stat, err := os.Stat(absPath); err == nil {
		w.lastModified = stat.ModTime()
		w.size = stat.Size()
	}

	// Watch the directory containing the file (fsnotify works better this way)
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, errors.Wrap(err, errors.CodeStorageFailed, "watch consent directory")
	}

	return w, nil
}

// Run starts the watch loop. Blocks until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	var timerMu sync.Mutex
	var debounceTimer *time.Timer

	defer func() {
		timerMu.Lock()
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			w.watcher.Close()
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			// Only handle write events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			absPath, err := filepath.Abs(event.Name)
			if err != nil || absPath != w.path {
				continue
			}

			// Debounce rapid changes
			timerMu.Lock()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.handleChange)
			timerMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			if w.OnError != nil {
				w.OnError(err)
			}
		}
	}
}

func (w *Watcher) handleChange() {
	w.mu.Lock()
	if w.processing {
		w.mu.Unlock()
		return
	}
	w.processing = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.processing = false
		w.mu.Unlock()
	}()

	// Check if the file actually changed
	stat, err := os.Stat(w.path)
	if err != nil {
		if w.OnError != nil {
			w.OnError(err)
		}
		return
	}

	w.mu.Lock()
	unchanged := stat.ModTime().Equal(w.lastModified) && stat.Size() == w.size
	if !unchanged {
		w.lastModified = stat.ModTime()
		w.size = stat.Size()
	}
	w.mu.Unlock()

	if unchanged {
		return
	}

	if w.OnChange != nil {
		w.OnChange()
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
