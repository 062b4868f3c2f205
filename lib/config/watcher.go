package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc receives the paths that changed since the last call.
type ChangeFunc func(changed []string)

// Watcher reports changes below a set of plugin search paths so the host can
// run discovery again. Directories created later are watched too.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	logger    zerolog.Logger

	closeOnce sync.Once
}

type WatchOption func(*Watcher)

// WithDebounce sets how long the watcher waits for events to settle.
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithWatchLogger(logger zerolog.Logger) WatchOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher watches paths and their subdirectories. Paths that do not exist
// are skipped; it is an error if none can be watched.
func NewWatcher(paths []string, opts ...WatchOption) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}

	w := &Watcher{
		fsWatcher: fsWatcher,
		debounce:  DefaultDebounce,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		if err := w.addTree(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("not watching search path")
		}
	}
	if len(fsWatcher.WatchList()) == 0 {
		fsWatcher.Close()
		return nil, fmt.Errorf("none of %v can be watched", paths)
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.fsWatcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.fsWatcher.Add(path); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("failed to watch directory")
		}
		return nil
	})
}

// Watched returns the watched paths.
func (w *Watcher) Watched() []string {
	list := w.fsWatcher.WatchList()
	sort.Strings(list)
	return list
}

// Run delivers batched changes to onChange until ctx is done or the watcher
// is closed. onChange is called from Run's goroutine.
func (w *Watcher) Run(ctx context.Context, onChange ChangeFunc) error {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	pending := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}
			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for p := range pending {
				changed = append(changed, p)
			}
			sort.Strings(changed)
			clear(pending)

			w.logger.Debug().Strs("paths", changed).Msg("plugin search paths changed")
			onChange(changed)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn().Msg("file system events overflowed; forcing rescan")
				onChange(nil)
				continue
			}
			w.logger.Warn().Err(err).Msg("search path watcher error")
		}
	}
}

// Close stops watching. Run returns once the event channels are closed.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsWatcher.Close()
	})
	return err
}
