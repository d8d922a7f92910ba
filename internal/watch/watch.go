// Package watch reloads the destination list when its file changes.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"fanrelay/config"
	"fanrelay/internal/destination"
	"fanrelay/internal/status"
)

// LoadFunc re-reads the destination list.
type LoadFunc func() (*destination.Set, error)

// Watcher stores a freshly loaded set into Source whenever Path is
// written, created or renamed over.
type Watcher struct {
	Path     string
	Load     LoadFunc
	Source   *destination.Source
	Reporter status.Reporter
	Logger   zerolog.Logger
	Debounce time.Duration

	mu       sync.Mutex
	debounce *time.Timer
}

// Run watches until ctx is cancelled.  It watches the parent directory
// so editors that save by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(w.Path)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	dir, name := filepath.Split(abs)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.Logger.Info().Str("file", abs).Msg("watching destinations file")

	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.Logger.Trace().Str("op", event.Op.String()).Msg("destinations file event")
			w.schedule(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	delay := w.Debounce
	if delay <= 0 {
		delay = config.DefaultWatchDebounce
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		w.Reload()
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
}

// Reload loads the list once and stores it if it differs from the
// current one.  A file that fails to parse leaves the current list in
// place.  It reports whether a new version was stored.
func (w *Watcher) Reload() bool {
	set, err := w.Load()
	if err != nil {
		w.Logger.Warn().Err(err).Msg("destinations file rejected, keeping current list")
		return false
	}
	cur, _ := w.Source.Current()
	if cur.Equal(set) {
		w.Logger.Debug().Msg("destinations unchanged")
		return false
	}
	version := w.Source.Store(set)
	w.Logger.Debug().Uint64("version", version).Strs("destinations", set.Keys()).Msg("destinations stored")
	status.Emit(w.Reporter, status.Event{
		Kind:   status.Reload,
		Reason: fmt.Sprintf("%d destinations", set.Len()),
	})
	return true
}
