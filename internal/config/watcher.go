package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/unimcp/unimcp/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces editor write bursts (truncate + write + chmod)
// into a single reload.
const debounceWindow = 250 * time.Millisecond

// Watcher watches a config file and emits upstream change events whenever
// the file content produces a different upstream set.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current Config

	events chan []ChangeEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the given config file, seeded with the
// currently loaded configuration.
func NewWatcher(path string, current Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		path:    path,
		watcher: fw,
		current: current,
		events:  make(chan []ChangeEvent, 8),
		done:    make(chan struct{}),
	}, nil
}

// Events returns the channel of change event batches.
func (w *Watcher) Events() <-chan []ChangeEvent {
	return w.events
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching until the context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop terminates the watcher and closes the event channel.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.events)

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				debounce.Reset(debounceWindow)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("ConfigWatcher", "Watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	next, err := LoadConfigFile(w.path)
	if err != nil {
		logging.Error("ConfigWatcher", err, "Ignoring config reload from %s", w.path)
		return
	}

	w.mu.Lock()
	events := DiffUpstreams(w.current.Upstreams, next.Upstreams)
	w.current = next
	w.mu.Unlock()

	if len(events) == 0 {
		logging.Debug("ConfigWatcher", "Config reloaded, no upstream changes")
		return
	}

	logging.Info("ConfigWatcher", "Config reloaded with %d upstream change(s)", len(events))
	select {
	case w.events <- events:
	case <-w.done:
	}
}
