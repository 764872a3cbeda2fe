// Package watcher provides file system watching with debouncing for
// conversation working directories.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event reports activity in a watched working directory.
type Event struct {
	ConversationID string
	Dir            string
	// Gone is set when the watched directory itself was removed or
	// renamed. The registry uses this to hot-update or unregister.
	Gone bool
}

// Watcher monitors conversation working directories and emits debounced
// change events per conversation.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	events    chan Event
	done      chan struct{}

	mu     sync.Mutex
	byConv map[string]string              // conversation id -> dir
	byDir  map[string]map[string]struct{} // dir -> conversation ids
	timers map[string]*time.Timer         // dir -> pending debounce timer
}

// Config holds watcher configuration options.
type Config struct {
	DebounceDur time.Duration
}

// DefaultConfig returns sensible defaults for the watcher.
func DefaultConfig() Config {
	return Config{DebounceDur: 1 * time.Second}
}

// New creates a workspace watcher. Call Start before Watch.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		debounce:  cfg.DebounceDur,
		events:    make(chan Event, 16),
		done:      make(chan struct{}),
		byConv:    make(map[string]string),
		byDir:     make(map[string]map[string]struct{}),
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Start begins processing file system events.
// Returns the channel that receives per-conversation change events.
func (w *Watcher) Start() <-chan Event {
	go w.loop()
	return w.events
}

// Watch registers a conversation's working directory. Multiple
// conversations may share a directory; the underlying watch is added once.
func (w *Watcher) Watch(conversationID, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.byConv[conversationID]; ok {
		if prev == dir {
			return nil
		}
		w.dropLocked(conversationID, prev)
	}

	if _, ok := w.byDir[dir]; !ok {
		if err := w.fsWatcher.Add(dir); err != nil {
			return fmt.Errorf("watching directory %s: %w", dir, err)
		}
		w.byDir[dir] = make(map[string]struct{})
	}
	w.byDir[dir][conversationID] = struct{}{}
	w.byConv[conversationID] = dir
	return nil
}

// Unwatch removes a conversation's registration. The directory watch is
// released once no conversation references it. Unknown ids are a no-op.
func (w *Watcher) Unwatch(conversationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, ok := w.byConv[conversationID]
	if !ok {
		return
	}
	delete(w.byConv, conversationID)
	w.dropLocked(conversationID, dir)
}

func (w *Watcher) dropLocked(conversationID, dir string) {
	convs, ok := w.byDir[dir]
	if !ok {
		return
	}
	delete(convs, conversationID)
	if len(convs) == 0 {
		delete(w.byDir, dir)
		if timer, ok := w.timers[dir]; ok {
			timer.Stop()
			delete(w.timers, dir)
		}
		_ = w.fsWatcher.Remove(dir)
	}
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)

	w.mu.Lock()
	for dir, timer := range w.timers {
		timer.Stop()
		delete(w.timers, dir)
	}
	w.mu.Unlock()

	return w.fsWatcher.Close()
}

// loop processes file system events, debouncing writes per directory and
// reporting removed directories immediately.
func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case _, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			// Keep watching. Callers that need error visibility can
			// wrap the watcher.

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// The watched directory itself disappeared.
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if convs, ok := w.byDir[event.Name]; ok {
			for conv := range convs {
				w.emit(Event{ConversationID: conv, Dir: event.Name, Gone: true})
			}
			return
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	dir := filepath.Dir(event.Name)
	convs, ok := w.byDir[dir]
	if !ok || len(convs) == 0 {
		return
	}

	if timer, ok := w.timers[dir]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() {
		w.fire(dir)
	})
}

// fire emits one debounced change event per conversation watching dir.
func (w *Watcher) fire(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.timers[dir]; !ok {
		// Unwatched while the timer was in flight.
		return
	}
	delete(w.timers, dir)

	for conv := range w.byDir[dir] {
		w.emit(Event{ConversationID: conv, Dir: dir})
	}
}

// emit sends without blocking; a full channel drops the event.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}
