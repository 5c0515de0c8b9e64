// Package watcher reports filesystem activity under a synced folder.
//
// A Watcher registers every directory of the tree with fsnotify, adds
// directories created later, and passes one Event per OS notification to a
// single handler. Paths matched by the Filter never reach the handler.
// Delivery can be suspended with Disable; events arriving while disabled
// are dropped, not queued.
package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrWatchSetup is returned when the root cannot be watched.
var ErrWatchSetup = errors.New("watch setup failed")

// Op represents the type of file system operation.
type Op int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate Op = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
	// OpRename indicates a file was renamed away from Path.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event represents one file system change.
type Event struct {
	// Path is the absolute path that changed.
	Path string
	// Op is the operation that occurred.
	Op Op
}

// Handler receives events. It is called from the watcher's goroutine and
// must not block for long.
type Handler func(Event)

// Watcher watches a directory tree for changes.
type Watcher struct {
	root    string
	filter  *Filter
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	enabled bool
	closed  bool
	handler Handler
}

// New starts watching root recursively. Delivery is enabled but no events
// are passed on until a handler is set. filter may be nil.
//
// Returns an error wrapping ErrWatchSetup if root does not exist, is not a
// directory, or cannot be registered.
func New(root string, filter *Filter, logger *slog.Logger) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchSetup, err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchSetup, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrWatchSetup, absRoot)
	}

	if filter == nil {
		filter, _ = NewFilter(absRoot, nil)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create fsnotify watcher: %v", ErrWatchSetup, err)
	}

	w := &Watcher{
		root:    absRoot,
		filter:  filter,
		logger:  logger,
		watcher: fsw,
		done:    make(chan struct{}),
		enabled: true,
	}

	if err := w.addTree(absRoot, false); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("%w: %v", ErrWatchSetup, err)
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// Root returns the watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Filter returns the exclusion filter.
func (w *Watcher) Filter() *Filter {
	return w.filter
}

// SetHandler sets the function receiving events. nil removes it.
func (w *Watcher) SetHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handler = h
}

// Enable resumes event delivery.
func (w *Watcher) Enable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = true
}

// Disable suspends event delivery. Events arriving while disabled are dropped.
func (w *Watcher) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = false
}

// IsEnabled returns true if events are being delivered.
func (w *Watcher) IsEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled
}

// Close stops watching and waits for the event goroutine to exit.
// It is safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.handler = nil
	w.mu.Unlock()

	close(w.done)

	// Close the underlying watcher (this will unblock the event loop)
	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// addTree registers dir and every non-excluded directory below it. When
// emit is set, files found are reported as created; they may have been
// written before the watch was in place.
func (w *Watcher) addTree(dir string, emit bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// Vanished or unreadable below the root: skip it
			w.logger.Debug("skipping path", "path", path, "error", err)
			return nil
		}
		if path != w.root && w.filter.Excluded(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				if path == w.root {
					return err
				}
				w.logger.Warn("failed to watch directory", "path", path, "error", err)
			}
			if emit && path != dir {
				w.deliver(Event{Path: path, Op: OpCreate})
			}
			return nil
		}
		if emit {
			w.deliver(Event{Path: path, Op: OpCreate})
		}
		return nil
	})
}

// processEvents is the main event loop that converts fsnotify events
// and passes them to the handler.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; report the root so the engine rescans
				w.logger.Warn("event queue overflow", "root", w.root)
				w.deliver(Event{Path: w.root, Op: OpModify})
				continue
			}
			w.logger.Warn("watch error", "root", w.root, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.filter.Excluded(event.Name) {
		return
	}

	op, ok := convertOp(event)
	if !ok {
		return
	}

	if op == OpCreate {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name, true); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	w.deliver(Event{Path: event.Name, Op: op})
}

// convertOp converts an fsnotify operation to an Op.
// Chmod-only events are ignored.
func convertOp(event fsnotify.Event) (Op, bool) {
	switch {
	case event.Has(fsnotify.Create):
		return OpCreate, true
	case event.Has(fsnotify.Write):
		return OpModify, true
	case event.Has(fsnotify.Remove):
		return OpDelete, true
	case event.Has(fsnotify.Rename):
		return OpRename, true
	default:
		return 0, false
	}
}

// deliver passes ev to the handler if delivery is enabled. The lock is
// released before the handler runs.
func (w *Watcher) deliver(ev Event) {
	w.mu.Lock()
	h := w.handler
	enabled := w.enabled && !w.closed
	w.mu.Unlock()

	if enabled && h != nil {
		h(ev)
	}
}
