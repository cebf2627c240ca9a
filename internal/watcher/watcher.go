package watcher

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

var ErrClosed = errors.New("watcher closed")

func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

func NewWithOptions(options Options) (*Watcher, error) {
	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	w := &Watcher{
		watcher:   source,
		callbacks: make(map[string][]callbackEntry),
		dirs:      make(map[string]int),
		debouncer: newDebouncer(debounce),
		done:      make(chan struct{}),
		logger:    options.Logger,
	}
	go w.run()
	return w, nil
}

// Watch calls callback after changes to path settle. The file does not have
// to exist yet; its directory does.
func (w *Watcher) Watch(path string, callback func(Event)) (Handle, error) {
	if callback == nil {
		return nil, errors.New("watch callback required")
	}
	path = cleanPath(path)
	dir := filepath.Dir(path)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return nil, err
		}
	}
	w.dirs[dir]++
	w.nextID++
	id := w.nextID
	w.callbacks[path] = append(w.callbacks[path], callbackEntry{id: id, callback: callback})
	return &handle{watcher: w, path: path, dir: dir, id: id}, nil
}

// Stats reports delivered and coalesced event counts.
func (w *Watcher) Stats() (delivered, coalesced uint64) {
	return atomic.LoadUint64(&w.eventsDelivered), atomic.LoadUint64(&w.eventsDropped)
}

func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return nil
	}
	w.closed = true
	w.debouncer.stop()
	w.mutex.Unlock()

	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil && err != nil {
				w.logger.Warn("file watcher error", map[string]string{"error": err.Error()})
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) remove(path, dir string, id uint64) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	entries := w.callbacks[path]
	for i, entry := range entries {
		if entry.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(w.callbacks, path)
	} else {
		w.callbacks[path] = entries
	}
	if w.dirs[dir]--; w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if !w.closed {
			_ = w.watcher.Remove(dir)
		}
	}
}

type handle struct {
	watcher *Watcher
	path    string
	dir     string
	id      uint64
	closed  atomic.Bool
}

func (h *handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	h.watcher.remove(h.path, h.dir, h.id)
	return nil
}

func cleanPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(path)
}
