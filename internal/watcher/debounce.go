package watcher

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

type debounceEntry struct {
	timer *time.Timer
	event Event
}

type debouncer struct {
	duration time.Duration
	entries  map[string]debounceEntry
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]debounceEntry),
	}
}

// schedule records event for path and restarts its timer. It reports whether
// a pending event was coalesced.
func (d *debouncer) schedule(path string, event Event, flush func(string)) bool {
	if d == nil {
		return false
	}
	entry := d.entries[path]
	coalesced := entry.timer != nil
	entry.event.Path = event.Path
	entry.event.Op |= event.Op
	entry.event.Timestamp = event.Timestamp
	if entry.timer == nil {
		entry.timer = time.AfterFunc(d.duration, func() {
			flush(path)
		})
	} else {
		entry.timer.Reset(d.duration)
	}
	d.entries[path] = entry
	return coalesced
}

func (d *debouncer) pop(path string) (Event, bool) {
	if d == nil {
		return Event{}, false
	}
	entry, ok := d.entries[path]
	if !ok {
		return Event{}, false
	}
	delete(d.entries, path)
	return entry.event, true
}

func (d *debouncer) stop() {
	if d == nil {
		return
	}
	for _, entry := range d.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	d.entries = nil
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := cleanPath(event.Name)
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed || len(w.callbacks[path]) == 0 {
		return
	}
	entry := Event{Path: path, Op: event.Op, Timestamp: time.Now().UTC()}
	if w.debouncer.schedule(path, entry, w.flush) {
		atomic.AddUint64(&w.eventsDropped, 1)
	}
}

func (w *Watcher) flush(path string) {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return
	}
	event, ok := w.debouncer.pop(path)
	if !ok {
		w.mutex.Unlock()
		return
	}
	entries := append([]callbackEntry(nil), w.callbacks[path]...)
	w.mutex.Unlock()

	for _, entry := range entries {
		entry.callback(event)
		atomic.AddUint64(&w.eventsDelivered, 1)
	}
}
