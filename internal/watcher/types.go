package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"promptchain/internal/logging"
)

// Event is one debounced change to a watched file.
type Event struct {
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
}

// Handle releases a registration.
type Handle interface {
	Close() error
}

type Options struct {
	Logger   *logging.Logger
	Debounce time.Duration
}

// Watcher watches individual files through their parent directories, so
// editors that replace a file by rename keep being observed.
type Watcher struct {
	watcher   *fsnotify.Watcher
	mutex     sync.Mutex
	callbacks map[string][]callbackEntry
	dirs      map[string]int
	debouncer *debouncer
	done      chan struct{}
	closed    bool
	logger    *logging.Logger
	nextID    uint64

	eventsDelivered uint64
	eventsDropped   uint64
}

type callbackEntry struct {
	id       uint64
	callback func(Event)
}
