package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDispatchesWriteEvent(t *testing.T) {
	w, err := NewWithOptions(Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	path := filepath.Join(t.TempDir(), "promptchain.toml")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	events := make(chan Event, 4)
	handle, err := w.Watch(path, func(event Event) {
		select {
		case events <- event:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch path: %v", err)
	}
	defer handle.Close()

	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write sibling: %v", err)
	}
	if err := os.WriteFile(path, []byte("update"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	event, ok := waitForEvent(events)
	if !ok {
		t.Fatal("timed out waiting for write event")
	}
	if event.Path != cleanPath(path) {
		t.Fatalf("expected path %q, got %q", path, event.Path)
	}
}

func TestWatcherSeesReplaceByRename(t *testing.T) {
	w, err := NewWithOptions(Options{Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "promptchain.toml")
	events := make(chan Event, 4)
	handle, err := w.Watch(path, func(event Event) {
		select {
		case events <- event:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watch path: %v", err)
	}
	defer handle.Close()

	temp := filepath.Join(dir, "promptchain.toml.tmp")
	if err := os.WriteFile(temp, []byte("new"), 0o600); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	if err := os.Rename(temp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, ok := waitForEvent(events); !ok {
		t.Fatal("timed out waiting for rename event")
	}
}

func TestWatcherHandleCloseStopsDelivery(t *testing.T) {
	w, err := NewWithOptions(Options{Debounce: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	path := filepath.Join(t.TempDir(), "settings.toml")
	events := make(chan Event, 4)
	handle, err := w.Watch(path, func(event Event) { events <- event })
	if err != nil {
		t.Fatalf("watch path: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("close handle: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	select {
	case event := <-events:
		t.Fatalf("expected no delivery after close, got %+v", event)
	case <-time.After(150 * time.Millisecond):
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close watcher: %v", err)
	}
	if _, err := w.Watch(path, func(Event) {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func waitForEvent(events <-chan Event) (Event, bool) {
	select {
	case event := <-events:
		return event, true
	case <-time.After(2 * time.Second):
		return Event{}, false
	}
}
