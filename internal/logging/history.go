package logging

import "sync"

// History is a fixed-size ring of the most recent entries.
type History struct {
	mu      sync.Mutex
	entries []Entry
	start   int
	count   int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 1
	}
	return &History{entries: make([]Entry, size)}
}

func (h *History) Add(entry Entry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < len(h.entries) {
		h.entries[(h.start+h.count)%len(h.entries)] = entry
		h.count++
		return
	}
	h.entries[h.start] = entry
	h.start = (h.start + 1) % len(h.entries)
}

func (h *History) List() []Entry {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}
	out := make([]Entry, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.entries[(h.start+i)%len(h.entries)]
	}
	return out
}

// Recent returns up to limit of the newest entries at or above minLevel,
// oldest first.
func (h *History) Recent(minLevel Level, limit int) []Entry {
	entries := h.List()
	var out []Entry
	for i := len(entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if levelRank(entries[i].Level) >= levelRank(minLevel) {
			out = append(out, entries[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
