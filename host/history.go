package host

import (
	"sync"
	"time"

	"github.com/am6737/packetguard/api"
)

// Entry is one recorded packet event.
type Entry struct {
	Time        time.Time
	Direction   api.Direction
	TypeID      api.TypeID
	Disposition api.Disposition
	RuleID      string
	// Data is the payload as delivered, or the original bytes when the
	// packet was suppressed.
	Data []byte
}

// History is a bounded ring of the most recent entries, oldest evicted first.
type History struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		return nil
	}
	return &History{entries: make([]Entry, size)}
}

// Add stores e. Data is copied.
func (h *History) Add(e Entry) {
	if h == nil {
		return
	}
	e.Data = append([]byte(nil), e.Data...)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

func (h *History) Len() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.len()
}

func (h *History) len() int {
	if h.full {
		return len(h.entries)
	}
	return h.next
}

// Recent returns up to n of the newest entries, oldest first.
func (h *History) Recent(n int) []Entry {
	if h == nil || n <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.len()
	if n > size {
		n = size
	}
	out := make([]Entry, 0, n)
	start := h.next - n
	if start < 0 {
		start += len(h.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.entries[(start+i)%len(h.entries)])
	}
	return out
}

// All returns every stored entry, oldest first.
func (h *History) All() []Entry {
	return h.Recent(h.Len())
}

// Filter returns the stored entries flowing in dir, oldest first.
func (h *History) Filter(dir api.Direction) []Entry {
	var out []Entry
	for _, e := range h.All() {
		if e.Direction == dir {
			out = append(out, e)
		}
	}
	return out
}

func (h *History) Clear() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.entries {
		h.entries[i] = Entry{}
	}
	h.next = 0
	h.full = false
}
