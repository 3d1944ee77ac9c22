package conversation

import (
	"sync"

	"github.com/CVMHW/roger/internal/domain"
)

// DefaultHistoryCapacity bounds a session's in-memory history.
const DefaultHistoryCapacity = 50

// History is a fixed-capacity ring of utterances. When full, the oldest
// entry is overwritten.
type History struct {
	buf  []domain.Utterance
	size int
	head int // write position
	n    int
	next int // next sequence number
	mu   sync.RWMutex
}

// NewHistory creates a ring holding at most size utterances.
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistoryCapacity
	}
	return &History{
		buf:  make([]domain.Utterance, size),
		size: size,
	}
}

// Append stores u, assigning the next sequence number, and returns the
// stored entry.
func (h *History) Append(u domain.Utterance) domain.Utterance {
	h.mu.Lock()
	defer h.mu.Unlock()

	u.Seq = h.next
	h.next++
	h.buf[h.head] = u
	h.head = (h.head + 1) % h.size
	if h.n < h.size {
		h.n++
	}
	return u
}

// Snapshot returns the stored utterances oldest first. The slice is a copy.
func (h *History) Snapshot() []domain.Utterance {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.Utterance, h.n)
	start := (h.head - h.n + h.size) % h.size
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(start+i)%h.size]
	}
	return out
}

// Len returns the number of stored utterances.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Reset clears the ring and restarts sequence numbering.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buf)
	h.head = 0
	h.n = 0
	h.next = 0
}

// Capacity returns the maximum number of stored utterances.
func (h *History) Capacity() int {
	return h.size
}
