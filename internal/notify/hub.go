package notify

import "sync"

// Hub tracks one outbound hint channel per locally connected worker.
// Sends never block: a worker draining too slowly just misses hints, which
// is safe because hints are advisory. The hub tracks no delivery state.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan Hint
	buffer int
}

// NewHub creates a Hub whose per-worker channels buffer up to buffer hints.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]chan Hint), buffer: buffer}
}

// Subscribe registers workerID and returns its hint channel plus a cancel
// function. A worker reconnecting replaces its previous stream; the old
// channel is closed so the stale handler unwinds.
func (h *Hub) Subscribe(workerID string) (<-chan Hint, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.subs[workerID]; ok {
		close(old)
	}
	ch := make(chan Hint, h.buffer)
	h.subs[workerID] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		// Only remove if this subscription is still the current one.
		if cur, ok := h.subs[workerID]; ok && cur == ch {
			delete(h.subs, workerID)
			close(cur)
		}
	}
	return ch, cancel
}

// Send pushes a hint to workerID without blocking. Returns false when the
// worker is not connected or its buffer is full (hint dropped).
//
// The read lock is held across the send itself: channels are only closed
// under the write lock (Subscribe replacing a stream, or cancel), so a
// reconnect cannot close the channel out from under an in-flight send.
func (h *Hub) Send(workerID string, hint Hint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.subs[workerID]
	if !ok {
		return false
	}
	select {
	case ch <- hint:
		return true
	default:
		return false
	}
}

// Connected returns the ids of all locally connected workers.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// IsConnected reports whether workerID has a live stream on this instance.
func (h *Hub) IsConnected(workerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[workerID]
	return ok
}

// Len returns the number of connected workers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
