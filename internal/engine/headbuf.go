package engine

import "sync"

// headBuffer keeps the first limit bytes written to it and discards the rest.
// Writes never fail so the engine is not blocked on a full pipe.
type headBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newHeadBuffer(limit int) *headBuffer {
	return &headBuffer{limit: limit}
}

func (h *headBuffer) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room := h.limit - len(h.buf); room > 0 {
		if len(p) > room {
			h.buf = append(h.buf, p[:room]...)
		} else {
			h.buf = append(h.buf, p...)
		}
	}
	return len(p), nil
}

func (h *headBuffer) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.buf)
}
