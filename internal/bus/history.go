package bus

import "sync"

// historyRing is a bounded ring of messages, oldest evicted first. It has
// its own mutex so snapshots never block message delivery.
type historyRing struct {
	mu    sync.Mutex
	buf   []*Message
	head  int
	count int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &historyRing{buf: make([]*Message, capacity)}
}

func (h *historyRing) append(m *Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := (h.head + h.count) % len(h.buf)
	h.buf[idx] = m
	if h.count < len(h.buf) {
		h.count++
	} else {
		h.head = (h.head + 1) % len(h.buf)
	}
}

// snapshot returns matching messages in insertion order, keeping only the
// trailing max entries when max > 0. The caller receives a fresh slice.
func (h *historyRing) snapshot(max int, minLevel Level, patternName string) []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(max, minLevel, patternName, nil)
}

// snapshotLocked filters under an already-held lock. extra, when non-nil,
// is applied after the level and pattern filters.
func (h *historyRing) snapshotLocked(max int, minLevel Level, patternName string, extra func(*Message) bool) []*Message {
	out := make([]*Message, 0, h.count)
	for i := 0; i < h.count; i++ {
		m := h.buf[(h.head+i)%len(h.buf)]
		if m.Level < minLevel {
			continue
		}
		if patternName != "" && m.PatternName != patternName {
			continue
		}
		if extra != nil && !extra(m) {
			continue
		}
		out = append(out, m)
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

func (h *historyRing) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
