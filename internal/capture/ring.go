package capture

import (
	"sync"

	"threatwatch/internal/model"
)

// Ring keeps the most recent packets; the oldest is evicted first.
type Ring struct {
	mu    sync.RWMutex
	buf   []model.PacketRecord
	next  int
	full  bool
	limit int
}

func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = 1000
	}
	return &Ring{buf: make([]model.PacketRecord, limit), limit: limit}
}

func (r *Ring) Add(p model.PacketRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = p
	r.next = (r.next + 1) % r.limit
	if r.next == 0 {
		r.full = true
	}
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.limit
	}
	return r.next
}

// Snapshot returns a copy of the buffer, oldest first.
func (r *Ring) Snapshot() []model.PacketRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		out := make([]model.PacketRecord, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]model.PacketRecord, 0, r.limit)
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Recent returns up to n packets, newest first.
func (r *Ring) Recent(n int) []model.PacketRecord {
	snap := r.Snapshot()
	if n <= 0 || n > len(snap) {
		n = len(snap)
	}
	out := make([]model.PacketRecord, 0, n)
	for i := len(snap) - 1; i >= len(snap)-n; i-- {
		out = append(out, snap[i])
	}
	return out
}

func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = make([]model.PacketRecord, r.limit)
	r.next = 0
	r.full = false
}
