// Package store implements the bounded, in-memory capture store of spec
// §4.4 (C3): a fixed-capacity circular buffer with O(1) append and O(M)
// update-by-id, returning newest-first snapshots.
//
// Grounded on the original implementation's reqCache/cacheHead/cacheTail
// fields in _examples/original_source/src-go/internal/proxy/proxy.go
// (addToCache/updateInCache/GetRequests/ClearRequests), generalized into
// its own package and keyed on model.RequestDetails.
package store

import (
	"sync"

	"github.com/kanti-proxy/backend/internal/model"
)

const DefaultCapacity = 1000

// Ring is a fixed-capacity, thread-safe circular buffer of captured
// exchanges keyed by RequestDetails.ID.
type Ring struct {
	mu       sync.RWMutex
	buf      []model.RequestDetails
	head     int
	tail     int
	count    int
	capacity int
}

// New returns a Ring with the given capacity. capacity <= 0 falls back to
// DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		buf:      make([]model.RequestDetails, capacity),
		capacity: capacity,
	}
}

// Append adds a newly-completed request record, evicting the oldest entry
// if the ring is full.
func (r *Ring) Append(rec model.RequestDetails) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.tail] = rec
	r.tail = (r.tail + 1) % r.capacity

	if r.count < r.capacity {
		r.count++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
}

// UpdateByID overwrites the live record matching rec.ID in place. If no
// live record has that id (it was scope-dropped at request time, or has
// since been evicted), this is a silent no-op.
func (r *Ring) UpdateByID(rec model.RequestDetails) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % r.capacity
		if r.buf[idx].ID == rec.ID {
			r.buf[idx] = rec
			return true
		}
	}
	return false
}

// Snapshot returns a copy of all live records, newest first.
func (r *Ring) Snapshot() []model.RequestDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.RequestDetails, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head + r.count - 1 - i) % r.capacity
		out[i] = r.buf[idx]
	}
	return out
}

// Clear resets the ring to empty.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head, r.tail, r.count = 0, 0, 0
}

// Len reports the number of live records.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
