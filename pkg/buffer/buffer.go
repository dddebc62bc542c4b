// Package buffer provides a generic, thread-safe ring buffer.
//
// The daemon uses it for bounded histories: the recent-track FIFO kept per
// device and the per-client outbound queues of the re-broadcast feed.
package buffer

import (
	"sync"

	"github.com/mark-sch/GpsdTracking/errors"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest overwrites the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with the item discarded by the overflow policy.
type DropCallback[T any] func(item T)

// Ring is a fixed-capacity FIFO. Writes never block.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest item
	stats    *Statistics
	policy   OverflowPolicy
	onDrop   DropCallback[T]
	closed   bool
}

// NewRing creates a ring buffer holding at most capacity items.
// A capacity below one is raised to one.
func NewRing[T any](capacity int, options ...Option[T]) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Write appends an item according to the overflow policy.
func (r *Ring[T]) Write(item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Ring", "Write", "buffer closed")
	}

	var (
		dropped    T
		hasDropped bool
	)
	if r.size == r.capacity {
		r.stats.Overflow()
		r.stats.Drop()
		if r.policy == DropNewest {
			r.mu.Unlock()
			if r.onDrop != nil {
				r.onDrop(item)
			}
			return nil
		}
		dropped, hasDropped = r.items[r.tail], true
		r.tail = (r.tail + 1) % r.capacity
		r.size--
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	r.mu.Unlock()

	if hasDropped && r.onDrop != nil {
		r.onDrop(dropped)
	}
	return nil
}

// Read removes and returns the oldest item.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	r.stats.Read()
	r.stats.UpdateSize(int64(r.size))
	return item, true
}

// ReadBatch removes up to max items, oldest first.
func (r *Ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := max
	if n > r.size {
		n = r.size
	}
	if n == 0 {
		return nil
	}

	var zero T
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.stats.Read()
	}
	r.size -= n
	r.stats.UpdateSize(int64(r.size))
	return out
}

// Latest returns up to n items without removing them, newest first.
// n <= 0 returns every item.
func (r *Ring[T]) Latest(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		idx := (r.head - 1 - i + r.capacity) % r.capacity
		out[i] = r.items[idx]
	}
	r.stats.Peek()
	return out
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	r.stats.Peek()
	return r.items[r.tail], true
}

// Size returns the current number of items in the buffer.
func (r *Ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of items the buffer can hold.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// IsFull returns true if the buffer is at maximum capacity.
func (r *Ring[T]) IsFull() bool {
	return r.Size() == r.capacity
}

// IsEmpty returns true if the buffer contains no items.
func (r *Ring[T]) IsEmpty() bool {
	return r.Size() == 0
}

// Clear removes all items. The drop callback is not invoked.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.tail, r.size = 0, 0, 0
	r.stats.UpdateSize(0)
}

// Stats returns the buffer statistics.
func (r *Ring[T]) Stats() *Statistics {
	return r.stats
}

// Close rejects further writes. Buffered items stay readable.
func (r *Ring[T]) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
