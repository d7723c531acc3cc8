// Package queue provides the bounded latest-wins queue used between the
// ingestion loop and its consumers.
package queue

import (
	"sync"
	"sync/atomic"
)

// Ring is a bounded FIFO that never blocks the producer: when full, the
// oldest element is evicted to admit the new one. Safe for concurrent use.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
	size  int

	pushed    atomic.Uint64
	evictions atomic.Uint64
}

// NewRing creates a ring with the given capacity. Capacities below one are
// raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when the ring is full.
// It reports whether an eviction happened.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pushed.Add(1)
	capacity := len(r.items)
	if r.size == capacity {
		var zero T
		r.items[r.head] = zero
		r.head = (r.head + 1) % capacity
		r.size--
		r.evictions.Add(1)
		r.items[(r.head+r.size)%capacity] = v
		r.size++
		return true
	}
	r.items[(r.head+r.size)%capacity] = v
	r.size++
	return false
}

// Pop removes and returns the oldest element
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked()
}

func (r *Ring[T]) popLocked() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, true
}

// DrainLatest empties the ring and returns only the most recently pushed
// element, together with how many elements were removed.
func (r *Ring[T]) DrainLatest() (T, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	n := r.size
	if n == 0 {
		return zero, 0, false
	}
	last := r.items[(r.head+n-1)%len(r.items)]
	for i := 0; i < len(r.items); i++ {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
	return last, n, true
}

// DrainTo moves up to max elements, oldest first, onto dst and returns it.
// max <= 0 drains everything.
func (r *Ring[T]) DrainTo(dst []T, max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max <= 0 || max > r.size {
		max = r.size
	}
	for i := 0; i < max; i++ {
		v, _ := r.popLocked()
		dst = append(dst, v)
	}
	return dst
}

// Snapshot copies the retained elements, oldest first, without removing them
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

// Len returns the number of retained elements
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Pushed returns the total number of Push calls
func (r *Ring[T]) Pushed() uint64 {
	return r.pushed.Load()
}

// Evictions returns how many elements were dropped to admit newer ones
func (r *Ring[T]) Evictions() uint64 {
	return r.evictions.Load()
}
