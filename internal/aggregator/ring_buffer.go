package aggregator

import "iter"

// Ring is a fixed-capacity buffer that overwrites its oldest element once
// full. It is not safe for concurrent use; the owner serializes access.
type Ring[T any] struct {
	items []T
	head  int // next write index
	count int
}

// NewRing creates a ring with the given capacity (minimum 1)
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push writes item at head in O(1), overwriting the oldest element when full
func (r *Ring[T]) Push(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	if r.count < len(r.items) {
		r.count++
	}
}

// Len returns the number of stored elements
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the fixed capacity
func (r *Ring[T]) Cap() int { return len(r.items) }

// At returns the i-th newest element (0 is the most recent)
func (r *Ring[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 || i >= r.count {
		return zero, false
	}
	c := len(r.items)
	return r.items[(r.head-1-i+c)%c], true
}

// All yields elements newest first. Each call starts a fresh traversal.
func (r *Ring[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for i := 0; i < r.count; i++ {
			item, _ := r.At(i)
			if !yield(item) {
				return
			}
		}
	}
}

// Newest copies up to limit elements newest first; limit <= 0 means all
func (r *Ring[T]) Newest(limit int) []T {
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, 0, n)
	for item := range r.All() {
		if len(out) == n {
			break
		}
		out = append(out, item)
	}
	return out
}

// Clear drops all elements
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Replace clears the ring and pushes items in the given order, which must
// be oldest to newest so the last item ends at the logical head. Callers
// holding a newest-first list reverse it first.
func (r *Ring[T]) Replace(oldestFirst []T) {
	r.Clear()
	for _, item := range oldestFirst {
		r.Push(item)
	}
}
