// Package cache provides the single-slot stores that decouple slow
// producers (external tools, API calls) from metric scrapes.
package cache

import "sync"

// AtomicRef is a single value slot guarded by one lock. It hands already
// computed results from a collector goroutine to readers.
type AtomicRef[T any] struct {
	mu    sync.Mutex
	value T
}

// NewAtomicRef returns a slot holding v.
func NewAtomicRef[T any](v T) *AtomicRef[T] {
	return &AtomicRef[T]{value: v}
}

// Get returns the current value.
func (r *AtomicRef[T]) Get() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Set stores v and returns the previous value.
func (r *AtomicRef[T]) Set(v T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.value
	r.value = v
	return prev
}
