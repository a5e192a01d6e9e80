package module

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// History is a length-bounded, insertion-ordered record of past results
// (spec §3 "execution history lists are length-bounded; oldest dropped on
// append"). It is backed by an LRU cache keyed on a monotonically
// increasing sequence number: since entries are only ever appended and
// never re-read through the cache (no Get calls), eviction order reduces
// to pure FIFO, which is exactly the ring-buffer semantics spec.md calls
// for in §9 ("Bounded history").
type History[T any] struct {
	cache *lru.Cache[uint64, T]
	next  uint64
}

// NewHistory creates a History bounded to capacity entries.
func NewHistory[T any](capacity int) *History[T] {
	if capacity <= 0 {
		capacity = 10
	}
	cache, _ := lru.New[uint64, T](capacity)
	return &History[T]{cache: cache}
}

// Append adds an entry, evicting the oldest if at capacity.
func (h *History[T]) Append(entry T) {
	h.cache.Add(h.next, entry)
	h.next++
}

// Entries returns entries oldest-first.
func (h *History[T]) Entries() []T {
	keys := h.cache.Keys()
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		if v, ok := h.cache.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of entries currently retained.
func (h *History[T]) Len() int {
	return h.cache.Len()
}

// Clone returns a deep-enough copy for snapshotting into a request/response
// (the entries themselves are copied by value or by the caller's Clone).
func (h *History[T]) Clone() *History[T] {
	clone := NewHistory[T](h.cache.Len())
	for _, e := range h.Entries() {
		clone.Append(e)
	}
	return clone
}
