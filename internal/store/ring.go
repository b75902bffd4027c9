// Package store provides the process-local in-memory stores shared by the
// copy-trade engine and price monitor: a decision log, an alert feed, and
// the paper-position book.
//
// Log and alert stores are bounded ring buffers that evict strictly
// oldest-first; reads return newest-first. The position store is unbounded
// (positions are few per run) and keyed by id. All mutations are serialised
// per store; queries are filtered scans over the bounded buffer, so O(n)
// reads are acceptable. Stores are explicit collaborators injected at
// construction so tests can instantiate isolated cores.
package store

// ring is a fixed-capacity circular buffer. Push is O(1); when full, the
// oldest element is overwritten.
type ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	// Full: overwrite the oldest slot and advance head.
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring[T]) len() int { return r.count }

// newestFirst returns the elements in reverse insertion order.
func (r *ring[T]) newestFirst() []T {
	out := make([]T, 0, r.count)
	for i := r.count - 1; i >= 0; i-- {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// oldestFirst returns the elements in insertion order.
func (r *ring[T]) oldestFirst() []T {
	out := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// forEachNewest visits elements newest-first, stopping when fn returns false.
func (r *ring[T]) forEachNewest(fn func(v T) bool) {
	for i := r.count - 1; i >= 0; i-- {
		if !fn(r.buf[(r.head+i)%len(r.buf)]) {
			return
		}
	}
}
