package logbuf

import "sync"

// ring keeps the last len(buf) values pushed; older ones are overwritten.
type ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	r.buf[(r.head+r.count)%len(r.buf)] = v
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
	r.mu.Unlock()
}

// last returns up to n values, oldest first. n <= 0 returns everything.
func (r *ring[T]) last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.count - n
	for i := range out {
		out[i] = r.buf[(r.head+start+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
