package history

// ring is a fixed-capacity FIFO that overwrites its oldest element when
// full. It is not safe for concurrent use.
type ring[T any] struct {
	buf   []T
	head  int // index of the oldest element
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) Len() int { return r.count }
func (r *ring[T]) Cap() int { return len(r.buf) }

// Push appends v. When the ring is full the oldest element is returned
// with evicted set.
func (r *ring[T]) Push(v T) (old T, evicted bool) {
	if r.count == len(r.buf) {
		old = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return old, true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return old, false
}

// At returns the i-th element, oldest first.
func (r *ring[T]) At(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// Last returns up to n of the newest elements, oldest first.
func (r *ring[T]) Last(n int) []T {
	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	start := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.At(start + i)
	}
	return out
}

// Filter keeps the elements for which keep returns true, preserving order,
// and returns how many were dropped.
func (r *ring[T]) Filter(keep func(T) bool) int {
	kept := make([]T, 0, r.count)
	for i := 0; i < r.count; i++ {
		if v := r.At(i); keep(v) {
			kept = append(kept, v)
		}
	}
	removed := r.count - len(kept)
	if removed == 0 {
		return 0
	}
	r.reset()
	copy(r.buf, kept)
	r.count = len(kept)
	return removed
}

// Clear empties the ring and returns the number of elements dropped.
func (r *ring[T]) Clear() int {
	n := r.count
	r.reset()
	return n
}

func (r *ring[T]) reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.count = 0
}
