package monitoring

// Ring is a fixed-capacity circular buffer with O(1) append and O(n)
// snapshot. Not safe for concurrent use; the Bus serializes access.
type Ring[T any] struct {
	buf  []T
	head int // next write position
	size int
}

// NewRing creates a ring holding at most capacity items
func NewRing[T any](capacity int) *Ring[T] {
	return &Ring[T]{buf: make([]T, capacity)}
}

// Append adds an item, evicting the oldest when full
func (r *Ring[T]) Append(item T) {
	r.buf[r.head] = item
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Len returns the number of stored items
func (r *Ring[T]) Len() int {
	return r.size
}

// Snapshot returns the items oldest first
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
