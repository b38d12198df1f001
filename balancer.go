package cluster

// RoundRobin cycles over a fixed snapshot of items.
//
// The snapshot is never edited: when the underlying set changes the
// owner builds a new RoundRobin, which starts again at index 0.
// RoundRobin is not safe for concurrent use; the pool calls it under
// its own lock.
type RoundRobin[T any] struct {
	items  []T
	cursor int
}

// NewRoundRobin copies items into a new balancer.
func NewRoundRobin[T any](items []T) *RoundRobin[T] {
	snapshot := make([]T, len(items))
	copy(snapshot, items)
	return &RoundRobin[T]{items: snapshot}
}

// Next returns the item under the cursor and advances it.
func (r *RoundRobin[T]) Next() (T, error) {
	var zero T
	if r == nil || len(r.items) == 0 {
		return zero, ErrEmptyBalancer
	}
	if r.cursor >= len(r.items) {
		r.cursor %= len(r.items)
	}
	item := r.items[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.items)
	return item, nil
}

// Len reports the snapshot size.
func (r *RoundRobin[T]) Len() int {
	if r == nil {
		return 0
	}
	return len(r.items)
}
