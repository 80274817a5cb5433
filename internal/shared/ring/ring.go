// Package ring provides a fixed-capacity FIFO buffer. It backs the
// manipulation-attempt and security-event logs, which are append-only and
// length-bounded: the only permitted deletion is eviction of the oldest
// entry when capacity is reached.
package ring

// Buffer is a bounded FIFO queue. The zero value is not usable; construct
// with New or FromSlice.
type Buffer[T any] struct {
	items    []T
	capacity int
}

// New returns an empty buffer holding at most capacity items.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{capacity: capacity}
}

// FromSlice seeds a buffer from a persisted snapshot, keeping only the
// newest capacity entries.
func FromSlice[T any](capacity int, items []T) *Buffer[T] {
	b := New[T](capacity)
	start := 0
	if len(items) > capacity {
		start = len(items) - capacity
	}
	b.items = append(b.items, items[start:]...)
	return b
}

// Push appends an item, evicting the oldest entry when full. It reports
// whether an eviction occurred.
func (b *Buffer[T]) Push(item T) bool {
	evicted := false
	if len(b.items) >= b.capacity {
		copy(b.items, b.items[1:])
		b.items = b.items[:len(b.items)-1]
		evicted = true
	}
	b.items = append(b.items, item)
	return evicted
}

// Items returns a copy of the buffered items, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

// Len returns the number of buffered items.
func (b *Buffer[T]) Len() int { return len(b.items) }

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int { return b.capacity }
