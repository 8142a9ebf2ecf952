// Package mempool provides per-processing-context memory pools: fixed
// capacity index-based node arenas for the flow engine's linked
// structures, and size-classed byte buffer pools for packet copies.
//
// Arenas are deliberately not safe for concurrent use. Each processing
// context owns its own arenas, which keeps the hot path free of locks
// and allocator traffic.
package mempool

// NilIndex terminates an intrusive index chain inside an arena.
const NilIndex = int32(-1)

// Arena is a fixed-capacity pool of T slots addressed by index.
// Links between nodes are stored as indices rather than pointers, so
// freeing is a free-list push and no allocation happens after New.
type Arena[T any] struct {
	slots    []T
	free     []int32
	failures uint64
}

// NewArena creates an arena with the given number of slots.
func NewArena[T any](capacity int) *Arena[T] {
	if capacity <= 0 {
		capacity = 1
	}
	a := &Arena[T]{
		slots: make([]T, capacity),
		free:  make([]int32, capacity),
	}
	// Free list starts holding every index, popped from the tail.
	for i := range a.free {
		a.free[i] = int32(capacity - 1 - i)
	}
	return a
}

// Alloc pops a free slot. The second return value is false when the
// arena is exhausted; callers are expected to drop and count, never
// block.
func (a *Arena[T]) Alloc() (int32, bool) {
	n := len(a.free)
	if n == 0 {
		a.failures++
		return NilIndex, false
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	return idx, true
}

// At returns the slot for an index. The index must have been returned
// by Alloc and not yet freed.
func (a *Arena[T]) At(i int32) *T {
	return &a.slots[i]
}

// Free returns a slot to the arena. The slot is cleared so stale
// packet references do not pin buffers.
func (a *Arena[T]) Free(i int32) {
	var zero T
	a.slots[i] = zero
	a.free = append(a.free, i)
}

// InUse returns the number of allocated slots.
func (a *Arena[T]) InUse() int {
	return len(a.slots) - len(a.free)
}

// Cap returns the total slot count.
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// Failures returns how many Alloc calls failed due to exhaustion.
func (a *Arena[T]) Failures() uint64 {
	return a.failures
}
