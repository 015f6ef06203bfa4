// Package cbpool implements fixed-size, type-tagged control-block arenas:
// every kind of kernel object (task, LSR, semaphore, queue, ...) lives in
// its own contiguous array with a known first/last index and a type tag, so
// any handle recovered from a queue link can be validated before it is
// dereferenced.
package cbpool

import "fmt"

// Tag identifies the kind of control block held by a Pool, so a Handle
// recovered from a corrupted link can be checked against the kind the caller
// expected.
type Tag uint8

// Handle is an index into a Pool's backing array. The zero value is not a
// valid handle; use Nil.
type Handle struct {
	idx int32
	tag Tag
}

// Nil is the handle equivalent of a null pointer.
var Nil = Handle{idx: -1}

// IsNil reports whether h is the nil handle.
func (h Handle) IsNil() bool { return h.idx < 0 }

// Tag returns the tag a handle was allocated or fabricated with, independent
// of whether the handle is still valid in any particular Pool.
func (h Handle) Tag() Tag { return h.tag }

// Corrupt returns a handle carrying an arbitrary index and tag, for tests
// that simulate run-queue damage (a forward link overwritten with garbage).
// It is never produced by Pool.Alloc.
func Corrupt(idx int32, tag Tag) Handle { return Handle{idx: idx, tag: tag} }

func (h Handle) String() string {
	if h.IsNil() {
		return "<nil>"
	}
	return fmt.Sprintf("#%d(tag=%d)", h.idx, h.tag)
}

// Pool is a fixed-capacity arena of T, each slot tagged with Tag so
// handles can be validated on every dereference. Allocation is O(1) via a
// free list; deallocation zeroes the slot.
type Pool[T any] struct {
	tag   Tag
	items []T
	used  []bool
	free  []int32
}

// New allocates a Pool with the given capacity and tag.
func New[T any](capacity int, tag Tag) *Pool[T] {
	p := &Pool[T]{
		tag:   tag,
		items: make([]T, capacity),
		used:  make([]bool, capacity),
		free:  make([]int32, capacity),
	}
	for i := range p.free {
		p.free[i] = int32(capacity - 1 - i)
	}
	return p
}

// Tag returns the pool's control-block type tag.
func (p *Pool[T]) Tag() Tag { return p.tag }

// Cap returns the pool's fixed capacity.
func (p *Pool[T]) Cap() int { return len(p.items) }

// Used returns the number of allocated slots.
func (p *Pool[T]) Used() int { return len(p.items) - len(p.free) }

// Alloc reserves a free slot and returns its handle and a pointer to the
// zero-valued item, or ok=false if the pool is exhausted.
func (p *Pool[T]) Alloc() (h Handle, item *T, ok bool) {
	if len(p.free) == 0 {
		return Nil, nil, false
	}
	n := len(p.free) - 1
	idx := p.free[n]
	p.free = p.free[:n]
	p.used[idx] = true
	var zero T
	p.items[idx] = zero
	return Handle{idx: idx, tag: p.tag}, &p.items[idx], true
}

// Free zeroes and returns a slot to the free list. Freeing an already-free
// or invalid handle is a no-op.
func (p *Pool[T]) Free(h Handle) {
	if !p.valid(h) || !p.used[h.idx] {
		return
	}
	var zero T
	p.items[h.idx] = zero
	p.used[h.idx] = false
	p.free = append(p.free, h.idx)
}

// valid reports whether h's index falls within the pool and its tag matches,
// without regard to whether the slot is currently allocated. This is the
// "pointer falls in [pi,px] and bears the type tag" check the scheduler runs
// on every handle it pulls out of a queue link.
func (p *Pool[T]) valid(h Handle) bool {
	return !h.IsNil() && h.tag == p.tag && int(h.idx) >= 0 && int(h.idx) < len(p.items)
}

// Valid reports whether h is a live (allocated, correctly tagged, in-range)
// handle into this pool.
func (p *Pool[T]) Valid(h Handle) bool {
	return p.valid(h) && p.used[h.idx]
}

// Get returns a pointer to h's item, or ok=false if h is not a live handle
// into this pool.
func (p *Pool[T]) Get(h Handle) (item *T, ok bool) {
	if !p.Valid(h) {
		return nil, false
	}
	return &p.items[h.idx], true
}

// MustGet panics if h is not live; callers use it only where h's validity was
// already established (e.g. immediately after Alloc).
func (p *Pool[T]) MustGet(h Handle) *T {
	item, ok := p.Get(h)
	if !ok {
		panic(fmt.Sprintf("cbpool: invalid handle %v", h))
	}
	return item
}

// Range calls fn for every live handle in the pool, in slot order (not
// allocation order).
func (p *Pool[T]) Range(fn func(h Handle, item *T) bool) {
	for i := range p.items {
		if !p.used[i] {
			continue
		}
		if !fn(Handle{idx: int32(i), tag: p.tag}, &p.items[i]) {
			return
		}
	}
}
