// Package ring implements the circular collection that owns every live
// process record.
//
// Elements are stored in an arena and linked by slot index rather than by
// pointer. Removing an element bumps its slot generation, so a Handle taken
// before the removal can never resolve to whatever reuses the slot later.
package ring

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleHandle is returned when a handle no longer names a live element.
	ErrStaleHandle = errors.New("ring: stale handle")

	// ErrBroken is returned by Validate when the links do not form exactly
	// one cycle over the live elements.
	ErrBroken = errors.New("ring: broken cycle")
)

// Handle names one element of a Ring. The zero Handle never resolves.
type Handle struct {
	index int
	gen   uint32
}

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

type slot[T any] struct {
	value T
	next  int
	prev  int
	gen   uint32
	live  bool
}

// Ring is an unordered circular collection with O(1) insertion after an
// anchor and O(1) removal of any element. It is not safe for concurrent use;
// callers serialize access.
type Ring[T any] struct {
	slots []slot[T]
	free  []int
	size  int
	last  int
}

// New returns an empty ring.
func New[T any]() *Ring[T] {
	return &Ring[T]{last: -1}
}

// Len returns the number of live elements.
func (r *Ring[T]) Len() int {
	return r.size
}

func (r *Ring[T]) resolve(h Handle) (int, bool) {
	if h.gen == 0 || h.index < 0 || h.index >= len(r.slots) {
		return 0, false
	}
	s := &r.slots[h.index]
	if !s.live || s.gen != h.gen {
		return 0, false
	}
	return h.index, true
}

func (r *Ring[T]) handle(i int) Handle {
	return Handle{index: i, gen: r.slots[i].gen}
}

func (r *Ring[T]) alloc(v T) int {
	var i int
	if n := len(r.free); n > 0 {
		i = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot[T]{})
		i = len(r.slots) - 1
	}
	s := &r.slots[i]
	s.value = v
	s.live = true
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.size++
	r.last = i
	return i
}

// Insert adds v to the ring. The first element links to itself; later ones
// are placed after the most recently inserted element.
func (r *Ring[T]) Insert(v T) Handle {
	if r.size == 0 {
		i := r.alloc(v)
		r.slots[i].next = i
		r.slots[i].prev = i
		return r.handle(i)
	}
	h, _ := r.InsertAfter(r.handle(r.last), v)
	return h
}

// InsertAfter links v between anchor and anchor's current successor.
func (r *Ring[T]) InsertAfter(anchor Handle, v T) (Handle, error) {
	a, ok := r.resolve(anchor)
	if !ok {
		return Handle{}, fmt.Errorf("insert after %s: %w", anchor, ErrStaleHandle)
	}
	i := r.alloc(v)
	next := r.slots[a].next
	r.slots[i].prev = a
	r.slots[i].next = next
	r.slots[next].prev = i
	r.slots[a].next = i
	return r.handle(i), nil
}

// Remove splices the element out of the ring and reconnects its former
// neighbours. It returns the removed value, or false if h is stale.
func (r *Ring[T]) Remove(h Handle) (T, bool) {
	var zero T
	i, ok := r.resolve(h)
	if !ok {
		return zero, false
	}
	s := &r.slots[i]
	prev, next := s.prev, s.next
	if r.size > 1 {
		r.slots[prev].next = next
		r.slots[next].prev = prev
	}
	v := s.value
	s.value = zero
	s.live = false
	s.gen++
	s.next, s.prev = -1, -1
	r.free = append(r.free, i)
	r.size--
	if r.last == i {
		if r.size == 0 {
			r.last = -1
		} else {
			r.last = prev
		}
	}
	return v, true
}

// Get returns the value named by h.
func (r *Ring[T]) Get(h Handle) (T, bool) {
	i, ok := r.resolve(h)
	if !ok {
		var zero T
		return zero, false
	}
	return r.slots[i].value, true
}

// Contains reports whether h names a live element.
func (r *Ring[T]) Contains(h Handle) bool {
	_, ok := r.resolve(h)
	return ok
}

// Next returns the successor of h.
func (r *Ring[T]) Next(h Handle) (Handle, bool) {
	i, ok := r.resolve(h)
	if !ok {
		return Handle{}, false
	}
	return r.handle(r.slots[i].next), true
}

// Prev returns the predecessor of h.
func (r *Ring[T]) Prev(h Handle) (Handle, bool) {
	i, ok := r.resolve(h)
	if !ok {
		return Handle{}, false
	}
	return r.handle(r.slots[i].prev), true
}

// Do visits every element once in ring order, starting at from. The
// traversal stops early when fn returns false. fn must not mutate the ring.
func (r *Ring[T]) Do(from Handle, fn func(Handle, T) bool) {
	i, ok := r.resolve(from)
	if !ok {
		return
	}
	for n := 0; n < r.size; n++ {
		if !fn(r.handle(i), r.slots[i].value) {
			return
		}
		i = r.slots[i].next
	}
}

// Find scans one full circle starting at from and returns the first element
// matching pred.
func (r *Ring[T]) Find(from Handle, pred func(T) bool) (Handle, bool) {
	var found Handle
	var ok bool
	r.Do(from, func(h Handle, v T) bool {
		if pred(v) {
			found, ok = h, true
			return false
		}
		return true
	})
	return found, ok
}

// Validate checks that the links form exactly one cycle covering every live
// element with consistent back links.
func (r *Ring[T]) Validate() error {
	live := 0
	start := -1
	for i := range r.slots {
		if r.slots[i].live {
			live++
			if start < 0 {
				start = i
			}
		}
	}
	if live != r.size {
		return fmt.Errorf("%w: %d live slots, size %d", ErrBroken, live, r.size)
	}
	if live == 0 {
		return nil
	}
	i := start
	for n := 0; n < live; n++ {
		s := &r.slots[i]
		if s.next < 0 || s.next >= len(r.slots) || !r.slots[s.next].live {
			return fmt.Errorf("%w: slot %d links to dead slot %d", ErrBroken, i, s.next)
		}
		if r.slots[s.next].prev != i {
			return fmt.Errorf("%w: slot %d back link is %d, want %d", ErrBroken, s.next, r.slots[s.next].prev, i)
		}
		i = s.next
		if i == start && n != live-1 {
			return fmt.Errorf("%w: cycle of length %d, want %d", ErrBroken, n+1, live)
		}
	}
	if i != start {
		return fmt.Errorf("%w: walk of %d steps did not close", ErrBroken, live)
	}
	return nil
}
