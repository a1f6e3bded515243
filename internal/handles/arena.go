// Package handles provides a generation-checked arena for resource
// bookkeeping. Native Vulkan handles are recycled by drivers, so a map
// keyed on raw handle values can silently alias a destroyed resource with
// a newly-created one. An arena Handle pairs a slot index with a
// generation counter: once a slot is released, every Handle minted for
// its previous occupant stops resolving.
package handles

// Handle identifies one live entry in an Arena. The zero Handle is never
// valid.
type Handle struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.Index == 0 && h.Generation == 0
}

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Arena is a slab of T values addressed by generation-checked Handles.
// It is not safe for concurrent use; callers guard it with their own
// lock.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// Insert stores value and returns its Handle.
func (a *Arena[T]) Insert(value T) Handle {
	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		// Slot 0 is reserved so that the zero Handle never resolves.
		if len(a.slots) == 0 {
			a.slots = append(a.slots, slot[T]{})
		}
		index = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}

	s := &a.slots[index]
	s.generation++
	s.value = value
	s.live = true
	a.count++

	return Handle{Index: index, Generation: s.generation}
}

// Resolve returns a pointer to the entry for h, or nil if h is stale,
// zero, or was never issued by this arena.
func (a *Arena[T]) Resolve(h Handle) *T {
	if h.Index == 0 || int(h.Index) >= len(a.slots) {
		return nil
	}

	s := &a.slots[h.Index]
	if !s.live || s.generation != h.Generation {
		return nil
	}

	return &s.value
}

// Remove releases the entry for h and returns whether h was live. The
// slot is recycled under a new generation, so h and any copies of it
// stop resolving immediately.
func (a *Arena[T]) Remove(h Handle) bool {
	if a.Resolve(h) == nil {
		return false
	}

	s := &a.slots[h.Index]
	var zero T
	s.value = zero
	s.live = false
	a.free = append(a.free, h.Index)
	a.count--

	return true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	return a.count
}

// Range calls visit for every live entry until visit returns false.
// Entries must not be inserted or removed during iteration.
func (a *Arena[T]) Range(visit func(h Handle, value *T) bool) {
	for i := 1; i < len(a.slots); i++ {
		s := &a.slots[i]
		if !s.live {
			continue
		}
		if !visit(Handle{Index: uint32(i), Generation: s.generation}, &s.value) {
			return
		}
	}
}
