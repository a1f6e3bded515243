package allocator

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkforge/rendercore/internal/handles"
)

// BufferAllocation is the value-type handle bundle callers receive for one
// buffer. The Allocator retains exclusive ownership of the underlying
// native objects; callers pass the bundle back for mapping, updates, and
// deallocation. A stale bundle (already freed, or from a reset pool) is
// detected by its generation handle and rejected instead of aliasing
// whatever resource reused the slot.
type BufferAllocation struct {
	Buffer core1_0.Buffer
	Memory core1_0.DeviceMemory

	// Size in bytes. For pool sub-allocations Offset is the position
	// within the pool's backing memory; standalone buffers bind at 0.
	Size   int
	Offset int

	Type BufferType

	// MappedPtr is populated only for persistently-mapped types (Uniform,
	// Staging) at creation time. Ad-hoc mappings are returned by MapBuffer
	// rather than written back through the caller's copy.
	MappedPtr         unsafe.Pointer
	PersistentMapping bool

	handle handles.Handle
	pooled bool
}

// IsNil reports whether this is the zero-value sentinel returned by failed
// allocation paths. Callers must check it before use.
func (a BufferAllocation) IsNil() bool {
	return a.Buffer == nil
}

// Pooled reports whether this allocation is a sub-allocation of a
// BufferPool rather than a standalone buffer.
func (a BufferAllocation) Pooled() bool {
	return a.pooled
}

// bufferRecord is the allocator-side bookkeeping for one allocation; the
// arena entry is the single source of truth for mapping state.
type bufferRecord struct {
	alloc      BufferAllocation
	memorySize int
	mappedPtr  unsafe.Pointer
	persistent bool
	coherent   bool
	pool       *BufferPool
}
