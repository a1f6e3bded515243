package allocator

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/internal/handles"
)

// ErrPoolExhausted is returned by AllocateFromPool when no pool of the
// requested type can fit the request. Callers create a larger pool or
// fall back to a standalone AllocateBuffer.
var ErrPoolExhausted = errors.New("buffer pool exhausted")

// Default pool capacities by buffer type, in bytes.
const (
	defaultUniformPoolSize  = 256 * 1024
	defaultVertexPoolSize   = 16 * 1024 * 1024
	defaultIndexPoolSize    = 4 * 1024 * 1024
	defaultStoragePoolSize  = 64 * 1024 * 1024
	defaultStagingPoolSize  = 16 * 1024 * 1024
	defaultIndirectPoolSize = 1024 * 1024
)

// BufferPool is a linear arena carved out of one large buffer.
// Sub-allocations advance a bump offset and individual frees do not
// reclaim space; ResetPool reclaims the whole arena at once. This suits
// per-frame transient data, where everything is retired together.
type BufferPool struct {
	bufferType BufferType
	buffer     core1_0.Buffer
	memory     core1_0.DeviceMemory

	size       int
	memorySize int
	offset     int
	alignment  int

	allocationCount int
	mappedPtr       unsafe.Pointer
	hostVisible     bool
	coherent        bool
}

// BufferType returns the buffer type the pool serves.
func (p *BufferPool) BufferType() BufferType {
	return p.bufferType
}

// Size returns the pool's total capacity in bytes.
func (p *BufferPool) Size() int {
	return p.size
}

// Used returns the current bump offset, which includes space held by
// freed sub-allocations until the next ResetPool.
func (p *BufferPool) Used() int {
	return p.offset
}

// AllocationCount returns the number of live sub-allocations.
func (p *BufferPool) AllocationCount() int {
	return p.allocationCount
}

func defaultPoolSize(bufferType BufferType) int {
	switch bufferType {
	case BufferTypeUniform:
		return defaultUniformPoolSize
	case BufferTypeVertex:
		return defaultVertexPoolSize
	case BufferTypeIndex:
		return defaultIndexPoolSize
	case BufferTypeStorage:
		return defaultStoragePoolSize
	case BufferTypeStaging:
		return defaultStagingPoolSize
	case BufferTypeIndirect:
		return defaultIndirectPoolSize
	}
	return defaultUniformPoolSize
}

// CreateBufferPool creates a linear pool for a buffer type. A size below
// 1 selects the default capacity for the type.
func (a *Allocator) CreateBufferPool(bufferType BufferType, size int) (*BufferPool, error) {
	if !a.initialized {
		return nil, errors.New("allocator is not initialized")
	}
	if !bufferType.isValid() {
		return nil, errors.Newf("unknown buffer type %d", bufferType)
	}
	if size < 1 {
		size = defaultPoolSize(bufferType)
	}

	buffer, res, err := a.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       bufferType.UsageFlags(),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		a.logger.Error("failed to create pool buffer",
			slog.String("Type", bufferType.String()),
			slog.Int("Size", size),
			slog.String("Result", res.String()),
		)
		return nil, err
	}

	memReqs := buffer.MemoryRequirements()
	properties := bufferType.PropertyFlags()
	memoryTypeIndex, err := a.findMemoryType(memReqs.MemoryTypeBits, properties)
	if err != nil {
		buffer.Destroy(nil)
		return nil, err
	}

	memory, res, err := a.allocateMemory(memoryTypeIndex, memReqs.Size)
	if err != nil {
		a.logger.Error("failed to allocate pool memory",
			slog.String("Type", bufferType.String()),
			slog.Int("Size", memReqs.Size),
			slog.String("Result", res.String()),
		)
		buffer.Destroy(nil)
		return nil, err
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		a.freeMemory(memory, memReqs.Size)
		buffer.Destroy(nil)
		return nil, err
	}

	typeFlags := a.memoryTypes[memoryTypeIndex].PropertyFlags
	pool := &BufferPool{
		bufferType:  bufferType,
		buffer:      buffer,
		memory:      memory,
		size:        size,
		memorySize:  memReqs.Size,
		alignment:   a.alignments[bufferType],
		hostVisible: typeFlags&core1_0.MemoryPropertyHostVisible != 0,
		coherent:    typeFlags&core1_0.MemoryPropertyHostCoherent != 0,
	}

	a.mutex.Lock()
	a.pools = append(a.pools, pool)
	a.totalAllocatedMemory += memReqs.Size
	a.bufferCount++
	a.mutex.Unlock()

	a.logger.Debug("Allocator::CreateBufferPool",
		slog.String("Type", bufferType.String()),
		slog.Int("Size", size),
	)

	return pool, nil
}

// AllocateFromPool carves a sub-allocation out of the first pool of the
// given type with enough remaining space, in pool creation order. Returns
// ErrPoolExhausted when no pool of the type can fit the request.
func (a *Allocator) AllocateFromPool(bufferType BufferType, size int) (BufferAllocation, error) {
	if !bufferType.isValid() {
		return BufferAllocation{}, errors.Newf("unknown buffer type %d", bufferType)
	}
	if size < 1 {
		return BufferAllocation{}, errors.Newf("requested pool allocation size %d is not a positive integer", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, pool := range a.pools {
		if pool.bufferType != bufferType {
			continue
		}
		if alignUp(pool.offset, pool.alignment)+size <= pool.size {
			return a.allocateFromPoolLocked(pool, size)
		}
	}

	return BufferAllocation{}, errors.Wrapf(ErrPoolExhausted,
		"no %s pool can fit %d more bytes", bufferType.String(), size)
}

// AllocateFromSpecificPool carves a sub-allocation out of one pool's
// arena, bypassing the type-keyed scan. The offset is aligned to the pool
// type's requirement. Returns ErrPoolExhausted when the remaining space
// cannot fit the request.
func (a *Allocator) AllocateFromSpecificPool(pool *BufferPool, size int) (BufferAllocation, error) {
	if pool == nil {
		return BufferAllocation{}, errors.New("attempted to allocate from a nil pool")
	}
	if size < 1 {
		return BufferAllocation{}, errors.Newf("requested pool allocation size %d is not a positive integer", size)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocateFromPoolLocked(pool, size)
}

func (a *Allocator) allocateFromPoolLocked(pool *BufferPool, size int) (BufferAllocation, error) {
	offset := alignUp(pool.offset, pool.alignment)
	if offset+size > pool.size {
		return BufferAllocation{}, errors.Wrapf(ErrPoolExhausted,
			"pool %s has %d of %d bytes in use and cannot fit %d more",
			pool.bufferType.String(), pool.offset, pool.size, size)
	}

	pool.offset = offset + size
	pool.allocationCount++

	alloc := BufferAllocation{
		Buffer: pool.buffer,
		Memory: pool.memory,
		Size:   size,
		Offset: offset,
		Type:   pool.bufferType,
		pooled: true,
	}
	alloc.handle = a.buffers.Insert(bufferRecord{
		alloc:    alloc,
		coherent: pool.coherent,
		pool:     pool,
	})
	record := a.buffers.Resolve(alloc.handle)
	record.alloc = alloc

	a.allocationCount++
	return alloc, nil
}

// DeallocateFromPool retires a pool sub-allocation. Only bookkeeping is
// released; the arena space stays consumed until ResetPool.
func (a *Allocator) DeallocateFromPool(alloc BufferAllocation) error {
	if alloc.IsNil() {
		return nil
	}
	if !alloc.pooled {
		return errors.New("attempted to pool-deallocate a standalone buffer allocation")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	record := a.buffers.Resolve(alloc.handle)
	if record == nil {
		return errors.New("attempted to deallocate a stale pool allocation")
	}

	record.pool.allocationCount--
	a.allocationCount--
	a.buffers.Remove(alloc.handle)
	return nil
}

// ResetPool rewinds the pool's arena to empty. Every outstanding
// sub-allocation is invalidated; resolving one afterward fails as stale.
func (a *Allocator) ResetPool(pool *BufferPool) error {
	if pool == nil {
		return errors.New("attempted to reset a nil pool")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	retired := 0
	var stale []handles.Handle
	a.buffers.Range(func(h handles.Handle, record *bufferRecord) bool {
		if record.pool == pool {
			stale = append(stale, h)
		}
		return true
	})
	for _, h := range stale {
		a.buffers.Remove(h)
		retired++
	}

	a.allocationCount -= retired
	pool.allocationCount = 0
	pool.offset = 0

	if retired > 0 {
		a.logger.Debug("Allocator::ResetPool retired live sub-allocations",
			slog.String("Type", pool.bufferType.String()),
			slog.Int("Count", retired),
		)
	}

	return nil
}

// CleanupBufferPools resets and destroys every pool owned by the
// allocator. Destroy calls this automatically.
func (a *Allocator) CleanupBufferPools() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.cleanupBufferPoolsLocked()
}

func (a *Allocator) cleanupBufferPoolsLocked() {
	for _, pool := range a.pools {
		var stale []handles.Handle
		a.buffers.Range(func(h handles.Handle, record *bufferRecord) bool {
			if record.pool == pool {
				stale = append(stale, h)
			}
			return true
		})
		for _, h := range stale {
			a.buffers.Remove(h)
			a.allocationCount--
		}

		if pool.mappedPtr != nil {
			pool.memory.Unmap()
			pool.mappedPtr = nil
		}
		pool.buffer.Destroy(nil)
		a.freeMemory(pool.memory, pool.memorySize)

		a.totalAllocatedMemory -= pool.memorySize
		a.bufferCount--
	}

	a.pools = nil
}
