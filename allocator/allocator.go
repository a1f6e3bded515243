package allocator

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkforge/rendercore/internal/handles"
	"github.com/vkforge/rendercore/internal/utils"
)

const minUniformAlignment = 256

// UploadFunc performs the device-to-device copy for an initial-data upload.
// The copy requires a command buffer and queue submission, which this
// package does not own; see CreateOptions.Upload.
type UploadFunc func(staging, destination BufferAllocation, size int) error

// CreateOptions configures a new Allocator.
type CreateOptions struct {
	// MemoryManager, when non-nil, receives all backing-memory
	// allocate/free traffic instead of the direct device fallback.
	MemoryManager MemoryManager

	// Upload, when non-nil, is invoked by CreateVertexBuffer and
	// CreateIndexBuffer to move initial data from the temporary staging
	// buffer into the device-local destination. A command.Manager's
	// SubmitOneShot is the usual implementation. If nil, the staging
	// write is skipped and the caller owns the upload entirely.
	Upload UploadFunc

	// UseMutex guards the allocation table for concurrent use from asset
	// streaming threads. Single-threaded consumers can turn it off.
	UseMutex bool
}

// Allocator owns every buffer and its backing device memory. Callers hold
// only the BufferAllocation bundles it returns.
type Allocator struct {
	logger         *slog.Logger
	device         core1_0.Device
	physicalDevice core1_0.PhysicalDevice
	memoryManager  MemoryManager
	upload         UploadFunc

	mutex   utils.OptionalRWMutex
	buffers handles.Arena[bufferRecord]
	pools   []*BufferPool

	alignments          [bufferTypeCount]int
	nonCoherentAtomSize int
	memoryTypes         []core1_0.MemoryType

	totalAllocatedMemory int
	bufferCount          int
	allocationCount      int

	initialized bool
}

// New creates an Allocator bound to a logical device. Per-type alignment
// requirements are derived from the physical device's limits once, here.
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if physicalDevice == nil {
		return nil, errors.New("attempted to create an Allocator with a nil PhysicalDevice")
	}
	if device == nil {
		return nil, errors.New("attempted to create an Allocator with a nil Device")
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query physical device properties")
	}

	a := &Allocator{
		logger:         logger,
		device:         device,
		physicalDevice: physicalDevice,
		memoryManager:  options.MemoryManager,
		upload:         options.Upload,
		mutex:          utils.OptionalRWMutex{UseMutex: options.UseMutex},
		initialized:    true,
	}

	limits := properties.Limits
	uniformAlign := maxInt(limits.MinUniformBufferOffsetAlignment, 1)
	storageAlign := maxInt(limits.MinStorageBufferOffsetAlignment, 1)

	a.alignments[BufferTypeVertex] = uniformAlign
	a.alignments[BufferTypeIndex] = uniformAlign
	a.alignments[BufferTypeUniform] = maxInt(limits.MinUniformBufferOffsetAlignment, minUniformAlignment)
	a.alignments[BufferTypeStorage] = storageAlign
	a.alignments[BufferTypeStaging] = uniformAlign
	a.alignments[BufferTypeIndirect] = uniformAlign

	a.nonCoherentAtomSize = maxInt(limits.NonCoherentAtomSize, 1)
	a.memoryTypes = physicalDevice.MemoryProperties().MemoryTypes

	logger.Debug("Allocator::New",
		slog.Int("UniformAlignment", a.alignments[BufferTypeUniform]),
		slog.Int("StorageAlignment", a.alignments[BufferTypeStorage]),
		slog.Int("MemoryTypeCount", len(a.memoryTypes)),
	)

	return a, nil
}

// GetAlignmentRequirement returns the sub-allocation alignment used for a
// buffer type. It is always at least 1, and at least 256 for Uniform.
func (a *Allocator) GetAlignmentRequirement(bufferType BufferType) int {
	if !bufferType.isValid() {
		return 1
	}
	return a.alignments[bufferType]
}

// AllocateBuffer creates a buffer, allocates and binds backing memory
// matching properties, and registers the allocation. On failure it
// returns the zero-value sentinel and an error; it never leaves a
// half-registered buffer behind.
func (a *Allocator) AllocateBuffer(bufferType BufferType, size int, usage core1_0.BufferUsageFlags, properties core1_0.MemoryPropertyFlags) (BufferAllocation, error) {
	if !a.initialized {
		a.logger.Error("AllocateBuffer called on an uninitialized allocator")
		return BufferAllocation{}, errors.New("allocator is not initialized")
	}
	if size < 1 {
		return BufferAllocation{}, errors.Newf("requested buffer size %d is not a positive integer", size)
	}
	if !bufferType.isValid() {
		return BufferAllocation{}, errors.Newf("unknown buffer type %d", bufferType)
	}

	buffer, res, err := a.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		a.logger.Error("failed to create buffer",
			slog.String("Type", bufferType.String()),
			slog.Int("Size", size),
			slog.String("Result", res.String()),
		)
		return BufferAllocation{}, err
	}

	memReqs := buffer.MemoryRequirements()
	memoryTypeIndex, err := a.findMemoryType(memReqs.MemoryTypeBits, properties)
	if err != nil {
		buffer.Destroy(nil)
		return BufferAllocation{}, err
	}

	memory, res, err := a.allocateMemory(memoryTypeIndex, memReqs.Size)
	if err != nil {
		a.logger.Error("failed to allocate buffer memory",
			slog.String("Type", bufferType.String()),
			slog.Int("Size", memReqs.Size),
			slog.String("Result", res.String()),
		)
		buffer.Destroy(nil)
		return BufferAllocation{}, err
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		a.freeMemory(memory, memReqs.Size)
		buffer.Destroy(nil)
		return BufferAllocation{}, err
	}

	coherent := a.memoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostCoherent != 0

	alloc := BufferAllocation{
		Buffer: buffer,
		Memory: memory,
		Size:   size,
		Offset: 0,
		Type:   bufferType,
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc.handle = a.buffers.Insert(bufferRecord{
		alloc:      alloc,
		memorySize: memReqs.Size,
		coherent:   coherent,
	})
	record := a.buffers.Resolve(alloc.handle)
	record.alloc = alloc

	a.totalAllocatedMemory += memReqs.Size
	a.bufferCount++
	a.allocationCount++

	a.logger.Debug("Allocator::AllocateBuffer",
		slog.String("Type", bufferType.String()),
		slog.Int("Size", size),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
	)

	return alloc, nil
}

// DeallocateBuffer unmaps, destroys, and frees a standalone allocation and
// removes it from the tracking table. Passing the zero-value sentinel is a
// safe no-op. Pool sub-allocations go through DeallocateFromPool instead.
func (a *Allocator) DeallocateBuffer(alloc BufferAllocation) error {
	if alloc.IsNil() {
		return nil
	}
	if !a.initialized {
		a.logger.Error("DeallocateBuffer called on an uninitialized allocator")
		return errors.New("allocator is not initialized")
	}
	if alloc.pooled {
		return a.DeallocateFromPool(alloc)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	record := a.buffers.Resolve(alloc.handle)
	if record == nil {
		return errors.New("attempted to deallocate a stale buffer allocation")
	}

	if record.mappedPtr != nil {
		record.alloc.Memory.Unmap()
	}

	record.alloc.Buffer.Destroy(nil)
	a.freeMemory(record.alloc.Memory, record.memorySize)

	a.totalAllocatedMemory -= record.memorySize
	a.bufferCount--
	a.allocationCount--
	a.buffers.Remove(alloc.handle)

	a.logger.Debug("Allocator::DeallocateBuffer",
		slog.String("Type", alloc.Type.String()),
		slog.Int("Size", alloc.Size),
	)

	return nil
}

// MapBuffer maps the allocation's memory and returns the host pointer.
// Mapping an already-mapped allocation returns the existing pointer
// without a second native map call.
func (a *Allocator) MapBuffer(alloc BufferAllocation) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.mapLocked(alloc)
}

func (a *Allocator) mapLocked(alloc BufferAllocation) (unsafe.Pointer, error) {
	record := a.buffers.Resolve(alloc.handle)
	if record == nil {
		return nil, errors.New("attempted to map a stale buffer allocation")
	}

	if record.mappedPtr != nil {
		return record.mappedPtr, nil
	}

	if record.pool != nil {
		return a.mapPooledLocked(record)
	}

	ptr, res, err := record.alloc.Memory.Map(record.alloc.Offset, record.alloc.Size, 0)
	if err != nil {
		a.logger.Error("failed to map buffer memory",
			slog.String("Type", record.alloc.Type.String()),
			slog.String("Result", res.String()),
		)
		return nil, err
	}

	record.mappedPtr = ptr
	return ptr, nil
}

// mapPooledLocked maps the whole pool once and hands out offset pointers,
// since device memory can carry only a single mapping at a time.
func (a *Allocator) mapPooledLocked(record *bufferRecord) (unsafe.Pointer, error) {
	pool := record.pool
	if !pool.hostVisible {
		return nil, errors.Newf("pool of type %s is not host-visible and cannot be mapped", pool.bufferType.String())
	}

	if pool.mappedPtr == nil {
		ptr, res, err := pool.memory.Map(0, pool.size, 0)
		if err != nil {
			a.logger.Error("failed to map pool memory",
				slog.String("Type", pool.bufferType.String()),
				slog.String("Result", res.String()),
			)
			return nil, err
		}
		pool.mappedPtr = ptr
	}

	record.mappedPtr = unsafe.Add(pool.mappedPtr, record.alloc.Offset)
	return record.mappedPtr, nil
}

// UnmapBuffer unmaps the allocation. Unmapping an allocation that is not
// mapped is a safe no-op.
func (a *Allocator) UnmapBuffer(alloc BufferAllocation) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	record := a.buffers.Resolve(alloc.handle)
	if record == nil {
		return errors.New("attempted to unmap a stale buffer allocation")
	}

	if record.mappedPtr == nil {
		return nil
	}

	// Pool memory stays mapped for the pool's lifetime; only the
	// sub-allocation's view is dropped.
	if record.pool == nil {
		record.alloc.Memory.Unmap()
	}
	record.mappedPtr = nil
	record.persistent = false
	return nil
}

// FlushMappedMemory makes host writes in [offset, offset+size) visible to
// the device. When the backing memory is host-coherent this is a no-op,
// so callers may invoke it unconditionally after writing.
func (a *Allocator) FlushMappedMemory(alloc BufferAllocation, offset, size int) (common.VkResult, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	record := a.buffers.Resolve(alloc.handle)
	if record == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to flush a stale buffer allocation")
	}
	if record.coherent {
		return core1_0.VKSuccess, nil
	}

	return a.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		a.mappedRange(record, offset, size),
	})
}

// InvalidateMappedMemory makes device writes in [offset, offset+size)
// visible to the host. No-op for host-coherent memory.
func (a *Allocator) InvalidateMappedMemory(alloc BufferAllocation, offset, size int) (common.VkResult, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	record := a.buffers.Resolve(alloc.handle)
	if record == nil {
		return core1_0.VKErrorUnknown, errors.New("attempted to invalidate a stale buffer allocation")
	}
	if record.coherent {
		return core1_0.VKSuccess, nil
	}

	return a.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		a.mappedRange(record, offset, size),
	})
}

func (a *Allocator) mappedRange(record *bufferRecord, offset, size int) core1_0.MappedMemoryRange {
	// Non-coherent ranges must be aligned to the device's atom size.
	atom := a.nonCoherentAtomSize
	memorySize := record.memorySize
	if record.pool != nil {
		memorySize = record.pool.memorySize
	}
	// Sub-allocation offsets are relative to the start of the memory.
	offset += record.alloc.Offset

	start := alignDown(offset, atom)
	end := alignUp(offset+size, atom)
	if end > memorySize {
		end = memorySize
	}

	return core1_0.MappedMemoryRange{
		Memory: record.alloc.Memory,
		Offset: start,
		Size:   end - start,
	}
}

// UpdateBuffer writes data into a host-visible allocation at offset,
// mapping it if necessary, and flushes the written range.
func (a *Allocator) UpdateBuffer(alloc BufferAllocation, data []byte, offset int) error {
	if len(data) == 0 {
		return nil
	}
	if offset+len(data) > alloc.Size {
		return errors.Newf("write of %d bytes at offset %d overflows a %d-byte buffer", len(data), offset, alloc.Size)
	}

	ptr, err := a.MapBuffer(alloc)
	if err != nil {
		return err
	}

	dst := unsafe.Slice((*byte)(ptr), alloc.Size)
	copy(dst[offset:], data)

	_, err = a.FlushMappedMemory(alloc, offset, len(data))
	return err
}

// CopyBuffer records a buffer-to-buffer copy into commandBuffer. The
// caller owns recording state, submission, and the wait for completion.
func (a *Allocator) CopyBuffer(commandBuffer core1_0.CommandBuffer, src, dst BufferAllocation, size int) error {
	if src.IsNil() || dst.IsNil() {
		return errors.New("attempted to record a copy with a nil buffer allocation")
	}

	commandBuffer.CmdCopyBuffer(src.Buffer, dst.Buffer, []core1_0.BufferCopy{
		{
			SrcOffset: src.Offset,
			DstOffset: dst.Offset,
			Size:      size,
		},
	})
	return nil
}

// DescriptorBufferInfo builds the descriptor-write record for an
// allocation.
func (a *Allocator) DescriptorBufferInfo(alloc BufferAllocation) core1_0.DescriptorBufferInfo {
	return core1_0.DescriptorBufferInfo{
		Buffer: alloc.Buffer,
		Offset: alloc.Offset,
		Range:  alloc.Size,
	}
}

// TotalAllocatedMemory returns the total bytes of live backing memory for
// standalone buffers.
func (a *Allocator) TotalAllocatedMemory() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.totalAllocatedMemory
}

// BufferCount returns the number of live standalone buffers.
func (a *Allocator) BufferCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.bufferCount
}

// AllocationCount returns the number of live allocations, including pool
// sub-allocations.
func (a *Allocator) AllocationCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.allocationCount
}

// Destroy tears down every live allocation and pool. Allocations that were
// never deallocated are logged as leaks before being destroyed.
func (a *Allocator) Destroy() error {
	if !a.initialized {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	leaked := 0
	a.buffers.Range(func(_ handles.Handle, record *bufferRecord) bool {
		if record.pool != nil {
			// Pool sub-allocations are reclaimed with their pool below.
			return true
		}

		leaked++
		if record.mappedPtr != nil {
			record.alloc.Memory.Unmap()
		}
		record.alloc.Buffer.Destroy(nil)
		a.freeMemory(record.alloc.Memory, record.memorySize)
		return true
	})

	if leaked > 0 {
		a.logger.Warn("Allocator::Destroy freed leaked buffers", slog.Int("Count", leaked))
	}

	a.cleanupBufferPoolsLocked()

	a.buffers = handles.Arena[bufferRecord]{}
	a.totalAllocatedMemory = 0
	a.bufferCount = 0
	a.allocationCount = 0
	a.initialized = false

	return nil
}

func (a *Allocator) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	for i, memoryType := range a.memoryTypes {
		typeBit := uint32(1 << i)

		if typeFilter&typeBit != 0 && memoryType.PropertyFlags&properties == properties {
			return i, nil
		}
	}

	return -1, errors.Newf("no memory type satisfies property flags %s", properties.String())
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func alignDown(value, alignment int) int {
	return value - value%alignment
}

func alignUp(value, alignment int) int {
	remainder := value % alignment
	if remainder == 0 {
		return value
	}
	return value + alignment - remainder
}
