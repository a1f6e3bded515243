package allocator

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// CreateVertexBuffer creates a device-local vertex buffer. When data is
// non-nil it is written through a temporary staging buffer; the staging
// buffer is always destroyed before returning, whether or not the upload
// succeeds.
func (a *Allocator) CreateVertexBuffer(size int, data []byte) (BufferAllocation, error) {
	return a.createDeviceLocalBuffer(BufferTypeVertex, size, data)
}

// CreateIndexBuffer creates a device-local index buffer, staging initial
// data the same way CreateVertexBuffer does.
func (a *Allocator) CreateIndexBuffer(size int, data []byte) (BufferAllocation, error) {
	return a.createDeviceLocalBuffer(BufferTypeIndex, size, data)
}

// CreateIndirectBuffer creates a device-local buffer for indirect draw
// parameters.
func (a *Allocator) CreateIndirectBuffer(size int, data []byte) (BufferAllocation, error) {
	return a.createDeviceLocalBuffer(BufferTypeIndirect, size, data)
}

// CreateStorageBuffer creates a device-local storage buffer.
func (a *Allocator) CreateStorageBuffer(size int) (BufferAllocation, error) {
	return a.AllocateBuffer(BufferTypeStorage, size, BufferTypeStorage.UsageFlags(), BufferTypeStorage.PropertyFlags())
}

// CreateUniformBuffer creates a host-visible uniform buffer and maps it
// persistently. The returned allocation carries the mapped pointer for
// per-frame writes; it stays mapped until deallocation.
func (a *Allocator) CreateUniformBuffer(size int) (BufferAllocation, error) {
	return a.createPersistentlyMapped(BufferTypeUniform, size)
}

// CreateStagingBuffer creates a host-visible transfer source and maps it
// persistently.
func (a *Allocator) CreateStagingBuffer(size int) (BufferAllocation, error) {
	return a.createPersistentlyMapped(BufferTypeStaging, size)
}

func (a *Allocator) createPersistentlyMapped(bufferType BufferType, size int) (BufferAllocation, error) {
	alloc, err := a.AllocateBuffer(bufferType, size, bufferType.UsageFlags(), bufferType.PropertyFlags())
	if err != nil {
		return BufferAllocation{}, err
	}

	ptr, err := a.MapBuffer(alloc)
	if err != nil {
		deallocErr := a.DeallocateBuffer(alloc)
		if deallocErr != nil {
			a.logger.Error("failed to deallocate buffer after a failed persistent map",
				slog.String("Type", bufferType.String()),
			)
		}
		return BufferAllocation{}, err
	}

	a.mutex.Lock()
	record := a.buffers.Resolve(alloc.handle)
	record.persistent = true
	record.alloc.MappedPtr = ptr
	record.alloc.PersistentMapping = true
	a.mutex.Unlock()

	alloc.MappedPtr = ptr
	alloc.PersistentMapping = true
	return alloc, nil
}

func (a *Allocator) createDeviceLocalBuffer(bufferType BufferType, size int, data []byte) (BufferAllocation, error) {
	alloc, err := a.AllocateBuffer(bufferType, size, bufferType.UsageFlags(), bufferType.PropertyFlags())
	if err != nil {
		return BufferAllocation{}, err
	}

	if data == nil {
		return alloc, nil
	}
	if len(data) > size {
		deallocErr := a.DeallocateBuffer(alloc)
		return BufferAllocation{}, errors.CombineErrors(
			errors.Newf("initial data of %d bytes overflows a %d-byte buffer", len(data), size),
			deallocErr,
		)
	}

	staging, err := a.CreateStagingBuffer(len(data))
	if err != nil {
		deallocErr := a.DeallocateBuffer(alloc)
		return BufferAllocation{}, errors.CombineErrors(err, deallocErr)
	}
	defer func() {
		stagingErr := a.DeallocateBuffer(staging)
		if stagingErr != nil {
			a.logger.Error("failed to destroy the staging buffer after an upload",
				slog.String("Type", bufferType.String()),
			)
		}
	}()

	err = a.UpdateBuffer(staging, data, 0)
	if err != nil {
		deallocErr := a.DeallocateBuffer(alloc)
		return BufferAllocation{}, errors.CombineErrors(err, deallocErr)
	}

	if a.upload != nil {
		err = a.upload(staging, alloc, len(data))
		if err != nil {
			deallocErr := a.DeallocateBuffer(alloc)
			return BufferAllocation{}, errors.CombineErrors(err, deallocErr)
		}
	}

	return alloc, nil
}
