package allocator

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// MemoryManager abstracts the backing-memory source for buffer
// allocations. Engines that already run a general-purpose GPU memory
// allocator can hand it to CreateOptions.MemoryManager and have every
// buffer draw from it; otherwise the Allocator falls back to direct
// core1_0.Device.AllocateMemory calls.
type MemoryManager interface {
	// Allocate returns device memory of at least size bytes from the
	// given memory type index.
	Allocate(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error)
	// Free returns memory previously handed out by Allocate.
	Free(memory core1_0.DeviceMemory, size int)
}

func (a *Allocator) allocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error) {
	if a.memoryManager != nil {
		return a.memoryManager.Allocate(memoryTypeIndex, size)
	}

	return a.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
}

func (a *Allocator) freeMemory(memory core1_0.DeviceMemory, size int) {
	if a.memoryManager != nil {
		a.memoryManager.Free(memory, size)
		return
	}

	memory.Free(nil)
}
