package allocator

import (
	"github.com/vkngwrapper/core/v2/core1_0"
)

// BufferType tags a buffer with the role it plays in the frame, which in
// turn fixes its usage flags, residency, and alignment policy.
type BufferType int32

const (
	BufferTypeVertex BufferType = iota
	BufferTypeIndex
	BufferTypeUniform
	BufferTypeStorage
	BufferTypeStaging
	BufferTypeIndirect

	bufferTypeCount
)

var bufferTypeNames = map[BufferType]string{
	BufferTypeVertex:   "Vertex",
	BufferTypeIndex:    "Index",
	BufferTypeUniform:  "Uniform",
	BufferTypeStorage:  "Storage",
	BufferTypeStaging:  "Staging",
	BufferTypeIndirect: "Indirect",
}

func (t BufferType) String() string {
	name, ok := bufferTypeNames[t]
	if !ok {
		return "Unknown"
	}
	return name
}

func (t BufferType) isValid() bool {
	return t >= 0 && t < bufferTypeCount
}

// UsageFlags returns the buffer usage this type is created with.
func (t BufferType) UsageFlags() core1_0.BufferUsageFlags {
	switch t {
	case BufferTypeVertex:
		return core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageTransferDst
	case BufferTypeIndex:
		return core1_0.BufferUsageIndexBuffer | core1_0.BufferUsageTransferDst
	case BufferTypeUniform:
		return core1_0.BufferUsageUniformBuffer
	case BufferTypeStorage:
		return core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageTransferDst
	case BufferTypeStaging:
		return core1_0.BufferUsageTransferSrc
	case BufferTypeIndirect:
		return core1_0.BufferUsageIndirectBuffer | core1_0.BufferUsageTransferDst
	}

	return 0
}

// PropertyFlags returns the memory residency this type requests: Uniform
// and Staging buffers live in host-visible coherent memory so they can be
// persistently mapped, everything else is device-local.
func (t BufferType) PropertyFlags() core1_0.MemoryPropertyFlags {
	switch t {
	case BufferTypeUniform, BufferTypeStaging:
		return core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	case BufferTypeVertex, BufferTypeIndex, BufferTypeStorage, BufferTypeIndirect:
		return core1_0.MemoryPropertyDeviceLocal
	}

	return 0
}
