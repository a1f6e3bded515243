package allocator

import (
	"io"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/golang/mock/gomock"
	"golang.org/x/exp/slog"
)

const (
	deviceLocalTypeIndex = iota
	hostCoherentTypeIndex
	hostCachedTypeIndex
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func testMemoryTypes() []core1_0.MemoryType {
	return []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
			HeapIndex:     0,
		},
		{
			PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			HeapIndex:     1,
		},
		{
			PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached,
			HeapIndex:     1,
		},
	}
}

func testLimits() *core1_0.PhysicalDeviceLimits {
	return &core1_0.PhysicalDeviceLimits{
		MinUniformBufferOffsetAlignment: 64,
		MinStorageBufferOffsetAlignment: 32,
		NonCoherentAtomSize:             64,
		BufferImageGranularity:          1,
		MaxMemoryAllocationCount:        4096,
	}
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller, options CreateOptions) (*mocks.MockDevice, *Allocator) {
	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
		Limits:     testLimits(),
	}, nil)
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: testMemoryTypes(),
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: 1000000000, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: 1000000000},
		},
	}).AnyTimes()

	device := mocks.NewMockDevice(ctrl)

	allocator, err := New(testLogger(), physicalDevice, device, options)
	require.NoError(t, err)

	return device, allocator
}

// expectBufferCreation wires the native calls one AllocateBuffer makes and
// returns the buffer and memory mocks for followup expectations.
func expectBufferCreation(ctrl *gomock.Controller, device *mocks.MockDevice, size, memorySize, memoryTypeIndex int, usage core1_0.BufferUsageFlags) (*mocks.MockBuffer, *mocks.MockDeviceMemory) {
	buffer := mocks.NewMockBuffer(ctrl)
	memory := mocks.EasyMockDeviceMemory(ctrl)

	device.EXPECT().CreateBuffer(gomock.Nil(), core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           memorySize,
		Alignment:      64,
		MemoryTypeBits: 0xffffffff,
	})
	device.EXPECT().AllocateMemory(gomock.Nil(), core1_0.MemoryAllocateInfo{
		AllocationSize:  memorySize,
		MemoryTypeIndex: memoryTypeIndex,
	}).Return(memory, core1_0.VKSuccess, nil)
	buffer.EXPECT().BindBufferMemory(memory, 0).Return(core1_0.VKSuccess, nil)

	return buffer, memory
}

func TestAlignmentRequirements(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, ctrl, CreateOptions{})

	// Uniform alignment is floored at 256 even when the device allows less.
	require.Equal(t, 256, allocator.GetAlignmentRequirement(BufferTypeUniform))
	require.Equal(t, 32, allocator.GetAlignmentRequirement(BufferTypeStorage))
	require.Equal(t, 64, allocator.GetAlignmentRequirement(BufferTypeVertex))
	require.Equal(t, 64, allocator.GetAlignmentRequirement(BufferTypeIndex))
	require.Equal(t, 1, allocator.GetAlignmentRequirement(BufferType(99)))
}

func TestAllocateAndDeallocateBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	buffer, memory := expectBufferCreation(ctrl, device, 1024, 2048, deviceLocalTypeIndex, BufferTypeVertex.UsageFlags())
	buffer.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())

	alloc, err := allocator.AllocateBuffer(BufferTypeVertex, 1024, BufferTypeVertex.UsageFlags(), BufferTypeVertex.PropertyFlags())
	require.NoError(t, err)
	require.False(t, alloc.IsNil())
	require.Equal(t, 1024, alloc.Size)
	require.Equal(t, BufferTypeVertex, alloc.Type)

	require.Equal(t, 1, allocator.BufferCount())
	require.Equal(t, 1, allocator.AllocationCount())
	require.Equal(t, 2048, allocator.TotalAllocatedMemory())

	err = allocator.DeallocateBuffer(alloc)
	require.NoError(t, err)

	require.Equal(t, 0, allocator.BufferCount())
	require.Equal(t, 0, allocator.AllocationCount())
	require.Equal(t, 0, allocator.TotalAllocatedMemory())
}

func TestDeallocateNilIsNoOp(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, ctrl, CreateOptions{})

	require.NoError(t, allocator.DeallocateBuffer(BufferAllocation{}))
}

func TestStaleAllocationRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	buffer, memory := expectBufferCreation(ctrl, device, 512, 512, hostCoherentTypeIndex, BufferTypeUniform.UsageFlags())
	buffer.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())

	alloc, err := allocator.AllocateBuffer(BufferTypeUniform, 512, BufferTypeUniform.UsageFlags(), BufferTypeUniform.PropertyFlags())
	require.NoError(t, err)
	require.NoError(t, allocator.DeallocateBuffer(alloc))

	// Double free and use-after-free fail instead of touching whatever
	// reused the table slot.
	require.Error(t, allocator.DeallocateBuffer(alloc))
	_, err = allocator.MapBuffer(alloc)
	require.Error(t, err)
	require.Error(t, allocator.UnmapBuffer(alloc))
}

func TestMapBufferIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	_, memory := expectBufferCreation(ctrl, device, 256, 256, hostCoherentTypeIndex, BufferTypeUniform.UsageFlags())

	data := make([]byte, 256)
	dataPtr := unsafe.Pointer(&data[0])
	memory.EXPECT().Map(0, 256, core1_0.MemoryMapFlags(0)).Return(dataPtr, core1_0.VKSuccess, nil)

	alloc, err := allocator.AllocateBuffer(BufferTypeUniform, 256, BufferTypeUniform.UsageFlags(), BufferTypeUniform.PropertyFlags())
	require.NoError(t, err)

	ptr, err := allocator.MapBuffer(alloc)
	require.NoError(t, err)
	require.Equal(t, dataPtr, ptr)

	// The second map returns the existing pointer with no native call.
	again, err := allocator.MapBuffer(alloc)
	require.NoError(t, err)
	require.Equal(t, ptr, again)
}

func TestUnmapWithoutMapIsNoOp(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	expectBufferCreation(ctrl, device, 256, 256, hostCoherentTypeIndex, BufferTypeUniform.UsageFlags())

	alloc, err := allocator.AllocateBuffer(BufferTypeUniform, 256, BufferTypeUniform.UsageFlags(), BufferTypeUniform.PropertyFlags())
	require.NoError(t, err)

	require.NoError(t, allocator.UnmapBuffer(alloc))
}

func TestFlushCoherentMemorySkipsNativeCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	expectBufferCreation(ctrl, device, 256, 256, hostCoherentTypeIndex, BufferTypeUniform.UsageFlags())

	alloc, err := allocator.AllocateBuffer(BufferTypeUniform, 256, BufferTypeUniform.UsageFlags(), BufferTypeUniform.PropertyFlags())
	require.NoError(t, err)

	res, err := allocator.FlushMappedMemory(alloc, 0, 256)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	res, err = allocator.InvalidateMappedMemory(alloc, 0, 256)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
}

func TestFlushNonCoherentAlignsToAtomSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	_, memory := expectBufferCreation(ctrl, device, 1024, 1024, hostCachedTypeIndex, core1_0.BufferUsageTransferSrc)

	alloc, err := allocator.AllocateBuffer(BufferTypeStaging, 1024, core1_0.BufferUsageTransferSrc,
		core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCached)
	require.NoError(t, err)

	// A 100-byte flush at offset 10 expands to the surrounding 64-byte
	// atoms: [0, 128).
	device.EXPECT().FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 0,
			Size:   128,
		},
	}).Return(core1_0.VKSuccess, nil)

	_, err = allocator.FlushMappedMemory(alloc, 10, 100)
	require.NoError(t, err)

	// A flush near the end clamps to the memory size.
	device.EXPECT().InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: memory,
			Offset: 960,
			Size:   64,
		},
	}).Return(core1_0.VKSuccess, nil)

	_, err = allocator.InvalidateMappedMemory(alloc, 1000, 24)
	require.NoError(t, err)
}

func TestUpdateBuffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	_, memory := expectBufferCreation(ctrl, device, 256, 256, hostCoherentTypeIndex, BufferTypeUniform.UsageFlags())

	backing := make([]byte, 256)
	memory.EXPECT().Map(0, 256, core1_0.MemoryMapFlags(0)).Return(unsafe.Pointer(&backing[0]), core1_0.VKSuccess, nil)

	alloc, err := allocator.AllocateBuffer(BufferTypeUniform, 256, BufferTypeUniform.UsageFlags(), BufferTypeUniform.PropertyFlags())
	require.NoError(t, err)

	err = allocator.UpdateBuffer(alloc, []byte{1, 2, 3, 4}, 16)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, backing[16:20])

	err = allocator.UpdateBuffer(alloc, make([]byte, 300), 0)
	require.Error(t, err)
}

func TestAllocateBufferRejectsBadArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, ctrl, CreateOptions{})

	_, err := allocator.AllocateBuffer(BufferTypeVertex, 0, BufferTypeVertex.UsageFlags(), BufferTypeVertex.PropertyFlags())
	require.Error(t, err)

	_, err = allocator.AllocateBuffer(BufferType(42), 128, 0, 0)
	require.Error(t, err)
}

func TestNoMatchingMemoryType(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	buffer := mocks.NewMockBuffer(ctrl)
	device.EXPECT().CreateBuffer(gomock.Nil(), gomock.Any()).Return(buffer, core1_0.VKSuccess, nil)
	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           128,
		Alignment:      64,
		MemoryTypeBits: 0xffffffff,
	})
	buffer.EXPECT().Destroy(gomock.Nil())

	_, err := allocator.AllocateBuffer(BufferTypeVertex, 128, BufferTypeVertex.UsageFlags(),
		core1_0.MemoryPropertyLazilyAllocated)
	require.Error(t, err)
	require.Equal(t, 0, allocator.BufferCount())
}

func TestDestroyFreesLeakedBuffers(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	buffer, memory := expectBufferCreation(ctrl, device, 1024, 1024, deviceLocalTypeIndex, BufferTypeVertex.UsageFlags())
	buffer.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())

	_, err := allocator.AllocateBuffer(BufferTypeVertex, 1024, BufferTypeVertex.UsageFlags(), BufferTypeVertex.PropertyFlags())
	require.NoError(t, err)

	require.NoError(t, allocator.Destroy())

	// The allocator refuses work after teardown.
	_, err = allocator.AllocateBuffer(BufferTypeVertex, 1024, BufferTypeVertex.UsageFlags(), BufferTypeVertex.PropertyFlags())
	require.Error(t, err)
}

type recordingMemoryManager struct {
	device     core1_0.Device
	allocs     int
	frees      int
	totalBytes int
}

func (m *recordingMemoryManager) Allocate(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error) {
	m.allocs++
	m.totalBytes += size
	return m.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
}

func (m *recordingMemoryManager) Free(memory core1_0.DeviceMemory, size int) {
	m.frees++
	m.totalBytes -= size
	memory.Free(nil)
}

func TestMemoryManagerReceivesTraffic(t *testing.T) {
	ctrl := gomock.NewController(t)

	physicalDevice := mocks.NewMockPhysicalDevice(ctrl)
	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		Limits: testLimits(),
	}, nil)
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: testMemoryTypes(),
	}).AnyTimes()

	device := mocks.NewMockDevice(ctrl)
	manager := &recordingMemoryManager{device: device}

	allocator, err := New(testLogger(), physicalDevice, device, CreateOptions{MemoryManager: manager})
	require.NoError(t, err)

	buffer, memory := expectBufferCreation(ctrl, device, 512, 512, deviceLocalTypeIndex, BufferTypeVertex.UsageFlags())
	buffer.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())

	alloc, err := allocator.AllocateBuffer(BufferTypeVertex, 512, BufferTypeVertex.UsageFlags(), BufferTypeVertex.PropertyFlags())
	require.NoError(t, err)
	require.Equal(t, 1, manager.allocs)
	require.Equal(t, 512, manager.totalBytes)

	require.NoError(t, allocator.DeallocateBuffer(alloc))
	require.Equal(t, 1, manager.frees)
	require.Equal(t, 0, manager.totalBytes)
}
