package allocator

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/golang/mock/gomock"
)

func readyPool(t *testing.T, ctrl *gomock.Controller, bufferType BufferType, size int) (*mocks.MockDevice, *mocks.MockDeviceMemory, *Allocator, *BufferPool) {
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	memoryTypeIndex := deviceLocalTypeIndex
	if bufferType.PropertyFlags()&core1_0.MemoryPropertyHostVisible != 0 {
		memoryTypeIndex = hostCoherentTypeIndex
	}

	buffer, memory := expectBufferCreation(ctrl, device, size, size, memoryTypeIndex, bufferType.UsageFlags())
	buffer.EXPECT().Destroy(gomock.Nil()).AnyTimes()
	memory.EXPECT().Free(gomock.Nil()).AnyTimes()

	pool, err := allocator.CreateBufferPool(bufferType, size)
	require.NoError(t, err)

	return device, memory, allocator, pool
}

func TestPoolAllocationsAreAligned(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, allocator, pool := readyPool(t, ctrl, BufferTypeUniform, 4096)

	first, err := allocator.AllocateFromSpecificPool(pool, 100)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset)
	require.True(t, first.Pooled())

	// 100 bytes round up to the 256-byte uniform alignment.
	second, err := allocator.AllocateFromSpecificPool(pool, 100)
	require.NoError(t, err)
	require.Equal(t, 256, second.Offset)

	require.Equal(t, 356, pool.Used())
	require.Equal(t, 2, pool.AllocationCount())
	require.Equal(t, 2, allocator.AllocationCount())
}

func TestAllocateFromPoolScansPoolsInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	firstBuffer, firstMemory := expectBufferCreation(ctrl, device, 1024, 1024,
		hostCoherentTypeIndex, BufferTypeUniform.UsageFlags())
	firstPool, err := allocator.CreateBufferPool(BufferTypeUniform, 1024)
	require.NoError(t, err)

	secondBuffer, secondMemory := expectBufferCreation(ctrl, device, 4096, 4096,
		hostCoherentTypeIndex, BufferTypeUniform.UsageFlags())
	secondPool, err := allocator.CreateBufferPool(BufferTypeUniform, 4096)
	require.NoError(t, err)

	first, err := allocator.AllocateFromPool(BufferTypeUniform, 1000)
	require.NoError(t, err)
	require.Equal(t, firstPool.buffer, first.Buffer)
	require.Equal(t, 1000, firstPool.Used())

	// The first pool cannot fit another 512 bytes, so the request falls
	// through to the second pool.
	second, err := allocator.AllocateFromPool(BufferTypeUniform, 512)
	require.NoError(t, err)
	require.Equal(t, secondPool.buffer, second.Buffer)
	require.Equal(t, 0, second.Offset)
	require.Equal(t, 512, secondPool.Used())

	_, err = allocator.AllocateFromPool(BufferTypeUniform, 8192)
	require.ErrorIs(t, err, ErrPoolExhausted)

	// A type with no pools at all is exhausted outright.
	_, err = allocator.AllocateFromPool(BufferTypeVertex, 64)
	require.ErrorIs(t, err, ErrPoolExhausted)

	_, err = allocator.AllocateFromPool(BufferType(99), 64)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPoolExhausted)

	firstBuffer.EXPECT().Destroy(gomock.Nil())
	firstMemory.EXPECT().Free(gomock.Nil())
	secondBuffer.EXPECT().Destroy(gomock.Nil())
	secondMemory.EXPECT().Free(gomock.Nil())
	allocator.CleanupBufferPools()
}

func TestPoolExhaustion(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, allocator, pool := readyPool(t, ctrl, BufferTypeUniform, 1024)

	_, err := allocator.AllocateFromSpecificPool(pool, 1000)
	require.NoError(t, err)

	_, err = allocator.AllocateFromSpecificPool(pool, 512)
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPoolFreeDoesNotReclaimSpace(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, allocator, pool := readyPool(t, ctrl, BufferTypeUniform, 1024)

	alloc, err := allocator.AllocateFromSpecificPool(pool, 512)
	require.NoError(t, err)

	require.NoError(t, allocator.DeallocateFromPool(alloc))
	require.Equal(t, 0, pool.AllocationCount())

	// The bump offset only rewinds on ResetPool.
	require.Equal(t, 512, pool.Used())
	_, err = allocator.AllocateFromSpecificPool(pool, 1024)
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, allocator.ResetPool(pool))
	require.Equal(t, 0, pool.Used())

	_, err = allocator.AllocateFromSpecificPool(pool, 1024)
	require.NoError(t, err)
}

func TestResetPoolInvalidatesOutstandingAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, allocator, pool := readyPool(t, ctrl, BufferTypeUniform, 1024)

	alloc, err := allocator.AllocateFromSpecificPool(pool, 256)
	require.NoError(t, err)

	require.NoError(t, allocator.ResetPool(pool))

	_, err = allocator.MapBuffer(alloc)
	require.Error(t, err)
	require.Error(t, allocator.DeallocateFromPool(alloc))
	require.Equal(t, 0, allocator.AllocationCount())
}

func TestPooledMappingSharesOneNativeMap(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, memory, allocator, pool := readyPool(t, ctrl, BufferTypeUniform, 4096)

	backing := make([]byte, 4096)
	base := unsafe.Pointer(&backing[0])
	memory.EXPECT().Map(0, 4096, core1_0.MemoryMapFlags(0)).Return(base, core1_0.VKSuccess, nil)

	first, err := allocator.AllocateFromSpecificPool(pool, 256)
	require.NoError(t, err)
	second, err := allocator.AllocateFromSpecificPool(pool, 256)
	require.NoError(t, err)

	firstPtr, err := allocator.MapBuffer(first)
	require.NoError(t, err)
	require.Equal(t, base, firstPtr)

	// The second sub-allocation reuses the pool mapping at its offset.
	secondPtr, err := allocator.MapBuffer(second)
	require.NoError(t, err)
	require.Equal(t, unsafe.Add(base, 256), secondPtr)

	// Unmapping a sub-allocation leaves the pool mapped.
	require.NoError(t, allocator.UnmapBuffer(first))
}

func TestDeviceLocalPoolCannotBeMapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, _, allocator, pool := readyPool(t, ctrl, BufferTypeVertex, 4096)

	alloc, err := allocator.AllocateFromSpecificPool(pool, 256)
	require.NoError(t, err)

	_, err = allocator.MapBuffer(alloc)
	require.Error(t, err)
}

func TestCleanupBufferPools(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, memory, allocator, pool := readyPool(t, ctrl, BufferTypeUniform, 4096)

	backing := make([]byte, 4096)
	memory.EXPECT().Map(0, 4096, core1_0.MemoryMapFlags(0)).Return(unsafe.Pointer(&backing[0]), core1_0.VKSuccess, nil)
	memory.EXPECT().Unmap()

	alloc, err := allocator.AllocateFromSpecificPool(pool, 256)
	require.NoError(t, err)
	_, err = allocator.MapBuffer(alloc)
	require.NoError(t, err)

	allocator.CleanupBufferPools()

	require.Equal(t, 0, allocator.BufferCount())
	require.Equal(t, 0, allocator.AllocationCount())
	require.Equal(t, 0, allocator.TotalAllocatedMemory())
}

func TestCreateBufferPoolDefaultSizes(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, CreateOptions{})

	buffer, memory := expectBufferCreation(ctrl, device, defaultUniformPoolSize, defaultUniformPoolSize,
		hostCoherentTypeIndex, BufferTypeUniform.UsageFlags())
	buffer.EXPECT().Destroy(gomock.Nil())
	memory.EXPECT().Free(gomock.Nil())

	pool, err := allocator.CreateBufferPool(BufferTypeUniform, 0)
	require.NoError(t, err)
	require.Equal(t, defaultUniformPoolSize, pool.Size())
	require.Equal(t, BufferTypeUniform, pool.BufferType())

	allocator.CleanupBufferPools()
}
