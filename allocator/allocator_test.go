package allocator

import (
	"io"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/device/hostdevice"
	"github.com/vkngwrapper/suballoc/memutils"
	"golang.org/x/exp/slog"
)

const (
	deviceLocalType    = 0
	hostCoherentType   = 1
	hostCachedType     = 2
	hostCoherentCached = 3

	mib = 1024 * 1024
)

type AllocatorSetup struct {
	Properties       device.Properties
	ReportBudget     bool
	AllocatorOptions CreateOptions
}

func readyAllocator(t testing.TB, setup AllocatorSetup) (*hostdevice.Device, *Allocator) {
	dev, err := hostdevice.New(hostdevice.Options{
		Properties:   setup.Properties,
		ReportBudget: setup.ReportBudget,
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard))
	allocator, err := New(logger, dev, setup.AllocatorOptions)
	require.NoError(t, err)

	return dev, allocator
}

func destroyAllocator(t testing.TB, dev *hostdevice.Device, allocator *Allocator) {
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, dev.LiveBlockCount())
	require.Equal(t, 0, dev.MappedCount())
}

func checkCorruption(t testing.TB, allocator *Allocator) {
	err := allocator.CheckCorruption(math.MaxUint32)
	if memutils.DebugMargin > 0 {
		require.NoError(t, err)
	} else {
		require.True(t, errors.Is(err, memutils.ErrFeatureNotSupported))
	}
}

func TestNewValidation(t *testing.T) {
	dev, err := hostdevice.New(hostdevice.Options{})
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard))

	_, err = New(nil, dev, CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))

	_, err = New(logger, nil, CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))

	_, err = New(logger, dev, CreateOptions{FrameInUseCount: -1})
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))

	_, err = New(logger, dev, CreateOptions{HeapSizeLimits: []int{mib}})
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))
}

func TestPreferredBlockSize(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	// Heaps of a gigabyte or less use an eighth of the heap
	require.Equal(t, hostdevice.DefaultHeapSize/8, allocator.memoryBlockLists[deviceLocalType].PreferredBlockSize())

	props := hostdevice.DefaultProperties()
	props.MemoryHeaps[0].Size = 4 * 1024 * mib
	largeDev, largeAllocator := readyAllocator(t, AllocatorSetup{
		Properties: props,
		AllocatorOptions: CreateOptions{
			PreferredLargeHeapBlockSize: 64 * mib,
		},
	})
	defer destroyAllocator(t, largeDev, largeAllocator)

	require.Equal(t, 64*mib, largeAllocator.memoryBlockLists[deviceLocalType].PreferredBlockSize())
}

func TestSetCurrentFrameIndex(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	require.NoError(t, allocator.SetCurrentFrameIndex(7))
	require.Equal(t, 7, allocator.CurrentFrameIndex())

	require.True(t, errors.Is(allocator.SetCurrentFrameIndex(-2), memutils.ErrInvalidUsage))
	require.True(t, errors.Is(allocator.SetCurrentFrameIndex(LostFrameIndex), memutils.ErrInvalidUsage))
	require.Equal(t, 7, allocator.CurrentFrameIndex())
}

func TestDestroyWithLiveAllocations(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	var alloc Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageAuto}, &alloc))

	err := allocator.Destroy()
	require.Error(t, err)
	require.Equal(t, 1, dev.LiveBlockCount())

	require.NoError(t, alloc.Free())
	destroyAllocator(t, dev, allocator)
}

func TestDestroyWithLivePool(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})

	pool, err := allocator.CreatePool(PoolCreateInfo{MemoryTypeIndex: hostCoherentType})
	require.NoError(t, err)

	require.True(t, errors.Is(allocator.Destroy(), memutils.ErrInvalidUsage))

	require.NoError(t, pool.Destroy())
	destroyAllocator(t, dev, allocator)
}

func TestMemoryCallbacks(t *testing.T) {
	var allocated, freed int
	var allocatedBytes int

	dev, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{
			MemoryCallbacks: &MemoryCallbackOptions{
				Allocate: func(allocator *Allocator, memoryType int, memory device.Memory, size int, userData any) {
					allocated++
					allocatedBytes += size
					require.Equal(t, "callback data", userData)
					require.Equal(t, memoryType, memory.MemoryTypeIndex())
				},
				Free: func(allocator *Allocator, memoryType int, memory device.Memory, size int, userData any) {
					freed++
				},
				UserData: "callback data",
			},
		},
	})

	var alloc Allocation
	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      4096,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageAuto, Flags: AllocationCreateDedicatedMemory}, &alloc))

	require.Equal(t, 1, allocated)
	require.Equal(t, 4096, allocatedBytes)
	require.Equal(t, 0, freed)

	require.NoError(t, alloc.Free())
	require.Equal(t, 1, freed)

	destroyAllocator(t, dev, allocator)
}

func TestExternallySynchronized(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{Flags: AllocatorCreateExternallySynchronized},
	})
	defer destroyAllocator(t, dev, allocator)

	allocs := make([]Allocation, 4)
	require.NoError(t, allocator.AllocateMemorySlice(&MemoryRequirements{
		Size:      2048,
		Alignment: 16,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateHostAccessSequentialWrite,
	}, allocs))

	for i := range allocs {
		require.Zero(t, allocs[i].Offset()%16)

		mapping, err := allocs[i].Map()
		require.NoError(t, err)
		require.Len(t, mapping.Bytes(), 2048)
		require.NoError(t, mapping.Release())
	}

	require.NoError(t, allocator.FreeMemorySlice(allocs))
}
