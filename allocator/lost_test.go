package allocator

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

const losableFlags = AllocationCreateCanBecomeLost | AllocationCreateHostAccessRandom

func TestMakeOtherLost(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: hostCoherentType,
		BlockSize:       1024,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	allocs := make([]Allocation, 3)
	for i := range allocs {
		require.NoError(t, allocateFromPool(t, allocator, pool, 300, losableFlags, &allocs[i]))
		require.True(t, allocs[i].CanBecomeLost())
		require.Equal(t, 0, allocs[i].LastUseFrameIndex())
	}

	require.NoError(t, allocator.SetCurrentFrameIndex(1))
	require.True(t, allocs[0].Touch())
	require.Equal(t, 1, allocs[0].LastUseFrameIndex())

	// Without permission to evict, the pool is simply full
	var evicting Allocation
	err = allocateFromPool(t, allocator, pool, 400, 0, &evicting)
	require.True(t, errors.Is(err, memutils.ErrOutOfDeviceMemory))

	require.NoError(t, allocateFromPool(t, allocator, pool, 400, AllocationCreateCanMakeOtherLost, &evicting))
	require.False(t, evicting.CanBecomeLost())
	require.False(t, allocs[0].IsLost())
	require.False(t, allocs[1].IsLost())
	require.True(t, allocs[2].IsLost())
	require.False(t, allocs[2].Touch())

	var stats memutils.Statistics
	pool.Statistics(&stats)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 1000, stats.AllocationBytes)

	// Freeing a lost allocation only releases the object
	require.NoError(t, allocs[2].Free())
	require.False(t, allocs[2].isPopulated())
	pool.Statistics(&stats)
	require.Equal(t, 3, stats.AllocationCount)

	mapping, err := allocs[1].Map()
	require.NoError(t, err)

	require.NoError(t, allocator.SetCurrentFrameIndex(5))

	// Mapped allocations are never made lost
	count, err := pool.MakeAllocationsLost()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.True(t, allocs[0].IsLost())
	require.False(t, allocs[1].IsLost())

	require.NoError(t, mapping.Release())
	count, err = pool.MakeAllocationsLost()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.True(t, allocs[1].IsLost())

	pool.Statistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 400, stats.AllocationBytes)

	require.NoError(t, allocs[0].Free())
	require.NoError(t, allocs[1].Free())
	require.NoError(t, evicting.Free())
	require.NoError(t, pool.Destroy())
}

func TestFrameInUseCount(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{FrameInUseCount: 2},
	})
	defer destroyAllocator(t, dev, allocator)

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: hostCoherentType,
		BlockSize:       4096,
	})
	require.NoError(t, err)

	var alloc Allocation
	require.NoError(t, allocator.SetCurrentFrameIndex(3))
	require.NoError(t, allocateFromPool(t, allocator, pool, 512, losableFlags, &alloc))
	require.Equal(t, 3, alloc.LastUseFrameIndex())

	require.NoError(t, allocator.SetCurrentFrameIndex(5))
	count, err := pool.MakeAllocationsLost()
	require.NoError(t, err)
	require.Zero(t, count)
	require.True(t, alloc.Touch())

	require.NoError(t, allocator.SetCurrentFrameIndex(8))
	count, err = pool.MakeAllocationsLost()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.True(t, alloc.IsLost())

	_, err = alloc.Map()
	require.Error(t, err)

	require.NoError(t, alloc.Free())
	require.NoError(t, pool.Destroy())
}

func TestLostAllocationsReleaseBudget(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{ReportBudget: true})
	defer destroyAllocator(t, dev, allocator)

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: hostCoherentType,
		BlockSize:       mib,
	})
	require.NoError(t, err)

	allocs := make([]Allocation, 4)
	for i := range allocs {
		require.NoError(t, allocateFromPool(t, allocator, pool, 64*1024, losableFlags, &allocs[i]))
	}

	heapIndex := allocs[0].heapIndex()
	before := allocator.HeapBudgets()[heapIndex]
	require.Equal(t, 4, before.Statistics.AllocationCount)

	require.NoError(t, allocator.SetCurrentFrameIndex(1))
	count, err := pool.MakeAllocationsLost()
	require.NoError(t, err)
	require.Equal(t, 4, count)

	after := allocator.HeapBudgets()[heapIndex]
	require.Zero(t, after.Statistics.AllocationCount)
	require.Zero(t, after.Statistics.AllocationBytes)
	require.Equal(t, before.Statistics.BlockBytes, after.Statistics.BlockBytes)

	for i := range allocs {
		require.NoError(t, allocs[i].Free())
	}
	require.NoError(t, pool.Destroy())
}

// contendedMetadata runs a callback around each attempt to make victims lost, so that a victim
// can be mapped by "another thread" after it was chosen
type contendedMetadata struct {
	metadata.BlockMetadata

	beforeMakeLost func(attempt int)
	afterMakeLost  func(attempt int)
	victimCounts   []int
}

func (m *contendedMetadata) MakeRequestedAllocationsLost(request *metadata.AllocationRequest, eviction metadata.EvictionParams) (bool, error) {
	attempt := len(m.victimCounts)
	m.victimCounts = append(m.victimCounts, request.ItemsToMakeLostCount)

	if m.beforeMakeLost != nil {
		m.beforeMakeLost(attempt)
	}
	defer func() {
		if m.afterMakeLost != nil {
			m.afterMakeLost(attempt)
		}
	}()

	return m.BlockMetadata.MakeRequestedAllocationsLost(request, eviction)
}

// evictionPool holds two losable 300 byte allocations followed by one that can never be lost, in a
// pool with a single 1024 byte block
func evictionPool(t *testing.T, allocator *Allocator) (*Pool, []Allocation, *contendedMetadata) {
	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: hostCoherentType,
		BlockSize:       1024,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	allocs := make([]Allocation, 3)
	require.NoError(t, allocateFromPool(t, allocator, pool, 300, losableFlags, &allocs[0]))
	require.NoError(t, allocateFromPool(t, allocator, pool, 300, losableFlags, &allocs[1]))
	require.NoError(t, allocateFromPool(t, allocator, pool, 300, AllocationCreateHostAccessRandom, &allocs[2]))

	block := pool.blockList.blocks[0]
	contended := &contendedMetadata{BlockMetadata: block.metadata}
	block.metadata = contended

	require.NoError(t, allocator.SetCurrentFrameIndex(10))
	return pool, allocs, contended
}

func TestMakeOtherLostSkipsMappedVictims(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: hostCoherentType,
		BlockSize:       1024,
		MaxBlockCount:   1,
	})
	require.NoError(t, err)

	allocs := make([]Allocation, 3)
	for i := range allocs {
		require.NoError(t, allocateFromPool(t, allocator, pool, 300, losableFlags, &allocs[i]))
	}

	mapping, err := allocs[2].Map()
	require.NoError(t, err)
	require.False(t, allocs[2].CanBecomeLost())

	require.NoError(t, allocator.SetCurrentFrameIndex(10))

	// The cheapest placement would only evict the mapped allocation
	var evicting Allocation
	require.NoError(t, allocateFromPool(t, allocator, pool, 400, AllocationCreateCanMakeOtherLost, &evicting))
	require.Equal(t, 0, evicting.Offset())
	require.True(t, allocs[0].IsLost())
	require.True(t, allocs[1].IsLost())
	require.False(t, allocs[2].IsLost())

	require.NoError(t, mapping.Release())
	require.True(t, allocs[2].CanBecomeLost())

	for i := range allocs {
		require.NoError(t, allocs[i].Free())
	}
	require.NoError(t, evicting.Free())
	require.NoError(t, pool.Destroy())
}

func TestMakeOtherLostRetriesAfterContention(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	pool, allocs, contended := evictionPool(t, allocator)

	// The second victim is mapped during the first attempt only
	contended.beforeMakeLost = func(attempt int) {
		if attempt == 0 {
			allocs[1].mapCount.Store(1)
		}
	}
	contended.afterMakeLost = func(attempt int) {
		allocs[1].mapCount.Store(0)
	}

	var evicting Allocation
	require.NoError(t, allocateFromPool(t, allocator, pool, 600, AllocationCreateCanMakeOtherLost, &evicting))
	require.Equal(t, 0, evicting.Offset())

	// The first victim stayed lost across the retry, so only one was left to evict
	require.Equal(t, []int{2, 1}, contended.victimCounts)
	require.True(t, allocs[0].IsLost())
	require.True(t, allocs[1].IsLost())
	require.False(t, allocs[2].IsLost())

	var stats memutils.Statistics
	pool.Statistics(&stats)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 900, stats.AllocationBytes)

	for i := range allocs {
		require.NoError(t, allocs[i].Free())
	}
	require.NoError(t, evicting.Free())
	require.NoError(t, pool.Destroy())
}

func TestMakeOtherLostGivesUpUnderContention(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	pool, allocs, contended := evictionPool(t, allocator)

	contended.beforeMakeLost = func(attempt int) {
		allocs[1].mapCount.Store(1)
	}
	contended.afterMakeLost = func(attempt int) {
		allocs[1].mapCount.Store(0)
	}

	var evicting Allocation
	err := allocateFromPool(t, allocator, pool, 600, AllocationCreateCanMakeOtherLost, &evicting)
	require.True(t, errors.Is(err, memutils.ErrTooManyContendingAllocations), "%+v", err)
	require.False(t, evicting.isPopulated())
	require.Len(t, contended.victimCounts, AllocationTryCount)
	require.Equal(t, 2, contended.victimCounts[0])
	for _, count := range contended.victimCounts[1:] {
		require.Equal(t, 1, count)
	}

	// Victims made lost before the contended one are not restored
	require.True(t, allocs[0].IsLost())
	require.False(t, allocs[1].IsLost())
	require.True(t, allocs[1].Touch())

	var stats memutils.Statistics
	pool.Statistics(&stats)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 600, stats.AllocationBytes)

	for i := range allocs {
		require.NoError(t, allocs[i].Free())
	}
	require.NoError(t, pool.Destroy())
}
