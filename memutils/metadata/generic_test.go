package metadata_test

import (
	"math"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

func allocGeneric(t *testing.T, md metadata.BlockMetadata, size int, alignment uint, userData any) metadata.AllocationRequest {
	success, req, err := md.CreateAllocationRequest(size, alignment, false, 1, metadata.AllocationStrategyMinMemory, math.MaxInt, nil)
	require.NoError(t, err)
	require.True(t, success)

	err = md.Alloc(req, 1, userData)
	require.NoError(t, err)
	require.NoError(t, md.Validate())
	return req
}

func TestGenericBasicAlloc(t *testing.T) {
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	generic.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: 1000,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)
	require.True(t, generic.IsEmpty())

	req := allocGeneric(t, generic, 100, 1, "alloc1")
	require.Equal(t, 0, req.Offset)

	stats.Clear()
	generic.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	userData, err := generic.AllocationUserData(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, "alloc1", userData)

	offset, err := generic.AllocationOffset(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	require.NoError(t, generic.Free(req.BlockAllocationHandle))
	require.NoError(t, generic.Validate())
	require.True(t, generic.IsEmpty())
	require.Equal(t, 1000, generic.SumFreeSize())
	require.Equal(t, 1, generic.FreeRegionsCount())

	require.Error(t, generic.Free(req.BlockAllocationHandle))
}

func TestGenericAlignment(t *testing.T) {
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(1024)

	first := allocGeneric(t, generic, 10, 1, nil)
	require.Equal(t, 0, first.Offset)

	second := allocGeneric(t, generic, 100, 64, nil)
	require.Equal(t, 64, second.Offset)

	// The gap left by the alignment is reused by small requests
	third := allocGeneric(t, generic, 8, 1, nil)
	require.Equal(t, 10, third.Offset)

	require.Equal(t, 3, generic.AllocationCount())
	require.Equal(t, 2, generic.FreeRegionsCount())
	require.Equal(t, 1024-118, generic.SumFreeSize())
}

func TestGenericMergesNeighbors(t *testing.T) {
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(1000)

	var reqs []metadata.AllocationRequest
	for i := 0; i < 5; i++ {
		reqs = append(reqs, allocGeneric(t, generic, 100, 1, i))
	}

	require.NoError(t, generic.Free(reqs[1].BlockAllocationHandle))
	require.NoError(t, generic.Free(reqs[3].BlockAllocationHandle))
	require.Equal(t, 3, generic.FreeRegionsCount())

	require.NoError(t, generic.Free(reqs[2].BlockAllocationHandle))
	require.NoError(t, generic.Validate())
	require.Equal(t, 2, generic.FreeRegionsCount())

	// Best fit lands in the merged 300-byte hole rather than the 500-byte tail
	req := allocGeneric(t, generic, 250, 1, nil)
	require.Equal(t, 100, req.Offset)

	var regions int
	err := generic.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, regions)
}

func TestGenericStrategies(t *testing.T) {
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(1000)

	var reqs []metadata.AllocationRequest
	for i := 0; i < 4; i++ {
		reqs = append(reqs, allocGeneric(t, generic, 100, 1, i))
	}

	// Leaves holes of 100 at 0, 100 at 200, and 600 at 400
	require.NoError(t, generic.Free(reqs[0].BlockAllocationHandle))
	require.NoError(t, generic.Free(reqs[2].BlockAllocationHandle))

	success, req, err := generic.CreateAllocationRequest(50, 1, false, 1, metadata.AllocationStrategyMinOffset, math.MaxInt, nil)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, req.Offset)

	success, req, err = generic.CreateAllocationRequest(50, 1, false, 1, metadata.AllocationStrategyMinTime, math.MaxInt, nil)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 400, req.Offset)

	success, _, err = generic.CreateAllocationRequest(50, 1, false, 1, metadata.AllocationStrategyMinOffset, 0, nil)
	require.NoError(t, err)
	require.False(t, success)

	success, _, err = generic.CreateAllocationRequest(700, 1, false, 1, metadata.AllocationStrategyMinMemory, math.MaxInt, nil)
	require.NoError(t, err)
	require.False(t, success)
	require.False(t, generic.MayHaveFreeBlock(1, 700))
	require.True(t, generic.MayHaveFreeBlock(1, 600))
}

func TestGenericInvalidRequests(t *testing.T) {
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(1000)

	_, _, err := generic.CreateAllocationRequest(0, 1, false, 1, metadata.AllocationStrategyMinMemory, math.MaxInt, nil)
	require.Error(t, err)

	_, _, err = generic.CreateAllocationRequest(10, 1, false, 0, metadata.AllocationStrategyMinMemory, math.MaxInt, nil)
	require.Error(t, err)

	_, _, err = generic.CreateAllocationRequest(10, 1, true, 1, metadata.AllocationStrategyMinMemory, math.MaxInt, nil)
	require.True(t, cerrors.Is(err, memutils.ErrFeatureNotSupported))
}

func TestGenericIteration(t *testing.T) {
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(1000)

	handle, err := generic.AllocationListBegin()
	require.NoError(t, err)
	require.Equal(t, metadata.NoAllocation, handle)

	var expected []int
	for i := 0; i < 4; i++ {
		req := allocGeneric(t, generic, 64, 1, i)
		expected = append(expected, req.Offset)
	}

	req, err := generic.AllocationListBegin()
	require.NoError(t, err)

	var offsets []int
	for req != metadata.NoAllocation {
		offset, err := generic.AllocationOffset(req)
		require.NoError(t, err)
		offsets = append(offsets, offset)

		req, err = generic.FindNextAllocation(req)
		require.NoError(t, err)
	}
	require.Equal(t, expected, offsets)

	first, err := generic.AllocationListBegin()
	require.NoError(t, err)
	require.NoError(t, generic.SetAllocationUserData(first, "replaced"))
	userData, err := generic.AllocationUserData(first)
	require.NoError(t, err)
	require.Equal(t, "replaced", userData)

	generic.Clear()
	require.NoError(t, generic.Validate())
	require.True(t, generic.IsEmpty())
	require.Equal(t, 1000, generic.SumFreeSize())
}

func TestGenericEviction(t *testing.T) {
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(1000)

	victims := make([]*metadata.FakeLostAllocation, 10)
	for i := range victims {
		victims[i] = &metadata.FakeLostAllocation{Evictable: true}
		allocGeneric(t, generic, 100, 1, victims[i])
	}
	require.Equal(t, 0, generic.SumFreeSize())

	eviction := metadata.EvictionParams{
		CanMakeOtherLost:  true,
		CurrentFrameIndex: 10,
		FrameInUseCount:   2,
	}

	// Without permission nothing is proposed
	success, _, err := generic.CreateAllocationRequest(250, 1, false, 1, metadata.AllocationStrategyMinMemory, math.MaxInt, nil)
	require.NoError(t, err)
	require.False(t, success)

	success, req, err := generic.CreateAllocationRequest(250, 1, false, 1, metadata.AllocationStrategyMinMemory, math.MaxInt, &eviction)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, req.Offset)
	require.Equal(t, 3, req.ItemsToMakeLostCount)
	require.Equal(t, 300, req.SumItemSize)
	require.Equal(t, 300+3*metadata.LostAllocationCost, req.CalcCost())

	require.Error(t, generic.Alloc(req, 1, nil))

	lost, err := generic.MakeRequestedAllocationsLost(&req, eviction)
	require.NoError(t, err)
	require.True(t, lost)
	require.True(t, victims[0].Lost)
	require.True(t, victims[1].Lost)
	require.True(t, victims[2].Lost)
	require.False(t, victims[3].Lost)

	require.NoError(t, generic.Alloc(req, 1, "new"))
	require.NoError(t, generic.Validate())
	require.Equal(t, 8, generic.AllocationCount())
	require.Equal(t, 50, generic.SumFreeSize())
}

func TestGenericEvictionRespectsRecentUse(t *testing.T) {
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(300)

	recent := &metadata.FakeLostAllocation{Evictable: true, LastUse: 9}
	pinned := &metadata.FakeLostAllocation{Evictable: false}
	stale := &metadata.FakeLostAllocation{Evictable: true, LastUse: 1}
	allocGeneric(t, generic, 100, 1, recent)
	allocGeneric(t, generic, 100, 1, pinned)
	allocGeneric(t, generic, 100, 1, stale)

	eviction := metadata.EvictionParams{
		CanMakeOtherLost:  true,
		CurrentFrameIndex: 10,
		FrameInUseCount:   2,
	}

	success, _, err := generic.CreateAllocationRequest(150, 1, false, 1, metadata.AllocationStrategyMinMemory, math.MaxInt, &eviction)
	require.NoError(t, err)
	require.False(t, success)

	success, req, err := generic.CreateAllocationRequest(100, 1, false, 1, metadata.AllocationStrategyMinMemory, math.MaxInt, &eviction)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 200, req.Offset)

	// A victim touched between request and commit aborts the eviction
	stale.Refuse = true
	lost, err := generic.MakeRequestedAllocationsLost(&req, eviction)
	require.NoError(t, err)
	require.False(t, lost)
	require.Equal(t, 3, generic.AllocationCount())

	stale.Refuse = false
	count, err := generic.MakeAllocationsLost(eviction)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.False(t, recent.Lost)
	require.False(t, pinned.Lost)
	require.True(t, stale.Lost)
	require.Equal(t, 100, generic.SumFreeSize())
}

func TestGenericRandomOperations(t *testing.T) {
	faker := gofakeit.New(1)

	const blockSize = 1 << 16
	generic := metadata.NewGenericBlockMetadata(1, metadata.NoGranularityCheck{})
	generic.Init(blockSize)

	type liveAlloc struct {
		handle metadata.BlockAllocationHandle
		offset int
		size   int
	}
	var live []liveAlloc
	allocated := 0

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && faker.Bool() {
			index := faker.IntRange(0, len(live)-1)
			alloc := live[index]
			live = append(live[:index], live[index+1:]...)
			allocated -= alloc.size

			require.NoError(t, generic.Free(alloc.handle))
		} else {
			size := faker.IntRange(1, 2048)
			alignment := uint(1) << faker.IntRange(0, 8)
			strategy := []metadata.AllocationStrategy{
				metadata.AllocationStrategyMinMemory,
				metadata.AllocationStrategyMinTime,
				metadata.AllocationStrategyMinOffset,
			}[faker.IntRange(0, 2)]

			success, req, err := generic.CreateAllocationRequest(size, alignment, false, 1, strategy, math.MaxInt, nil)
			require.NoError(t, err)
			if !success {
				continue
			}

			require.Zero(t, req.Offset%int(alignment))
			require.NoError(t, generic.Alloc(req, 1, i))
			live = append(live, liveAlloc{handle: req.BlockAllocationHandle, offset: req.Offset, size: req.Size})
			allocated += req.Size
		}

		require.NoError(t, generic.Validate())
		require.Equal(t, blockSize, allocated+generic.SumFreeSize())
		require.Equal(t, len(live), generic.AllocationCount())
	}

	for _, alloc := range live {
		offset, err := generic.AllocationOffset(alloc.handle)
		require.NoError(t, err)
		require.Equal(t, alloc.offset, offset)
		require.NoError(t, generic.Free(alloc.handle))
	}

	require.True(t, generic.IsEmpty())
	require.Equal(t, blockSize, generic.SumFreeSize())
}
