package allocator

import (
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device/hostdevice"
	"github.com/vkngwrapper/suballoc/memutils"
)

type populatedAllocator struct {
	pool      *Pool
	blockOnes []Allocation
	dedicated Allocation
	pooled    []Allocation
}

func populateAllocator(t *testing.T, allocator *Allocator) *populatedAllocator {
	populated := &populatedAllocator{
		blockOnes: make([]Allocation, 2),
		pooled:    make([]Allocation, 3),
	}

	require.NoError(t, allocator.AllocateMemorySlice(&MemoryRequirements{
		Size:      1000,
		Alignment: 1,
	}, AllocationCreateInfo{Usage: MemoryUsageAuto}, populated.blockOnes))

	require.NoError(t, allocator.AllocateMemory(&MemoryRequirements{
		Size:      8192,
		Alignment: 1,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateDedicatedMemory,
	}, &populated.dedicated))

	var err error
	populated.pool, err = allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: hostCoherentType,
		BlockSize:       64 * 1024,
	})
	require.NoError(t, err)
	populated.pool.SetName("staging")

	for i := range populated.pooled {
		require.NoError(t, allocateFromPool(t, allocator, populated.pool, 500, AllocationCreateHostAccessSequentialWrite, &populated.pooled[i]))
	}

	return populated
}

func (p *populatedAllocator) free(t *testing.T, allocator *Allocator) {
	require.NoError(t, allocator.FreeMemorySlice(p.blockOnes))
	require.NoError(t, p.dedicated.Free())
	require.NoError(t, allocator.FreeMemorySlice(p.pooled))
	require.NoError(t, p.pool.Destroy())
}

func TestCalculateStatistics(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	populated := populateAllocator(t, allocator)
	defer populated.free(t, allocator)

	var stats TotalStatistics
	allocator.CalculateStatistics(&stats)

	require.Len(t, stats.MemoryTypes, 4)
	require.Len(t, stats.MemoryHeaps, 2)
	require.Len(t, stats.Budgets, 2)

	deviceLocal := stats.MemoryTypes[deviceLocalType]
	require.Equal(t, 2, deviceLocal.BlockCount)
	require.Equal(t, hostdevice.DefaultHeapSize/64+8192, deviceLocal.BlockBytes)
	require.Equal(t, 3, deviceLocal.AllocationCount)
	require.Equal(t, 10192, deviceLocal.AllocationBytes)
	require.Equal(t, 1000, deviceLocal.AllocationSizeMin)
	require.Equal(t, 8192, deviceLocal.AllocationSizeMax)

	hostCoherent := stats.MemoryTypes[hostCoherentType]
	require.Equal(t, 1, hostCoherent.BlockCount)
	require.Equal(t, 3, hostCoherent.AllocationCount)
	require.Equal(t, 1500, hostCoherent.AllocationBytes)
	require.Equal(t, 1, hostCoherent.UnusedRangeCount)

	require.Equal(t, deviceLocal.Statistics, stats.MemoryHeaps[0].Statistics)
	require.Equal(t, hostCoherent.Statistics, stats.MemoryHeaps[1].Statistics)

	require.Equal(t, 3, stats.Total.BlockCount)
	require.Equal(t, 6, stats.Total.AllocationCount)
	require.Equal(t, 11692, stats.Total.AllocationBytes)

	require.Len(t, stats.Pools, 1)
	require.Equal(t, "staging", stats.Pools[0].Name)
	require.Equal(t, populated.pool.ID(), stats.Pools[0].ID)
	require.Equal(t, "Generic", stats.Pools[0].Algorithm)
	require.Equal(t, hostCoherent.Statistics, stats.Pools[0].Stats.Statistics)

	// Snapshots are rebuilt from scratch
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 6, stats.Total.AllocationCount)
	require.Len(t, stats.Pools, 1)
}

func TestHeapBudgets(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{ReportBudget: true})
	defer destroyAllocator(t, dev, allocator)

	populated := populateAllocator(t, allocator)

	budgets := allocator.HeapBudgets()
	require.Len(t, budgets, 2)
	require.Equal(t, 3, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 2, budgets[0].Statistics.BlockCount)
	require.Equal(t, budgets[0].Statistics.BlockBytes, budgets[0].Usage)
	require.Equal(t, hostdevice.DefaultHeapSize*8/10, budgets[0].Budget)
	require.Equal(t, 3, budgets[1].Statistics.AllocationCount)

	populated.free(t, allocator)

	budgets = allocator.HeapBudgets()
	require.Zero(t, budgets[0].Statistics.AllocationCount)
	require.Zero(t, budgets[1].Statistics.AllocationCount)
	require.Zero(t, budgets[1].Statistics.BlockCount)
}

func TestPoolStatistics(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	populated := populateAllocator(t, allocator)
	defer populated.free(t, allocator)

	require.NoError(t, populated.pooled[1].Free())

	var stats memutils.Statistics
	populated.pool.Statistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		AllocationCount: 2,
		BlockBytes:      64 * 1024,
		AllocationBytes: 1000,
	}, stats)

	var detailed memutils.DetailedStatistics
	populated.pool.DetailedStatistics(&detailed)
	require.Equal(t, stats, detailed.Statistics)
	require.Equal(t, 2, detailed.UnusedRangeCount)
	require.Equal(t, 500, detailed.AllocationSizeMin)
	require.Equal(t, 500, detailed.AllocationSizeMax)
	require.Equal(t, 500, detailed.UnusedRangeSizeMin)
	require.Equal(t, 64*1024-1500, detailed.UnusedRangeSizeMax)
}

func TestStatisticsJSON(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{ReportBudget: true})
	defer destroyAllocator(t, dev, allocator)

	populated := populateAllocator(t, allocator)
	defer populated.free(t, allocator)

	var stats TotalStatistics
	allocator.CalculateStatistics(&stats)

	encoded, err := json.Marshal(stats)
	require.NoError(t, err)

	var decoded struct {
		Total struct {
			BlockCount      int
			AllocationCount int
			AllocationBytes int
		}
		MemoryHeaps []struct {
			Index  int
			Budget struct {
				Usage  int
				Budget int
			}
			Stats map[string]int
		}
		MemoryTypes []struct {
			Index int
			Stats map[string]int
		}
		Pools []struct {
			ID              int
			Name            string
			MemoryTypeIndex int
			Algorithm       string
			Stats           map[string]int
		}
	}
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	require.Equal(t, 6, decoded.Total.AllocationCount)
	require.Equal(t, 11692, decoded.Total.AllocationBytes)
	require.Len(t, decoded.MemoryHeaps, 2)
	require.Equal(t, 1, decoded.MemoryHeaps[1].Index)
	require.Equal(t, hostdevice.DefaultHeapSize*8/10, decoded.MemoryHeaps[0].Budget.Budget)
	require.Len(t, decoded.MemoryTypes, 4)

	// Min and max are only written when there is more than one entry to describe
	require.Contains(t, decoded.MemoryTypes[deviceLocalType].Stats, "AllocationSizeMin")
	require.NotContains(t, decoded.MemoryTypes[hostCachedType].Stats, "AllocationSizeMin")
	require.Equal(t, 0, decoded.MemoryTypes[hostCachedType].Stats["BlockCount"])

	require.Len(t, decoded.Pools, 1)
	require.Equal(t, "staging", decoded.Pools[0].Name)
	require.Equal(t, hostCoherentType, decoded.Pools[0].MemoryTypeIndex)
	require.Equal(t, 3, decoded.Pools[0].Stats["AllocationCount"])

	detailed, err := json.Marshal(stats.Pools[0].Stats)
	require.NoError(t, err)
	require.JSONEq(t, `{"BlockCount":1,"BlockBytes":65536,"AllocationCount":3,"AllocationBytes":1500,"UnusedRangeCount":1,"AllocationSizeMin":500,"AllocationSizeMax":500}`, string(detailed))
}

func TestCheckCorruption(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	populated := populateAllocator(t, allocator)
	defer populated.free(t, allocator)

	checkCorruption(t, allocator)

	err := populated.pool.CheckCorruption()
	if memutils.DebugMargin > 0 {
		require.NoError(t, err)
	} else {
		require.True(t, errors.Is(err, memutils.ErrFeatureNotSupported))
	}
}
