package allocator

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/allocator/internal/devmem"
	"github.com/vkngwrapper/suballoc/allocator/internal/slotmap"
	"github.com/vkngwrapper/suballoc/memutils"
)

// HeapBudget describes one device memory heap: the blocks and allocations this allocator has placed
// there, and the device's estimate of how much of the heap the process may use
type HeapBudget struct {
	Statistics memutils.Statistics
	// Usage is the estimated number of bytes in use in the heap by this process, including memory
	// the allocator did not allocate when the device reports it
	Usage int
	// Budget is the estimated number of bytes this process can use in the heap before allocations
	// begin to fail or degrade performance
	Budget int
}

// PoolStatistics is the statistics snapshot of a single custom pool
type PoolStatistics struct {
	ID              int
	Name            string
	MemoryTypeIndex int
	Algorithm       string
	Stats           memutils.DetailedStatistics
}

// TotalStatistics is a snapshot of everything the allocator holds, broken down by memory type and heap.
// Custom pools are counted in their memory type and also listed on their own.
type TotalStatistics struct {
	MemoryTypes []memutils.DetailedStatistics
	MemoryHeaps []memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
	Budgets     []HeapBudget
	Pools       []PoolStatistics
}

// HeapBudgets returns the current budget of every heap on the device, indexed by heap
func (a *Allocator) HeapBudgets() []HeapBudget {
	heapCount := a.deviceMemory.MemoryHeapCount()
	budgets := make([]devmem.Budget, heapCount)
	a.deviceMemory.HeapBudgets(0, budgets)

	result := make([]HeapBudget, heapCount)
	for heapIndex, budget := range budgets {
		result[heapIndex] = HeapBudget{
			Statistics: budget.Statistics,
			Usage:      budget.Usage,
			Budget:     budget.Budget,
		}
	}

	return result
}

// CalculateStatistics populates stats with a snapshot of every block and allocation. It walks every
// block, so it is much slower than HeapBudgets.
func (a *Allocator) CalculateStatistics(stats *TotalStatistics) {
	typeCount := a.deviceMemory.MemoryTypeCount()
	heapCount := a.deviceMemory.MemoryHeapCount()

	stats.MemoryTypes = make([]memutils.DetailedStatistics, typeCount)
	stats.MemoryHeaps = make([]memutils.DetailedStatistics, heapCount)
	stats.Total.Clear()
	stats.Pools = stats.Pools[:0]
	for typeIndex := range stats.MemoryTypes {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := range stats.MemoryHeaps {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	// Default pools
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if list := a.memoryBlockLists[typeIndex]; list != nil {
			list.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		}
		if dedicated := a.dedicatedAllocations[typeIndex]; dedicated != nil {
			dedicated.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
		}
	}

	// Custom pools
	a.poolsMutex.RLock()
	a.pools.Each(func(_ slotmap.Handle, pool *Pool) bool {
		poolStats := pool.statistics()
		stats.MemoryTypes[poolStats.MemoryTypeIndex].AddDetailedStatistics(&poolStats.Stats)
		stats.Pools = append(stats.Pools, poolStats)
		return true
	})
	a.poolsMutex.RUnlock()

	// Sum up heaps and the total
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}

	stats.Budgets = a.HeapBudgets()
}

// MarshalJSON encodes the snapshot as a json object
func (s TotalStatistics) MarshalJSON() ([]byte, error) {
	writer := jwriter.NewWriter()
	root := writer.Object()

	total := root.Name("Total").Object()
	s.Total.WriteJSON(&total)
	total.End()

	heaps := root.Name("MemoryHeaps").Array()
	for heapIndex := range s.MemoryHeaps {
		heap := heaps.Object()
		heap.Name("Index").Int(heapIndex)

		if heapIndex < len(s.Budgets) {
			budget := heap.Name("Budget").Object()
			budget.Name("Usage").Int(s.Budgets[heapIndex].Usage)
			budget.Name("Budget").Int(s.Budgets[heapIndex].Budget)
			budget.End()
		}

		heapStats := heap.Name("Stats").Object()
		s.MemoryHeaps[heapIndex].WriteJSON(&heapStats)
		heapStats.End()
		heap.End()
	}
	heaps.End()

	types := root.Name("MemoryTypes").Array()
	for typeIndex := range s.MemoryTypes {
		memType := types.Object()
		memType.Name("Index").Int(typeIndex)
		typeStats := memType.Name("Stats").Object()
		s.MemoryTypes[typeIndex].WriteJSON(&typeStats)
		typeStats.End()
		memType.End()
	}
	types.End()

	pools := root.Name("Pools").Array()
	for _, pool := range s.Pools {
		poolObj := pools.Object()
		poolObj.Name("ID").Int(pool.ID)
		poolObj.Name("Name").String(pool.Name)
		poolObj.Name("MemoryTypeIndex").Int(pool.MemoryTypeIndex)
		poolObj.Name("Algorithm").String(pool.Algorithm)
		poolStats := poolObj.Name("Stats").Object()
		pool.Stats.WriteJSON(&poolStats)
		poolStats.End()
		poolObj.End()
	}
	pools.End()

	root.End()
	return writer.Bytes(), writer.Error()
}
