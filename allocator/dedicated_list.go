package allocator

import (
	"github.com/vkngwrapper/suballoc/allocator/internal/slotmap"
	"github.com/vkngwrapper/suballoc/allocator/internal/utils"
	"github.com/vkngwrapper/suballoc/memutils"
)

// dedicatedAllocationList tracks the allocations of one memory type, or one pool, that own their
// memory block outright
type dedicatedAllocationList struct {
	mutex       utils.OptionalRWMutex
	allocations slotmap.SlotMap[*Allocation]
}

func (l *dedicatedAllocationList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *dedicatedAllocationList) Count() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.allocations.Len()
}

func (l *dedicatedAllocationList) IsEmpty() bool {
	return l.Count() == 0
}

func (l *dedicatedAllocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	alloc.dedicatedData.handle = l.allocations.Insert(alloc)
}

func (l *dedicatedAllocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	_, ok := l.allocations.Remove(alloc.dedicatedData.handle)
	if !ok {
		panic("attempted to unregister a dedicated allocation that was not registered")
	}
	alloc.dedicatedData.handle = slotmap.Handle{}
}

func (l *dedicatedAllocationList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	l.allocations.Each(func(_ slotmap.Handle, alloc *Allocation) bool {
		stats.BlockCount++
		stats.BlockBytes += alloc.size
		stats.AllocationCount++
		stats.AllocationBytes += alloc.size
		return true
	})
}

func (l *dedicatedAllocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	l.allocations.Each(func(_ slotmap.Handle, alloc *Allocation) bool {
		stats.BlockCount++
		stats.BlockBytes += alloc.size
		stats.AddAllocation(alloc.size)
		return true
	})
}

// Validate checks that every registered allocation knows its own handle
func (l *dedicatedAllocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	var err error
	l.allocations.Each(func(handle slotmap.Handle, alloc *Allocation) bool {
		if alloc.dedicatedData.handle != handle {
			err = memutils.Corruptionf("a dedicated allocation of size %d is registered under a handle it does not hold", alloc.size)
			return false
		}
		if alloc.allocationType != allocationTypeDedicated {
			err = memutils.Corruptionf("a %s allocation is registered as dedicated", alloc.allocationType.String())
			return false
		}
		return true
	})

	return err
}
