package allocator

import (
	"github.com/vkngwrapper/suballoc/allocator/internal/slotmap"
	"github.com/vkngwrapper/suballoc/memutils"
)

// Pool is a custom set of memory blocks of a single memory type, created with Allocator.CreatePool.
// Allocations are made from it by passing it in AllocationCreateInfo.Pool.
type Pool struct {
	blockList            memoryBlockList
	dedicatedAllocations dedicatedAllocationList
	parentAllocator      *Allocator

	id     int
	name   string
	handle slotmap.Handle
}

func (p *Pool) SetName(name string) {
	p.name = name
}

func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) ID() int {
	return p.id
}

// MemoryTypeIndex returns the memory type every block in the pool is made from
func (p *Pool) MemoryTypeIndex() int {
	return p.blockList.MemoryTypeIndex()
}

// Destroy returns every block in the pool to the device. It fails with memutils.ErrInvalidUsage if
// any allocations made from the pool have not been freed.
func (p *Pool) Destroy() error {
	p.parentAllocator.poolsMutex.Lock()
	defer p.parentAllocator.poolsMutex.Unlock()

	return p.destroyAfterLock()
}

func (p *Pool) destroyAfterLock() error {
	if p.handle.IsZero() {
		return memutils.InvalidUsagef("attempted to destroy pool %d, which has already been destroyed", p.id)
	}

	memutils.DebugValidate(&p.dedicatedAllocations)
	if count := p.dedicatedAllocations.Count(); count > 0 {
		return memutils.InvalidUsagef("the pool still has %d dedicated allocations that remain unfreed", count)
	}

	err := p.blockList.Destroy()
	if err != nil {
		return err
	}

	_, removed := p.parentAllocator.pools.Remove(p.handle)
	if !removed {
		panic("attempted to destroy a pool that was not registered with its allocator")
	}
	p.handle = slotmap.Handle{}

	return nil
}

// MakeAllocationsLost evicts every allocation in the pool that was created with
// AllocationCreateCanBecomeLost and has not been touched within the pool's frame-in-use count. It
// returns the number of allocations that were made lost.
func (p *Pool) MakeAllocationsLost() (int, error) {
	return p.blockList.MakeAllocationsLost()
}

// Statistics retrieves the block and allocation counts and sizes of the pool
func (p *Pool) Statistics(stats *memutils.Statistics) {
	stats.Clear()
	p.blockList.AddStatistics(stats)
	p.dedicatedAllocations.AddStatistics(stats)
}

// DetailedStatistics retrieves the statistics of the pool along with the distribution of its
// allocations and free ranges
func (p *Pool) DetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	p.blockList.AddDetailedStatistics(stats)
	p.dedicatedAllocations.AddDetailedStatistics(stats)
}

// CheckCorruption validates the debug margins around every allocation in the pool. It returns an
// error marked with memutils.ErrFeatureNotSupported if corruption detection is not available for the
// pool's memory type, or one marked with memutils.ErrCorruption if a margin was overwritten.
func (p *Pool) CheckCorruption() error {
	return p.blockList.CheckCorruption()
}

func (p *Pool) statistics() PoolStatistics {
	stats := PoolStatistics{
		ID:              p.id,
		Name:            p.name,
		MemoryTypeIndex: p.blockList.MemoryTypeIndex(),
		Algorithm:       algorithmName(p.blockList.Algorithm()),
	}
	p.DetailedStatistics(&stats.Stats)

	return stats
}
