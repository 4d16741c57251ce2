package allocator

import "github.com/vkngwrapper/suballoc/allocator/internal/utils"

// AllocationCreateFlags exposes several options for allocation behavior that can be applied.
type AllocationCreateFlags int32

var allocationCreateFlagsMapping = utils.NewFlagStringMapping[AllocationCreateFlags]()

func (f AllocationCreateFlags) Register(str string) {
	allocationCreateFlagsMapping.Register(f, str)
}
func (f AllocationCreateFlags) String() string {
	return allocationCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocationCreateDedicatedMemory instructs the allocator to give this allocation its own memory block
	AllocationCreateDedicatedMemory AllocationCreateFlags = 1 << iota
	// AllocationCreateNeverAllocate instructs the allocator to only try to allocate from existing
	// memory blocks and never create new blocks
	//
	// If a new allocation cannot be placed in any of the existing blocks, allocation fails with
	// memutils.ErrOutOfDeviceMemory
	AllocationCreateNeverAllocate
	// AllocationCreateMapped instructs the allocator to use memory that will be persistently mapped
	// and retrieve a pointer to it
	//
	// The pointer will be available via Allocation.MappedData()
	//
	// It is valid to use this flag for an allocation made from a memory type that is not host visible.
	// This flag is then ignored and the memory is not mapped.
	AllocationCreateMapped
	// AllocationCreateUpperAddress will instruct the allocator to create the allocation from the upper
	// stack in a double stack pool. This flag is only allowed for custom pools created with the
	// PoolCreateLinearAlgorithm flag and a MaxBlockCount of 1
	AllocationCreateUpperAddress
	// AllocationCreateWithinBudget instructs the allocator to only create the allocation if additional
	// device memory required for it won't exceed memory budget. Otherwise, return memutils.ErrOutOfDeviceMemory
	AllocationCreateWithinBudget
	// AllocationCreateCanAlias indicates that the caller will place aliasing resources in the allocated
	// memory. Such allocations are never moved by defragmentation.
	AllocationCreateCanAlias
	// AllocationCreateCanBecomeLost allows the allocation to be evicted by another allocation made with
	// AllocationCreateCanMakeOtherLost, or by Pool.MakeAllocationsLost, once it has gone unused for
	// more than the frame-in-use count. Call Allocation.Touch each frame the allocation is used.
	//
	// It cannot be combined with AllocationCreateMapped.
	AllocationCreateCanBecomeLost
	// AllocationCreateCanMakeOtherLost lets the allocator evict allocations created with
	// AllocationCreateCanBecomeLost when no free space is available
	AllocationCreateCanMakeOtherLost
	// AllocationCreateHostAccessSequentialWrite requests the possibility to map the allocation
	//
	// If you use MemoryUsageAuto* you must use this flag to be able to map the allocation. If
	// you use other values of MemoryUsage, this flag is ignored and mapping is always possible
	// in memory types that are host visible. This includes allocations created in custom memory pools.
	//
	// This declares that mapped memory will only be written sequentially, never read or accessed randomly,
	// so a memory type can be selected that is uncached and write-combined.
	AllocationCreateHostAccessSequentialWrite
	// AllocationCreateHostAccessRandom requests the possibility to map the allocation
	//
	// If you use MemoryUsageAuto* you must use this flag to be able to map the allocation.
	//
	// This declares that mapped memory can be read, written, and accessed in random order, so a
	// host cached memory type is preferred.
	AllocationCreateHostAccessRandom
	// AllocationCreateHostAccessAllowTransferInstead combines with AllocationCreateHostAccessSequentialWrite
	// or AllocationCreateHostAccessRandom to indicate that despite the request for host access, a memory
	// type that is not host visible can be selected if it may improve performance.
	AllocationCreateHostAccessAllowTransferInstead
	// AllocationCreateStrategyMinMemory selects the allocation strategy that chooses the smallest-possible
	// free range for the allocation to minimize memory usage and fragmentation, possibly at the expense of
	// allocation time
	AllocationCreateStrategyMinMemory
	// AllocationCreateStrategyMinTime selects the allocation strategy that chooses the first suitable free
	// range for the allocation, the one that is fastest to find, possibly at the expense of allocation quality.
	AllocationCreateStrategyMinTime
	// AllocationCreateStrategyMinOffset selects the allocation strategy that chooses the lowest offset in
	// available space. Used internally by defragmentation, not recommended in typical usage.
	AllocationCreateStrategyMinOffset

	AllocationCreateStrategyMask = AllocationCreateStrategyMinMemory |
		AllocationCreateStrategyMinTime |
		AllocationCreateStrategyMinOffset

	allocationCreateHostAccessMask = AllocationCreateHostAccessSequentialWrite |
		AllocationCreateHostAccessRandom
)

func init() {
	AllocationCreateDedicatedMemory.Register("AllocationCreateDedicatedMemory")
	AllocationCreateNeverAllocate.Register("AllocationCreateNeverAllocate")
	AllocationCreateMapped.Register("AllocationCreateMapped")
	AllocationCreateUpperAddress.Register("AllocationCreateUpperAddress")
	AllocationCreateWithinBudget.Register("AllocationCreateWithinBudget")
	AllocationCreateCanAlias.Register("AllocationCreateCanAlias")
	AllocationCreateCanBecomeLost.Register("AllocationCreateCanBecomeLost")
	AllocationCreateCanMakeOtherLost.Register("AllocationCreateCanMakeOtherLost")
	AllocationCreateHostAccessSequentialWrite.Register("AllocationCreateHostAccessSequentialWrite")
	AllocationCreateHostAccessRandom.Register("AllocationCreateHostAccessRandom")
	AllocationCreateHostAccessAllowTransferInstead.Register("AllocationCreateHostAccessAllowTransferInstead")
	AllocationCreateStrategyMinMemory.Register("AllocationCreateStrategyMinMemory")
	AllocationCreateStrategyMinTime.Register("AllocationCreateStrategyMinTime")
	AllocationCreateStrategyMinOffset.Register("AllocationCreateStrategyMinOffset")
}
