package allocator

import "github.com/vkngwrapper/suballoc/allocator/internal/utils"

type PoolCreateFlags int32

var poolCreateFlagsMapping = utils.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateIgnoreGranularity indicates to the memory pool that only one payload kind will be
	// allocated from it, or only kinds that never conflict, so the device's allocation granularity
	// can be ignored. Allocations will be faster and more tightly packed.
	PoolCreateIgnoreGranularity PoolCreateFlags = 1 << iota
	// PoolCreateLinearAlgorithm enables alternative, linear allocation algorithm in this pool.
	// The algorithm always creates new allocations after the last one and doesn't reuse space from
	// allocations freed in between. It trades memory consumption for a simplified algorithm and data
	// structure. This flag can be used to achieve the behavior of free-at-once, stack, ring buffer,
	// and double stack.
	PoolCreateLinearAlgorithm
	// PoolCreateBuddyAlgorithm enables the buddy allocation algorithm in this pool. Allocation sizes
	// are rounded up to a power of two and blocks are split and merged in halves, which makes
	// allocation and free fast at the cost of internal fragmentation.
	PoolCreateBuddyAlgorithm

	PoolCreateAlgorithmMask = PoolCreateLinearAlgorithm | PoolCreateBuddyAlgorithm
)

func init() {
	PoolCreateIgnoreGranularity.Register("PoolCreateIgnoreGranularity")
	PoolCreateLinearAlgorithm.Register("PoolCreateLinearAlgorithm")
	PoolCreateBuddyAlgorithm.Register("PoolCreateBuddyAlgorithm")
}

// PoolCreateInfo is used to create a custom Pool
type PoolCreateInfo struct {
	// MemoryTypeIndex is the index of the device memory type every block in the pool is made from
	MemoryTypeIndex int
	// Flags modify the behavior of the pool
	Flags PoolCreateFlags

	// BlockSize is the size of a single memory block allocated as part of this pool. If 0,
	// the allocator's preferred block size for the memory type's heap is used and blocks
	// may be created smaller than that to save memory.
	BlockSize int
	// MinBlockCount is the number of blocks that are created with the pool and always kept
	MinBlockCount int
	// MaxBlockCount is the maximum number of blocks that may exist in the pool at once. 0 means
	// no limit.
	MaxBlockCount int

	// FrameInUseCount is the number of frames an allocation with AllocationCreateCanBecomeLost
	// must go untouched before it can be evicted from this pool
	FrameInUseCount int
	// MinAllocationAlignment is an additional minimum alignment applied to every allocation
	// from the pool. 0 or a power of two.
	MinAllocationAlignment uint
}

func algorithmName(algorithm PoolCreateFlags) string {
	if algorithm == 0 {
		return "Generic"
	}

	return algorithm.String()
}
