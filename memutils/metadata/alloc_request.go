package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestNormal indicates an ordinary placement into a free region. It is produced by
	// GenericBlockMetadata and BuddyBlockMetadata.
	AllocationRequestNormal AllocationRequestType = iota
	// AllocationRequestUpperAddress indicates that the allocation request was sourced from metadata.LinearBlockMetadata
	// and that it is an allocation for the upper side of a double stack
	AllocationRequestUpperAddress
	// AllocationRequestEndOf1st indicates that the allocation request was sourced from metadata.LinearBlockMetadata
	// and that it is an allocation to be added to the end of the first memory vector
	AllocationRequestEndOf1st
	// AllocationRequestEndOf2nd indicates that the allocation request was sourced from metadata.LinearBlockMetadata
	// and that it is an allocation to be added to the end of the second memory vector
	AllocationRequestEndOf2nd
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestNormal:       "Normal",
	AllocationRequestUpperAddress: "UpperAddress",
	AllocationRequestEndOf1st:     "EndOf1st",
	AllocationRequestEndOf2nd:     "EndOf2nd",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// LostAllocationCost is the penalty, in bytes, charged for every allocation that a request would
// evict. It biases placement toward truly free space.
const LostAllocationCost int = 1048576

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. This allocation can be applied to the actual memory system consuming
// memutils, and then committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is a numeric handle used to identify individual allocations within the metadata
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the offset within the block at which the allocation will begin once committed
	Offset int
	// Size the total size of the allocation, maybe larger than what was originally requested
	Size int
	// Item is a Suballocation object indicating basic information about the allocation
	Item Suballocation
	// Type identifies the sort of allocation this request represents (and can be used
	// to identify the BlockMetadata implementation used to generate this request).
	Type AllocationRequestType

	// AllocType is the value passed into CreateAllocationRequest by the consumer to generate
	// this request
	AllocType uint32

	// SumFreeSize is the number of free bytes overlapped by the proposed range
	SumFreeSize int
	// SumItemSize is the number of bytes belonging to allocations that must be made lost
	// before this request can be committed
	SumItemSize int
	// ItemsToMakeLostCount is the number of allocations that must be made lost before this
	// request can be committed. Call BlockMetadata.MakeRequestedAllocationsLost first if it is nonzero.
	ItemsToMakeLostCount int

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}

// CalcCost returns a comparable figure for how disruptive committing this request would be. Requests
// that fit into free space cost 0.
func (r *AllocationRequest) CalcCost() int {
	return r.SumItemSize + r.ItemsToMakeLostCount*LostAllocationCost
}
