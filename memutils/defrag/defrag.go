package defrag

// Algorithm identifies which defragmentation algorithm will be used for defrag passes
type Algorithm uint32

const (
	// AlgorithmFast indicates that the defragmentation run should greedily first-fit every allocation
	// into the lowest available free space it knows about, using a small database of free regions.
	// It is only used when every allocation is movable, no debug margin is configured, and no
	// granularity conflicts are possible. Otherwise the context falls back to AlgorithmGeneric.
	AlgorithmFast Algorithm = iota + 1
	// AlgorithmGeneric indicates that the defragmentation run should order blocks by how suitable they
	// are as destinations and move allocations, largest first, into the most suitable block that has
	// room, or lower within their own block.
	//
	// This is the default algorithm if none is specified.
	AlgorithmGeneric
)

var algorithmMapping = map[Algorithm]string{
	AlgorithmFast:    "AlgorithmFast",
	AlgorithmGeneric: "AlgorithmGeneric",
}

func (a Algorithm) String() string {
	return algorithmMapping[a]
}

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// BytesFreed is the number of bytes that have been freed: bear in mind that relocating an allocation doesn't necessarily
	// free its memory- only if the defragmentation run completely frees up a block of memory and the
	// BlockList chooses to free it will this value increase
	BytesFreed int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// DeviceMemoryBlocksFreed is the number of coarse blocks that the BlockList has chosen to free as a consequence
	// of relocating allocations out of the block
	DeviceMemoryBlocksFreed int
}

// Add sums the provided stats into this object
func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.BytesFreed += stats.BytesFreed
	s.AllocationsMoved += stats.AllocationsMoved
	s.DeviceMemoryBlocksFreed += stats.DeviceMemoryBlocksFreed
}

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}
