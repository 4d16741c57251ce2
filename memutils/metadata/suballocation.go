package metadata

import "math"

// BlockAllocationHandle is a numeric value used to identify a single region of memory inside a
// BlockMetadata. The meaning of the value is implementation-specific.
type BlockAllocationHandle uint64

const (
	// NoAllocation is the sentinel handle used when there is no region to refer to
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation describes one contiguous region of a block. A Type of 0 marks the region as free;
// any other value is a consumer-specific payload kind that is handed back to the GranularityCheck.
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
	Type     uint32
}

// IsFree returns true if this region does not belong to any allocation
func (s Suballocation) IsFree() bool {
	return s.Type == 0
}

// End returns the first offset past the end of this region
func (s Suballocation) End() int {
	return s.Offset + s.Size
}
