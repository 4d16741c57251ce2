package metadata

//go:generate mockgen -source granularity.go -destination ./mocks/granularity.go

// GranularityCheck is supplied by the consumer of a BlockMetadata to enforce rules about which
// payload kinds may share a page of memory. allocType values are consumer-defined, with 0 reserved
// for free space.
type GranularityCheck interface {
	// AllocPages records an allocation of the provided kind covering the provided range
	AllocPages(allocType uint32, offset, size int)
	// FreePages removes an allocation covering the provided range
	FreePages(offset, size int)
	// Clear forgets every recorded allocation
	Clear()
	// CheckConflictAndAlignUp returns the offset, possibly aligned upward, at which an allocation of
	// the provided kind avoids conflicting with its neighbors. The boolean is true if no such offset
	// exists inside the free region beginning at blockOffset and running blockSize bytes.
	CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool)
	// RoundUpAllocRequest grows the size and alignment of a request so that it can never conflict
	RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint)
	// AllocationsConflict returns true if the two kinds may not share a page
	AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool

	StartValidation() any
	Validate(ctx any, offset, size int) error
	FinishValidation(ctx any) error
}

// NoGranularityCheck is a GranularityCheck for memory systems in which any payload kinds may share a page
type NoGranularityCheck struct{}

var _ GranularityCheck = NoGranularityCheck{}

func (c NoGranularityCheck) AllocPages(allocType uint32, offset, size int) {}
func (c NoGranularityCheck) FreePages(offset, size int)                    {}
func (c NoGranularityCheck) Clear()                                        {}

func (c NoGranularityCheck) CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool) {
	return allocOffset, false
}

func (c NoGranularityCheck) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	return allocSize, allocAlignment
}

func (c NoGranularityCheck) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	return false
}

func (c NoGranularityCheck) StartValidation() any                     { return nil }
func (c NoGranularityCheck) Validate(ctx any, offset, size int) error { return nil }
func (c NoGranularityCheck) FinishValidation(ctx any) error           { return nil }
