package memutils

import "math"

// Statistics is a cheap-to-gather summary of how much memory a block, pool, heap, or
// memory type holds and how much of that is handed out to callers
type Statistics struct {
	// BlockCount is the number of coarse blocks obtained from the device
	BlockCount int
	// AllocationCount is the number of live allocations, dedicated or suballocated
	AllocationCount int
	// BlockBytes is the sum of the sizes of all coarse blocks
	BlockBytes int
	// AllocationBytes is the sum of the sizes of all live allocations. It is never larger than BlockBytes.
	AllocationBytes int
}

// Clear zeroes every field
func (s *Statistics) Clear() {
	*s = Statistics{}
}

// AddStatistics sums other into this object
func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the number of bytes held in blocks that are not handed out to callers
func (s *Statistics) UnusedBytes() int {
	return s.BlockBytes - s.AllocationBytes
}

// DetailedStatistics extends Statistics with free range counts and size extremes. It is
// more expensive to gather, since every region of every block must be visited.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

// Clear resets the object so that it is ready to accumulate. Min fields are set to math.MaxInt.
func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

// AddUnusedRange records one free region of the provided size
func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}
	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

// AddAllocation records one live allocation of the provided size
func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}
	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

// AddDetailedStatistics sums other into this object
func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}
	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}
	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}
	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
