package metadata

import "math"

// FrameIndexLost is the last-use frame index of an allocation that has been made lost
const FrameIndexLost int = math.MaxInt

// LostAllocation is implemented by the userData of suballocations that may be evicted. Any userData
// that does not implement it is never evicted.
type LostAllocation interface {
	// CanBecomeLost returns true if the owner agreed to have this allocation evicted
	CanBecomeLost() bool
	// LastUseFrameIndex returns the frame in which the allocation was last touched, or FrameIndexLost
	LastUseFrameIndex() int
	// MakeLost atomically moves the allocation to the lost state if it has not been used within the
	// last frameInUseCount frames. It returns false if the allocation was touched concurrently or is
	// not eligible.
	MakeLost(currentFrameIndex, frameInUseCount int) bool
}

// EvictionParams controls whether CreateAllocationRequest may propose evicting allocations
type EvictionParams struct {
	CanMakeOtherLost  bool
	CurrentFrameIndex int
	FrameInUseCount   int
}

// evictable returns the LostAllocation behind userData if it may be evicted under these params
func (p *EvictionParams) evictable(userData any) (LostAllocation, bool) {
	if p == nil || !p.CanMakeOtherLost {
		return nil, false
	}

	lost, ok := userData.(LostAllocation)
	if !ok || !lost.CanBecomeLost() {
		return nil, false
	}

	lastUse := lost.LastUseFrameIndex()
	if lastUse == FrameIndexLost || lastUse+p.FrameInUseCount >= p.CurrentFrameIndex {
		return nil, false
	}

	return lost, true
}
