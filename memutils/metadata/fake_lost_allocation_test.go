package metadata

// FakeLostAllocation is userData that can be evicted
type FakeLostAllocation struct {
	Evictable bool
	LastUse   int
	Refuse    bool
	Lost      bool
}

func (a *FakeLostAllocation) CanBecomeLost() bool    { return a.Evictable }
func (a *FakeLostAllocation) LastUseFrameIndex() int { return a.LastUse }
func (a *FakeLostAllocation) MakeLost(currentFrameIndex, frameInUseCount int) bool {
	if a.Refuse || !a.Evictable || a.LastUse == FrameIndexLost || a.LastUse+frameInUseCount >= currentFrameIndex {
		return false
	}

	a.LastUse = FrameIndexLost
	a.Lost = true
	return true
}
