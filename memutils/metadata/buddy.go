package metadata

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

const (
	// BuddyMinNodeSize is the size in bytes of the smallest node that BuddyBlockMetadata will split down to
	BuddyMinNodeSize int = 32
	// BuddyMaxLevels is the maximum depth of the buddy tree
	BuddyMaxLevels int = 48
)

type buddyNodeType uint8

const (
	buddyNodeFree buddyNodeType = iota
	buddyNodeAllocation
	buddyNodeSplit
)

var buddyNodeTypeMapping = map[buddyNodeType]string{
	buddyNodeFree:       "Free",
	buddyNodeAllocation: "Allocation",
	buddyNodeSplit:      "Split",
}

func (t buddyNodeType) String() string {
	return buddyNodeTypeMapping[t]
}

type buddyNode struct {
	offset   int
	nodeType buddyNodeType
	parent   *buddyNode
	buddy    *buddyNode

	// buddyNodeFree
	prevFree *buddyNode
	nextFree *buddyNode

	// buddyNodeAllocation
	userData  any
	allocType uint32
	allocSize int

	// buddyNodeSplit
	leftChild *buddyNode
}

type buddyFreeList struct {
	front *buddyNode
	back  *buddyNode
}

var buddyNodePool = sync.Pool{
	New: func() any {
		return &buddyNode{}
	},
}

func newBuddyNode(offset int, parent *buddyNode) *buddyNode {
	node := buddyNodePool.Get().(*buddyNode)
	*node = buddyNode{
		offset:   offset,
		nodeType: buddyNodeFree,
		parent:   parent,
	}
	return node
}

func releaseBuddyNode(node *buddyNode) {
	*node = buddyNode{}
	buddyNodePool.Put(node)
}

// BuddyBlockMetadata is a BlockMetadata implementation that manages the largest power-of-two prefix
// of the block as a binary tree of nodes. Every allocation is rounded up to a node size, which makes
// allocation and free very fast at the cost of internal fragmentation. Any bytes beyond the
// power-of-two prefix are never allocated and are reported as a single unused range.
//
// Eviction is not supported: CreateAllocationRequest ignores its eviction parameter.
type BuddyBlockMetadata struct {
	BlockMetadataBase

	usableSize int
	levelCount int
	root       *buddyNode
	freeList   [BuddyMaxLevels]buddyFreeList

	allocationCount int
	freeCount       int
	// Free bytes within the usable size, including the unused tails of allocated nodes
	sumFreeSize int
}

var _ BlockMetadata = &BuddyBlockMetadata{}

// NewBuddyBlockMetadata creates a new BuddyBlockMetadata from granularity properties.
// The granularity properties are passed to NewBlockMetadata.
func NewBuddyBlockMetadata(allocationGranularity int, granularityHandler GranularityCheck) *BuddyBlockMetadata {
	return &BuddyBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(allocationGranularity, granularityHandler),
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BuddyBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)

	m.usableSize = memutils.PrevPow2(size)
	m.levelCount = 1
	for m.levelCount < BuddyMaxLevels && m.levelToNodeSize(m.levelCount) >= BuddyMinNodeSize {
		m.levelCount++
	}

	m.reset()
}

func (m *BuddyBlockMetadata) reset() {
	for level := range m.freeList {
		m.freeList[level] = buddyFreeList{}
	}

	m.root = newBuddyNode(0, nil)
	m.allocationCount = 0
	m.freeCount = 1
	m.sumFreeSize = m.usableSize
	m.addToFreeListFront(0, m.root)
}

// UsableSize returns the power-of-two prefix of the block that can hold allocations
func (m *BuddyBlockMetadata) UsableSize() int { return m.usableSize }

// LevelCount returns the number of levels in the buddy tree
func (m *BuddyBlockMetadata) LevelCount() int { return m.levelCount }

func (m *BuddyBlockMetadata) unusableSize() int { return m.size - m.usableSize }

func (m *BuddyBlockMetadata) levelToNodeSize(level int) int {
	return m.usableSize >> level
}

// allocSizeToLevel returns the deepest level whose nodes can still hold allocSize bytes
func (m *BuddyBlockMetadata) allocSizeToLevel(allocSize int) int {
	level := 0
	nextLevelSize := m.usableSize >> 1
	for allocSize <= nextLevelSize && level+1 < m.levelCount {
		level++
		nextLevelSize >>= 1
	}

	return level
}

func (m *BuddyBlockMetadata) addToFreeListFront(level int, node *buddyNode) {
	list := &m.freeList[level]
	node.prevFree = nil
	node.nextFree = list.front

	if list.front == nil {
		list.back = node
	} else {
		list.front.prevFree = node
	}
	list.front = node
}

func (m *BuddyBlockMetadata) removeFromFreeList(level int, node *buddyNode) {
	list := &m.freeList[level]

	if node.prevFree == nil {
		list.front = node.nextFree
	} else {
		node.prevFree.nextFree = node.nextFree
	}

	if node.nextFree == nil {
		list.back = node.prevFree
	} else {
		node.nextFree.prevFree = node.prevFree
	}

	node.prevFree = nil
	node.nextFree = nil
}

// findAllocationNode walks down from the root to the allocated node at offset
func (m *BuddyBlockMetadata) findAllocationNode(offset int) (*buddyNode, int, error) {
	node := m.root
	nodeSize := m.usableSize
	level := 0

	for node.nodeType == buddyNodeSplit {
		nodeSize >>= 1
		level++

		if offset < node.offset+nodeSize {
			node = node.leftChild
		} else {
			node = node.leftChild.buddy
		}
	}

	if node.nodeType != buddyNodeAllocation || node.offset != offset {
		return nil, 0, errors.Errorf("no allocation found at offset %d", offset)
	}

	return node, level, nil
}

// SupportsRandomAccess returns false: buddy blocks are not defragmented
func (m *BuddyBlockMetadata) SupportsRandomAccess() bool { return false }

// AllocationCount returns the number of allocated nodes
func (m *BuddyBlockMetadata) AllocationCount() int { return m.allocationCount }

// FreeRegionsCount returns the number of free nodes in the tree
func (m *BuddyBlockMetadata) FreeRegionsCount() int { return m.freeCount }

// SumFreeSize returns the number of bytes not held by allocations, including the unusable tail
// and the rounding slack inside allocated nodes
func (m *BuddyBlockMetadata) SumFreeSize() int { return m.sumFreeSize + m.unusableSize() }

// IsEmpty will return true if this block has no live suballocations
func (m *BuddyBlockMetadata) IsEmpty() bool { return m.root.nodeType == buddyNodeFree }

// MayHaveFreeBlock returns false only if no free node could hold size bytes
func (m *BuddyBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	if size > m.usableSize {
		return false
	}

	for level := m.allocSizeToLevel(size); level >= 0; level-- {
		if m.freeList[level].front != nil {
			return true
		}
	}

	return false
}

// Validate performs internal consistency checks on the tree and the free lists.
func (m *BuddyBlockMetadata) Validate() error {
	if m.root == nil || m.root.parent != nil || m.root.offset != 0 {
		return errors.New("the root node is malformed")
	}

	var allocationCount, freeCount, sumFreeSize int
	freePerLevel := make([]int, m.levelCount)

	err := m.validateNode(m.root, nil, 0, m.usableSize, freePerLevel, &allocationCount, &freeCount, &sumFreeSize)
	if err != nil {
		return err
	}

	if allocationCount != m.allocationCount {
		return errors.Errorf("counted %d allocations, but the metadata indicates %d", allocationCount, m.allocationCount)
	}
	if freeCount != m.freeCount {
		return errors.Errorf("counted %d free nodes, but the metadata indicates %d", freeCount, m.freeCount)
	}
	if sumFreeSize != m.sumFreeSize {
		return errors.Errorf("counted %d free bytes, but the metadata indicates %d", sumFreeSize, m.sumFreeSize)
	}

	for level := 0; level < BuddyMaxLevels; level++ {
		list := m.freeList[level]
		if level >= m.levelCount {
			if list.front != nil || list.back != nil {
				return errors.Errorf("free list %d is beyond the level count %d but is not empty", level, m.levelCount)
			}
			continue
		}

		var listed int
		var prev *buddyNode
		for node := list.front; node != nil; node = node.nextFree {
			if node.nodeType != buddyNodeFree {
				return errors.Errorf("node at offset %d in free list %d is %s", node.offset, level, node.nodeType)
			}
			if node.prevFree != prev {
				return errors.Errorf("node at offset %d in free list %d has a broken back link", node.offset, level)
			}
			listed++
			prev = node
		}

		if prev != list.back {
			return errors.Errorf("the back of free list %d is not its last node", level)
		}
		if listed != freePerLevel[level] {
			return errors.Errorf("free list %d holds %d nodes, but %d free nodes exist at that level", level, listed, freePerLevel[level])
		}
	}

	return nil
}

func (m *BuddyBlockMetadata) validateNode(node, parent *buddyNode, level, levelNodeSize int, freePerLevel []int, allocationCount, freeCount, sumFreeSize *int) error {
	if node.parent != parent {
		return errors.Errorf("node at offset %d has the wrong parent", node.offset)
	}
	if level >= m.levelCount {
		return errors.Errorf("node at offset %d is at level %d, beyond the level count %d", node.offset, level, m.levelCount)
	}
	if parent != nil && (node.buddy == nil || node.buddy.buddy != node) {
		return errors.Errorf("node at offset %d has a broken buddy link", node.offset)
	}

	switch node.nodeType {
	case buddyNodeFree:
		freePerLevel[level]++
		*freeCount++
		*sumFreeSize += levelNodeSize
	case buddyNodeAllocation:
		if node.allocSize <= 0 || node.allocSize > levelNodeSize {
			return errors.Errorf("allocation at offset %d has size %d, which does not fit its node size %d", node.offset, node.allocSize, levelNodeSize)
		}
		*allocationCount++
		*sumFreeSize += levelNodeSize - node.allocSize
	case buddyNodeSplit:
		childSize := levelNodeSize / 2
		left := node.leftChild
		if left == nil || left.buddy == nil {
			return errors.Errorf("split node at offset %d is missing children", node.offset)
		}
		right := left.buddy

		if left.offset != node.offset || right.offset != node.offset+childSize {
			return errors.Errorf("children of split node at offset %d are at offsets %d and %d, expected %d and %d", node.offset, left.offset, right.offset, node.offset, node.offset+childSize)
		}

		if err := m.validateNode(left, node, level+1, childSize, freePerLevel, allocationCount, freeCount, sumFreeSize); err != nil {
			return err
		}
		if err := m.validateNode(right, node, level+1, childSize, freePerLevel, allocationCount, freeCount, sumFreeSize); err != nil {
			return err
		}
	default:
		return errors.Errorf("node at offset %d has unknown type %d", node.offset, node.nodeType)
	}

	return nil
}

func (m *BuddyBlockMetadata) visitNode(node *buddyNode, levelNodeSize int, handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	switch node.nodeType {
	case buddyNodeFree:
		return handleBlock(BlockAllocationHandle(node.offset+1), node.offset, levelNodeSize, nil, true)
	case buddyNodeAllocation:
		err := handleBlock(BlockAllocationHandle(node.offset+1), node.offset, node.allocSize, node.userData, false)
		if err != nil {
			return err
		}

		if node.allocSize < levelNodeSize {
			slack := node.offset + node.allocSize
			return handleBlock(BlockAllocationHandle(slack+1), slack, levelNodeSize-node.allocSize, nil, true)
		}
		return nil
	default:
		childSize := levelNodeSize / 2
		if err := m.visitNode(node.leftChild, childSize, handleBlock); err != nil {
			return err
		}
		return m.visitNode(node.leftChild.buddy, childSize, handleBlock)
	}
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block, in offset order. The rounding slack after an allocation and the unusable tail of the
// block are each reported as free regions.
func (m *BuddyBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	err := m.visitNode(m.root, m.usableSize, handleBlock)
	if err != nil {
		return err
	}

	if m.unusableSize() > 0 {
		return handleBlock(BlockAllocationHandle(m.usableSize+1), m.usableSize, m.unusableSize(), nil, true)
	}

	return nil
}

// AllocationListBegin will return an error because BuddyBlockMetadata does not allow random access to allocations
func (m *BuddyBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	return NoAllocation, errors.New("this allocator does not support random access")
}

// FindNextAllocation will return an error because BuddyBlockMetadata does not allow random access to allocations
func (m *BuddyBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	return NoAllocation, errors.New("this allocator does not support random access")
}

// AllocationOffset returns the offset of the allocation identified by allocHandle
func (m *BuddyBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	if allocHandle == NoAllocation || allocHandle == 0 {
		return 0, errors.Errorf("handle %d does not refer to a region in this block", allocHandle)
	}
	return int(allocHandle) - 1, nil
}

// AllocationUserData returns the userData of the allocation identified by allocHandle
func (m *BuddyBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	node, _, err := m.findAllocationNode(int(allocHandle) - 1)
	if err != nil {
		return nil, err
	}

	return node.userData, nil
}

// SetAllocationUserData replaces the userData of the allocation identified by allocHandle
func (m *BuddyBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	node, _, err := m.findAllocationNode(int(allocHandle) - 1)
	if err != nil {
		return err
	}

	node.userData = userData
	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the provided object
func (m *BuddyBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	_ = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// AddStatistics sums this block's allocation statistics into the provided object
func (m *BuddyBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.allocationCount
	stats.AllocationBytes += m.usableSize - m.sumFreeSize
}

func (m *BuddyBlockMetadata) releaseTree(node *buddyNode) {
	if node.nodeType == buddyNodeSplit {
		left := node.leftChild
		right := left.buddy
		m.releaseTree(left)
		m.releaseTree(right)
	}

	releaseBuddyNode(node)
}

// Clear instantly frees all allocations and resets the tree to a single free root
func (m *BuddyBlockMetadata) Clear() {
	m.releaseTree(m.root)
	m.granularityHandler.Clear()
	m.reset()
}

func (m *BuddyBlockMetadata) checkNodeCorruption(node *buddyNode, blockData unsafe.Pointer) error {
	switch node.nodeType {
	case buddyNodeAllocation:
		if !memutils.ValidateMagicValue(blockData, node.offset+node.allocSize-memutils.DebugMargin) {
			return memutils.Corruptionf("marker after allocation at offset %d was overwritten", node.offset)
		}
	case buddyNodeSplit:
		if err := m.checkNodeCorruption(node.leftChild, blockData); err != nil {
			return err
		}
		return m.checkNodeCorruption(node.leftChild.buddy, blockData)
	}

	return nil
}

// CheckCorruption verifies the corruption-detection marker after every allocation in the block
func (m *BuddyBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	return m.checkNodeCorruption(m.root, blockData)
}

// CreateAllocationRequest finds the smallest free node, at or above the level that fits the request,
// whose offset satisfies the alignment. UpperAddress is not supported and eviction is ignored.
func (m *BuddyBlockMetadata) CreateAllocationRequest(
	allocSize int, allocAlignment uint,
	upperAddress bool,
	allocType uint32,
	strategy AllocationStrategy,
	maxOffset int,
	eviction *EvictionParams,
) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.New("allocation size must be greater than 0")
	}
	if allocType == 0 {
		return false, AllocationRequest{}, errors.New("allocation type cannot be free")
	}
	if upperAddress {
		return false, AllocationRequest{}, memutils.NotSupportedf("upper address allocations are only supported by linear metadata")
	}
	memutils.DebugValidate(m)

	allocSize, allocAlignment = m.granularityHandler.RoundUpAllocRequest(allocType, allocSize, allocAlignment)
	nodeAllocSize := allocSize + memutils.DebugMargin

	var request AllocationRequest
	if nodeAllocSize > m.usableSize {
		return false, request, nil
	}

	targetLevel := m.allocSizeToLevel(nodeAllocSize)
	for level := targetLevel; level >= 0; level-- {
		for node := m.freeList[level].front; node != nil; node = node.nextFree {
			if node.offset%int(allocAlignment) != 0 || node.offset >= maxOffset {
				continue
			}

			request = AllocationRequest{
				BlockAllocationHandle: BlockAllocationHandle(node.offset + 1),
				Offset:                node.offset,
				Size:                  allocSize,
				Item:                  Suballocation{Offset: node.offset, Size: m.levelToNodeSize(level), Type: allocType},
				Type:                  AllocationRequestNormal,
				AllocType:             allocType,
				SumFreeSize:           m.levelToNodeSize(level),
				AlgorithmData:         uint64(level),
			}
			return true, request, nil
		}
	}

	return false, request, nil
}

// MakeRequestedAllocationsLost always succeeds, because requests never carry victims
func (m *BuddyBlockMetadata) MakeRequestedAllocationsLost(request *AllocationRequest, eviction EvictionParams) (bool, error) {
	if request.ItemsToMakeLostCount > 0 {
		return false, memutils.NotSupportedf("buddy metadata cannot evict allocations")
	}

	return true, nil
}

// MakeAllocationsLost does nothing, because buddy metadata does not support eviction
func (m *BuddyBlockMetadata) MakeAllocationsLost(eviction EvictionParams) (int, error) {
	return 0, nil
}

// Alloc commits an AllocationRequest object produced by CreateAllocationRequest, splitting the
// chosen node until it reaches the level of the request
func (m *BuddyBlockMetadata) Alloc(request AllocationRequest, allocType uint32, userData any) error {
	if request.Type != AllocationRequestNormal {
		return errors.Errorf("attempted to allocate a request of type %s, but that type isn't supported by the buddy metadata", request.Type)
	}

	nodeAllocSize := request.Size + memutils.DebugMargin
	targetLevel := m.allocSizeToLevel(nodeAllocSize)
	currentLevel := int(request.AlgorithmData)
	if currentLevel > targetLevel || currentLevel >= m.levelCount {
		return errors.Errorf("request level %d is not compatible with target level %d", currentLevel, targetLevel)
	}

	var node *buddyNode
	for candidate := m.freeList[currentLevel].front; candidate != nil; candidate = candidate.nextFree {
		if candidate.offset == request.Offset {
			node = candidate
			break
		}
	}
	if node == nil {
		return errors.Errorf("no free node at level %d and offset %d", currentLevel, request.Offset)
	}

	for currentLevel < targetLevel {
		m.removeFromFreeList(currentLevel, node)

		childSize := m.levelToNodeSize(currentLevel) / 2
		left := newBuddyNode(node.offset, node)
		right := newBuddyNode(node.offset+childSize, node)
		left.buddy = right
		right.buddy = left

		node.nodeType = buddyNodeSplit
		node.leftChild = left

		currentLevel++
		// The left child ends up at the front so that it is split next
		m.addToFreeListFront(currentLevel, right)
		m.addToFreeListFront(currentLevel, left)
		m.freeCount++

		node = left
	}

	m.removeFromFreeList(currentLevel, node)
	node.nodeType = buddyNodeAllocation
	node.userData = userData
	node.allocType = allocType
	node.allocSize = nodeAllocSize

	m.allocationCount++
	m.freeCount--
	m.sumFreeSize -= nodeAllocSize
	return nil
}

// Free releases the allocation identified by allocHandle and merges it with its buddy for as long
// as the buddy is also free
func (m *BuddyBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	node, level, err := m.findAllocationNode(int(allocHandle) - 1)
	if err != nil {
		return err
	}

	m.allocationCount--
	m.freeCount++
	m.sumFreeSize += node.allocSize

	node.nodeType = buddyNodeFree
	node.userData = nil
	node.allocType = 0
	node.allocSize = 0

	for level > 0 && node.buddy.nodeType == buddyNodeFree {
		buddy := node.buddy
		parent := node.parent

		m.removeFromFreeList(level, buddy)
		releaseBuddyNode(buddy)
		releaseBuddyNode(node)

		parent.nodeType = buddyNodeFree
		parent.leftChild = nil

		node = parent
		level--
		m.freeCount--
	}

	m.addToFreeListFront(level, node)
	return nil
}

func (m *BuddyBlockMetadata) String() string {
	return fmt.Sprintf("BuddyBlockMetadata{size: %d, usable: %d, levels: %d, allocations: %d}", m.size, m.usableSize, m.levelCount, m.allocationCount)
}
