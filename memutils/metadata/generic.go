package metadata

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

// MinFreeSuballocationSizeToRegister is the smallest free region, in bytes, that GenericBlockMetadata
// indexes by size. Smaller gaps are only reachable through offset-ordered scans.
const MinFreeSuballocationSizeToRegister int = 16

var genericNodePool = sync.Pool{
	New: func() any {
		return &genericNode{}
	},
}

type genericNode struct {
	Suballocation

	prev *genericNode
	next *genericNode
}

func (n *genericNode) handle() BlockAllocationHandle {
	return BlockAllocationHandle(n.Offset + 1)
}

// GenericBlockMetadata is a BlockMetadata implementation that keeps every region of the block in an
// offset-ordered list, and every free region of at least MinFreeSuballocationSizeToRegister bytes in a
// size-ordered index. It supports every AllocationStrategy, random access, and eviction of allocations
// whose userData implements LostAllocation.
//
// Handles are the offset of the region plus one, so a handle remains stable for the lifetime of an allocation.
type GenericBlockMetadata struct {
	BlockMetadataBase

	first *genericNode
	last  *genericNode

	nodeCount   int
	freeCount   int
	sumFreeSize int

	freeBySize []*genericNode
	nodes      *swiss.Map[BlockAllocationHandle, *genericNode]
}

var _ BlockMetadata = &GenericBlockMetadata{}

// NewGenericBlockMetadata creates a new GenericBlockMetadata from granularity properties.
// The granularity properties are passed to NewBlockMetadata.
func NewGenericBlockMetadata(allocationGranularity int, granularityHandler GranularityCheck) *GenericBlockMetadata {
	return &GenericBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(allocationGranularity, granularityHandler),
	}
}

func (m *GenericBlockMetadata) newNode(offset, size int, userData any, allocType uint32) *genericNode {
	node := genericNodePool.Get().(*genericNode)
	node.Suballocation = Suballocation{
		Offset:   offset,
		Size:     size,
		UserData: userData,
		Type:     allocType,
	}
	node.prev = nil
	node.next = nil

	m.nodes.Put(node.handle(), node)
	m.nodeCount++
	return node
}

func (m *GenericBlockMetadata) releaseNode(node *genericNode) {
	m.nodes.Delete(node.handle())
	m.nodeCount--

	node.Suballocation = Suballocation{}
	node.prev = nil
	node.next = nil
	genericNodePool.Put(node)
}

func (m *GenericBlockMetadata) insertAfter(anchor, node *genericNode) {
	node.prev = anchor
	node.next = anchor.next
	if anchor.next != nil {
		anchor.next.prev = node
	} else {
		m.last = node
	}
	anchor.next = node
}

func (m *GenericBlockMetadata) insertBefore(anchor, node *genericNode) {
	node.next = anchor
	node.prev = anchor.prev
	if anchor.prev != nil {
		anchor.prev.next = node
	} else {
		m.first = node
	}
	anchor.prev = node
}

func (m *GenericBlockMetadata) unlink(node *genericNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		m.first = node.next
	}

	if node.next != nil {
		node.next.prev = node.prev
	} else {
		m.last = node.prev
	}
}

func (m *GenericBlockMetadata) registerFree(node *genericNode) {
	if node.Size < MinFreeSuballocationSizeToRegister {
		return
	}

	index := sort.Search(len(m.freeBySize), func(i int) bool {
		return m.freeBySize[i].Size >= node.Size
	})
	m.freeBySize = append(m.freeBySize, nil)
	copy(m.freeBySize[index+1:], m.freeBySize[index:])
	m.freeBySize[index] = node
}

func (m *GenericBlockMetadata) unregisterFree(node *genericNode) {
	if node.Size < MinFreeSuballocationSizeToRegister {
		return
	}

	index := sort.Search(len(m.freeBySize), func(i int) bool {
		return m.freeBySize[i].Size >= node.Size
	})
	for ; index < len(m.freeBySize) && m.freeBySize[index].Size == node.Size; index++ {
		if m.freeBySize[index] == node {
			m.freeBySize = append(m.freeBySize[:index], m.freeBySize[index+1:]...)
			return
		}
	}

	panic(fmt.Sprintf("free region at offset %d with size %d was not registered", node.Offset, node.Size))
}

func (m *GenericBlockMetadata) reset() {
	m.freeBySize = m.freeBySize[:0]

	root := m.newNode(0, m.size, nil, 0)
	m.first = root
	m.last = root
	m.freeCount = 1
	m.sumFreeSize = m.size
	m.registerFree(root)
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *GenericBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.nodes = swiss.NewMap[BlockAllocationHandle, *genericNode](42)
	m.reset()
}

// SupportsRandomAccess always returns true
func (m *GenericBlockMetadata) SupportsRandomAccess() bool { return true }

// AllocationCount returns the number of live allocations in the block
func (m *GenericBlockMetadata) AllocationCount() int { return m.nodeCount - m.freeCount }

// FreeRegionsCount returns the number of free regions in the block. Adjacent free regions are always
// merged, so this is also the number of gaps between allocations.
func (m *GenericBlockMetadata) FreeRegionsCount() int { return m.freeCount }

// SumFreeSize returns the number of free bytes of memory in the block.
func (m *GenericBlockMetadata) SumFreeSize() int { return m.sumFreeSize }

// IsEmpty will return true if this block has no live suballocations
func (m *GenericBlockMetadata) IsEmpty() bool { return m.nodeCount == 1 && m.freeCount == 1 }

// MayHaveFreeBlock returns false only if no free region in the block could hold size bytes
func (m *GenericBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	if len(m.freeBySize) > 0 && m.freeBySize[len(m.freeBySize)-1].Size >= size {
		return true
	}

	return size < MinFreeSuballocationSizeToRegister && m.freeCount > 0 && m.sumFreeSize >= size
}

// Validate performs internal consistency checks on the metadata.
func (m *GenericBlockMetadata) Validate() error {
	if m.first == nil || m.first.Offset != 0 {
		return errors.New("the first region of the block does not begin at offset 0")
	}

	granularityCtx := m.granularityHandler.StartValidation()

	var offset, nodeCount, freeCount, sumFreeSize, registeredCount int
	var prevFree bool
	var prev *genericNode

	for node := m.first; node != nil; node = node.next {
		if node.prev != prev {
			return errors.Errorf("region at offset %d has a broken back link", node.Offset)
		}
		if node.Offset != offset {
			return errors.Errorf("region begins at offset %d, but the previous region ends at offset %d", node.Offset, offset)
		}
		if node.Size <= 0 {
			return errors.Errorf("region at offset %d has non-positive size %d", node.Offset, node.Size)
		}

		mapped, ok := m.nodes.Get(node.handle())
		if !ok || mapped != node {
			return errors.Errorf("region at offset %d is not present in the handle index", node.Offset)
		}

		isFree := node.IsFree()
		if isFree && prevFree {
			return errors.Errorf("region at offset %d is free, but so is the region before it", node.Offset)
		}

		if isFree {
			if node.UserData != nil {
				return errors.Errorf("free region at offset %d has userData", node.Offset)
			}
			freeCount++
			sumFreeSize += node.Size
			if node.Size >= MinFreeSuballocationSizeToRegister {
				registeredCount++
			}
		} else {
			err := m.granularityHandler.Validate(granularityCtx, node.Offset, node.Size-memutils.DebugMargin)
			if err != nil {
				return err
			}
		}

		offset = node.End()
		nodeCount++
		prevFree = isFree
		prev = node
	}

	if prev != m.last {
		return errors.New("the last region in the list is not the tail of the list")
	}
	if offset != m.size {
		return errors.Errorf("regions sum to %d bytes, but the block is %d bytes", offset, m.size)
	}
	if nodeCount != m.nodeCount || nodeCount != m.nodes.Count() {
		return errors.Errorf("counted %d regions, but the metadata indicates %d and the handle index holds %d", nodeCount, m.nodeCount, m.nodes.Count())
	}
	if freeCount != m.freeCount {
		return errors.Errorf("counted %d free regions, but the metadata indicates %d", freeCount, m.freeCount)
	}
	if sumFreeSize != m.sumFreeSize {
		return errors.Errorf("counted %d free bytes, but the metadata indicates %d", sumFreeSize, m.sumFreeSize)
	}
	if registeredCount != len(m.freeBySize) {
		return errors.Errorf("counted %d free regions large enough to register, but %d are registered", registeredCount, len(m.freeBySize))
	}

	for index, node := range m.freeBySize {
		if !node.IsFree() {
			return errors.Errorf("registered free region at offset %d is not free", node.Offset)
		}
		if index > 0 && m.freeBySize[index-1].Size > node.Size {
			return errors.Errorf("the free region index is not sorted at position %d", index)
		}
	}

	return m.granularityHandler.FinishValidation(granularityCtx)
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block, in offset order.
func (m *GenericBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for node := m.first; node != nil; node = node.next {
		err := handleBlock(node.handle(), node.Offset, node.Size, node.UserData, node.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

// AllocationListBegin retrieves the handle of the lowest-offset allocation in the block, or NoAllocation
func (m *GenericBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	for node := m.first; node != nil; node = node.next {
		if !node.IsFree() {
			return node.handle(), nil
		}
	}

	return NoAllocation, nil
}

// FindNextAllocation retrieves the handle of the allocation following the provided one, or NoAllocation
func (m *GenericBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	node, err := m.getAllocatedNode(allocHandle)
	if err != nil {
		return NoAllocation, err
	}

	for node = node.next; node != nil; node = node.next {
		if !node.IsFree() {
			return node.handle(), nil
		}
	}

	return NoAllocation, nil
}

func (m *GenericBlockMetadata) getNode(allocHandle BlockAllocationHandle) (*genericNode, error) {
	node, ok := m.nodes.Get(allocHandle)
	if !ok {
		return nil, errors.Errorf("handle %d does not refer to a region in this block", allocHandle)
	}

	return node, nil
}

func (m *GenericBlockMetadata) getAllocatedNode(allocHandle BlockAllocationHandle) (*genericNode, error) {
	node, err := m.getNode(allocHandle)
	if err != nil {
		return nil, err
	}

	if node.IsFree() {
		return nil, errors.Errorf("handle %d refers to a free region", allocHandle)
	}

	return node, nil
}

// AllocationOffset returns the offset of the region identified by allocHandle
func (m *GenericBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	node, err := m.getNode(allocHandle)
	if err != nil {
		return 0, err
	}

	return node.Offset, nil
}

// AllocationUserData returns the userData of the allocation identified by allocHandle
func (m *GenericBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	node, err := m.getAllocatedNode(allocHandle)
	if err != nil {
		return nil, err
	}

	return node.UserData, nil
}

// SetAllocationUserData replaces the userData of the allocation identified by allocHandle
func (m *GenericBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	node, err := m.getAllocatedNode(allocHandle)
	if err != nil {
		return err
	}

	node.UserData = userData
	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the provided object
func (m *GenericBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for node := m.first; node != nil; node = node.next {
		if node.IsFree() {
			stats.AddUnusedRange(node.Size)
		} else {
			stats.AddAllocation(node.Size)
		}
	}
}

// AddStatistics sums this block's allocation statistics into the provided object
func (m *GenericBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.size - m.sumFreeSize
}

// Clear instantly frees all allocations and resets the metadata to a single free region
func (m *GenericBlockMetadata) Clear() {
	for node := m.first; node != nil; {
		next := node.next
		m.releaseNode(node)
		node = next
	}

	m.granularityHandler.Clear()
	m.reset()
}

// CheckCorruption verifies the corruption-detection marker after every allocation in the block
func (m *GenericBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for node := m.first; node != nil; node = node.next {
		if !node.IsFree() && !memutils.ValidateMagicValue(blockData, node.End()-memutils.DebugMargin) {
			return memutils.Corruptionf("marker after allocation at offset %d was overwritten", node.Offset)
		}
	}

	return nil
}

// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the implementation
// would prefer to allocate the requested memory.
//
// AllocationStrategyMinMemory (the default) performs a best fit over the size index,
// AllocationStrategyMinTime takes the first region that works starting from the largest, and
// AllocationStrategyMinOffset scans regions in offset order. If nothing fits and eviction is permitted,
// every possible starting region is considered and the cheapest eviction is proposed.
func (m *GenericBlockMetadata) CreateAllocationRequest(
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
	neededSize := allocSize + memutils.DebugMargin
	canEvict := eviction != nil && eviction.CanMakeOtherLost

	var request AllocationRequest
	if neededSize > m.size || (!canEvict && neededSize > m.sumFreeSize) {
		return false, request, nil
	}

	if strategy&AllocationStrategyMinOffset != 0 {
		for node := m.first; node != nil && node.Offset < maxOffset; node = node.next {
			if node.IsFree() && node.Size >= neededSize &&
				m.checkAllocation(node, allocSize, allocAlignment, allocType, maxOffset, &request) {
				return true, request, nil
			}
		}
	} else if strategy&AllocationStrategyMinTime != 0 {
		for index := len(m.freeBySize) - 1; index >= 0; index-- {
			node := m.freeBySize[index]
			if node.Size < neededSize {
				break
			}

			if m.checkAllocation(node, allocSize, allocAlignment, allocType, maxOffset, &request) {
				return true, request, nil
			}
		}
	} else {
		index := sort.Search(len(m.freeBySize), func(i int) bool {
			return m.freeBySize[i].Size >= neededSize
		})
		for ; index < len(m.freeBySize); index++ {
			if m.checkAllocation(m.freeBySize[index], allocSize, allocAlignment, allocType, maxOffset, &request) {
				return true, request, nil
			}
		}
	}

	// Regions too small to register can still hold small requests
	if neededSize < MinFreeSuballocationSizeToRegister && strategy&AllocationStrategyMinOffset == 0 {
		for node := m.first; node != nil && node.Offset < maxOffset; node = node.next {
			if node.IsFree() && node.Size < MinFreeSuballocationSizeToRegister && node.Size >= neededSize &&
				m.checkAllocation(node, allocSize, allocAlignment, allocType, maxOffset, &request) {
				return true, request, nil
			}
		}
	}

	if !canEvict {
		return false, request, nil
	}

	var found bool
	var best AllocationRequest
	for node := m.first; node != nil && node.Offset < maxOffset; node = node.next {
		if !node.IsFree() {
			if _, ok := eviction.evictable(node.UserData); !ok {
				continue
			}
		}

		var candidate AllocationRequest
		if !m.checkEvictingAllocation(node, allocSize, allocAlignment, allocType, maxOffset, eviction, &candidate) {
			continue
		}

		if !found || candidate.CalcCost() < best.CalcCost() {
			best = candidate
			found = true

			if best.CalcCost() == 0 {
				break
			}
		}
	}

	return found, best, nil
}

func (m *GenericBlockMetadata) checkAllocation(
	node *genericNode,
	allocSize int, allocAlignment uint,
	allocType uint32,
	maxOffset int,
	request *AllocationRequest,
) bool {
	if !node.IsFree() {
		panic(fmt.Sprintf("region at offset %d is already taken", node.Offset))
	}

	offset := memutils.AlignUp(node.Offset, allocAlignment)
	if node.End() < offset+allocSize+memutils.DebugMargin {
		return false
	}

	offset, conflict := m.granularityHandler.CheckConflictAndAlignUp(offset, allocSize, node.Offset, node.Size, allocType)
	if conflict || node.End() < offset+allocSize+memutils.DebugMargin || offset >= maxOffset {
		return false
	}

	*request = AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(offset + 1),
		Offset:                offset,
		Size:                  allocSize,
		Item:                  node.Suballocation,
		Type:                  AllocationRequestNormal,
		AllocType:             allocType,
		SumFreeSize:           node.Size,
	}
	return true
}

func (m *GenericBlockMetadata) checkEvictingAllocation(
	start *genericNode,
	allocSize int, allocAlignment uint,
	allocType uint32,
	maxOffset int,
	eviction *EvictionParams,
	request *AllocationRequest,
) bool {
	offset := memutils.AlignUp(start.Offset, allocAlignment)
	offset, conflict := m.granularityHandler.CheckConflictAndAlignUp(offset, allocSize, start.Offset, m.size-start.Offset, allocType)
	if conflict || offset >= maxOffset {
		return false
	}

	end := offset + allocSize + memutils.DebugMargin
	if end > m.size {
		return false
	}

	var sumFreeSize, sumItemSize, itemCount int
	for node := start; node != nil && node.Offset < end; node = node.next {
		if node.IsFree() {
			sumFreeSize += node.Size
			continue
		}

		if _, ok := eviction.evictable(node.UserData); !ok {
			return false
		}
		sumItemSize += node.Size
		itemCount++
	}

	*request = AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(offset + 1),
		Offset:                offset,
		Size:                  allocSize,
		Item:                  start.Suballocation,
		Type:                  AllocationRequestNormal,
		AllocType:             allocType,
		SumFreeSize:           sumFreeSize,
		SumItemSize:           sumItemSize,
		ItemsToMakeLostCount:  itemCount,
	}
	return true
}

// MakeRequestedAllocationsLost evicts every allocation overlapped by the provided request. On success,
// the request is updated to point at the merged free region.
func (m *GenericBlockMetadata) MakeRequestedAllocationsLost(request *AllocationRequest, eviction EvictionParams) (bool, error) {
	if request.ItemsToMakeLostCount == 0 {
		return true, nil
	}

	node, err := m.getNode(BlockAllocationHandle(request.Item.Offset+1))
	if err != nil {
		return false, err
	}

	end := request.Offset + request.Size + memutils.DebugMargin
	for node != nil && node.Offset < end && request.ItemsToMakeLostCount > 0 {
		if node.IsFree() {
			node = node.next
			continue
		}

		lost, ok := node.UserData.(LostAllocation)
		if !ok || !lost.MakeLost(eviction.CurrentFrameIndex, eviction.FrameInUseCount) {
			return false, nil
		}

		node = m.freeAllocatedNode(node).next
		request.ItemsToMakeLostCount--
	}

	if request.ItemsToMakeLostCount != 0 {
		return false, errors.Errorf("%d allocations to make lost were not found in the requested range", request.ItemsToMakeLostCount)
	}

	for node = m.first; node != nil; node = node.next {
		if node.Offset <= request.Offset && node.End() > request.Offset {
			request.Item = node.Suballocation
			break
		}
	}

	return true, nil
}

// MakeAllocationsLost evicts every allocation in the block that is eligible under the provided params
func (m *GenericBlockMetadata) MakeAllocationsLost(eviction EvictionParams) (int, error) {
	eviction.CanMakeOtherLost = true

	var count int
	for node := m.first; node != nil; {
		if !node.IsFree() {
			lost, ok := eviction.evictable(node.UserData)
			if ok && lost.MakeLost(eviction.CurrentFrameIndex, eviction.FrameInUseCount) {
				node = m.freeAllocatedNode(node).next
				count++
				continue
			}
		}

		node = node.next
	}

	return count, nil
}

// Alloc commits an AllocationRequest object produced by CreateAllocationRequest
func (m *GenericBlockMetadata) Alloc(request AllocationRequest, allocType uint32, userData any) error {
	if request.Type != AllocationRequestNormal {
		return errors.Errorf("attempted to allocate a request of type %s, but that type isn't supported by the generic metadata", request.Type)
	}
	if request.ItemsToMakeLostCount > 0 {
		return errors.New("attempted to commit an eviction request before its allocations were made lost")
	}

	node, err := m.getNode(BlockAllocationHandle(request.Item.Offset+1))
	if err != nil {
		return err
	}
	if !node.IsFree() {
		return errors.Errorf("the region at offset %d is no longer free", node.Offset)
	}

	// The debug margin after the allocation belongs to the allocated region
	allocatedSize := request.Size + memutils.DebugMargin
	paddingBegin := request.Offset - node.Offset
	paddingEnd := node.Size - paddingBegin - allocatedSize
	if paddingBegin < 0 || paddingEnd < 0 {
		return errors.Errorf("the region at offset %d with size %d can no longer hold %d bytes at offset %d", node.Offset, node.Size, request.Size, request.Offset)
	}

	m.unregisterFree(node)
	m.nodes.Delete(node.handle())
	oldOffset := node.Offset

	node.Offset = request.Offset
	node.Size = allocatedSize
	node.Type = allocType
	node.UserData = userData
	m.nodes.Put(node.handle(), node)
	m.freeCount--

	if paddingEnd > 0 {
		after := m.newNode(node.End(), paddingEnd, nil, 0)
		m.insertAfter(node, after)
		m.registerFree(after)
		m.freeCount++
	}

	if paddingBegin > 0 {
		before := m.newNode(oldOffset, paddingBegin, nil, 0)
		m.insertBefore(node, before)
		m.registerFree(before)
		m.freeCount++
	}

	m.sumFreeSize -= allocatedSize
	m.granularityHandler.AllocPages(allocType, request.Offset, request.Size)
	return nil
}

// Free frees a suballocation within the block, merging it with free neighbors
func (m *GenericBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	node, err := m.getAllocatedNode(allocHandle)
	if err != nil {
		return err
	}

	m.freeAllocatedNode(node)
	return nil
}

// freeAllocatedNode marks node free, merges it with its neighbors, and returns the resulting free node
func (m *GenericBlockMetadata) freeAllocatedNode(node *genericNode) *genericNode {
	m.granularityHandler.FreePages(node.Offset, node.Size-memutils.DebugMargin)

	node.Type = 0
	node.UserData = nil
	m.freeCount++
	m.sumFreeSize += node.Size

	if next := node.next; next != nil && next.IsFree() {
		m.unregisterFree(next)
		node.Size += next.Size
		m.unlink(next)
		m.releaseNode(next)
		m.freeCount--
	}

	if prev := node.prev; prev != nil && prev.IsFree() {
		m.unregisterFree(prev)
		prev.Size += node.Size
		m.unlink(node)
		m.releaseNode(node)
		m.freeCount--
		node = prev
	}

	m.registerFree(node)
	return node
}
