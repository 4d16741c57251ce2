package metadata

import (
	"fmt"
	"math"
	"sort"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

type secondVectorMode uint32

const (
	SecondVectorModeEmpty secondVectorMode = iota
	SecondVectorModeRingBuffer
	SecondVectorModeDoubleStack
)

var secondVectorModeMapping = map[secondVectorMode]string{
	SecondVectorModeEmpty:       "SecondVectorModeEmpty",
	SecondVectorModeRingBuffer:  "SecondVectorModeRingBuffer",
	SecondVectorModeDoubleStack: "SecondVectorModeDoubleStack",
}

func (m secondVectorMode) String() string {
	return secondVectorModeMapping[m]
}

// LinearBlockMetadata is a BlockMetadata implementation that represents a simple
// vector memory arena.
//
// The LinearBlockMetadata has three operation modes:
//   - Stack, which is the default.  Allocations will be applied to the end of the
//     current block.  Deallocations will only free up space for new allocations when
//     taken from the end of the allocation.
//   - Double stack, which the metadata will switch to when it's in stack mode and
//     and a new allocation with upperAddress=true is requested. The metadata functions
//     like two stacks, with the second one allocated to with upperAddress=true
//   - Ring buffer, which the metadata will switch to if the stack grows large enough
//     to fill the main stack without transitioning to a double stack.  Ring buffers
//     operate like a double stack except that the consumer cannot choose which stack
//     to add new allocations to.  Instead, allocations will be added to the first
//     stack if the fit and second stack if they don't.  If a deallocation causes the entire
//     first stack to be freed, the stacks will be swapped with the empty stack becoming
//     the second stack.
//
// Eviction is only attempted when wrapping a ring buffer: the oldest allocations at the front
// of the first vector are made lost to make room for the new one.
type LinearBlockMetadata struct {
	BlockMetadataBase

	sumFreeSize      int
	suballocations0  []Suballocation
	suballocations1  []Suballocation
	firstVectorIndex int
	secondVectorMode secondVectorMode

	// Number of items in the first vector with nil allocations at the beginning
	firstNullItemsBeginCount int
	// Number of other items in the first vector with nil allocations in the middle
	firstNullItemsMiddleCount int
	// Number of items in the second vector with nil allocations
	secondNullItemsCount int
}

var _ BlockMetadata = &LinearBlockMetadata{}

// NewLinearBlockMetadata creates a new LinearBlockMetadata from granularity properties.
// The granularity properties are passed to NewBlockMetadata.
func NewLinearBlockMetadata(allocationGranularity int, granularityHandler GranularityCheck) *LinearBlockMetadata {
	return &LinearBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(allocationGranularity, granularityHandler),
		secondVectorMode:  SecondVectorModeEmpty,
		suballocations0:   []Suballocation{},
		suballocations1:   []Suballocation{},
	}
}

// SumFreeSize returns the number of free bytes of memory in the block.
func (m *LinearBlockMetadata) SumFreeSize() int {
	return m.sumFreeSize
}

// IsEmpty will return true if this block has no live suballocations
func (m *LinearBlockMetadata) IsEmpty() bool {
	return m.AllocationCount() == 0
}

// SupportsRandomAccess always returns false: allocation offsets are dictated by the arena
func (m *LinearBlockMetadata) SupportsRandomAccess() bool { return false }

// AllocationOffset accepts a BlockAllocationHandle that maps to a live region of memory
// (allocated or free) within the block and returns the offset in bytes within the block for that
// region of memory.
func (m *LinearBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	if allocHandle == NoAllocation || allocHandle == 0 {
		return 0, errors.Errorf("handle %d does not refer to a region in this block", allocHandle)
	}
	return int(allocHandle) - 1, nil
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *LinearBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.sumFreeSize = size
}

// Validate performs internal consistency checks on the metadata.
func (m *LinearBlockMetadata) Validate() error {
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if len(secondVector) == 0 && m.secondVectorMode != SecondVectorModeEmpty {
		return errors.New("the second vector mode isn't SecondVectorModeEmpty, but the second vector is empty")
	} else if len(secondVector) != 0 && m.secondVectorMode == SecondVectorModeEmpty {
		return errors.New("the second vector mode is SecondVectorModeEmpty, but the second vector isn't empty")
	}

	if m.firstNullItemsBeginCount+m.firstNullItemsMiddleCount > len(firstVector) {
		return errors.Errorf("metadata indicates that there are %d free items in the primary metadata, but there are only %d total items", m.firstNullItemsMiddleCount+m.firstNullItemsBeginCount, len(firstVector))
	}

	if m.secondNullItemsCount > len(secondVector) {
		return errors.Errorf("metadata indicates that there are %d free items in the secondary metadata, but there are only %d total items", m.secondNullItemsCount, len(secondVector))
	}

	if len(firstVector) != 0 {
		if m.firstNullItemsBeginCount == len(firstVector) || firstVector[m.firstNullItemsBeginCount].IsFree() {
			return errors.Errorf("there should only be %d free items at the beginning of the primary metadata, but there seem to be more", m.firstNullItemsBeginCount)
		}

		if firstVector[len(firstVector)-1].IsFree() {
			return errors.New("there should not be lingering free items at the end of the primary metadata")
		}
	}

	if len(secondVector) != 0 && secondVector[len(secondVector)-1].IsFree() {
		return errors.New("there should not be lingering free items at the end of the secondary metadata")
	}

	var sumUsedSize, offset int
	debugMargin := memutils.DebugMargin

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		if len(firstVector) == 0 {
			return errors.New("invalid ring buffer setup")
		}

		var nullItemSecondCount int
		for suballocIndex, suballoc := range secondVector {
			if suballoc.Offset < offset {
				return errors.Errorf("suballoc at index %d in the secondary ring buffer has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
			}

			if suballoc.IsFree() {
				nullItemSecondCount++
			} else {
				sumUsedSize += suballoc.Size
			}

			offset = suballoc.End() + debugMargin
		}

		if nullItemSecondCount != m.secondNullItemsCount {
			return errors.Errorf("counted %d null items in the secondary ring buffer, but metadata indicates we should have %d", nullItemSecondCount, m.secondNullItemsCount)
		}
	}

	nullItemsFirstCount := m.firstNullItemsBeginCount
	for suballocIndex := m.firstNullItemsBeginCount; suballocIndex < len(firstVector); suballocIndex++ {
		suballoc := firstVector[suballocIndex]

		if suballoc.Offset < offset {
			return errors.Errorf("suballoc at index %d in the primary vector has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
		}

		if suballoc.IsFree() {
			nullItemsFirstCount++
		} else {
			sumUsedSize += suballoc.Size
		}

		offset = suballoc.End() + debugMargin
	}

	if nullItemsFirstCount != m.firstNullItemsBeginCount+m.firstNullItemsMiddleCount {
		return errors.Errorf("counted %d null items in the primary vector, but metadata indicates we should have %d", nullItemsFirstCount, m.firstNullItemsMiddleCount+m.firstNullItemsBeginCount)
	}

	if m.secondVectorMode == SecondVectorModeDoubleStack {
		// The upper stack grows downward, so walk it from its top-of-stack upward
		var nullItemSecondCount int
		for suballocIndex := len(secondVector) - 1; suballocIndex >= 0; suballocIndex-- {
			suballoc := secondVector[suballocIndex]

			if suballoc.Offset < offset {
				return errors.Errorf("suballoc at index %d in the upper stack has offset %d- this collides with previous suballocations, expected offset %d", suballocIndex, suballoc.Offset, offset)
			}

			if suballoc.IsFree() {
				nullItemSecondCount++
			} else {
				sumUsedSize += suballoc.Size
			}

			offset = suballoc.End() + debugMargin
		}

		if nullItemSecondCount != m.secondNullItemsCount {
			return errors.Errorf("counted %d null items in the upper stack, but metadata indicates we should have %d", nullItemSecondCount, m.secondNullItemsCount)
		}
	}

	if offset > m.Size()+debugMargin {
		return errors.Errorf("calculated a combined maximum memory offset of %d, but the metadata indicates a total size of %d, which is smaller", offset, m.Size())
	}

	if m.sumFreeSize != m.Size()-sumUsedSize {
		return errors.Errorf("the metadata's free size %d and the calculated total block size %d don't add up to the metadata-reported size of %d", m.sumFreeSize, sumUsedSize, m.Size())
	}

	return nil
}

// AllocationCount returns the number of suballocations currently live in the implementation. This number
// should generally be the number of successful allocations minus the number of successful frees.
func (m *LinearBlockMetadata) AllocationCount() int {
	first := *m.accessSuballocationsFirst()
	second := *m.accessSuballocationsSecond()

	return len(first) - m.firstNullItemsBeginCount - m.firstNullItemsMiddleCount + len(second) - m.secondNullItemsCount
}

// FreeRegionsCount is supposed to return the number of unique regions of free memory in the block,
// for defragmentation.  LinearBlockMetadata cannot be defragmented, though, so this method just
// returns math.MaxInt
func (m *LinearBlockMetadata) FreeRegionsCount() int {
	return math.MaxInt
}

func (m *LinearBlockMetadata) visitRun(
	run []Suballocation,
	reverse bool,
	lastOffset *int,
	end int,
	handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error,
) error {
	visit := func(suballoc Suballocation) error {
		if suballoc.IsFree() {
			return nil
		}

		if *lastOffset < suballoc.Offset {
			err := handleBlock(BlockAllocationHandle(*lastOffset+1), *lastOffset, suballoc.Offset-*lastOffset, nil, true)
			if err != nil {
				return err
			}
		}

		err := handleBlock(BlockAllocationHandle(suballoc.Offset+1), suballoc.Offset, suballoc.Size, suballoc.UserData, false)
		if err != nil {
			return err
		}

		*lastOffset = suballoc.End()
		return nil
	}

	if reverse {
		for index := len(run) - 1; index >= 0; index-- {
			if err := visit(run[index]); err != nil {
				return err
			}
		}
	} else {
		for _, suballoc := range run {
			if err := visit(suballoc); err != nil {
				return err
			}
		}
	}

	if *lastOffset < end {
		err := handleBlock(BlockAllocationHandle(*lastOffset+1), *lastOffset, end-*lastOffset, nil, true)
		if err != nil {
			return err
		}
		*lastOffset = end
	}

	return nil
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the block, in offset order.
func (m *LinearBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	firstVector := (*m.accessSuballocationsFirst())
	if m.firstNullItemsBeginCount < len(firstVector) {
		firstVector = firstVector[m.firstNullItemsBeginCount:]
	} else {
		firstVector = nil
	}
	secondVector := *m.accessSuballocationsSecond()
	lastOffset := 0

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		err := m.visitRun(secondVector, false, &lastOffset, firstVector[0].Offset, handleBlock)
		if err != nil {
			return err
		}
	}

	firstEnd := m.size
	if m.secondVectorMode == SecondVectorModeDoubleStack {
		firstEnd = secondVector[len(secondVector)-1].Offset
	}

	err := m.visitRun(firstVector, false, &lastOffset, firstEnd, handleBlock)
	if err != nil {
		return err
	}

	if m.secondVectorMode == SecondVectorModeDoubleStack {
		return m.visitRun(secondVector, true, &lastOffset, m.size, handleBlock)
	}

	return nil
}

// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
// in the provided memutils.DetailedStatistics object.
func (m *LinearBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()

	_ = m.VisitAllRegions(
		func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				stats.AddUnusedRange(size)
			} else {
				stats.AddAllocation(size)
			}

			return nil
		})
}

// AddStatistics sums this block's allocation statistics into the statistics currently present in the
// provided memutils.Statistics object.
func (m *LinearBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	stats.AllocationCount += m.AllocationCount()
	stats.AllocationBytes += m.size - m.sumFreeSize
}

// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the implementation
// would prefer to allocate the requested memory. That object can be passed to Alloc to commit the
// allocation.
//
// upperAddress - This parameter indicates that the allocation should be made in the upper stack if true.
// It is an invalid usage to pass true while the block is operating as a ring buffer.
// strategy - Ignored, the placement is always dictated by the arena.
// eviction - Only consulted when the allocation would wrap around a ring buffer.
func (m *LinearBlockMetadata) CreateAllocationRequest(
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
	memutils.DebugValidate(m)

	allocRequest := AllocationRequest{
		Size:      allocSize,
		AllocType: allocType,
	}

	var success bool
	if upperAddress {
		var err error
		success, err = m.populateAllocationRequestUpper(allocSize, allocAlignment, allocType, &allocRequest)
		if err != nil {
			return false, allocRequest, err
		}
	} else {
		success = m.populateAllocationRequestLower(allocSize, allocAlignment, allocType, eviction, &allocRequest)
	}

	if !success || allocRequest.Offset >= maxOffset {
		return false, allocRequest, nil
	}

	allocRequest.BlockAllocationHandle = BlockAllocationHandle(allocRequest.Offset + 1)
	allocRequest.Item = Suballocation{Offset: allocRequest.Offset, Size: allocSize, Type: allocType}
	return true, allocRequest, nil
}

// CheckCorruption verifies the corruption-detection marker after every allocation in the block
func (m *LinearBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	firstVector := *m.accessSuballocationsFirst()

	for i := m.firstNullItemsBeginCount; i < len(firstVector); i++ {
		suballoc := firstVector[i]
		if !suballoc.IsFree() && !memutils.ValidateMagicValue(blockData, suballoc.End()) {
			return memutils.Corruptionf("marker after allocation at offset %d was overwritten", suballoc.Offset)
		}
	}

	secondVector := *m.accessSuballocationsSecond()
	for i := 0; i < len(secondVector); i++ {
		suballoc := secondVector[i]
		if !suballoc.IsFree() && !memutils.ValidateMagicValue(blockData, suballoc.End()) {
			return memutils.Corruptionf("marker after allocation at offset %d was overwritten", suballoc.Offset)
		}
	}

	return nil
}

// MakeRequestedAllocationsLost evicts the allocations at the front of the first vector that a ring
// buffer request would overwrite
func (m *LinearBlockMetadata) MakeRequestedAllocationsLost(request *AllocationRequest, eviction EvictionParams) (bool, error) {
	if request.ItemsToMakeLostCount == 0 {
		return true, nil
	}

	if request.Type != AllocationRequestEndOf2nd {
		return false, errors.Errorf("requests of type %s cannot evict allocations", request.Type)
	}

	firstVector := *m.accessSuballocationsFirst()
	end := request.Offset + request.Size + memutils.DebugMargin
	success := true

	for index := m.firstNullItemsBeginCount; index < len(firstVector) && request.ItemsToMakeLostCount > 0; index++ {
		suballoc := &firstVector[index]
		if suballoc.IsFree() {
			continue
		}
		if suballoc.Offset >= end {
			break
		}

		lost, ok := suballoc.UserData.(LostAllocation)
		if !ok || !lost.MakeLost(eviction.CurrentFrameIndex, eviction.FrameInUseCount) {
			success = false
			break
		}

		m.sumFreeSize += suballoc.Size
		suballoc.Type = 0
		suballoc.UserData = nil
		m.firstNullItemsMiddleCount++
		request.ItemsToMakeLostCount--
	}

	m.cleanupAfterFree()

	if success && request.ItemsToMakeLostCount != 0 {
		return false, errors.Errorf("%d allocations to make lost were not found at the front of the ring buffer", request.ItemsToMakeLostCount)
	}

	return success, nil
}

// MakeAllocationsLost evicts every allocation in the block that is eligible under the provided params
func (m *LinearBlockMetadata) MakeAllocationsLost(eviction EvictionParams) (int, error) {
	eviction.CanMakeOtherLost = true

	var count int
	firstVector := *m.accessSuballocationsFirst()
	for index := m.firstNullItemsBeginCount; index < len(firstVector); index++ {
		suballoc := &firstVector[index]
		if suballoc.IsFree() {
			continue
		}

		lost, ok := eviction.evictable(suballoc.UserData)
		if ok && lost.MakeLost(eviction.CurrentFrameIndex, eviction.FrameInUseCount) {
			m.sumFreeSize += suballoc.Size
			suballoc.Type = 0
			suballoc.UserData = nil
			m.firstNullItemsMiddleCount++
			count++
		}
	}

	secondVector := *m.accessSuballocationsSecond()
	for index := range secondVector {
		suballoc := &secondVector[index]
		if suballoc.IsFree() {
			continue
		}

		lost, ok := eviction.evictable(suballoc.UserData)
		if ok && lost.MakeLost(eviction.CurrentFrameIndex, eviction.FrameInUseCount) {
			m.sumFreeSize += suballoc.Size
			suballoc.Type = 0
			suballoc.UserData = nil
			m.secondNullItemsCount++
			count++
		}
	}

	if count > 0 {
		m.cleanupAfterFree()
	}

	return count, nil
}

// Alloc commits an AllocationRequest object, creating the suballocation within the block based
// on the data described in the AllocationRequest. The implementation must return an error if the
// allocation is no longer valid- i.e. the requested free region no longer exists, is not free,
// offset has changed, is no longer large enough to support the request, etc.
func (m *LinearBlockMetadata) Alloc(req AllocationRequest, allocType uint32, userData any) error {
	if req.ItemsToMakeLostCount > 0 {
		return errors.New("attempted to commit an eviction request before its allocations were made lost")
	}

	offset := req.Offset
	newSuballoc := Suballocation{
		Offset:   offset,
		Size:     req.Size,
		UserData: userData,
		Type:     allocType,
	}

	firstVector := m.accessSuballocationsFirst()
	secondVector := m.accessSuballocationsSecond()

	switch req.Type {
	case AllocationRequestUpperAddress:
		if m.secondVectorMode == SecondVectorModeRingBuffer {
			return memutils.InvalidUsagef("trying to use linear allocator as double stack while it was already being used as a ring buffer")
		}
		*secondVector = append(*secondVector, newSuballoc)
		m.secondVectorMode = SecondVectorModeDoubleStack
	case AllocationRequestEndOf1st:
		if err := m.appendFirst(newSuballoc); err != nil {
			return err
		}
	case AllocationRequestEndOf2nd:
		if m.secondVectorMode == SecondVectorModeDoubleStack {
			return memutils.InvalidUsagef("attempted to allocate as a ring buffer when the vector was marked as a stack")
		}

		// Eviction may have emptied and swapped the vectors, leaving this request at the end of the first vector
		liveFirst := len(*firstVector) - m.firstNullItemsBeginCount
		if liveFirst == 0 || offset >= (*firstVector)[len(*firstVector)-1].End() {
			if err := m.appendFirst(newSuballoc); err != nil {
				return err
			}
			break
		}

		if offset+req.Size > (*firstVector)[m.firstNullItemsBeginCount].Offset {
			return errors.New("attempted to allocate memory into the second part of a ring buffer, but the allocation extended into the first part of the ring buffer")
		}

		if len(*secondVector) > 0 && offset < (*secondVector)[len(*secondVector)-1].End() {
			return errors.New("attempted to allocate memory in the middle of the second part of a ring buffer")
		}

		*secondVector = append(*secondVector, newSuballoc)
		m.secondVectorMode = SecondVectorModeRingBuffer
	default:
		return errors.Errorf("attempted to allocate a request of type %s, but that type isn't supported by the Linear metadata", req.Type)
	}

	m.sumFreeSize -= newSuballoc.Size
	return nil
}

func (m *LinearBlockMetadata) appendFirst(suballoc Suballocation) error {
	firstVector := m.accessSuballocationsFirst()

	if len(*firstVector) > 0 {
		lastItem := (*firstVector)[len(*firstVector)-1]
		if suballoc.Offset < lastItem.End() {
			return errors.New("attempted to allocate memory in the middle of active memory")
		}
	}

	end := m.size
	if m.secondVectorMode == SecondVectorModeDoubleStack {
		secondVector := *m.accessSuballocationsSecond()
		end = secondVector[len(secondVector)-1].Offset
	}
	if suballoc.End() > end {
		return errors.New("attempted to allocate memory past the end of the free space")
	}

	*firstVector = append(*firstVector, suballoc)
	return nil
}

// Free frees a suballocation within the block, causing it to become a free region once again.
//
// The implementation must return an error if the provided handle does not map to a live allocation
// within this block.
func (m *LinearBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	firstVectorPtr := m.accessSuballocationsFirst()
	firstVector := *firstVectorPtr
	secondVectorPtr := m.accessSuballocationsSecond()
	secondVector := *secondVectorPtr

	offset := int(allocHandle) - 1

	if m.firstNullItemsBeginCount < len(firstVector) {
		// We're freeing the first allocation, mark it as empty at the beginning
		firstSuballoc := &(firstVector[m.firstNullItemsBeginCount])
		if firstSuballoc.Offset == offset {
			m.sumFreeSize += firstSuballoc.Size
			firstSuballoc.Type = 0
			firstSuballoc.UserData = nil
			m.firstNullItemsBeginCount++
			m.cleanupAfterFree()
			return nil
		}
	}

	// Last allocation in a ring buffer or top of upper stack, drop it from the end
	if len(secondVector) > 0 {
		lastSuballoc := secondVector[len(secondVector)-1]
		if lastSuballoc.Offset == offset {
			m.sumFreeSize += lastSuballoc.Size
			*secondVectorPtr = secondVector[:len(secondVector)-1]
			m.cleanupAfterFree()
			return nil
		}
	}

	if len(firstVector) > 0 && m.secondVectorMode != SecondVectorModeRingBuffer {
		// Last allocation in first vector
		lastSuballoc := firstVector[len(firstVector)-1]
		if lastSuballoc.Offset == offset {
			m.sumFreeSize += lastSuballoc.Size
			*firstVectorPtr = firstVector[:len(firstVector)-1]
			m.cleanupAfterFree()
			return nil
		}
	}

	suballoc, inFirst, err := m.findSuballocation(offset)
	if err != nil {
		return err
	}

	m.sumFreeSize += suballoc.Size
	suballoc.Type = 0
	suballoc.UserData = nil
	if inFirst {
		m.firstNullItemsMiddleCount++
	} else {
		m.secondNullItemsCount++
	}
	m.cleanupAfterFree()
	return nil
}

// AllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the block
// and returns the userdata value provided by the consumer for that allocation.
func (m *LinearBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	suballoc, _, err := m.findSuballocation(int(allocHandle) - 1)
	if err != nil {
		return nil, err
	}
	return suballoc.UserData, nil
}

// AllocationListBegin will return an error because LinearBlockMetadata does not allow random access to allocations
func (m *LinearBlockMetadata) AllocationListBegin() (BlockAllocationHandle, error) {
	return NoAllocation, errors.New("this allocator does not support random access")
}

// FindNextAllocation will return an error because LinearBlockMetadata does not allow random access to allocations
func (m *LinearBlockMetadata) FindNextAllocation(allocHandle BlockAllocationHandle) (BlockAllocationHandle, error) {
	return NoAllocation, errors.New("this allocator does not support random access")
}

// Clear instantly frees all allocations and and resets the state of the metadata
func (m *LinearBlockMetadata) Clear() {
	m.sumFreeSize = m.size
	m.suballocations0 = m.suballocations0[:0]
	m.suballocations1 = m.suballocations1[:0]
	m.firstVectorIndex = 0
	m.secondVectorMode = SecondVectorModeEmpty
	m.firstNullItemsMiddleCount = 0
	m.firstNullItemsBeginCount = 0
	m.secondNullItemsCount = 0
}

// SetAllocationUserData accepts a BlockAllocationHandle that maps to a live allocation within the
// block and a userData value. The allocation's userData is changed to the provided userData.
func (m *LinearBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	suballoc, _, err := m.findSuballocation(int(allocHandle) - 1)
	if err != nil {
		return err
	}
	suballoc.UserData = userData
	return nil
}

// findSuballocation locates the live allocation at offset, reporting whether it lives in the first vector
func (m *LinearBlockMetadata) findSuballocation(offset int) (*Suballocation, bool, error) {
	firstVector := *m.accessSuballocationsFirst()
	virtualLen := len(firstVector) - m.firstNullItemsBeginCount
	virtualIndex, found := sort.Find(virtualLen, func(virtualIndex int) int {
		return offset - firstVector[virtualIndex+m.firstNullItemsBeginCount].Offset
	})
	if found {
		suballoc := &(firstVector[virtualIndex+m.firstNullItemsBeginCount])
		if suballoc.IsFree() {
			return nil, false, errors.Errorf("allocation at offset %d has already been freed", offset)
		}
		return suballoc, true, nil
	}

	secondVector := *m.accessSuballocationsSecond()
	var index int
	if m.secondVectorMode == SecondVectorModeDoubleStack {
		// The upper stack is sorted by descending offset
		index, found = sort.Find(len(secondVector), func(index int) int {
			return secondVector[index].Offset - offset
		})
	} else {
		index, found = sort.Find(len(secondVector), func(index int) int {
			return offset - secondVector[index].Offset
		})
	}
	if found {
		suballoc := &(secondVector[index])
		if suballoc.IsFree() {
			return nil, false, errors.Errorf("allocation at offset %d has already been freed", offset)
		}
		return suballoc, false, nil
	}

	return nil, false, errors.Errorf("allocation at offset %d not found in linear allocator", offset)
}

func (m *LinearBlockMetadata) shouldCompactFirstVector() bool {
	nullItemCount := m.firstNullItemsBeginCount + m.firstNullItemsMiddleCount
	firstVector := *m.accessSuballocationsFirst()

	return len(firstVector) > 32 && nullItemCount*2 >= (len(firstVector)-nullItemCount)*3
}

func (m *LinearBlockMetadata) cleanupAfterFree() {
	firstVectorPtr := m.accessSuballocationsFirst()
	firstVector := *firstVectorPtr
	secondVectorPtr := m.accessSuballocationsSecond()
	secondVector := *secondVectorPtr

	if m.IsEmpty() {
		m.suballocations0 = m.suballocations0[:0]
		m.suballocations1 = m.suballocations1[:0]
		m.firstVectorIndex = 0
		m.firstNullItemsBeginCount = 0
		m.firstNullItemsMiddleCount = 0
		m.secondNullItemsCount = 0
		m.secondVectorMode = SecondVectorModeEmpty
		return
	}

	nullItemsCount := m.firstNullItemsBeginCount + m.firstNullItemsMiddleCount
	if nullItemsCount > len(firstVector) {
		panic(fmt.Sprintf("the metadata expects %d free allocations in the first vector, but only %d total allocations exist", nullItemsCount, len(firstVector)))
	}

	// Find more null items at the beginning of the first vector
	for m.firstNullItemsBeginCount < len(firstVector) && firstVector[m.firstNullItemsBeginCount].IsFree() {
		m.firstNullItemsBeginCount++
		m.firstNullItemsMiddleCount--
	}

	// Find more null items at the end of the first vector
	for m.firstNullItemsMiddleCount > 0 && firstVector[len(firstVector)-1].IsFree() {
		m.firstNullItemsMiddleCount--
		firstVector = firstVector[:len(firstVector)-1]
	}
	*firstVectorPtr = firstVector

	// Find more null items at the end of the second vector
	for m.secondNullItemsCount > 0 && secondVector[len(secondVector)-1].IsFree() {
		m.secondNullItemsCount--
		secondVector = secondVector[:len(secondVector)-1]
	}

	// Find more null items at the beginning of the second vector
	removeFromBeginning := 0
	for m.secondNullItemsCount > 0 && secondVector[removeFromBeginning].IsFree() {
		m.secondNullItemsCount--
		removeFromBeginning++
	}
	secondVector = secondVector[removeFromBeginning:]
	*secondVectorPtr = secondVector

	if m.shouldCompactFirstVector() {
		nonNullItemCount := len(firstVector) - m.firstNullItemsBeginCount - m.firstNullItemsMiddleCount
		srcIndex := m.firstNullItemsBeginCount
		for dstIndex := 0; dstIndex < nonNullItemCount; dstIndex++ {
			for firstVector[srcIndex].IsFree() {
				srcIndex++
			}

			if dstIndex != srcIndex {
				firstVector[dstIndex] = firstVector[srcIndex]
			}
			srcIndex++
		}

		firstVector = firstVector[:nonNullItemCount]
		*firstVectorPtr = firstVector
		m.firstNullItemsBeginCount = 0
		m.firstNullItemsMiddleCount = 0
	}

	if len(secondVector) == 0 {
		m.secondVectorMode = SecondVectorModeEmpty
	}

	// First vector became empty
	if len(firstVector)-m.firstNullItemsBeginCount == 0 {
		*firstVectorPtr = firstVector[:0]
		m.firstNullItemsBeginCount = 0
		m.firstNullItemsMiddleCount = 0

		if len(secondVector) > 0 && m.secondVectorMode == SecondVectorModeRingBuffer {
			// Swap vectors
			m.secondVectorMode = SecondVectorModeEmpty
			m.firstNullItemsMiddleCount = m.secondNullItemsCount
			m.secondNullItemsCount = 0

			for m.firstNullItemsBeginCount < len(secondVector) && secondVector[m.firstNullItemsBeginCount].IsFree() {
				m.firstNullItemsBeginCount++
				m.firstNullItemsMiddleCount--
			}
			m.firstVectorIndex ^= 1
		}
	}
}

// allocationsConflict asks the granularity handler about a pair of payload kinds, lowest kind first
func (m *LinearBlockMetadata) allocationsConflict(firstAllocType, secondAllocType uint32) bool {
	if firstAllocType > secondAllocType {
		firstAllocType, secondAllocType = secondAllocType, firstAllocType
	}

	return m.granularityHandler.AllocationsConflict(firstAllocType, secondAllocType)
}

// hasGranularityConflictBefore returns true if any item of run, walked backward from its end,
// shares a page with resultOffset and conflicts with allocType
func (m *LinearBlockMetadata) hasGranularityConflictBefore(run []Suballocation, resultOffset int, allocType uint32) bool {
	for prevSuballocIndex := len(run) - 1; prevSuballocIndex >= 0; prevSuballocIndex-- {
		prevSuballoc := run[prevSuballocIndex]
		if prevSuballoc.IsFree() {
			continue
		}

		if !m.blocksOnSamePage(prevSuballoc.Offset, prevSuballoc.Size, resultOffset) {
			// We've passed beyond the bounds of the result offset's page
			return false
		}

		if m.allocationsConflict(prevSuballoc.Type, allocType) {
			return true
		}
	}

	return false
}

// hasGranularityConflictAfter returns true if any item yielded by next, in ascending offset order,
// shares a page with the end of the proposed allocation and conflicts with allocType
func (m *LinearBlockMetadata) hasGranularityConflictAfter(resultOffset, allocSize int, allocType uint32, count int, next func(int) Suballocation) bool {
	for index := 0; index < count; index++ {
		nextSuballoc := next(index)
		if nextSuballoc.IsFree() {
			continue
		}

		if !m.blocksOnSamePage(resultOffset, allocSize, nextSuballoc.Offset) {
			return false
		}

		if m.allocationsConflict(allocType, nextSuballoc.Type) {
			return true
		}
	}

	return false
}

func (m *LinearBlockMetadata) populateAllocationRequestLower(
	allocSize int, allocAlignment uint,
	allocType uint32,
	eviction *EvictionParams,
	allocRequest *AllocationRequest,
) bool {
	debugMargin := memutils.DebugMargin
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()
	checkGranularity := m.allocationGranularity > 1 && m.allocationGranularity != int(allocAlignment)

	if m.secondVectorMode == SecondVectorModeEmpty || m.secondVectorMode == SecondVectorModeDoubleStack {
		// Try to allocate at the end of the first vector
		var resultBaseOffset int
		if len(firstVector) > 0 {
			resultBaseOffset = firstVector[len(firstVector)-1].End() + debugMargin
		}

		resultOffset := memutils.AlignUp(resultBaseOffset, allocAlignment)

		if checkGranularity && m.hasGranularityConflictBefore(firstVector, resultOffset, allocType) {
			resultOffset = memutils.AlignUp(resultOffset, uint(m.allocationGranularity))
		}

		freeSpaceEnd := m.size
		if m.secondVectorMode == SecondVectorModeDoubleStack {
			// First vector only goes to the beginning of the second vector in a double stack
			freeSpaceEnd = secondVector[len(secondVector)-1].Offset
		}

		if resultOffset+allocSize+debugMargin <= freeSpaceEnd {
			if m.secondVectorMode == SecondVectorModeDoubleStack && m.allocationGranularity > 1 &&
				m.hasGranularityConflictAfter(resultOffset, allocSize, allocType, len(secondVector), func(index int) Suballocation {
					return secondVector[len(secondVector)-1-index]
				}) {
				// We're already as far back as we can manage, so there's no room to place this alloc
				return false
			}

			allocRequest.Offset = resultOffset
			allocRequest.Type = AllocationRequestEndOf1st
			allocRequest.SumFreeSize = freeSpaceEnd - resultBaseOffset
			return true
		}
	}

	// In a ring buffer (or empty if we're out of space), we'll attempt to allocate at the end of the second vector
	if m.secondVectorMode != SecondVectorModeEmpty && m.secondVectorMode != SecondVectorModeRingBuffer {
		return false
	}
	if len(firstVector) == 0 {
		// Nothing to wrap around
		return false
	}

	var resultBaseOffset int
	if len(secondVector) > 0 {
		resultBaseOffset = secondVector[len(secondVector)-1].End() + debugMargin
	}

	resultOffset := memutils.AlignUp(resultBaseOffset, allocAlignment)

	if checkGranularity && m.hasGranularityConflictBefore(secondVector, resultOffset, allocType) {
		resultOffset = memutils.AlignUp(resultOffset, uint(m.allocationGranularity))
	}

	end := resultOffset + allocSize + debugMargin
	if end > m.size {
		return false
	}

	// Walk the front of the first vector until the allocation fits, collecting victims along the way
	index := m.firstNullItemsBeginCount
	var itemsToMakeLost, sumItemSize int
	for ; index < len(firstVector) && firstVector[index].Offset < end; index++ {
		suballoc := firstVector[index]
		if suballoc.IsFree() {
			continue
		}

		if _, ok := eviction.evictable(suballoc.UserData); !ok {
			return false
		}

		itemsToMakeLost++
		sumItemSize += suballoc.Size
	}

	freeSpaceEnd := m.size
	if index < len(firstVector) {
		freeSpaceEnd = firstVector[index].Offset
	}

	if m.allocationGranularity > 1 &&
		m.hasGranularityConflictAfter(resultOffset, allocSize, allocType, len(firstVector)-index, func(i int) Suballocation {
			return firstVector[index+i]
		}) {
		// We're back as far as we can be and still have a granularity conflict with the next suballoc
		return false
	}

	allocRequest.Offset = resultOffset
	allocRequest.Type = AllocationRequestEndOf2nd
	allocRequest.SumFreeSize = freeSpaceEnd - resultBaseOffset - sumItemSize
	allocRequest.SumItemSize = sumItemSize
	allocRequest.ItemsToMakeLostCount = itemsToMakeLost
	return true
}

// MayHaveFreeBlock returns false if the block has fewer than size free bytes
func (m *LinearBlockMetadata) MayHaveFreeBlock(allocType uint32, size int) bool {
	return size <= m.sumFreeSize
}

func (m *LinearBlockMetadata) populateAllocationRequestUpper(
	allocSize int, allocAlignment uint,
	allocType uint32,
	allocRequest *AllocationRequest,
) (bool, error) {
	firstVector := *m.accessSuballocationsFirst()
	secondVector := *m.accessSuballocationsSecond()

	if m.secondVectorMode == SecondVectorModeRingBuffer {
		return false, memutils.InvalidUsagef("ring buffers cannot allocate using upperAddress, that is reserved for double stacks")
	}

	debugMargin := memutils.DebugMargin
	upperEnd := m.size
	// If there are items in the second vector, we need to put this item below the last item in the second vector
	if len(secondVector) > 0 {
		upperEnd = secondVector[len(secondVector)-1].Offset
	}

	if allocSize+debugMargin > upperEnd {
		// Allocation can't fit into the upper end
		return false, nil
	}

	resultOffset := memutils.AlignDown(upperEnd-allocSize-debugMargin, allocAlignment)

	// Check next suballocations from second vector for granularity conflicts. Move down if necessary
	if m.allocationGranularity > 1 && m.allocationGranularity != int(allocAlignment) &&
		m.hasGranularityConflictAfter(resultOffset, allocSize, allocType, len(secondVector), func(index int) Suballocation {
			return secondVector[len(secondVector)-1-index]
		}) {
		// Align down the last byte of the allocation so that it leaves the conflicting page
		endPage := memutils.AlignDown(resultOffset+allocSize-1, uint(m.allocationGranularity))
		if endPage < allocSize {
			return false, nil
		}
		resultOffset = memutils.AlignDown(endPage-allocSize, allocAlignment)
	}

	// We have a good offset & size for the second vector, but we need to check whether it collides with the first
	firstVectorEndOffset := 0
	if len(firstVector) > 0 {
		firstVectorEndOffset = firstVector[len(firstVector)-1].End()
	}

	if firstVectorEndOffset+debugMargin > resultOffset {
		// We backed the result offset into the end of the first vector
		return false, nil
	}

	if m.allocationGranularity > 1 && m.hasGranularityConflictBefore(firstVector, resultOffset, allocType) {
		// Conflict with a block at the end of the first vector, and there's no room to maneuver
		return false, nil
	}

	allocRequest.Offset = resultOffset
	allocRequest.Type = AllocationRequestUpperAddress
	allocRequest.SumFreeSize = upperEnd - firstVectorEndOffset
	return true, nil
}

func (m *LinearBlockMetadata) accessSuballocationsFirst() *[]Suballocation {
	if m.firstVectorIndex != 0 {
		return &m.suballocations1
	}

	return &m.suballocations0
}

func (m *LinearBlockMetadata) accessSuballocationsSecond() *[]Suballocation {
	if m.firstVectorIndex != 0 {
		return &m.suballocations0
	}

	return &m.suballocations1
}
