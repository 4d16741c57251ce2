package allocator

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/allocator/internal/devmem"
	"github.com/vkngwrapper/suballoc/allocator/internal/slotmap"
	"github.com/vkngwrapper/suballoc/allocator/internal/utils"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

// WholeSize can be passed as the size to Allocation.Flush and Allocation.Invalidate to indicate
// the rest of the allocation
const WholeSize int = -1

// LostFrameIndex is the last-use frame index reported by an allocation that has been made lost
const LostFrameIndex = metadata.FrameIndexLost

const (
	createdFillPattern   uint8 = 0xDC
	destroyedFillPattern uint8 = 0xEF
)

type allocationType byte

const (
	allocationTypeNone allocationType = iota
	allocationTypeBlock
	allocationTypeDedicated
)

var allocationTypeMapping = map[allocationType]string{
	allocationTypeNone:      "allocationTypeNone",
	allocationTypeBlock:     "allocationTypeBlock",
	allocationTypeDedicated: "allocationTypeDedicated",
}

func (t allocationType) String() string {
	return allocationTypeMapping[t]
}

type allocationFlags uint32

const (
	allocationPersistentMap allocationFlags = 1 << iota
	allocationMappingAllowed
	allocationCanBecomeLost
	allocationCanAlias
)

var allocationFlagsMapping = utils.NewFlagStringMapping[allocationFlags]()

func init() {
	allocationFlagsMapping.Register(allocationPersistentMap, "allocationPersistentMap")
	allocationFlagsMapping.Register(allocationMappingAllowed, "allocationMappingAllowed")
	allocationFlagsMapping.Register(allocationCanBecomeLost, "allocationCanBecomeLost")
	allocationFlagsMapping.Register(allocationCanAlias, "allocationCanAlias")
}

type blockData struct {
	handle metadata.BlockAllocationHandle
	offset int
	block  *deviceMemoryBlock
}

type dedicatedData struct {
	parentPool *Pool
	handle     slotmap.Handle
}

// Allocation is a single range of device memory handed out by the Allocator. Allocation values are
// owned by the caller and populated by Allocator.AllocateMemory or Allocator.AllocateMemorySlice. An
// Allocation must not be copied once it has been populated.
type Allocation struct {
	alignment uint
	size      int
	userData  any
	name      string
	flags     allocationFlags

	memoryTypeIndex   int
	allocationType    allocationType
	suballocationType suballocationType
	memory            *devmem.SynchronizedMemory

	// mapCount is the number of live Mapping objects
	mapCount atomic.Int32
	// lastUseFrameIndex is LostFrameIndex once the allocation has been made lost
	lastUseFrameIndex atomic.Int64

	parentAllocator *Allocator

	blockData     blockData
	dedicatedData dedicatedData
}

func (a *Allocation) init(allocator *Allocator, flags allocationFlags) {
	a.alignment = 1
	a.size = 0
	a.userData = nil
	a.name = ""
	a.flags = flags

	a.memoryTypeIndex = 0
	a.allocationType = allocationTypeNone
	a.suballocationType = suballocationFree
	a.memory = nil
	a.mapCount.Store(0)
	a.lastUseFrameIndex.Store(int64(allocator.CurrentFrameIndex()))
	a.parentAllocator = allocator

	a.blockData = blockData{}
	a.dedicatedData = dedicatedData{}
}

func (a *Allocation) initBlockAllocation(
	block *deviceMemoryBlock,
	allocHandle metadata.BlockAllocationHandle,
	offset int,
	alignment uint,
	size int,
	memoryTypeIndex int,
	suballocType suballocationType,
	mapped bool,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if block == nil || block.memory == nil {
		panic("attempting to init a block allocation using a nil memory block")
	}
	a.allocationType = allocationTypeBlock
	a.alignment = alignment
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	if mapped && !a.IsMappingAllowed() {
		panic("attempting to initialize an allocation for mapping that was created without mapping capabilities")
	} else if mapped {
		a.flags |= allocationPersistentMap
	}

	a.suballocationType = suballocType
	a.memory = block.memory
	a.blockData.handle = allocHandle
	a.blockData.offset = offset
	a.blockData.block = block
}

func (a *Allocation) initDedicatedAllocation(
	parentPool *Pool,
	memoryTypeIndex int,
	memory *devmem.SynchronizedMemory,
	suballocType suballocationType,
	size int,
) {
	if a.allocationType != allocationTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if memory == nil {
		panic("attempting to init a dedicated allocation using a nil device memory")
	}
	a.allocationType = allocationTypeDedicated
	a.alignment = 0
	a.size = size
	a.memoryTypeIndex = memoryTypeIndex
	a.suballocationType = suballocType
	if memory.MappedData() != nil && !a.IsMappingAllowed() {
		panic("attempting to initialize an allocation for mapping that was created without mapping capabilities")
	} else if memory.MappedData() != nil {
		a.flags |= allocationPersistentMap
	}

	// Dedicated blocks are never evicted
	a.flags &^= allocationCanBecomeLost
	a.dedicatedData.parentPool = parentPool
	a.memory = memory
}

// reset returns the allocation to its unpopulated state after it has been freed
func (a *Allocation) reset() {
	a.allocationType = allocationTypeNone
	a.memory = nil
	a.blockData = blockData{}
	a.dedicatedData = dedicatedData{}
	a.parentAllocator = nil
}

func (a *Allocation) SetName(name string) {
	a.name = name
}

func (a *Allocation) SetUserData(userData any) {
	a.userData = userData
}

func (a *Allocation) UserData() any {
	return a.userData
}

func (a *Allocation) Name() string {
	return a.name
}

func (a *Allocation) MemoryTypeIndex() int   { return a.memoryTypeIndex }
func (a *Allocation) Size() int              { return a.size }
func (a *Allocation) Alignment() uint        { return a.alignment }
func (a *Allocation) Kind() PayloadKind      { return PayloadKind(a.suballocationType - 1) }
func (a *Allocation) IsDedicated() bool      { return a.allocationType == allocationTypeDedicated }
func (a *Allocation) isPersistentMap() bool  { return a.flags&allocationPersistentMap != 0 }
func (a *Allocation) IsMappingAllowed() bool { return a.flags&allocationMappingAllowed != 0 }
func (a *Allocation) canAlias() bool         { return a.flags&allocationCanAlias != 0 }
func (a *Allocation) isPopulated() bool      { return a.allocationType != allocationTypeNone }
func (a *Allocation) LastUseFrameIndex() int { return int(a.lastUseFrameIndex.Load()) }
func (a *Allocation) IsLost() bool           { return a.LastUseFrameIndex() == LostFrameIndex }
func (a *Allocation) Memory() device.Memory  { return a.memory.Memory() }

func (a *Allocation) heapIndex() int {
	return a.parentAllocator.deviceMemory.MemoryTypeIndexToHeapIndex(a.memoryTypeIndex)
}

func (a *Allocation) deviceMemory() *devmem.DeviceMemoryProperties {
	return a.parentAllocator.deviceMemory
}

func (a *Allocation) MemoryType() device.MemoryType {
	return a.parentAllocator.deviceMemory.MemoryTypeProperties(a.memoryTypeIndex)
}

// Offset returns the offset of the allocation within its memory block. It blocks while a
// defragmentation pass is underway on the allocation's block list.
func (a *Allocation) Offset() int {
	if a.allocationType != allocationTypeBlock {
		return 0
	}

	list := a.blockData.block.parentList
	list.mutex.RLock()
	defer list.mutex.RUnlock()

	return a.blockData.offset
}

func (a *Allocation) offset() int {
	if a.allocationType == allocationTypeBlock {
		return a.blockData.offset
	}

	return 0
}

// ParentPool returns the custom pool the allocation was made from, or nil
func (a *Allocation) ParentPool() *Pool {
	switch a.allocationType {
	case allocationTypeBlock:
		return a.blockData.block.parentPool
	case allocationTypeDedicated:
		return a.dedicatedData.parentPool
	}

	panic(fmt.Sprintf("invalid allocation type: %s", a.allocationType.String()))
}

// Touch marks the allocation as used in the current frame. It returns false if the allocation
// has already been made lost.
func (a *Allocation) Touch() bool {
	currentFrame := int64(a.parentAllocator.CurrentFrameIndex())

	for {
		lastUse := a.lastUseFrameIndex.Load()
		if lastUse == int64(LostFrameIndex) {
			return false
		} else if lastUse == currentFrame {
			return true
		}

		if a.lastUseFrameIndex.CompareAndSwap(lastUse, currentFrame) {
			return true
		}
	}
}

// CanBecomeLost returns true if the allocation was created with AllocationCreateCanBecomeLost and
// has no live Mapping. A mapped allocation is never chosen for eviction.
func (a *Allocation) CanBecomeLost() bool {
	return a.flags&allocationCanBecomeLost != 0 && a.mapCount.Load() == 0
}

// MakeLost moves the allocation to the lost state if it can become lost and has not been touched
// within the last frameInUseCount frames. It is called by block metadata while the owning block
// list is write-locked.
func (a *Allocation) MakeLost(currentFrameIndex, frameInUseCount int) bool {
	if !a.CanBecomeLost() {
		return false
	}

	for {
		lastUse := a.lastUseFrameIndex.Load()
		if lastUse == int64(LostFrameIndex) || int(lastUse)+frameInUseCount >= currentFrameIndex {
			return false
		}

		if a.lastUseFrameIndex.CompareAndSwap(lastUse, int64(LostFrameIndex)) {
			a.deviceMemory().RemoveAllocation(a.heapIndex(), a.size)
			return true
		}
	}
}

// MappedData returns the CPU pointer to the allocation if it was created with AllocationCreateMapped
// and lives in host visible memory, or nil otherwise
func (a *Allocation) MappedData() unsafe.Pointer {
	if !a.isPersistentMap() {
		return nil
	}

	ptr := a.memory.MappedData()
	if ptr == nil {
		return nil
	}

	return unsafe.Add(ptr, a.offset())
}

// Mapping is a live CPU mapping of an Allocation. The allocation cannot be moved by defragmentation
// or made lost while any Mapping for it is unreleased.
type Mapping struct {
	alloc    *Allocation
	ptr      unsafe.Pointer
	released atomic.Bool
}

// Pointer returns the CPU address of the first byte of the allocation
func (m *Mapping) Pointer() unsafe.Pointer {
	return m.ptr
}

// Bytes returns the mapped allocation as a byte slice. It must not be used after Release.
func (m *Mapping) Bytes() []byte {
	return unsafe.Slice((*byte)(m.ptr), m.alloc.size)
}

// Release ends the mapping. The memory block is unmapped on the device once its last mapping is
// released. Calling Release more than once does nothing.
func (m *Mapping) Release() error {
	if !m.released.CompareAndSwap(false, true) {
		return nil
	}

	defer m.alloc.mapCount.Add(-1)
	return m.alloc.memory.Unmap(m.alloc.deviceMemory().Device(), 1)
}

// Map maps the allocation for CPU access. Mapping an allocation touches it for the current frame.
// Mapping a lost allocation, or one that was not created with host access, fails with
// memutils.ErrInvalidUsage.
//
// Map blocks while a defragmentation pass is underway on the allocation's block list.
func (a *Allocation) Map() (*Mapping, error) {
	if !a.isPopulated() {
		return nil, memutils.InvalidUsagef("attempted to map an allocation that has not been allocated")
	} else if !a.IsMappingAllowed() {
		return nil, memutils.InvalidUsagef("attempted to map an allocation that does not permit mapping")
	} else if !a.deviceMemory().IsMemoryTypeHostVisible(a.memoryTypeIndex) {
		return nil, memutils.InvalidUsagef("attempted to map an allocation in memory type %d, which is not host visible", a.memoryTypeIndex)
	}

	a.mapCount.Add(1)
	if !a.Touch() {
		a.mapCount.Add(-1)
		return nil, memutils.InvalidUsagef("attempted to map an allocation that has been made lost")
	}

	if a.allocationType == allocationTypeBlock {
		list := a.blockData.block.parentList
		list.mutex.RLock()
		defer list.mutex.RUnlock()
	}

	ptr, err := a.mapBacking()
	if err != nil {
		a.mapCount.Add(-1)
		return nil, err
	}

	return &Mapping{alloc: a, ptr: ptr}, nil
}

// mapBacking adds a reference to the backing memory's mapping and returns the address of the allocation
func (a *Allocation) mapBacking() (unsafe.Pointer, error) {
	ptr, err := a.memory.Map(a.deviceMemory().Device(), 1)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map memory type %d", a.memoryTypeIndex)
	} else if ptr == nil {
		return nil, errors.Newf("mapping memory type %d produced a nil pointer", a.memoryTypeIndex)
	}

	return unsafe.Add(ptr, a.offset()), nil
}

func (a *Allocation) unmapBacking() error {
	return a.memory.Unmap(a.deviceMemory().Device(), 1)
}

// Flush makes host writes in the given range visible to the device. It does nothing for host
// coherent memory types. Pass WholeSize to flush to the end of the allocation.
func (a *Allocation) Flush(offset, size int) error {
	return a.lockedFlushOrInvalidate(offset, size, devmem.CacheOperationFlush)
}

// Invalidate makes device writes in the given range visible to the host. It does nothing for host
// coherent memory types. Pass WholeSize to invalidate to the end of the allocation.
func (a *Allocation) Invalidate(offset, size int) error {
	return a.lockedFlushOrInvalidate(offset, size, devmem.CacheOperationInvalidate)
}

func (a *Allocation) lockedFlushOrInvalidate(offset, size int, operation devmem.CacheOperation) error {
	if !a.isPopulated() {
		return memutils.InvalidUsagef("attempted to %s an allocation that has not been allocated", operation.String())
	}

	if a.allocationType == allocationTypeBlock {
		list := a.blockData.block.parentList
		list.mutex.RLock()
		defer list.mutex.RUnlock()
	}

	return a.flushOrInvalidate(offset, size, operation)
}

func (a *Allocation) flushOrInvalidateRange(offset, size int, outRange *device.MappedMemoryRange) (bool, error) {
	if size == 0 || size < WholeSize || !a.deviceMemory().IsMemoryTypeHostNonCoherent(a.memoryTypeIndex) {
		return false, nil
	}

	nonCoherentAtomSize := a.deviceMemory().Properties().NonCoherentAtomSize
	allocationSize := a.Size()

	if offset < 0 || offset > allocationSize {
		return false, memutils.InvalidUsagef("offset %d is outside the allocation, which is size %d", offset, allocationSize)
	}
	if size > 0 && (offset+size) > allocationSize {
		return false, memutils.InvalidUsagef("offset %d places the end of the range %d past the end of the allocation, which is size %d", offset, offset+size, allocationSize)
	}

	outRange.Memory = a.Memory()
	outRange.Offset = memutils.AlignDown(offset, uint(nonCoherentAtomSize))

	switch a.allocationType {
	case allocationTypeDedicated:
		outRange.Size = allocationSize - outRange.Offset
		if size > 0 {
			alignedSize := memutils.AlignUp(size+(offset-outRange.Offset), uint(nonCoherentAtomSize))
			if alignedSize < outRange.Size {
				outRange.Size = alignedSize
			}
		}
		return true, nil
	case allocationTypeBlock:
		// Calculate Size within the allocation
		if size == WholeSize {
			size = allocationSize - offset
		}

		outRange.Size = memutils.AlignUp(size+(offset-outRange.Offset), uint(nonCoherentAtomSize))

		// Adjust offset and size to the block
		allocationOffset := a.offset()

		if allocationOffset%nonCoherentAtomSize != 0 {
			panic(fmt.Sprintf("the allocation has an invalid offset %d for non-coherent memory, which has an alignment of %d", allocationOffset, nonCoherentAtomSize))
		}

		blockSize := a.blockData.block.metadata.Size()
		outRange.Offset += allocationOffset

		restOfBlock := blockSize - outRange.Offset
		if restOfBlock < outRange.Size {
			outRange.Size = restOfBlock
		}
		return true, nil
	}

	return false, errors.Newf("attempted to get the flush or invalidate range of an allocation with invalid type %s", a.allocationType.String())
}

func (a *Allocation) flushOrInvalidate(offset, size int, operation devmem.CacheOperation) error {
	var memRange device.MappedMemoryRange
	success, err := a.flushOrInvalidateRange(offset, size, &memRange)
	if err != nil {
		return err
	} else if !success {
		// Can't flush/invalidate this
		return nil
	}

	return a.deviceMemory().FlushOrInvalidateAllocations([]device.MappedMemoryRange{memRange}, operation)
}

func (a *Allocation) fillAllocation(pattern uint8) {
	if (!InitializeAllocs && memutils.DebugMargin == 0) || !a.IsMappingAllowed() ||
		!a.deviceMemory().IsMemoryTypeHostVisible(a.memoryTypeIndex) {
		// Don't fill allocations that can't be filled, or if memory debugging is turned off
		return
	}

	data, err := a.mapBacking()
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to map memory during debug pattern fill: %+v", err))
	}

	dataSlice := unsafe.Slice((*uint8)(data), a.size)
	for i := range dataSlice {
		dataSlice[i] = pattern
	}
	err = a.flushOrInvalidate(0, WholeSize, devmem.CacheOperationFlush)
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to flush host cache during debug pattern fill: %+v", err))
	}

	err = a.unmapBacking()
	if err != nil {
		panic(fmt.Sprintf("failed when attempting to unmap memory during debug pattern fill: %+v", err))
	}
}

// Free returns the allocation to the allocator that made it
func (a *Allocation) Free() error {
	if !a.isPopulated() {
		return memutils.InvalidUsagef("attempted to free an allocation that has not been allocated")
	}

	return a.parentAllocator.FreeMemory(a)
}

// swapBlockAllocation exchanges the block placement of two allocations. It is used to move the
// destination of a defragmentation move into the allocation being relocated.
func (a *Allocation) swapBlockAllocation(alloc *Allocation) {
	if alloc == nil {
		panic("tried to swap blocks with a nil allocation")
	} else if a.allocationType != allocationTypeBlock {
		panic("tried to swap blocks but this is not a block allocation")
	} else if alloc.allocationType != allocationTypeBlock {
		panic(fmt.Sprintf("tried to swap blocks with a non-block allocation: %s", alloc.allocationType.String()))
	}

	err := a.blockData.block.metadata.SetAllocationUserData(a.blockData.handle, alloc)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when attempting to set current metadata during block swap: %+v", err))
	}
	a.blockData, alloc.blockData = alloc.blockData, a.blockData
	a.memory, alloc.memory = alloc.memory, a.memory
	err = a.blockData.block.metadata.SetAllocationUserData(a.blockData.handle, a)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when attempting to set new metadata during block swap: %+v", err))
	}
}
