package allocator

import (
	"context"
	"math"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/allocator/internal/devmem"
	"github.com/vkngwrapper/suballoc/allocator/internal/slotmap"
	"github.com/vkngwrapper/suballoc/allocator/internal/utils"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

// Allocator hands out ranges of device memory. It obtains large blocks from a device.Device and
// subdivides them, or gives a large or special request a block of its own. An Allocator is safe for
// concurrent use unless it was created with AllocatorCreateExternallySynchronized.
type Allocator struct {
	useMutex bool
	logger   *slog.Logger

	createFlags  CreateFlags
	deviceMemory *devmem.DeviceMemoryProperties

	preferredLargeHeapBlockSize int
	globalMemoryTypeBits        uint32
	newBlockSizeShiftLimit      int
	frameInUseCount             int
	currentFrameIndex           atomic.Int64

	nextPoolID int
	poolsMutex utils.OptionalRWMutex
	pools      slotmap.SlotMap[*Pool]

	memoryBlockLists     []*memoryBlockList
	dedicatedAllocations []*dedicatedAllocationList
}

// CurrentFrameIndex returns the frame index most recently passed to SetCurrentFrameIndex
func (a *Allocator) CurrentFrameIndex() int {
	return int(a.currentFrameIndex.Load())
}

// SetCurrentFrameIndex advances the allocator's notion of time. Allocations created with
// AllocationCreateCanBecomeLost that have not been touched within the frame-in-use count of the
// current frame become eligible for eviction.
func (a *Allocator) SetCurrentFrameIndex(frameIndex int) error {
	if frameIndex < 0 || frameIndex == LostFrameIndex {
		return memutils.InvalidUsagef("frame index %d is reserved", frameIndex)
	}

	a.currentFrameIndex.Store(int64(frameIndex))
	a.deviceMemory.UpdateBudget()
	return nil
}

func (a *Allocator) calcAllocationParams(
	o *AllocationCreateInfo,
	requiresDedicatedAllocation bool,
) error {
	hostAccessFlags := o.Flags & allocationCreateHostAccessMask
	if hostAccessFlags == allocationCreateHostAccessMask {
		return memutils.InvalidUsagef("AllocationCreateHostAccessSequentialWrite and AllocationCreateHostAccessRandom cannot both be specified")
	}

	if hostAccessFlags == 0 && (o.Flags&AllocationCreateHostAccessAllowTransferInstead) != 0 {
		return memutils.InvalidUsagef("if AllocationCreateHostAccessAllowTransferInstead is specified, " +
			"either AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom must be specified as well")
	}

	if o.Usage.isAuto() {
		if hostAccessFlags == 0 && o.Flags&AllocationCreateMapped != 0 {
			return memutils.InvalidUsagef("when using MemoryUsageAuto* with AllocationCreateMapped, either " +
				"AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom must be specified as well")
		}
	}

	if o.Flags&AllocationCreateCanBecomeLost != 0 && o.Flags&AllocationCreateMapped != 0 {
		return memutils.InvalidUsagef("AllocationCreateCanBecomeLost and AllocationCreateMapped cannot be specified together")
	}

	strategy := o.Flags & AllocationCreateStrategyMask
	if bits.OnesCount32(uint32(strategy)) > 1 {
		return memutils.InvalidUsagef("only one allocation strategy may be specified, but found %s", strategy.String())
	}

	// Lazily allocated memory requires dedicated allocations
	if requiresDedicatedAllocation || o.Usage == MemoryUsageLazilyAllocated {
		o.Flags |= AllocationCreateDedicatedMemory
	}

	if o.Pool != nil {
		if o.Pool.blockList.HasExplicitBlockSize() && o.Flags&AllocationCreateDedicatedMemory != 0 {
			return memutils.InvalidUsagef("specified AllocationCreateDedicatedMemory with a pool that has an explicit block size")
		}
	}

	if o.Flags&AllocationCreateDedicatedMemory != 0 && o.Flags&AllocationCreateNeverAllocate != 0 {
		return memutils.InvalidUsagef("AllocationCreateDedicatedMemory and AllocationCreateNeverAllocate cannot be specified together")
	}

	if !o.Usage.isAuto() {
		if hostAccessFlags == 0 {
			o.Flags |= AllocationCreateHostAccessRandom
		}
	}

	return nil
}

func (a *Allocator) findMemoryPreferences(
	o *AllocationCreateInfo,
) (requiredFlags, preferredFlags, notPreferredFlags device.MemoryPropertyFlags) {
	isIntegratedGPU := a.deviceMemory.Capabilities().UnifiedMemory
	requiredFlags = o.RequiredFlags
	preferredFlags = o.PreferredFlags
	notPreferredFlags = 0

	switch o.Usage {
	case MemoryUsageLazilyAllocated:
		requiredFlags |= device.MemoryPropertyLazilyAllocated
	case MemoryUsageAuto, MemoryUsageAutoPreferDevice, MemoryUsageAutoPreferHost:
		// Requests carry no resource usage, so the device is always assumed to read the memory
		const deviceAccess = true
		hostAccessSequentialWrite := o.Flags&AllocationCreateHostAccessSequentialWrite != 0
		hostAccessRandom := o.Flags&AllocationCreateHostAccessRandom != 0
		hostAccessAllowTransferInstead := o.Flags&AllocationCreateHostAccessAllowTransferInstead != 0
		preferDevice := o.Usage == MemoryUsageAutoPreferDevice
		preferHost := o.Usage == MemoryUsageAutoPreferHost

		if hostAccessRandom && !isIntegratedGPU && deviceAccess && hostAccessAllowTransferInstead && !preferHost {
			// CPU-accessible memory that should live on the device
			preferredFlags |= device.MemoryPropertyDeviceLocal | device.MemoryPropertyHostCached
		} else if hostAccessRandom {
			// Other CPU-accessible memory
			requiredFlags |= device.MemoryPropertyHostVisible | device.MemoryPropertyHostCached
		} else if hostAccessSequentialWrite {
			// Uncached write-combined memory
			notPreferredFlags |= device.MemoryPropertyHostCached

			if !isIntegratedGPU && deviceAccess && hostAccessAllowTransferInstead && !preferHost {
				// Sequential write against memory that lives on the device, transfers are allowed so it
				// doesn't have to be host visible
				preferredFlags |= device.MemoryPropertyDeviceLocal | device.MemoryPropertyHostVisible
			} else {
				// CPU must have write access
				requiredFlags |= device.MemoryPropertyHostVisible

				if deviceAccess && preferHost {
					notPreferredFlags |= device.MemoryPropertyDeviceLocal
				} else if deviceAccess || preferDevice {
					preferredFlags |= device.MemoryPropertyDeviceLocal
				} else {
					notPreferredFlags |= device.MemoryPropertyDeviceLocal
				}
			}
		} else {
			// No CPU access required, but if user asked for CPU give them CPU
			if preferHost {
				notPreferredFlags |= device.MemoryPropertyDeviceLocal
			} else {
				preferredFlags |= device.MemoryPropertyDeviceLocal
			}
		}
	}

	return requiredFlags, preferredFlags, notPreferredFlags
}

// FindMemoryTypeIndex returns the memory type that best suits the provided allocation options among
// those permitted by memoryTypeBits (0 permits every type). The chosen type has every RequiredFlags
// flag and is missing the fewest preferred flags. An error wrapping memutils.ErrFeatureNotSupported is
// returned if no permitted type has the required flags.
func (a *Allocator) FindMemoryTypeIndex(
	memoryTypeBits uint32,
	o AllocationCreateInfo,
) (int, error) {
	err := a.calcAllocationParams(&o, false)
	if err != nil {
		return -1, err
	}

	if memoryTypeBits == 0 {
		memoryTypeBits = math.MaxUint32
	}
	return a.findMemoryTypeIndex(memoryTypeBits, &o)
}

func (a *Allocator) findMemoryTypeIndex(
	memoryTypeBits uint32,
	o *AllocationCreateInfo,
) (int, error) {
	memoryTypeBits &= a.globalMemoryTypeBits
	if o.MemoryTypeBits != 0 {
		memoryTypeBits &= o.MemoryTypeBits
	}

	requiredFlags, preferredFlags, notPreferredFlags := a.findMemoryPreferences(o)

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		presentNotPreferredFlags := notPreferredFlags & flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags)) + bits.OnesCount32(uint32(presentNotPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, memutils.NotSupportedf("no memory type in bits %b has the required flags %s", memoryTypeBits, requiredFlags.String())
	}

	return bestMemoryTypeIndex, nil
}

func (a *Allocator) calculateMemoryTypeParameters(
	options *AllocationCreateInfo,
	memoryTypeIndex int,
	size int,
	allocationCount int,
) error {
	// If memory type is not host visible, disable Mapped
	if options.Flags&AllocationCreateMapped != 0 &&
		!a.deviceMemory.IsMemoryTypeHostVisible(memoryTypeIndex) {
		options.Flags &^= AllocationCreateMapped
	}

	// Check budget if appropriate
	if options.Flags&AllocationCreateDedicatedMemory != 0 &&
		options.Flags&AllocationCreateWithinBudget != 0 {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

		budget := a.deviceMemory.HeapBudget(heapIndex)
		if budget.Usage+size*allocationCount > budget.Budget {
			return memutils.OutOfMemoryf("%d dedicated allocations of size %d would exceed the budget of heap %d",
				allocationCount, size, heapIndex)
		}
	}

	return nil
}

func (a *Allocator) allocateDedicatedMemoryPage(
	pool *Pool,
	size int,
	suballocType suballocationType,
	memoryTypeIndex int,
	doMap bool,
	flags allocationFlags,
	userData any,
	alloc *Allocation,
) (err error) {
	mem, err := a.deviceMemory.AllocateDeviceMemory(memoryTypeIndex, size)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, mem)
		}
	}()

	if doMap {
		// Set up our persistent map
		_, err = mem.Map(a.deviceMemory.Device(), 1)
		if err != nil {
			return err
		}
	}

	alloc.init(a, flags)
	alloc.initDedicatedAllocation(pool, memoryTypeIndex, mem, suballocType, size)
	alloc.SetUserData(userData)
	a.deviceMemory.AddAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), size)

	alloc.fillAllocation(createdFillPattern)

	return nil
}

func (a *Allocator) allocateDedicatedMemory(
	pool *Pool,
	size int,
	suballocType suballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	memoryTypeIndex int,
	createInfo *AllocationCreateInfo,
	allocations []Allocation,
) error {
	if len(allocations) == 0 {
		panic("called Allocator::allocateDedicatedMemory with empty allocation list")
	}

	var flags allocationFlags
	if createInfo.Flags&allocationCreateHostAccessMask != 0 {
		flags |= allocationMappingAllowed
	}
	if createInfo.Flags&AllocationCreateCanAlias != 0 {
		flags |= allocationCanAlias
	}
	doMap := createInfo.Flags&AllocationCreateMapped != 0

	var err error
	var allocIndex int
	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = a.allocateDedicatedMemoryPage(
			pool,
			size,
			suballocType,
			memoryTypeIndex,
			doMap,
			flags,
			createInfo.UserData,
			&allocations[allocIndex],
		)
		if err != nil {
			break
		}
	}

	if err == nil {
		for registerIndex := 0; registerIndex < len(allocations); registerIndex++ {
			dedicatedAllocations.Register(&allocations[registerIndex])
		}

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated DedicatedMemory",
			slog.Int("Count", len(allocations)),
			slog.Int("MemoryTypeIndex", memoryTypeIndex),
		)

		return nil
	}

	// Clean up allocations after error
	for allocIndex > 0 {
		allocIndex--

		currentAlloc := &allocations[allocIndex]
		a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, currentAlloc.memory)
		a.deviceMemory.RemoveAllocation(a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex), currentAlloc.Size())
		currentAlloc.reset()
	}

	return err
}

func (a *Allocator) allocateMemoryOfType(
	pool *Pool,
	size int,
	alignment uint,
	dedicatedPreferred bool,
	createInfo *AllocationCreateInfo,
	memoryTypeIndex int,
	suballocType suballocationType,
	dedicatedAllocations *dedicatedAllocationList,
	blockAllocations *memoryBlockList,
	allocations []Allocation,
) error {
	if len(allocations) == 0 {
		panic("allocateMemoryOfType called with an empty list of target allocations")
	}
	if createInfo == nil {
		panic("allocateMemoryOfType called with a nil createInfo")
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::allocateMemoryOfType",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("AllocationCount", len(allocations)),
		slog.Int("Size", size),
	)

	finalCreateInfo := *createInfo

	err := a.calculateMemoryTypeParameters(&finalCreateInfo, memoryTypeIndex, size, len(allocations))
	if err != nil {
		return err
	}

	if finalCreateInfo.Flags&AllocationCreateDedicatedMemory != 0 {
		return a.allocateDedicatedMemory(
			pool,
			size,
			suballocType,
			dedicatedAllocations,
			memoryTypeIndex,
			&finalCreateInfo,
			allocations,
		)
	}

	canAllocateDedicated := finalCreateInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		finalCreateInfo.Flags&AllocationCreateUpperAddress == 0 &&
		(pool == nil || !blockAllocations.HasExplicitBlockSize())

	if canAllocateDedicated {
		// Allocate dedicated memory if requested size is more than half of preferred block size
		if size > blockAllocations.PreferredBlockSize()/2 {
			dedicatedPreferred = true
		}

		// We don't want to create all allocations as dedicated when we're near maximum size, so don't prefer
		// allocations when we're nearing the maximum number of allocations
		maxAllocationCount := a.deviceMemory.Properties().MaxMemoryAllocationCount
		if maxAllocationCount > 0 && a.deviceMemory.AllocationCount() > maxAllocationCount*3/4 {
			dedicatedPreferred = false
		}

		if dedicatedPreferred {
			err = a.allocateDedicatedMemory(
				pool,
				size,
				suballocType,
				dedicatedAllocations,
				memoryTypeIndex,
				&finalCreateInfo,
				allocations,
			)
			if err == nil {
				a.logger.LogAttrs(context.Background(), slog.LevelDebug, "  Allocated as DedicatedMemory")
				return nil
			}
		}
	}

	err = blockAllocations.Allocate(
		size,
		alignment,
		&finalCreateInfo,
		suballocType,
		allocations,
	)
	if err == nil || errors.Is(err, memutils.ErrFeatureNotSupported) || errors.Is(err, memutils.ErrInvalidUsage) {
		return err
	}

	// Try dedicated memory
	if canAllocateDedicated && !dedicatedPreferred {
		dedicatedErr := a.allocateDedicatedMemory(
			pool,
			size,
			suballocType,
			dedicatedAllocations,
			memoryTypeIndex,
			&finalCreateInfo,
			allocations,
		)
		if dedicatedErr == nil {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "  Allocated as DedicatedMemory")
			return nil
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "  AllocateMemory FAILED", slog.String("error", err.Error()))
	return err
}

func (a *Allocator) multiAllocateMemory(
	memoryRequirements *MemoryRequirements,
	options *AllocationCreateInfo,
	outAllocations []Allocation,
) error {
	alignment := memoryRequirements.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "MemoryRequirements.Alignment")
	if err != nil {
		return errors.Mark(err, memutils.ErrInvalidUsage)
	}

	if memoryRequirements.Size < 1 {
		return memutils.InvalidUsagef("provided memory requirement size %d was not a positive integer", memoryRequirements.Size)
	}

	for index := range outAllocations {
		if outAllocations[index].isPopulated() {
			return memutils.InvalidUsagef("attempted to allocate into allocation %d, which is already allocated", index)
		}
	}

	err = a.calcAllocationParams(options, memoryRequirements.RequiresDedicated)
	if err != nil {
		return err
	}

	suballocType := options.Kind.suballocationType()

	if options.Pool != nil {
		pool := options.Pool
		memBit := uint32(1) << pool.blockList.memoryTypeIndex
		if memoryRequirements.MemoryTypeBits != 0 && memoryRequirements.MemoryTypeBits&memBit == 0 {
			return memutils.InvalidUsagef("the pool's memory type %d is not permitted by the memory requirements", pool.blockList.memoryTypeIndex)
		}

		err = a.allocateMemoryOfType(
			pool,
			memoryRequirements.Size,
			alignment,
			memoryRequirements.PrefersDedicated,
			options,
			pool.blockList.memoryTypeIndex,
			suballocType,
			&pool.dedicatedAllocations,
			&pool.blockList,
			outAllocations,
		)
		if err == nil {
			a.nameAllocations(options, outAllocations)
		}
		return err
	}

	memoryBits := memoryRequirements.MemoryTypeBits
	if memoryBits == 0 {
		memoryBits = math.MaxUint32
	}
	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryBits, options)
	if err != nil {
		return err
	}

	var lastErr error
	for err == nil {
		blockList := a.memoryBlockLists[memoryTypeIndex]
		if blockList == nil {
			return memutils.NotSupportedf("attempted to allocate from unsupported memory type index %d", memoryTypeIndex)
		}

		lastErr = a.allocateMemoryOfType(
			nil,
			memoryRequirements.Size,
			alignment,
			memoryRequirements.RequiresDedicated || memoryRequirements.PrefersDedicated,
			options,
			memoryTypeIndex,
			suballocType,
			a.dedicatedAllocations[memoryTypeIndex],
			blockList,
			outAllocations,
		)

		// Allocation succeeded (or irrevocably failed)
		if lastErr == nil {
			a.nameAllocations(options, outAllocations)
			return nil
		} else if errors.Is(lastErr, memutils.ErrInvalidUsage) || errors.Is(lastErr, memutils.ErrFeatureNotSupported) {
			return lastErr
		}

		// Remove memory type index from possibilities
		memoryBits &= ^(uint32(1) << memoryTypeIndex)
		// Find a new memory type index
		memoryTypeIndex, err = a.findMemoryTypeIndex(memoryBits, options)
	}

	return lastErr
}

func (a *Allocator) nameAllocations(options *AllocationCreateInfo, allocations []Allocation) {
	if options.Name == "" {
		return
	}

	for index := range allocations {
		allocations[index].SetName(options.Name)
	}
}

// AllocateMemory populates outAlloc with memory that satisfies memoryRequirements, according to the
// options in o. outAlloc must not already be allocated.
//
// Errors are wrapped or marked with one of memutils.ErrOutOfDeviceMemory,
// memutils.ErrTooManyContendingAllocations, memutils.ErrFeatureNotSupported, or memutils.ErrInvalidUsage.
func (a *Allocator) AllocateMemory(memoryRequirements *MemoryRequirements, o AllocationCreateInfo, outAlloc *Allocation) error {
	if outAlloc == nil {
		return memutils.InvalidUsagef("attempted to allocate into a nil allocation")
	} else if memoryRequirements == nil {
		return memutils.InvalidUsagef("attempted to allocate with nil memory requirements")
	}

	// Attempt to create a one-length slice for the provided alloc pointer
	outAllocSlice := unsafe.Slice(outAlloc, 1)
	return a.multiAllocateMemory(
		memoryRequirements,
		&o,
		outAllocSlice,
	)
}

// AllocateMemorySlice populates every entry of allocations with memory of the same type and size.
// Either every allocation succeeds or none of them is left allocated.
func (a *Allocator) AllocateMemorySlice(memoryRequirements *MemoryRequirements, o AllocationCreateInfo, allocations []Allocation) error {
	if memoryRequirements == nil {
		return memutils.InvalidUsagef("attempt to allocate with nil memory requirements")
	}

	if len(allocations) == 0 {
		return nil
	}

	return a.multiAllocateMemory(
		memoryRequirements,
		&o,
		allocations,
	)
}

// FreeMemory returns an allocation to the block or device it came from. Freeing an allocation that
// has been made lost only releases the Allocation object.
func (a *Allocator) FreeMemory(alloc *Allocation) error {
	if alloc == nil {
		return memutils.InvalidUsagef("attempted to free a nil allocation")
	} else if !alloc.isPopulated() {
		return memutils.InvalidUsagef("attempted to free an allocation that has not been allocated")
	} else if alloc.parentAllocator != a {
		return memutils.InvalidUsagef("attempted to free an allocation made by another allocator")
	}

	if alloc.IsLost() {
		// The region and the heap counters were released when the allocation was made lost
		alloc.reset()
		return nil
	}

	var err error
	switch alloc.allocationType {
	case allocationTypeBlock:
		var blockList *memoryBlockList
		pool := alloc.blockData.block.parentPool
		if pool != nil {
			blockList = &pool.blockList
		} else {
			blockList = a.memoryBlockLists[alloc.MemoryTypeIndex()]
			if blockList == nil {
				panic("attempting to free a block allocation from a memory type that has no block list")
			}
		}

		err = blockList.Free(alloc)
	case allocationTypeDedicated:
		err = a.freeDedicatedMemory(alloc)
	default:
		panic("invalid allocation type")
	}

	alloc.reset()
	return err
}

// FreeMemorySlice frees every allocation in the slice, skipping any that are not allocated. Frees
// happen in order and every entry is attempted.
func (a *Allocator) FreeMemorySlice(allocations []Allocation) error {
	var allErrors error
	for index := range allocations {
		alloc := &allocations[index]
		if !alloc.isPopulated() {
			continue
		}

		err := a.FreeMemory(alloc)
		if err != nil {
			allErrors = multierr.Append(allErrors, errors.Wrapf(err, "allocation %d", index))
		}
	}

	return allErrors
}

func (a *Allocator) freeDedicatedMemory(alloc *Allocation) error {
	if alloc.allocationType != allocationTypeDedicated {
		return memutils.InvalidUsagef("attempted to free dedicated memory for a non-dedicated allocation")
	}

	memoryTypeIndex := alloc.MemoryTypeIndex()
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex)

	alloc.fillAllocation(destroyedFillPattern)

	parentPool := alloc.dedicatedData.parentPool
	if parentPool == nil {
		// Default pool
		a.dedicatedAllocations[memoryTypeIndex].Unregister(alloc)
	} else {
		// Custom pool
		parentPool.dedicatedAllocations.Unregister(alloc)
	}

	a.deviceMemory.FreeDeviceMemory(memoryTypeIndex, alloc.memory)
	a.deviceMemory.RemoveAllocation(heapIndex, alloc.Size())

	return nil
}

// CheckCorruption validates the debug margins of every allocation in the memory types in
// memoryTypeBits, in the default block lists and custom pools alike. It returns an error
// marked with memutils.ErrFeatureNotSupported if corruption detection is not available for any
// of those memory types, or one wrapping memutils.ErrCorruption if a margin was overwritten.
func (a *Allocator) CheckCorruption(memoryTypeBits uint32) error {
	checked := false

	// Process default pools
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		if memoryTypeBits&(1<<memoryTypeIndex) == 0 {
			continue
		}

		list := a.memoryBlockLists[memoryTypeIndex]
		if list == nil {
			continue
		}

		err := list.CheckCorruption()
		if errors.Is(err, memutils.ErrFeatureNotSupported) {
			continue
		} else if err != nil {
			return err
		}
		checked = true
	}

	// Process custom pools
	poolsChecked, err := a.checkCustomPools(memoryTypeBits)
	if err != nil {
		return err
	}

	if !checked && !poolsChecked {
		return memutils.NotSupportedf("corruption detection is not enabled for any memory type in bits %b", memoryTypeBits)
	}

	return nil
}

func (a *Allocator) checkCustomPools(memoryTypeBits uint32) (bool, error) {
	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	checked := false
	var err error
	a.pools.Each(func(_ slotmap.Handle, pool *Pool) bool {
		memBit := uint32(1) << pool.blockList.memoryTypeIndex
		if memBit&memoryTypeBits == 0 {
			return true
		}

		poolErr := pool.blockList.CheckCorruption()
		if errors.Is(poolErr, memutils.ErrFeatureNotSupported) {
			return true
		} else if poolErr != nil {
			err = errors.Wrapf(poolErr, "pool %d", pool.id)
			return false
		}

		checked = true
		return true
	})

	return checked, err
}

// CreatePool creates a custom pool of memory blocks of a single memory type
func (a *Allocator) CreatePool(createInfo PoolCreateInfo) (*Pool, error) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::CreatePool",
		slog.Int("MemoryTypeIndex", createInfo.MemoryTypeIndex),
		slog.String("Flags", createInfo.Flags.String()),
	)

	if createInfo.MaxBlockCount == 0 {
		createInfo.MaxBlockCount = math.MaxInt
	}
	if createInfo.MinBlockCount < 0 || createInfo.MaxBlockCount < 0 {
		return nil, memutils.InvalidUsagef("block counts must not be negative")
	}
	if createInfo.MinBlockCount > createInfo.MaxBlockCount {
		return nil, memutils.InvalidUsagef("provided MinBlockCount %d was greater than provided MaxBlockCount %d", createInfo.MinBlockCount, createInfo.MaxBlockCount)
	}
	if createInfo.BlockSize < 0 {
		return nil, memutils.InvalidUsagef("provided BlockSize %d was negative", createInfo.BlockSize)
	}
	if createInfo.FrameInUseCount < 0 {
		return nil, memutils.InvalidUsagef("provided FrameInUseCount %d was negative", createInfo.FrameInUseCount)
	}
	if createInfo.Flags&PoolCreateAlgorithmMask == PoolCreateAlgorithmMask {
		return nil, memutils.InvalidUsagef("PoolCreateLinearAlgorithm and PoolCreateBuddyAlgorithm cannot be specified together")
	}

	if createInfo.MemoryTypeIndex < 0 || createInfo.MemoryTypeIndex >= a.deviceMemory.MemoryTypeCount() {
		return nil, memutils.NotSupportedf("memory type index %d does not exist on the device", createInfo.MemoryTypeIndex)
	}
	memTypeBits := uint32(1) << createInfo.MemoryTypeIndex
	if memTypeBits&a.globalMemoryTypeBits == 0 {
		return nil, memutils.NotSupportedf("memory type index %d cannot be allocated from", createInfo.MemoryTypeIndex)
	}

	if createInfo.MinAllocationAlignment > 0 {
		err := memutils.CheckPow2(createInfo.MinAllocationAlignment, "createInfo.MinAllocationAlignment")
		if err != nil {
			return nil, errors.Mark(err, memutils.ErrInvalidUsage)
		}
	}

	blockSize := a.calculatePreferredBlockSize(createInfo.MemoryTypeIndex)
	if createInfo.BlockSize != 0 {
		blockSize = createInfo.BlockSize
	}
	granularity := 1
	if createInfo.Flags&PoolCreateIgnoreGranularity == 0 {
		granularity = a.deviceMemory.CalculateBufferImageGranularity()
	}

	alignment := a.deviceMemory.MemoryTypeMinimumAlignment(createInfo.MemoryTypeIndex)
	if createInfo.MinAllocationAlignment > alignment {
		alignment = createInfo.MinAllocationAlignment
	}

	frameInUseCount := createInfo.FrameInUseCount
	if frameInUseCount == 0 {
		frameInUseCount = a.frameInUseCount
	}

	pool := &Pool{
		parentAllocator: a,
	}
	pool.dedicatedAllocations.Init(a.useMutex)
	pool.blockList.Init(
		a.useMutex,
		a,
		pool,
		createInfo.MemoryTypeIndex,
		blockSize,
		createInfo.MinBlockCount,
		createInfo.MaxBlockCount,
		granularity,
		frameInUseCount,
		createInfo.BlockSize != 0,
		createInfo.Flags&PoolCreateAlgorithmMask,
		alignment,
	)

	err := pool.blockList.CreateMinBlocks()
	if err != nil {
		destroyErr := pool.blockList.Destroy()
		if destroyErr != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "error attempting to destroy pool after creation failure",
				slog.String("error", destroyErr.Error()))
		}
		return nil, err
	}

	a.poolsMutex.Lock()
	defer a.poolsMutex.Unlock()

	a.nextPoolID++
	pool.id = a.nextPoolID
	pool.handle = a.pools.Insert(pool)

	return pool, nil
}
