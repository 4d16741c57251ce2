package allocator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/allocator/internal/devmem"
	"github.com/vkngwrapper/suballoc/allocator/internal/utils"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/defrag"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

// AllocationTryCount is the number of times an allocation made with AllocationCreateCanMakeOtherLost
// searches for victims before giving up with memutils.ErrTooManyContendingAllocations
const AllocationTryCount = 32

var blockPool = sync.Pool{
	New: func() any {
		return &deviceMemoryBlock{}
	},
}

type memoryBlockList struct {
	parentAllocator *Allocator
	parentPool      *Pool
	deviceMemory    *devmem.DeviceMemoryProperties
	logger          *slog.Logger

	memoryTypeIndex    int
	preferredBlockSize int
	minBlockCount      int
	maxBlockCount      int
	granularity        int
	frameInUseCount    int

	explicitBlockSize      bool
	algorithm              PoolCreateFlags
	minAllocationAlignment uint

	mutex           utils.OptionalRWMutex
	blocks          []*deviceMemoryBlock
	nextBlockId     int
	incrementalSort bool
}

func (l *memoryBlockList) MemoryTypeIndex() int          { return l.memoryTypeIndex }
func (l *memoryBlockList) PreferredBlockSize() int       { return l.preferredBlockSize }
func (l *memoryBlockList) AllocationGranularity() int    { return l.granularity }
func (l *memoryBlockList) Algorithm() PoolCreateFlags    { return l.algorithm }
func (l *memoryBlockList) HasExplicitBlockSize() bool    { return l.explicitBlockSize }
func (l *memoryBlockList) BlockCount() int               { return len(l.blocks) }
func (l *memoryBlockList) Lock()                         { l.mutex.Lock() }
func (l *memoryBlockList) Unlock()                       { l.mutex.Unlock() }
func (l *memoryBlockList) supportsDefragmentation() bool { return l.algorithm == 0 }

func (l *memoryBlockList) heapIndex() int {
	return l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
}

func (l *memoryBlockList) device() device.Device {
	return l.deviceMemory.Device()
}

func (l *memoryBlockList) Init(
	useMutex bool,
	allocator *Allocator,
	pool *Pool,
	memoryTypeIndex int,
	preferredBlockSize int,
	minBlockCount, maxBlockCount int,
	granularity int,
	frameInUseCount int,
	explicitBlockSize bool,
	algorithm PoolCreateFlags,
	minAllocationAlignment uint,
) {
	l.parentAllocator = allocator
	l.parentPool = pool
	l.logger = allocator.logger
	l.deviceMemory = allocator.deviceMemory
	l.memoryTypeIndex = memoryTypeIndex
	l.preferredBlockSize = preferredBlockSize
	l.minBlockCount = minBlockCount
	l.maxBlockCount = maxBlockCount
	l.granularity = granularity
	l.frameInUseCount = frameInUseCount
	l.explicitBlockSize = explicitBlockSize
	l.algorithm = algorithm
	l.minAllocationAlignment = minAllocationAlignment
	l.incrementalSort = true
	l.mutex = utils.OptionalRWMutex{
		UseMutex: useMutex,
	}
}

// Destroy returns every block to the device. If any block still holds allocations, they are all
// logged and nothing is destroyed.
func (l *memoryBlockList) Destroy() error {
	var err error
	for _, block := range l.blocks {
		if !block.metadata.IsEmpty() {
			err = multierr.Append(err, block.Destroy())
		}
	}
	if err != nil {
		return err
	}

	for _, block := range l.blocks {
		err = block.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying an empty memory block: %+v", err))
		}
		blockPool.Put(block)
	}
	l.blocks = nil
	return nil
}

func (l *memoryBlockList) CreateMinBlocks() error {
	for i := 0; i < l.minBlockCount; i++ {
		_, err := l.CreateBlock(l.preferredBlockSize)
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	l.addStatisticsLocked(stats)
}

func (l *memoryBlockList) addStatisticsLocked(stats *memutils.Statistics) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return len(l.blocks) == 0
}

func (l *memoryBlockList) HasNoAllocations() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if !l.blocks[blockIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

func (l *memoryBlockList) CreateBlock(blockSize int) (int, error) {
	memory, err := l.deviceMemory.AllocateDeviceMemory(l.memoryTypeIndex, blockSize)
	if err != nil {
		return -1, err
	}

	block := blockPool.Get().(*deviceMemoryBlock)
	block.Init(l.logger, l, memory, blockSize, l.nextBlockId)
	l.nextBlockId++

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
		slog.Int("size", blockSize),
	)

	l.blocks = append(l.blocks, block)
	return len(l.blocks) - 1, nil
}

func (l *memoryBlockList) Remove(block *deviceMemoryBlock) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex] == block {
			l.blocks = append(l.blocks[0:blockIndex], l.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a block list that did not belong to it")
}

func (l *memoryBlockList) IsCorruptionDetectionEnabled() bool {
	requiredMemFlags := device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent
	return memutils.DebugMargin > 0 &&
		(l.algorithm == 0 || l.algorithm == PoolCreateLinearAlgorithm) &&
		l.deviceMemory.MemoryTypeProperties(l.memoryTypeIndex).PropertyFlags&requiredMemFlags == requiredMemFlags
}

// Allocate populates every entry of allocations from this list. Either every allocation succeeds or
// none of them are left allocated.
func (l *memoryBlockList) Allocate(size int, alignment uint, createInfo *AllocationCreateInfo, suballocType suballocationType, allocations []Allocation) (err error) {
	if l.minAllocationAlignment > alignment {
		alignment = l.minAllocationAlignment
	}

	if l.IsCorruptionDetectionEnabled() {
		size = memutils.AlignUp(size, 4)
		alignment = uint(memutils.AlignUp(int(alignment), 4))
	}

	allocIndex := 0

	defer func() {
		if err != nil {
			for allocIndex > 0 {
				allocIndex--

				freeErr := l.Free(&allocations[allocIndex])
				if freeErr != nil {
					panic(fmt.Sprintf("unexpected error when freeing an allocation that was created as part of a failed allocation: %+v", freeErr))
				}
				allocations[allocIndex].reset()
			}
		}
	}()

	l.mutex.Lock()
	defer l.mutex.Unlock()

	for allocIndex = 0; allocIndex < len(allocations); allocIndex++ {
		err = l.allocPage(size, alignment, createInfo, suballocType, &allocations[allocIndex])
		if err != nil {
			return err
		}
	}

	return nil
}

func (l *memoryBlockList) allocPage(size int, alignment uint, createInfo *AllocationCreateInfo, suballocationType suballocationType, outAlloc *Allocation) error {
	isUpperAddress := createInfo.Flags&AllocationCreateUpperAddress != 0

	budget := l.deviceMemory.HeapBudget(l.heapIndex())
	freeMemory := budget.Budget - budget.Usage

	if freeMemory < 0 {
		freeMemory = 0
	}

	canFallbackToDedicated := !l.HasExplicitBlockSize() &&
		createInfo.Flags&AllocationCreateNeverAllocate == 0
	canCreateNewBlock := createInfo.Flags&AllocationCreateNeverAllocate == 0 &&
		len(l.blocks) < l.maxBlockCount &&
		(freeMemory >= size || !canFallbackToDedicated)
	strategy := createInfo.Flags & AllocationCreateStrategyMask

	// Upper address can only be used with linear allocator and within a single memory block
	if isUpperAddress && (l.algorithm != PoolCreateLinearAlgorithm || l.maxBlockCount > 1) {
		return memutils.NotSupportedf("upper address allocations require a linear pool with a max block count of 1")
	}

	// Early reject: requested allocation size is larger than maximum block size for this block list
	if size+memutils.DebugMargin > l.preferredBlockSize {
		return memutils.OutOfMemoryf("an allocation of size %d cannot fit into blocks of size %d", size, l.preferredBlockSize)
	}

	// 1. Search existing allocations & try to do an allocation
	if l.algorithm == PoolCreateLinearAlgorithm {
		// Only use the last block in linear
		if len(l.blocks) > 0 {
			currentBlock := l.blocks[len(l.blocks)-1]
			if currentBlock == nil {
				panic("a nil block was found in this block list")
			}

			success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo, suballocationType, strategy, outAlloc)
			if err != nil {
				return err
			} else if success {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from last block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return nil
			}
		}
	} else if strategy != AllocationCreateStrategyMinTime {
		// Iterate forward through the blocks to find the smallest/best block where this will fit

		if l.deviceMemory.IsMemoryTypeHostVisible(l.memoryTypeIndex) {
			isMappingAllowed := createInfo.Flags&allocationCreateHostAccessMask != 0

			/*
				For non-mappable allocations, check blocks that are not mapped first. For mappable allocations,
				check blocks that are already mapped first. This way, if there are a lot of blocks, we'll separate
				mappable and non-mappable allocations, hopefully limiting the number of mapped blocks
			*/
			for mappingIndex := 0; mappingIndex < 2; mappingIndex++ {
				// Prefer blocks with the smallest amount of free space by iterating forward
				for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
					currentBlock := l.blocks[blockIndex]
					if currentBlock == nil {
						panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
					}

					isBlockMapped := currentBlock.memory.MappedData() != nil
					if (mappingIndex == 0) == (isMappingAllowed == isBlockMapped) {
						success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo, suballocationType, strategy, outAlloc)
						if err != nil {
							return err
						} else if success {
							l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
							l.incrementallySortBlocks()
							return nil
						}
					}
				}
			}
		} else {
			for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
				// Prefer blocks with the smallest amount of free space by iterating forward
				currentBlock := l.blocks[blockIndex]
				if currentBlock == nil {
					panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
				}

				success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo, suballocationType, strategy, outAlloc)
				if err != nil {
					return err
				} else if success {
					l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
					l.incrementallySortBlocks()
					return nil
				}
			}
		}
	} else {
		for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
			// Prefer blocks with the largest amount of free space by iterating backward
			currentBlock := l.blocks[blockIndex]
			if currentBlock == nil {
				panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
			}

			success, err := l.allocFromBlock(currentBlock, size, alignment, createInfo, suballocationType, strategy, outAlloc)
			if err != nil {
				return err
			} else if success {
				l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", currentBlock.id))
				l.incrementallySortBlocks()
				return nil
			}
		}
	}

	// 2. Try to create a new block
	if canCreateNewBlock {
		success, err := l.allocFromNewBlock(size, alignment, createInfo, suballocationType, strategy, freeMemory, canFallbackToDedicated, outAlloc)
		if err != nil && !errors.Is(err, memutils.ErrOutOfDeviceMemory) {
			return err
		} else if success {
			return nil
		}
	}

	// 3. Try to evict allocations that have gone unused
	if createInfo.Flags&AllocationCreateCanMakeOtherLost != 0 {
		return l.allocWithEviction(size, alignment, createInfo, suballocationType, strategy, outAlloc)
	}

	return memutils.OutOfMemoryf("no block in memory type %d could hold an allocation of size %d", l.memoryTypeIndex, size)
}

func (l *memoryBlockList) allocFromNewBlock(size int, alignment uint, createInfo *AllocationCreateInfo, suballocType suballocationType, strategy AllocationCreateFlags, freeMemory int, canFallbackToDedicated bool, outAlloc *Allocation) (bool, error) {
	newBlockSize := l.preferredBlockSize
	newBlockSizeShift := 0
	maxNewBlockSizeShift := l.parentAllocator.newBlockSizeShiftLimit

	if !l.explicitBlockSize {
		maxExistingBlockSize := l.calcMaxBlockSize()

		for i := 0; i < maxNewBlockSizeShift; i++ {
			smallerNewBlockSize := newBlockSize / 2
			if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= size*2 {
				newBlockSize = smallerNewBlockSize
				newBlockSizeShift++
			} else {
				break
			}
		}
	}

	newBlockIndex := 0
	var err error
	if newBlockSize <= freeMemory || !canFallbackToDedicated {
		newBlockIndex, err = l.CreateBlock(newBlockSize)
	} else {
		err = memutils.OutOfMemoryf("a new block of size %d would exceed the %d bytes left in the heap budget", newBlockSize, freeMemory)
	}

	if !l.explicitBlockSize {
		for err != nil && newBlockSizeShift < maxNewBlockSizeShift {
			smallerNewBlockSize := newBlockSize / 2
			if smallerNewBlockSize < size {
				break
			}

			newBlockSize = smallerNewBlockSize
			newBlockSizeShift++
			if newBlockSize <= freeMemory || !canFallbackToDedicated {
				newBlockIndex, err = l.CreateBlock(newBlockSize)
			}
		}
	}

	if err != nil {
		return false, err
	}

	block := l.blocks[newBlockIndex]
	if block.metadata.Size() < size {
		panic(fmt.Sprintf("created a new block at index %d to hold an allocation of size %d but the created block was somehow only size %d", newBlockIndex, size, block.metadata.Size()))
	}

	success, err := l.allocFromBlock(block, size, alignment, createInfo, suballocType, strategy, outAlloc)
	if err != nil {
		return false, err
	} else if success {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block and allocated from it",
			slog.Int("block.id", block.id), slog.Int("size", newBlockSize))
		l.incrementallySortBlocks()
	}

	return success, nil
}

// allocWithEviction looks for the placement that would evict the least, makes its victims lost and
// commits the allocation. If a victim is touched between being chosen and being made lost, the search
// starts again, up to AllocationTryCount times.
func (l *memoryBlockList) allocWithEviction(size int, alignment uint, createInfo *AllocationCreateInfo, suballocType suballocationType, strategy AllocationCreateFlags, outAlloc *Allocation) error {
	isUpperAddress := createInfo.Flags&AllocationCreateUpperAddress != 0
	eviction := metadata.EvictionParams{
		CanMakeOtherLost:  true,
		CurrentFrameIndex: l.parentAllocator.CurrentFrameIndex(),
		FrameInUseCount:   l.frameInUseCount,
	}
	metadataStrategy := metadataStrategyForFlags(strategy)

	for tryIndex := 0; tryIndex < AllocationTryCount; tryIndex++ {
		var bestBlock *deviceMemoryBlock
		var bestRequest metadata.AllocationRequest
		bestCost := math.MaxInt

		firstBlock := 0
		if l.algorithm == PoolCreateLinearAlgorithm {
			firstBlock = len(l.blocks) - 1
		}

		for blockIndex := firstBlock; blockIndex >= 0 && blockIndex < len(l.blocks); blockIndex++ {
			currentBlock := l.blocks[blockIndex]

			success, request, err := currentBlock.metadata.CreateAllocationRequest(size, alignment, isUpperAddress, uint32(suballocType), metadataStrategy, math.MaxInt, &eviction)
			if err != nil {
				return err
			} else if !success {
				continue
			}

			cost := request.CalcCost()
			if cost < bestCost {
				bestBlock = currentBlock
				bestRequest = request
				bestCost = cost

				if cost == 0 || strategy == AllocationCreateStrategyMinTime {
					break
				}
			}
		}

		if bestBlock == nil {
			if l.algorithm == PoolCreateLinearAlgorithm {
				l.logger.LogAttrs(context.Background(), slog.LevelWarn, "linear pool is full and no allocations can be made lost",
					slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
					slog.Int("size", size),
				)
			}
			return memutils.OutOfMemoryf("no allocation in memory type %d could be made lost to hold an allocation of size %d", l.memoryTypeIndex, size)
		}

		lostCount := bestRequest.ItemsToMakeLostCount
		if lostCount > 0 {
			madeLost, err := bestBlock.metadata.MakeRequestedAllocationsLost(&bestRequest, eviction)
			if err != nil {
				return err
			} else if !madeLost {
				// Another thread touched one of the victims
				continue
			}
		}

		err := l.commitAllocationRequest(bestRequest, bestBlock, alignment, createInfo.Flags, createInfo.UserData, nil, suballocType, outAlloc)
		if err != nil {
			return err
		}

		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block after making allocations lost",
			slog.Int("block.id", bestBlock.id),
			slog.Int("lost", lostCount),
		)
		l.incrementallySortBlocks()
		return nil
	}

	return errors.Wrapf(memutils.ErrTooManyContendingAllocations, "allocation of size %d failed to make allocations lost after %d tries", size, AllocationTryCount)
}

// MakeAllocationsLost evicts every allocation in the list that is eligible in the current frame, and
// returns the number of allocations evicted
func (l *memoryBlockList) MakeAllocationsLost() (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	eviction := metadata.EvictionParams{
		CanMakeOtherLost:  true,
		CurrentFrameIndex: l.parentAllocator.CurrentFrameIndex(),
		FrameInUseCount:   l.frameInUseCount,
	}

	var total int
	for _, block := range l.blocks {
		count, err := block.metadata.MakeAllocationsLost(eviction)
		total += count
		if err != nil {
			return total, err
		}

		if count > 0 {
			block.memory.RecordSuballocSubfree(l.device())
		}
	}

	l.incrementallySortBlocks()
	return total, nil
}

func (l *memoryBlockList) Free(alloc *Allocation) error {
	blockToDelete, lost, err := l.freeWithLock(alloc)
	l.finishFree(alloc, blockToDelete, lost)
	return err
}

func (l *memoryBlockList) finishFree(alloc *Allocation, blockToDelete *deviceMemoryBlock, lost bool) {
	if blockToDelete != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err := blockToDelete.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
		blockPool.Put(blockToDelete)
	}

	// Lost allocations were removed from the heap counters when they were made lost
	if !lost {
		l.deviceMemory.RemoveAllocation(l.heapIndex(), alloc.size)
	}
}

func (l *memoryBlockList) freeWithLock(alloc *Allocation) (*deviceMemoryBlock, bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.freeLocked(alloc)
}

// freeLocked releases the allocation's region in its block and decides whether a block should be
// destroyed. The returned boolean is true if the allocation had already been made lost.
//
// A corruption error is returned after the region has been freed.
func (l *memoryBlockList) freeLocked(alloc *Allocation) (blockToDelete *deviceMemoryBlock, lost bool, err error) {
	if alloc.IsLost() {
		return nil, true, nil
	}

	block := alloc.blockData.block
	if block == nil || block.parentList != l {
		panic("attempted to free an allocation that does not belong to this block list")
	}

	heapBudget := l.deviceMemory.HeapBudget(l.heapIndex())
	budgetExceeded := heapBudget.Usage >= heapBudget.Budget

	if l.IsCorruptionDetectionEnabled() {
		err = block.ValidateMagicValueAfterAllocation(alloc.offset(), alloc.Size())
		if err != nil {
			l.logger.LogAttrs(context.Background(), slog.LevelError, "memory corruption detected while freeing allocation",
				slog.Int("block.id", block.id),
				slog.Int("offset", alloc.offset()),
				slog.Int("size", alloc.Size()),
				slog.String("error", err.Error()),
			)
		}
	}

	alloc.fillAllocation(destroyedFillPattern)

	if alloc.isPersistentMap() {
		unmapErr := block.memory.Unmap(l.device(), 1)
		if unmapErr != nil {
			return nil, false, unmapErr
		}
	}

	hasEmptyBlockBeforeFree := l.hasEmptyBlock()
	freeErr := block.metadata.Free(alloc.blockData.handle)
	if freeErr != nil {
		panic(fmt.Sprintf("unexpected error when freeing allocation with handle %+v in metadata: %+v", alloc.blockData.handle, freeErr))
	}
	block.memory.RecordSuballocSubfree(l.device())
	memutils.DebugValidate(block)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block", slog.Int("MemoryTypeIndex", l.memoryTypeIndex))

	canDeleteBlock := len(l.blocks) > l.minBlockCount

	// The block is empty & we can delete it
	if block.metadata.IsEmpty() && (hasEmptyBlockBeforeFree || budgetExceeded) && canDeleteBlock {
		blockToDelete = block
		l.Remove(block)
	} else if !block.metadata.IsEmpty() && hasEmptyBlockBeforeFree && canDeleteBlock {
		// There is an empty block somewhere we don't need
		lastBlock := l.blocks[len(l.blocks)-1]
		if lastBlock.metadata.IsEmpty() {
			blockToDelete = lastBlock
			l.blocks = l.blocks[:len(l.blocks)-1]
		}
	}

	l.incrementallySortBlocks()

	return blockToDelete, false, err
}

func (l *memoryBlockList) hasEmptyBlock() bool {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block.metadata.IsEmpty() {
			return true
		}
	}

	return false
}

func (l *memoryBlockList) incrementallySortBlocks() {
	if !l.incrementalSort || l.algorithm == PoolCreateLinearAlgorithm {
		return
	}

	for blockIndex := 1; blockIndex < len(l.blocks); blockIndex++ {
		if l.blocks[blockIndex-1].metadata.SumFreeSize() > l.blocks[blockIndex].metadata.SumFreeSize() {
			l.blocks[blockIndex-1], l.blocks[blockIndex] = l.blocks[blockIndex], l.blocks[blockIndex-1]
			return
		}
	}
}

func (l *memoryBlockList) SortByFreeSize() {
	sort.Slice(l.blocks, func(i, j int) bool {
		return l.blocks[i].metadata.SumFreeSize() < l.blocks[j].metadata.SumFreeSize()
	})
}

func (l *memoryBlockList) calcMaxBlockSize() int {
	result := 0
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		blockSize := l.blocks[blockIndex].metadata.Size()
		if blockSize <= result {
			continue
		}

		result = blockSize
		if result >= l.preferredBlockSize {
			return result
		}
	}

	return result
}

func metadataStrategyForFlags(flags AllocationCreateFlags) metadata.AllocationStrategy {
	var strategy metadata.AllocationStrategy
	if flags&AllocationCreateStrategyMinOffset != 0 {
		strategy |= metadata.AllocationStrategyMinOffset
	}
	if flags&AllocationCreateStrategyMinMemory != 0 {
		strategy |= metadata.AllocationStrategyMinMemory
	}
	if flags&AllocationCreateStrategyMinTime != 0 {
		strategy |= metadata.AllocationStrategyMinTime
	}
	return strategy
}

func (l *memoryBlockList) allocFromBlock(block *deviceMemoryBlock, size int, alignment uint, createInfo *AllocationCreateInfo, suballocType suballocationType, strategy AllocationCreateFlags, outAlloc *Allocation) (bool, error) {
	if !block.metadata.MayHaveFreeBlock(uint32(suballocType), size) {
		return false, nil
	}

	isUpperAddress := createInfo.Flags&AllocationCreateUpperAddress != 0

	success, currRequest, err := block.metadata.CreateAllocationRequest(size, alignment, isUpperAddress, uint32(suballocType), metadataStrategyForFlags(strategy), math.MaxInt, nil)
	if err != nil {
		return false, err
	} else if !success {
		return false, nil
	}

	err = l.commitAllocationRequest(currRequest, block, alignment, createInfo.Flags, createInfo.UserData, nil, suballocType, outAlloc)
	if err != nil {
		return false, err
	}

	return true, nil
}

// commitAllocationRequest places outAlloc into the block. The metadata records metadataUserData for the
// region, or outAlloc itself if metadataUserData is nil.
func (l *memoryBlockList) commitAllocationRequest(allocRequest metadata.AllocationRequest, block *deviceMemoryBlock, alignment uint, allocFlags AllocationCreateFlags, userData any, metadataUserData any, suballocType suballocationType, outAlloc *Allocation) error {
	mapped := allocFlags&AllocationCreateMapped != 0
	var flags allocationFlags
	if allocFlags&allocationCreateHostAccessMask != 0 {
		flags |= allocationMappingAllowed
	}
	if allocFlags&AllocationCreateCanBecomeLost != 0 {
		flags |= allocationCanBecomeLost
	}
	if allocFlags&AllocationCreateCanAlias != 0 {
		flags |= allocationCanAlias
	}

	block.memory.RecordSuballocSubfree(l.device())

	// Allocate from block
	if mapped {
		_, err := block.memory.Map(l.device(), 1)
		if err != nil {
			return err
		}
	}

	outAlloc.init(l.parentAllocator, flags)
	if metadataUserData == nil {
		metadataUserData = outAlloc
	}
	err := block.metadata.Alloc(allocRequest, uint32(suballocType), metadataUserData)
	if err != nil {
		if mapped {
			_ = block.memory.Unmap(l.device(), 1)
		}
		return err
	}

	outAlloc.initBlockAllocation(block, allocRequest.BlockAllocationHandle, allocRequest.Offset, alignment, allocRequest.Size, l.memoryTypeIndex, suballocType, mapped)

	outAlloc.SetUserData(userData)
	l.deviceMemory.AddAllocation(l.heapIndex(), allocRequest.Size)

	outAlloc.fillAllocation(createdFillPattern)

	if l.IsCorruptionDetectionEnabled() {
		err = block.WriteMagicBlockAfterAllocation(allocRequest.Offset, allocRequest.Size)
		if err != nil {
			panic(fmt.Sprintf("failed to write magic values with unexpected error: %+v", err))
		}
	}

	return nil
}

func (l *memoryBlockList) CheckCorruption() error {
	if !l.IsCorruptionDetectionEnabled() {
		return memutils.NotSupportedf("corruption detection is not enabled for memory type %d", l.memoryTypeIndex)
	}

	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			return errors.Newf("unexpected nil block at memory type %d, block %d", l.memoryTypeIndex, blockIndex)
		}

		err := block.CheckCorruption()
		if err != nil {
			return err
		}
	}

	return nil
}

// defragBlockList exposes a memoryBlockList to the defragmentation planner. Its owner holds the list's
// write lock for as long as the planner is working, so nothing here locks.
type defragBlockList struct {
	list *memoryBlockList
}

var _ defrag.BlockList[Allocation] = defragBlockList{}

func (d defragBlockList) MetadataForBlock(blockIndex int) metadata.BlockMetadata {
	return d.list.blocks[blockIndex].metadata
}

func (d defragBlockList) BlockCount() int {
	return len(d.list.blocks)
}

func (d defragBlockList) AddStatistics(stats *memutils.Statistics) {
	d.list.addStatisticsLocked(stats)
}

func (d defragBlockList) AllocationGranularity() int {
	return d.list.granularity
}

func (d defragBlockList) CreateAlloc() *Allocation {
	return &Allocation{}
}

func (d defragBlockList) CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, flags uint32, userData any, suballocType uint32, outAlloc *Allocation) error {
	return d.list.commitAllocationRequest(
		allocRequest,
		d.list.blocks[blockIndex],
		alignment,
		AllocationCreateFlags(flags),
		nil,
		userData,
		suballocationType(suballocType),
		outAlloc,
	)
}

func (d defragBlockList) MoveDataForUserData(userData any) defrag.MoveAllocationData[Allocation] {
	alloc, ok := userData.(*Allocation)
	if !ok || alloc == nil {
		panic(fmt.Sprintf("attempted to create a MoveAllocationData for a non-Allocation userData: %+v", userData))
	}

	var flags AllocationCreateFlags

	if alloc.isPersistentMap() {
		flags |= AllocationCreateMapped
	}
	if alloc.IsMappingAllowed() {
		flags |= AllocationCreateHostAccessSequentialWrite | AllocationCreateHostAccessRandom
	}

	return defrag.MoveAllocationData[Allocation]{
		Alignment:         alloc.alignment,
		SuballocationType: uint32(alloc.suballocationType),
		Flags:             uint32(flags),
		Immovable:         alloc.mapCount.Load() > 0 || alloc.canAlias(),
		Move: defrag.DefragmentationMove[Allocation]{
			Size:             alloc.size,
			SrcAllocation:    alloc,
			SrcBlockMetadata: alloc.blockData.block.metadata,
		},
	}
}

func (d defragBlockList) SwapBlocks(left, right int) {
	d.list.blocks[left], d.list.blocks[right] = d.list.blocks[right], d.list.blocks[left]
}
