package defrag

import (
	"fmt"
	"math"
	"sort"

	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"go.uber.org/multierr"
)

// MetadataDefragContext is the core of the defragmentation logic for memutils. One of these must be created
// and initialized for each defragmentation run, which will then consist of multiple passes.
//
// The consumer must hold the BlockList's write lock from BlockListCollectMoves until BlockListCompletePass
// returns.
type MetadataDefragContext[T any] struct {
	// Algorithm is the defragmentation algorithm that should be used
	Algorithm Algorithm
	// Handler is a method that will be called to complete each relocation as part of BlockListCompletePass
	Handler DefragmentOperationHandler[T]
	// BlockList is the memory object this context exists to defragment
	BlockList BlockList[T]

	moves []DefragmentationMove[T]

	// Blocks that had a move ignored stay at the front of the list for the rest of the run
	ignoredBlocks map[metadata.BlockMetadata]struct{}

	freeSpace     freeSpaceDatabase
	scratchAllocs []movableAllocation[T]
	scratchOrder  []blockOrder

	// scratchStats exists to avoid allocating statistics objects when passing them in to be populated
	// because we pass them to an interface so the escape analyzer will get annoying about it
	scratchStats memutils.Statistics
}

type movableAllocation[T any] struct {
	offset int
	data   MoveAllocationData[T]
}

type blockOrder struct {
	mtdata    metadata.BlockMetadata
	immovable bool
	freeSize  int
}

// Init sets up this MetadataDefragContext to be used in a fresh defragmentation run. MetadataDefragContext can
// be reused for multiple runs, as long as this method is called prior to beginning each run, including the first.
//
// Init returns an error marked with memutils.ErrFeatureNotSupported if any block does not support random access.
// If AlgorithmFast was requested but cannot be used for this BlockList, Algorithm is changed to AlgorithmGeneric.
func (c *MetadataDefragContext[T]) Init() error {
	if c.BlockList == nil {
		panic("attempted to init defragmentation context without a block list")
	}

	for index := 0; index < c.BlockList.BlockCount(); index++ {
		mtData := c.BlockList.MetadataForBlock(index)
		if !mtData.SupportsRandomAccess() {
			return memutils.NotSupportedf("block %d does not support random access: linear and buddy blocks cannot be defragmented", index)
		}
	}

	if c.Algorithm == 0 {
		c.Algorithm = AlgorithmGeneric
	}

	if c.Algorithm == AlgorithmFast && !c.fastAllowed() {
		c.Algorithm = AlgorithmGeneric
	}

	c.moves = c.moves[:0]
	c.ignoredBlocks = make(map[metadata.BlockMetadata]struct{})

	return nil
}

func (c *MetadataDefragContext[T]) fastAllowed() bool {
	if memutils.DebugMargin != 0 || c.BlockList.AllocationGranularity() > 1 {
		return false
	}

	for index := 0; index < c.BlockList.BlockCount(); index++ {
		if c.hasImmovableAllocations(c.BlockList.MetadataForBlock(index)) {
			return false
		}
	}

	return true
}

// BlockListCompletePass should be called after a defragmentation pass has been worked: BlockListCollectMoves
// has been called, data has been copied for all relocations found, and the set of DefragmentationMove
// operations have had their operation type changed away from DefragmentationMoveCopy if necessary.
//
// This method will clean up the pass by updating the pass stats and calling MetadataDefragContext.Handler
// for each operation. Every error returned from the handler is combined with multierr and returned.
func (c *MetadataDefragContext[T]) BlockListCompletePass(pass *PassContext) error {
	var allErrors error

	for i := 0; i < len(c.moves); i++ {
		move := c.moves[i]

		c.scratchStats = memutils.Statistics{}
		c.BlockList.AddStatistics(&c.scratchStats)
		prevCount := c.scratchStats.BlockCount
		prevBytes := c.scratchStats.BlockBytes

		err := c.Handler(move)
		if err != nil {
			allErrors = multierr.Append(allErrors, err)
			continue
		}

		c.scratchStats = memutils.Statistics{}
		c.BlockList.AddStatistics(&c.scratchStats)
		pass.Stats.DeviceMemoryBlocksFreed += prevCount - c.scratchStats.BlockCount
		pass.Stats.BytesFreed += prevBytes - c.scratchStats.BlockBytes

		switch move.MoveOperation {
		case DefragmentationMoveIgnore:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
			if c.ignoredBlocks == nil {
				c.ignoredBlocks = make(map[metadata.BlockMetadata]struct{})
			}
			c.ignoredBlocks[move.SrcBlockMetadata] = struct{}{}

		case DefragmentationMoveDestroy:
			pass.Stats.BytesMoved -= move.Size
			pass.Stats.AllocationsMoved--
		}
	}

	c.moves = c.moves[:0]
	return allErrors
}

// BlockListCollectMoves will retrieve a single pass's worth of DefragmentationMove operations to be completed.
// Those operations can be retrieved from MetadataDefragContext.Moves. It returns true if the pass budget
// ran out before every allocation was considered.
//
// Blocks are reordered with BlockList.SwapBlocks before moves are collected: blocks holding immovable
// allocations come first, followed by the rest in ascending order of free space.
func (c *MetadataDefragContext[T]) BlockListCollectMoves(pass *PassContext) bool {
	if c.BlockList.BlockCount() == 0 {
		return false
	}

	c.sortBlocks()

	switch c.Algorithm {
	case AlgorithmFast:
		return c.collectFast(pass)
	case AlgorithmGeneric:
		return c.collectGeneric(pass)
	default:
		panic(fmt.Sprintf("attempted to defragment with unknown algorithm: %s", c.Algorithm.String()))
	}
}

// Moves returns the list of relocation operations most recently collected with BlockListCollectMoves
func (c *MetadataDefragContext[T]) Moves() []DefragmentationMove[T] {
	return c.moves
}

func (c *MetadataDefragContext[T]) mustBeginAllocationList(mtdata metadata.BlockMetadata) metadata.BlockAllocationHandle {
	handle, err := mtdata.AllocationListBegin()
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting first allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindNextAllocation(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) metadata.BlockAllocationHandle {
	handle, err := mtdata.FindNextAllocation(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting next allocation: %+v", err))
	}

	return handle
}

func (c *MetadataDefragContext[T]) mustFindOffset(mtdata metadata.BlockMetadata, handle metadata.BlockAllocationHandle) int {
	offset, err := mtdata.AllocationOffset(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when getting allocation offset: %+v", err))
	}

	return offset
}

// getMoveData returns false along with the move data if the allocation can be relocated
func (c *MetadataDefragContext[T]) getMoveData(handle metadata.BlockAllocationHandle, mtdata metadata.BlockMetadata) (MoveAllocationData[T], bool) {
	userData, err := mtdata.AllocationUserData(handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when retrieving allocation user data: %+v", err))
	}

	// Destinations reserved earlier in this pass
	if userData == c {
		return MoveAllocationData[T]{}, true
	}

	data := c.BlockList.MoveDataForUserData(userData)
	return data, data.Immovable
}

func (c *MetadataDefragContext[T]) hasImmovableAllocations(mtdata metadata.BlockMetadata) bool {
	for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
		userData, err := mtdata.AllocationUserData(handle)
		if err != nil {
			panic(fmt.Sprintf("unexpected error when retrieving allocation user data: %+v", err))
		}
		if userData == c {
			continue
		}

		if c.BlockList.MoveDataForUserData(userData).Immovable {
			return true
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) sortBlocks() {
	count := c.BlockList.BlockCount()
	c.scratchOrder = c.scratchOrder[:0]

	for index := 0; index < count; index++ {
		mtdata := c.BlockList.MetadataForBlock(index)
		_, ignored := c.ignoredBlocks[mtdata]
		immovable := ignored || c.hasImmovableAllocations(mtdata)
		c.scratchOrder = append(c.scratchOrder, blockOrder{
			mtdata:    mtdata,
			immovable: immovable,
			freeSize:  mtdata.SumFreeSize(),
		})
	}

	sort.SliceStable(c.scratchOrder, func(i, j int) bool {
		if c.scratchOrder[i].immovable != c.scratchOrder[j].immovable {
			return c.scratchOrder[i].immovable
		}
		return c.scratchOrder[i].freeSize < c.scratchOrder[j].freeSize
	})

	for target := 0; target < count; target++ {
		want := c.scratchOrder[target].mtdata
		for index := target; index < count; index++ {
			if c.BlockList.MetadataForBlock(index) != want {
				continue
			}

			if index != target {
				c.BlockList.SwapBlocks(index, target)
			}
			break
		}
	}
}

// movableAllocations lists the allocations in a block that may be relocated, in offset order or
// largest first
func (c *MetadataDefragContext[T]) movableAllocations(mtdata metadata.BlockMetadata, largestFirst bool) []movableAllocation[T] {
	c.scratchAllocs = c.scratchAllocs[:0]

	for handle := c.mustBeginAllocationList(mtdata); handle != metadata.NoAllocation; handle = c.mustFindNextAllocation(mtdata, handle) {
		moveData, immobile := c.getMoveData(handle, mtdata)
		if immobile {
			continue
		}

		c.scratchAllocs = append(c.scratchAllocs, movableAllocation[T]{
			offset: c.mustFindOffset(mtdata, handle),
			data:   moveData,
		})
	}

	if largestFirst {
		sort.SliceStable(c.scratchAllocs, func(i, j int) bool {
			return c.scratchAllocs[i].data.Move.Size > c.scratchAllocs[j].data.Move.Size
		})
	}

	return c.scratchAllocs
}

func (c *MetadataDefragContext[T]) allocFromBlock(blockIndex int, mtData metadata.BlockMetadata, strategy metadata.AllocationStrategy, maxOffset int, data *MoveAllocationData[T]) bool {
	success, request, err := mtData.CreateAllocationRequest(
		data.Move.Size,
		data.Alignment,
		false,
		data.SuballocationType,
		strategy,
		maxOffset,
		nil,
	)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when populating allocation request for defrag: %+v", err))
	} else if !success || request.Offset >= maxOffset {
		return false
	}

	data.Move.DstTmpAllocation = c.BlockList.CreateAlloc()
	err = c.BlockList.CommitDefragAllocationRequest(request, blockIndex, data.Alignment, data.Flags, c, data.SuballocationType, data.Move.DstTmpAllocation)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when committing allocation request for defrag: %+v", err))
	}

	data.Move.DstBlockMetadata = mtData
	c.moves = append(c.moves, data.Move)
	return true
}

func (c *MetadataDefragContext[T]) allocInOtherBlock(start, end int, data *MoveAllocationData[T]) bool {
	for ; start < end; start++ {
		dstMetadata := c.BlockList.MetadataForBlock(start)
		if dstMetadata.MayHaveFreeBlock(data.SuballocationType, data.Move.Size) &&
			c.allocFromBlock(start, dstMetadata, metadata.AllocationStrategyMinMemory, math.MaxInt, data) {
			return true
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) allocIfLowerOffset(offset int, blockIndex int, mtdata metadata.BlockMetadata, data *MoveAllocationData[T]) bool {
	if offset == 0 || !mtdata.MayHaveFreeBlock(data.SuballocationType, data.Move.Size) {
		return false
	}

	return c.allocFromBlock(blockIndex, mtdata, metadata.AllocationStrategyMinOffset, offset, data)
}

func (c *MetadataDefragContext[T]) collectGeneric(pass *PassContext) bool {
	// Go through allocations in the least-favored blocks and try to fit them inside more-favored ones
	for blockIndex := c.BlockList.BlockCount() - 1; blockIndex >= 0; blockIndex-- {
		mtdata := c.BlockList.MetadataForBlock(blockIndex)

		for _, alloc := range c.movableAllocations(mtdata, true) {
			moveData := alloc.data

			counter := pass.checkCounters(moveData.Move.Size)
			switch counter {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				return true
			case defragCounterPass:
			default:
				panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
			}

			if c.allocInOtherBlock(0, blockIndex, &moveData) ||
				c.allocIfLowerOffset(alloc.offset, blockIndex, mtdata, &moveData) {

				// Have we crossed our threshold for this pass?
				if pass.incrementCounters(moveData.Move.Size) {
					return true
				}
			}
		}
	}

	return false
}

func (c *MetadataDefragContext[T]) collectFast(pass *PassContext) bool {
	count := c.BlockList.BlockCount()
	c.freeSpace.reset()
	for blockIndex := 0; blockIndex < count; blockIndex++ {
		c.freeSpace.registerBlock(blockIndex, c.BlockList.MetadataForBlock(blockIndex))
	}

	for blockIndex := count - 1; blockIndex >= 0; blockIndex-- {
		mtdata := c.BlockList.MetadataForBlock(blockIndex)

		for _, alloc := range c.movableAllocations(mtdata, false) {
			moveData := alloc.data

			counter := pass.checkCounters(moveData.Move.Size)
			switch counter {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				return true
			case defragCounterPass:
			default:
				panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
			}

			dstIndex, found := c.freeSpace.fetch(moveData.Move.Size, moveData.Alignment, blockIndex, alloc.offset)
			if !found {
				continue
			}

			maxOffset := math.MaxInt
			if dstIndex == blockIndex {
				maxOffset = alloc.offset
			}

			dstMetadata := c.BlockList.MetadataForBlock(dstIndex)
			moved := c.allocFromBlock(dstIndex, dstMetadata, metadata.AllocationStrategyMinOffset, maxOffset, &moveData)
			c.freeSpace.registerBlock(dstIndex, dstMetadata)

			if moved && pass.incrementCounters(moveData.Move.Size) {
				return true
			}
		}
	}

	return false
}
