package allocator

import (
	"context"
	"fmt"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/allocator/internal/devmem"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/defrag"
	"golang.org/x/exp/slog"
)

// DefragmentationFlags is a set of bitflags that specify behavior for the DefragmentationContext
type DefragmentationFlags uint32

const (
	// DefragmentationFlagAlgorithmFast indicates that the DefragmentationContext should use a "fast"
	// algorithm that first-fits every allocation at the lowest free offset it knows about. It is only
	// used when every allocation in a block list is movable and no granularity conflicts are possible,
	// otherwise DefragmentationFlagAlgorithmGeneric is used for that list. It is not compatible with
	// DefragmentationFlagAlgorithmGeneric.
	DefragmentationFlagAlgorithmFast DefragmentationFlags = 1 << iota
	// DefragmentationFlagAlgorithmGeneric indicates that the DefragmentationContext should move
	// allocations, largest first, into the fullest blocks that can hold them, or lower within their own
	// block.
	//
	// This is the default algorithm if none is specified. It is not compatible with DefragmentationFlagAlgorithmFast
	DefragmentationFlagAlgorithmGeneric

	DefragmentationFlagAlgorithmMask = DefragmentationFlagAlgorithmFast |
		DefragmentationFlagAlgorithmGeneric
)

var defragmentationFlagsMapping = map[DefragmentationFlags]string{
	DefragmentationFlagAlgorithmFast:    "DefragmentationFlagAlgorithmFast",
	DefragmentationFlagAlgorithmGeneric: "DefragmentationFlagAlgorithmGeneric",
}

func (f DefragmentationFlags) String() string {
	str, ok := defragmentationFlagsMapping[f]
	if !ok {
		return "unknown DefragmentationFlags"
	}
	return str
}

// DefragmentationInfo is used to specify options for a defragmentation run when populating a
// DefragmentationContext.
type DefragmentationInfo struct {
	// Flags specifies optional DefragmentationFlags
	Flags DefragmentationFlags
	// Pool indicates a custom memory pool to defragment. This is usually nil, in which case the
	// Allocator's default block lists will be defragmented
	Pool *Pool

	// MaxBytesPerPass is the maximum number of bytes to relocate in each pass. This can be used to restrict
	// the amount of copying that will be done in a single pass of the defragmentation algorithm. If one pass
	// is performed per frame (or some other mechanism to limit throughput), then the amount of resources spent
	// on the defragmentation process can be controlled. 0 means no limit.
	MaxBytesPerPass int
	// MaxAllocationsPerPass is the maximum number of Allocation objects to relocate in each pass. 0 means
	// no limit.
	MaxAllocationsPerPass int
}

// MoveApplier carries out the data copies for a pass of defragmentation. It may set the MoveOperation
// of any move to defrag.DefragmentationMoveIgnore or defrag.DefragmentationMoveDestroy. Every copy must
// be complete before ApplyMoves returns.
type MoveApplier interface {
	ApplyMoves(moves []defrag.DefragmentationMove[Allocation]) error
}

// DefragmentationContext is an object that represents a single run of the defragmentation algorithm, although
// that run will consist of multiple passes that may be spread out over an extended period of time. This object
// is created by Allocator.BeginDefragmentation.
//
// While a pass is underway, from BeginDefragPass until EndDefragPass, the block list being defragmented is
// write-locked. Allocation.Map, Allocation.Offset, Allocation.Flush, Allocation.Invalidate, and allocating or
// freeing from that block list all block until the pass ends, so they must not be called by the goroutine
// running the pass.
type DefragmentationContext struct {
	MaxPassBytes       int
	MaxPassAllocations int

	logger   *slog.Logger
	lists    []*memoryBlockList
	contexts []defrag.MetadataDefragContext[Allocation]

	blockListProgress int
	activeList        *memoryBlockList
	pass              defrag.PassContext
	stats             defrag.DefragmentationStats
	finished          bool
}

// BeginDefragmentation prepares a defragmentation run over a custom pool or over the allocator's default
// block lists. Linear and buddy pools cannot be defragmented: they fail with memutils.ErrFeatureNotSupported.
// Call DefragmentationContext.Finish when the run is over.
func (a *Allocator) BeginDefragmentation(o DefragmentationInfo) (*DefragmentationContext, error) {
	algorithm := o.Flags & DefragmentationFlagAlgorithmMask
	if algorithm == DefragmentationFlagAlgorithmMask {
		return nil, memutils.InvalidUsagef("DefragmentationFlagAlgorithmFast and DefragmentationFlagAlgorithmGeneric cannot both be specified")
	}
	if o.MaxBytesPerPass < 0 || o.MaxAllocationsPerPass < 0 {
		return nil, memutils.InvalidUsagef("pass limits must not be negative")
	}

	c := &DefragmentationContext{
		MaxPassBytes:       o.MaxBytesPerPass,
		MaxPassAllocations: o.MaxAllocationsPerPass,
		logger:             a.logger,
	}

	if c.MaxPassBytes == 0 {
		c.MaxPassBytes = math.MaxInt
	}

	if c.MaxPassAllocations == 0 {
		c.MaxPassAllocations = math.MaxInt
	}

	if o.Pool != nil {
		if !o.Pool.blockList.supportsDefragmentation() {
			return nil, memutils.NotSupportedf("pool %d uses %s, which cannot be defragmented",
				o.Pool.id, algorithmName(o.Pool.blockList.Algorithm()))
		}
		c.lists = []*memoryBlockList{&o.Pool.blockList}
	} else {
		for _, list := range a.memoryBlockLists {
			if list != nil {
				c.lists = append(c.lists, list)
			}
		}
	}

	defragAlgorithm := defrag.AlgorithmGeneric
	if algorithm == DefragmentationFlagAlgorithmFast {
		defragAlgorithm = defrag.AlgorithmFast
	}

	c.contexts = make([]defrag.MetadataDefragContext[Allocation], len(c.lists))
	for index, list := range c.lists {
		c.contexts[index] = defrag.MetadataDefragContext[Allocation]{
			Algorithm: defragAlgorithm,
			Handler:   c.completePassForMove,
			BlockList: defragBlockList{list: list},
		}

		list.Lock()
		list.incrementalSort = false
		list.SortByFreeSize()
		err := c.contexts[index].Init()
		list.Unlock()

		if err != nil {
			c.restoreSorting()
			return nil, err
		}
	}

	return c, nil
}

// BeginDefragPass collects a number of relocations to be performed for a single pass of the defragmentation
// run and returns those relocations. A temporary destination (defrag.DefragmentationMove.DstTmpAllocation) has
// been reserved for each one. Before calling EndDefragPass, the caller should copy the data of each SrcAllocation
// to its DstTmpAllocation (CopyMove does this on the CPU), or set the move's MoveOperation to
// defrag.DefragmentationMoveIgnore to leave the allocation where it is, or to defrag.DefragmentationMoveDestroy
// to free SrcAllocation without moving it.
//
// An empty slice means the run is complete. Otherwise the block list holding the moves stays write-locked
// until EndDefragPass is called.
func (c *DefragmentationContext) BeginDefragPass() []defrag.DefragmentationMove[Allocation] {
	if c.activeList != nil {
		panic("BeginDefragPass was called twice without a call to EndDefragPass")
	}

	c.pass = defrag.PassContext{
		MaxPassBytes:       c.MaxPassBytes,
		MaxPassAllocations: c.MaxPassAllocations,
	}

	for ; c.blockListProgress < len(c.contexts); c.blockListProgress++ {
		list := c.lists[c.blockListProgress]
		ctx := &c.contexts[c.blockListProgress]

		list.Lock()
		ctx.BlockListCollectMoves(&c.pass)
		moves := ctx.Moves()

		if len(moves) > 0 {
			c.activeList = list
			c.logger.LogAttrs(context.Background(), slog.LevelDebug, "DefragmentationContext::BeginDefragPass",
				slog.Int("MemoryTypeIndex", list.memoryTypeIndex),
				slog.Int("Moves", len(moves)),
			)
			return moves
		}

		list.Unlock()
	}

	c.finished = true
	return nil
}

// EndDefragPass will complete the relocation of the allocations collected in BeginDefragPass, inject
// DstTmpAllocation's placement into SrcAllocation (so the old Allocation object can continue to be used),
// free the old memory that was relocated, and release the block list's write lock.
//
// It returns true if the defragmentation run has ended after this pass, or false if additional passes are
// necessary. Errors returned by individual moves are combined and returned after every move is handled.
func (c *DefragmentationContext) EndDefragPass() (bool, error) {
	if c.activeList == nil {
		return c.finished || c.blockListProgress >= len(c.contexts), nil
	}

	list := c.activeList
	c.activeList = nil

	err := c.contexts[c.blockListProgress].BlockListCompletePass(&c.pass)
	list.Unlock()

	c.stats.Add(c.pass.Stats)

	// Keep working the same block list while passes make progress
	if c.pass.Stats.AllocationsMoved == 0 {
		c.blockListProgress++
	}

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "DefragmentationContext::EndDefragPass",
		slog.Int("BytesMoved", c.pass.Stats.BytesMoved),
		slog.Int("AllocationsMoved", c.pass.Stats.AllocationsMoved),
		slog.Int("BlocksFreed", c.pass.Stats.DeviceMemoryBlocksFreed),
	)

	return c.blockListProgress >= len(c.contexts), err
}

// RunPass performs a full pass: it collects moves, hands them to applier, and completes the pass. It
// returns true when the run has ended. If the applier fails, every move of the pass is ignored and the
// applier's error is returned.
func (c *DefragmentationContext) RunPass(applier MoveApplier) (bool, error) {
	moves := c.BeginDefragPass()
	if len(moves) == 0 {
		return true, nil
	}

	applyErr := applier.ApplyMoves(moves)
	if applyErr != nil {
		for index := range moves {
			moves[index].MoveOperation = defrag.DefragmentationMoveIgnore
		}
	}

	done, err := c.EndDefragPass()
	if applyErr != nil {
		return done, errors.CombineErrors(applyErr, err)
	}

	return done, err
}

// Finish performs cleanup after the last defragmentation pass has run and reports the run's statistics
// to outStats, which may be nil. It should be called once the run has ended, or to abandon a run early.
func (c *DefragmentationContext) Finish(outStats *defrag.DefragmentationStats) error {
	if c.activeList != nil {
		return memutils.InvalidUsagef("Finish was called while a defragmentation pass was underway")
	}

	if outStats != nil {
		*outStats = c.stats
	}

	c.restoreSorting()
	return nil
}

func (c *DefragmentationContext) restoreSorting() {
	for _, list := range c.lists {
		list.Lock()
		list.incrementalSort = true
		list.Unlock()
	}
}

func (c *DefragmentationContext) completePassForMove(move defrag.DefragmentationMove[Allocation]) error {
	list := c.activeList
	if list == nil {
		list = c.lists[c.blockListProgress]
	}

	var err error
	switch move.MoveOperation {
	case defrag.DefragmentationMoveCopy:
		move.SrcAllocation.swapBlockAllocation(move.DstTmpAllocation)

	case defrag.DefragmentationMoveDestroy:
		srcErr := c.freeLocked(list, move.SrcAllocation)
		if srcErr != nil {
			err = errors.Wrap(srcErr, "failed to free source allocation on Destroy move")
		}
		move.SrcAllocation.reset()
	}

	// For a Copy, the temporary allocation now holds the old placement
	dstErr := c.freeLocked(list, move.DstTmpAllocation)
	if dstErr != nil {
		return errors.CombineErrors(err, errors.Wrap(dstErr, "failed to free temporary defrag allocation"))
	}

	return err
}

func (c *DefragmentationContext) freeLocked(list *memoryBlockList, alloc *Allocation) error {
	blockToDelete, lost, err := list.freeLocked(alloc)
	list.finishFree(alloc, blockToDelete, lost)
	return err
}

// CPUCopyApplier copies the data of each move on the CPU. Moves in memory types that are not host
// visible are ignored.
type CPUCopyApplier struct{}

var _ MoveApplier = CPUCopyApplier{}

func (CPUCopyApplier) ApplyMoves(moves []defrag.DefragmentationMove[Allocation]) error {
	for index := range moves {
		move := &moves[index]
		if move.MoveOperation != defrag.DefragmentationMoveCopy {
			continue
		}

		if !move.SrcAllocation.deviceMemory().IsMemoryTypeHostVisible(move.SrcAllocation.memoryTypeIndex) {
			move.MoveOperation = defrag.DefragmentationMoveIgnore
			continue
		}

		err := CopyMove(move)
		if err != nil {
			return err
		}
	}

	return nil
}

// CopyMove copies the data of a single move from its source to its destination on the CPU. It may only be
// used on a move returned by the current pass, since it bypasses the block list's lock.
func CopyMove(move *defrag.DefragmentationMove[Allocation]) (err error) {
	src := move.SrcAllocation
	dst := move.DstTmpAllocation

	srcPtr, err := src.mapBacking()
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := src.unmapBacking()
		if err == nil {
			err = unmapErr
		}
	}()

	dstPtr, err := dst.mapBacking()
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := dst.unmapBacking()
		if err == nil {
			err = unmapErr
		}
	}()

	err = src.flushOrInvalidate(0, WholeSize, devmem.CacheOperationInvalidate)
	if err != nil {
		return err
	}

	copy(unsafe.Slice((*byte)(dstPtr), move.Size), unsafe.Slice((*byte)(srcPtr), move.Size))

	return dst.flushOrInvalidate(0, WholeSize, devmem.CacheOperationFlush)
}

// CommandStreamApplier records a CopyMemory command on Stream for every move, then calls Submit, which must
// not return until the device has carried out the copies.
type CommandStreamApplier struct {
	Stream device.CommandStream
	Submit func() error
}

var _ MoveApplier = CommandStreamApplier{}

func (a CommandStreamApplier) ApplyMoves(moves []defrag.DefragmentationMove[Allocation]) error {
	if a.Stream == nil {
		return memutils.InvalidUsagef("CommandStreamApplier has no Stream")
	}

	recorded := 0
	for index := range moves {
		move := &moves[index]
		if move.MoveOperation != defrag.DefragmentationMoveCopy {
			continue
		}

		src := move.SrcAllocation
		dst := move.DstTmpAllocation
		if src.Size() != dst.Size() {
			panic(fmt.Sprintf("defragmentation move from an allocation of size %d into one of size %d", src.Size(), dst.Size()))
		}

		a.Stream.CopyMemory(src.Memory(), src.offset(), dst.Memory(), dst.offset(), move.Size)
		recorded++
	}

	if recorded == 0 || a.Submit == nil {
		return nil
	}

	return a.Submit()
}
