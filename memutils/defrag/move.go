package defrag

import (
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

// DefragmentationMoveOperation indicates what the consumer did with a single relocation. Moves are
// collected as DefragmentationMoveCopy, and the consumer may change the operation before completing
// the pass.
type DefragmentationMoveOperation uint32

const (
	// DefragmentationMoveCopy indicates that the data was copied to the destination and the source
	// should be released
	DefragmentationMoveCopy DefragmentationMoveOperation = iota
	// DefragmentationMoveIgnore indicates that the allocation stays where it is and the destination
	// should be released. The source block is treated as immovable for the rest of the run.
	DefragmentationMoveIgnore
	// DefragmentationMoveDestroy indicates that the consumer no longer needs the allocation, so both
	// the source and the destination should be released
	DefragmentationMoveDestroy
)

var moveOperationMapping = map[DefragmentationMoveOperation]string{
	DefragmentationMoveCopy:    "DefragmentationMoveCopy",
	DefragmentationMoveIgnore:  "DefragmentationMoveIgnore",
	DefragmentationMoveDestroy: "DefragmentationMoveDestroy",
}

func (o DefragmentationMoveOperation) String() string {
	return moveOperationMapping[o]
}

// DefragmentationMove is a single relocation planned by MetadataDefragContext. The destination has
// already been reserved in DstBlockMetadata and is represented by DstTmpAllocation.
type DefragmentationMove[T any] struct {
	MoveOperation DefragmentationMoveOperation
	Size          int

	SrcBlockMetadata metadata.BlockMetadata
	SrcAllocation    *T
	DstBlockMetadata metadata.BlockMetadata
	DstTmpAllocation *T
}

// DefragmentOperationHandler is called by MetadataDefragContext.BlockListCompletePass for every move
// in the pass, and must release whatever the move's operation says should be released
type DefragmentOperationHandler[T any] func(move DefragmentationMove[T]) error

// MoveAllocationData is provided by the BlockList for a single allocation and carries what is needed
// to reserve a new home for it
type MoveAllocationData[T any] struct {
	Alignment         uint
	SuballocationType uint32
	Flags             uint32
	// Immovable allocations are never relocated, and the blocks that hold them are preferred as destinations
	Immovable bool
	Move      DefragmentationMove[T]
}
