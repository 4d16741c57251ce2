package defrag

import (
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

//go:generate mockgen -source block_list.go -destination ./mocks/block_list.go

// BlockList is the memory system being defragmented: an ordered list of blocks, each managed by
// a BlockMetadata. The consumer must hold whatever lock guards the list for as long as a
// MetadataDefragContext is working on it.
type BlockList[T any] interface {
	MetadataForBlock(index int) metadata.BlockMetadata
	BlockCount() int
	AddStatistics(stats *memutils.Statistics)
	MoveDataForUserData(userData any) MoveAllocationData[T]
	// AllocationGranularity returns 1 if no granularity conflicts are possible in this list
	AllocationGranularity() int

	CreateAlloc() *T
	CommitDefragAllocationRequest(allocRequest metadata.AllocationRequest, blockIndex int, alignment uint, flags uint32, userData any, suballocType uint32, outAlloc *T) error
	SwapBlocks(leftIndex, rightIndex int)
}
