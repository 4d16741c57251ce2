package defrag

import (
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

const (
	freeSpaceMaxCount = 16
	freeSpaceMinSize  = metadata.MinFreeSuballocationSizeToRegister
)

type freeSpace struct {
	blockIndex int
	offset     int
	size       int
}

// freeSpaceDatabase is the fast algorithm's view of the block list: a handful of the largest free
// regions it has seen. Anything it does not remember is never used as a destination.
type freeSpaceDatabase struct {
	entries []freeSpace
}

func (d *freeSpaceDatabase) reset() {
	d.entries = d.entries[:0]
}

func (d *freeSpaceDatabase) register(blockIndex, offset, size int) {
	if size < freeSpaceMinSize {
		return
	}

	if len(d.entries) < freeSpaceMaxCount {
		d.entries = append(d.entries, freeSpace{blockIndex: blockIndex, offset: offset, size: size})
		return
	}

	smallest := 0
	for i := 1; i < len(d.entries); i++ {
		if d.entries[i].size < d.entries[smallest].size {
			smallest = i
		}
	}

	if d.entries[smallest].size < size {
		d.entries[smallest] = freeSpace{blockIndex: blockIndex, offset: offset, size: size}
	}
}

func (d *freeSpaceDatabase) removeBlock(blockIndex int) {
	kept := d.entries[:0]
	for _, entry := range d.entries {
		if entry.blockIndex != blockIndex {
			kept = append(kept, entry)
		}
	}
	d.entries = kept
}

// registerBlock replaces everything known about one block with its current free regions
func (d *freeSpaceDatabase) registerBlock(blockIndex int, mtdata metadata.BlockMetadata) {
	d.removeBlock(blockIndex)
	err := mtdata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if free {
			d.register(blockIndex, offset, size)
		}
		return nil
	})
	if err != nil {
		panic(err)
	}
}

// fetch returns the block holding the lowest known free region that can hold size bytes at the
// requested alignment. Regions must be in a block before limitBlock, or in limitBlock below limitOffset.
func (d *freeSpaceDatabase) fetch(size int, alignment uint, limitBlock, limitOffset int) (int, bool) {
	if alignment < 1 {
		alignment = 1
	}

	found := false
	bestBlock, bestOffset := 0, 0
	for _, entry := range d.entries {
		if entry.blockIndex > limitBlock {
			continue
		}

		offset := memutils.AlignUp(entry.offset, alignment)
		if offset+size > entry.offset+entry.size {
			continue
		}
		if entry.blockIndex == limitBlock && offset >= limitOffset {
			continue
		}

		if !found || entry.blockIndex < bestBlock || (entry.blockIndex == bestBlock && offset < bestOffset) {
			found = true
			bestBlock = entry.blockIndex
			bestOffset = offset
		}
	}

	return bestBlock, found
}
