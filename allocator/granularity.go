package allocator

import (
	"math/bits"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

// maxLowGranularity is the largest granularity that is handled by rounding requests up rather
// than by tracking page occupancy
const maxLowGranularity uint = 256

type pageInfo struct {
	kind       suballocationType
	allocCount uint16
}

type pageValidationContext struct {
	pageAllocs []uint16
}

// pageGranularity keeps incompatible payload kinds off of shared granularity pages within a
// single block. It implements metadata.GranularityCheck.
type pageGranularity struct {
	granularity uint
	pages       []pageInfo
}

func newPageGranularity(granularity uint) *pageGranularity {
	return &pageGranularity{granularity: granularity}
}

func (g *pageGranularity) Init(size int) {
	if !g.IsEnabled() {
		return
	}

	count := size / int(g.granularity)
	if size%int(g.granularity) > 0 {
		count++
	}

	if cap(g.pages) >= count {
		g.pages = g.pages[:count]
		g.Clear()
	} else {
		g.pages = make([]pageInfo, count)
	}
}

func (g *pageGranularity) Destroy() {
	g.pages = nil
}

func (g *pageGranularity) AllocationsConflict(firstAllocType uint32, secondAllocType uint32) bool {
	first := suballocationType(firstAllocType)
	second := suballocationType(secondAllocType)

	if first > second {
		first, second = second, first
	}

	switch first {
	case suballocationFree:
		return false
	case suballocationUnknown:
		return true
	case suballocationLinear:
		return second == suballocationTiled
	}

	return false
}

func (g *pageGranularity) RoundUpAllocRequest(allocType uint32, allocSize int, allocAlignment uint) (int, uint) {
	kind := suballocationType(allocType)

	if g.granularity > 1 && g.granularity <= maxLowGranularity &&
		(kind == suballocationUnknown || kind == suballocationTiled) {

		if allocAlignment < g.granularity {
			allocAlignment = g.granularity
		}

		allocSize = memutils.AlignUp(allocSize, g.granularity)
	}

	return allocSize, allocAlignment
}

func (g *pageGranularity) CheckConflictAndAlignUp(allocOffset, allocSize, blockOffset, blockSize int, allocType uint32) (int, bool) {
	if !g.IsEnabled() {
		return allocOffset, false
	}

	startPage := g.startPage(allocOffset)
	if g.pages[startPage].allocCount > 0 &&
		g.AllocationsConflict(uint32(g.pages[startPage].kind), allocType) {

		allocOffset = memutils.AlignUp(allocOffset, g.granularity)

		if blockSize < allocSize+allocOffset-blockOffset {
			return allocOffset, true
		}

		startPage++
	}

	endPage := g.endPage(allocOffset, allocSize)
	if endPage != startPage && endPage < len(g.pages) && g.pages[endPage].allocCount > 0 &&
		g.AllocationsConflict(uint32(g.pages[endPage].kind), allocType) {
		return allocOffset, true
	}

	return allocOffset, false
}

func (g *pageGranularity) AllocPages(allocType uint32, offset, size int) {
	if !g.IsEnabled() {
		return
	}

	startPage := g.startPage(offset)
	g.takePage(&g.pages[startPage], suballocationType(allocType))

	endPage := g.endPage(offset, size)
	if startPage != endPage {
		g.takePage(&g.pages[endPage], suballocationType(allocType))
	}
}

func (g *pageGranularity) FreePages(offset, size int) {
	if !g.IsEnabled() {
		return
	}

	startPage := g.startPage(offset)
	g.releasePage(&g.pages[startPage])

	endPage := g.endPage(offset, size)
	if startPage != endPage {
		g.releasePage(&g.pages[endPage])
	}
}

func (g *pageGranularity) Clear() {
	for i := range g.pages {
		g.pages[i] = pageInfo{}
	}
}

func (g *pageGranularity) StartValidation() any {
	ctx := &pageValidationContext{}

	if g.IsEnabled() {
		ctx.pageAllocs = make([]uint16, len(g.pages))
	}

	return ctx
}

func (g *pageGranularity) Validate(anyCtx any, offset, size int) error {
	if !g.IsEnabled() {
		return nil
	}

	ctx := anyCtx.(*pageValidationContext)
	start := g.startPage(offset)
	ctx.pageAllocs[start]++
	if g.pages[start].allocCount < 1 {
		return errors.Errorf("no allocations in start page %d", start)
	}

	end := g.endPage(offset, size)
	if start != end {
		ctx.pageAllocs[end]++
		if g.pages[end].allocCount < 1 {
			return errors.Errorf("no allocations in end page %d", end)
		}
	}

	return nil
}

func (g *pageGranularity) FinishValidation(anyCtx any) error {
	if !g.IsEnabled() {
		return nil
	}

	ctx := anyCtx.(*pageValidationContext)

	for pageIndex, page := range g.pages {
		if ctx.pageAllocs[pageIndex] != page.allocCount {
			return errors.Errorf("allocation count mismatch on page %d: expected %d, found %d",
				pageIndex, page.allocCount, ctx.pageAllocs[pageIndex])
		}
	}
	ctx.pageAllocs = nil

	return nil
}

func (g *pageGranularity) takePage(page *pageInfo, kind suballocationType) {
	if page.allocCount == 0 || page.kind == suballocationFree {
		page.kind = kind
	}

	page.allocCount++
}

func (g *pageGranularity) releasePage(page *pageInfo) {
	page.allocCount--
	if page.allocCount == 0 {
		page.kind = suballocationFree
	}
}

// IsEnabled reports whether page occupancy is tracked
func (g *pageGranularity) IsEnabled() bool {
	return g.granularity > maxLowGranularity
}

func (g *pageGranularity) startPage(offset int) int {
	return g.offsetToPageIndex(offset & int(^(g.granularity - 1)))
}

func (g *pageGranularity) endPage(offset int, size int) int {
	return g.offsetToPageIndex((offset + size - 1) & int(^(g.granularity - 1)))
}

func (g *pageGranularity) offsetToPageIndex(offset int) int {
	return offset >> (63 - bits.LeadingZeros64(uint64(g.granularity)))
}
