package allocator

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/device/hostdevice"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/defrag"
	"github.com/zeebo/xxh3"
)

const (
	defragBlockSize  = 16 * 1024
	defragAllocSize  = 1024
	defragAllocCount = 64
	maxDefragPasses  = 100
)

type fragmentedPool struct {
	pool         *Pool
	allocs       []Allocation
	fingerprints []uint64
}

// live returns the allocations that were not freed to fragment the pool
func (p *fragmentedPool) live() []*Allocation {
	var live []*Allocation
	for i := range p.allocs {
		if p.allocs[i].isPopulated() {
			live = append(live, &p.allocs[i])
		}
	}
	return live
}

func (p *fragmentedPool) free(t *testing.T) {
	for _, alloc := range p.live() {
		require.NoError(t, alloc.Free())
	}
	require.NoError(t, p.pool.Destroy())
}

// allocationBytes reads allocation memory straight from the host device, for memory types that cannot be mapped
func allocationBytes(alloc *Allocation) []byte {
	memory := alloc.Memory().(*hostdevice.Memory)
	return memory.Bytes()[alloc.Offset() : alloc.Offset()+alloc.Size()]
}

// canMap is false for allocations in memory types that are not host visible, even when host access
// was requested for them
func canMap(alloc *Allocation) bool {
	return alloc.IsMappingAllowed() && alloc.deviceMemory().IsMemoryTypeHostVisible(alloc.MemoryTypeIndex())
}

func readAllocation(t *testing.T, alloc *Allocation) []byte {
	if !canMap(alloc) {
		return append([]byte(nil), allocationBytes(alloc)...)
	}

	mapping, err := alloc.Map()
	require.NoError(t, err)
	defer func() {
		require.NoError(t, mapping.Release())
	}()

	return append([]byte(nil), mapping.Bytes()...)
}

func writeAllocation(t *testing.T, alloc *Allocation, payload []byte) {
	if !canMap(alloc) {
		copy(allocationBytes(alloc), payload)
		return
	}

	mapping, err := alloc.Map()
	require.NoError(t, err)
	copy(mapping.Bytes(), payload)
	require.NoError(t, mapping.Release())
}

// fragmentPool fills a pool with allocations of random data, then frees every other allocation
func fragmentPool(t *testing.T, allocator *Allocator, memoryTypeIndex int, flags AllocationCreateFlags) *fragmentedPool {
	pool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: memoryTypeIndex,
		BlockSize:       defragBlockSize,
	})
	require.NoError(t, err)

	fragmented := &fragmentedPool{
		pool:         pool,
		allocs:       make([]Allocation, defragAllocCount),
		fingerprints: make([]uint64, defragAllocCount),
	}

	faker := gofakeit.New(int64(memoryTypeIndex) + 1)
	payload := make([]byte, defragAllocSize)

	for i := range fragmented.allocs {
		require.NoError(t, allocateFromPool(t, allocator, pool, defragAllocSize, flags, &fragmented.allocs[i]))

		for b := range payload {
			payload[b] = faker.Uint8()
		}
		writeAllocation(t, &fragmented.allocs[i], payload)
		fragmented.fingerprints[i] = xxh3.Hash(payload)
	}

	for i := 1; i < len(fragmented.allocs); i += 2 {
		require.NoError(t, fragmented.allocs[i].Free())
	}

	return fragmented
}

func (p *fragmentedPool) verify(t *testing.T) {
	for i := range p.allocs {
		if !p.allocs[i].isPopulated() {
			continue
		}

		require.Equal(t, p.fingerprints[i], xxh3.Hash(readAllocation(t, &p.allocs[i])), "allocation %d", i)
	}
}

func runDefragmentation(t *testing.T, allocator *Allocator, info DefragmentationInfo, applier MoveApplier) defrag.DefragmentationStats {
	ctx, err := allocator.BeginDefragmentation(info)
	require.NoError(t, err)

	passes := 0
	for done := false; !done; passes++ {
		require.Less(t, passes, maxDefragPasses)

		done, err = ctx.RunPass(applier)
		require.NoError(t, err)
	}

	var stats defrag.DefragmentationStats
	require.NoError(t, ctx.Finish(&stats))
	return stats
}

func TestDefragmentCPUCopy(t *testing.T) {
	for _, flags := range []DefragmentationFlags{0, DefragmentationFlagAlgorithmFast, DefragmentationFlagAlgorithmGeneric} {
		t.Run(flags.String(), func(t *testing.T) {
			dev, allocator := readyAllocator(t, AllocatorSetup{})
			defer destroyAllocator(t, dev, allocator)

			fragmented := fragmentPool(t, allocator, hostCoherentType, AllocationCreateHostAccessRandom)

			var before memutils.Statistics
			fragmented.pool.Statistics(&before)
			require.Equal(t, defragAllocCount/2, before.AllocationCount)

			stats := runDefragmentation(t, allocator, DefragmentationInfo{
				Flags: flags,
				Pool:  fragmented.pool,
			}, CPUCopyApplier{})

			require.Positive(t, stats.AllocationsMoved)
			require.Equal(t, stats.AllocationsMoved*defragAllocSize, stats.BytesMoved)
			require.Positive(t, stats.DeviceMemoryBlocksFreed)

			var after memutils.Statistics
			fragmented.pool.Statistics(&after)
			require.Equal(t, before.AllocationCount, after.AllocationCount)
			require.Equal(t, before.AllocationBytes, after.AllocationBytes)
			require.Less(t, after.BlockCount, before.BlockCount)
			require.Equal(t, before.BlockBytes-stats.BytesFreed, after.BlockBytes)

			fragmented.verify(t)
			fragmented.free(t)
		})
	}
}

func TestDefragmentCommandStream(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	fragmented := fragmentPool(t, allocator, deviceLocalType, 0)

	// Copies on the CPU are not possible in device local memory
	stats := runDefragmentation(t, allocator, DefragmentationInfo{Pool: fragmented.pool}, CPUCopyApplier{})
	require.Zero(t, stats.AllocationsMoved)
	fragmented.verify(t)

	stream := &hostdevice.CommandStream{}
	submits := 0
	stats = runDefragmentation(t, allocator, DefragmentationInfo{Pool: fragmented.pool}, CommandStreamApplier{
		Stream: stream,
		Submit: func() error {
			submits++
			return stream.Execute()
		},
	})

	require.Positive(t, stats.AllocationsMoved)
	require.Positive(t, submits)
	require.Empty(t, stream.Commands())
	fragmented.verify(t)

	fragmented.free(t)
}

func TestDefragmentDefaultBlockLists(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	allocs := make([]Allocation, 16)
	for i := range allocs {
		allocateHostVisible(t, allocator, 4096, 0, &allocs[i])
	}
	for i := 0; i < len(allocs); i += 2 {
		require.NoError(t, allocs[i].Free())
	}

	stats := runDefragmentation(t, allocator, DefragmentationInfo{}, CPUCopyApplier{})
	require.Positive(t, stats.AllocationsMoved)

	// Survivors are packed at the bottom of the block
	for i := 1; i < len(allocs); i += 2 {
		require.Less(t, allocs[i].Offset(), 8*4096)
	}

	for i := 1; i < len(allocs); i += 2 {
		require.NoError(t, allocs[i].Free())
	}
}

type recordingApplier struct {
	operation defrag.DefragmentationMoveOperation
	moves     int
	err       error
}

func (a *recordingApplier) ApplyMoves(moves []defrag.DefragmentationMove[Allocation]) error {
	for index := range moves {
		moves[index].MoveOperation = a.operation
	}
	a.moves += len(moves)
	return a.err
}

func TestDefragmentIgnoredMoves(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	fragmented := fragmentPool(t, allocator, hostCoherentType, AllocationCreateHostAccessRandom)

	offsets := make([]int, len(fragmented.allocs))
	for i := range fragmented.allocs {
		if fragmented.allocs[i].isPopulated() {
			offsets[i] = fragmented.allocs[i].Offset()
		}
	}

	applier := &recordingApplier{operation: defrag.DefragmentationMoveIgnore}
	stats := runDefragmentation(t, allocator, DefragmentationInfo{Pool: fragmented.pool}, applier)
	require.Positive(t, applier.moves)
	require.Zero(t, stats.AllocationsMoved)
	require.Zero(t, stats.BytesMoved)

	for i := range fragmented.allocs {
		if fragmented.allocs[i].isPopulated() {
			require.Equal(t, offsets[i], fragmented.allocs[i].Offset())
		}
	}

	var poolStats memutils.Statistics
	fragmented.pool.Statistics(&poolStats)
	require.Equal(t, defragAllocCount/2, poolStats.AllocationCount)

	fragmented.verify(t)
	fragmented.free(t)
}

func TestDefragmentDestroyedMoves(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	fragmented := fragmentPool(t, allocator, hostCoherentType, AllocationCreateHostAccessRandom)

	ctx, err := allocator.BeginDefragmentation(DefragmentationInfo{Pool: fragmented.pool})
	require.NoError(t, err)

	applier := &recordingApplier{operation: defrag.DefragmentationMoveDestroy}
	_, err = ctx.RunPass(applier)
	require.NoError(t, err)
	require.NoError(t, ctx.Finish(nil))
	require.Positive(t, applier.moves)

	var poolStats memutils.Statistics
	fragmented.pool.Statistics(&poolStats)
	require.Equal(t, defragAllocCount/2-applier.moves, poolStats.AllocationCount)
	require.Len(t, fragmented.live(), poolStats.AllocationCount)

	fragmented.verify(t)
	fragmented.free(t)
}

func TestDefragmentApplierFailure(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	fragmented := fragmentPool(t, allocator, hostCoherentType, AllocationCreateHostAccessRandom)

	ctx, err := allocator.BeginDefragmentation(DefragmentationInfo{Pool: fragmented.pool})
	require.NoError(t, err)

	applyErr := errors.New("copy queue lost")
	_, err = ctx.RunPass(&recordingApplier{operation: defrag.DefragmentationMoveCopy, err: applyErr})
	require.True(t, errors.Is(err, applyErr))

	var stats defrag.DefragmentationStats
	require.NoError(t, ctx.Finish(&stats))
	require.Zero(t, stats.AllocationsMoved)

	fragmented.verify(t)
	fragmented.free(t)
}

func TestDefragmentPassLimits(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	fragmented := fragmentPool(t, allocator, hostCoherentType, AllocationCreateHostAccessRandom)

	ctx, err := allocator.BeginDefragmentation(DefragmentationInfo{
		Pool:                  fragmented.pool,
		MaxAllocationsPerPass: 3,
	})
	require.NoError(t, err)

	passes := 0
	for {
		require.Less(t, passes, maxDefragPasses)
		passes++

		moves := ctx.BeginDefragPass()
		require.LessOrEqual(t, len(moves), 3)

		if len(moves) > 0 {
			// The list is locked for the rest of the pass
			require.True(t, errors.Is(ctx.Finish(nil), memutils.ErrInvalidUsage))
			require.Panics(t, func() { ctx.BeginDefragPass() })

			for index := range moves {
				require.NoError(t, CopyMove(&moves[index]))
			}
		}

		done, err := ctx.EndDefragPass()
		require.NoError(t, err)
		if done {
			break
		}
	}

	var stats defrag.DefragmentationStats
	require.NoError(t, ctx.Finish(&stats))
	require.Greater(t, passes, 2)
	require.Positive(t, stats.AllocationsMoved)

	fragmented.verify(t)
	fragmented.free(t)
}

func TestDefragmentMappedAllocationsStay(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	fragmented := fragmentPool(t, allocator, hostCoherentType, AllocationCreateHostAccessRandom)

	live := fragmented.live()
	pinned := live[len(live)-1]
	pinnedOffset := pinned.Offset()
	pinnedMemory := pinned.Memory()

	mapping, err := pinned.Map()
	require.NoError(t, err)

	runDefragmentation(t, allocator, DefragmentationInfo{Pool: fragmented.pool}, CPUCopyApplier{})
	require.Equal(t, pinnedOffset, pinned.Offset())
	require.Same(t, pinnedMemory, pinned.Memory())

	require.NoError(t, mapping.Release())

	fragmented.verify(t)
	fragmented.free(t)
}

func TestBeginDefragmentationValidation(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	_, err := allocator.BeginDefragmentation(DefragmentationInfo{Flags: DefragmentationFlagAlgorithmMask})
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))

	_, err = allocator.BeginDefragmentation(DefragmentationInfo{MaxBytesPerPass: -1})
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))

	_, err = allocator.BeginDefragmentation(DefragmentationInfo{MaxAllocationsPerPass: -1})
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))

	for _, algorithm := range []PoolCreateFlags{PoolCreateLinearAlgorithm, PoolCreateBuddyAlgorithm} {
		pool, err := allocator.CreatePool(PoolCreateInfo{
			MemoryTypeIndex: hostCoherentType,
			Flags:           algorithm,
			BlockSize:       defragBlockSize,
		})
		require.NoError(t, err)

		_, err = allocator.BeginDefragmentation(DefragmentationInfo{Pool: pool})
		require.True(t, errors.Is(err, memutils.ErrFeatureNotSupported), algorithm.String())

		require.NoError(t, pool.Destroy())
	}

	ctx, err := allocator.BeginDefragmentation(DefragmentationInfo{})
	require.NoError(t, err)
	require.Empty(t, ctx.BeginDefragPass())

	done, err := ctx.EndDefragPass()
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, ctx.Finish(nil))

	err = CommandStreamApplier{}.ApplyMoves(nil)
	require.True(t, errors.Is(err, memutils.ErrInvalidUsage))
}
