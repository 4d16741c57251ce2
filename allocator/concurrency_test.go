package allocator

import (
	"bytes"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/xxh3"
)

const (
	workerCount      = 8
	workerIterations = 200
)

type workerAllocation struct {
	alloc       Allocation
	fingerprint uint64
}

func fillAndFingerprint(faker *gofakeit.Faker, alloc *Allocation) (uint64, error) {
	mapping, err := alloc.Map()
	if err != nil {
		return 0, err
	}

	data := mapping.Bytes()
	for i := range data {
		data[i] = faker.Uint8()
	}
	fingerprint := xxh3.Hash(data)

	return fingerprint, mapping.Release()
}

func checkFingerprint(alloc *Allocation, fingerprint uint64) error {
	mapping, err := alloc.Map()
	if err != nil {
		return err
	}

	if xxh3.Hash(mapping.Bytes()) != fingerprint {
		_ = mapping.Release()
		return errors.Newf("allocation at offset %d of size %d was overwritten", alloc.Offset(), alloc.Size())
	}

	return mapping.Release()
}

// runAllocationWorker allocates, fills, verifies and frees allocations in a random order
func runAllocationWorker(allocator *Allocator, createInfo AllocationCreateInfo, seed int64) error {
	faker := gofakeit.New(seed)
	live := make([]*workerAllocation, 0, workerIterations)

	for iteration := 0; iteration < workerIterations; iteration++ {
		if len(live) > 0 && faker.Number(0, 2) == 0 {
			index := faker.Number(0, len(live)-1)
			victim := live[index]
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]

			err := checkFingerprint(&victim.alloc, victim.fingerprint)
			if err != nil {
				return err
			}

			err = victim.alloc.Free()
			if err != nil {
				return err
			}
			continue
		}

		next := &workerAllocation{}
		err := allocator.AllocateMemory(&MemoryRequirements{
			Size:      faker.Number(16, 64*1024),
			Alignment: 1 << faker.Number(0, 8),
		}, createInfo, &next.alloc)
		if err != nil {
			return err
		}

		next.fingerprint, err = fillAndFingerprint(faker, &next.alloc)
		if err != nil {
			return err
		}
		live = append(live, next)
	}

	for _, remaining := range live {
		err := checkFingerprint(&remaining.alloc, remaining.fingerprint)
		if err != nil {
			return err
		}

		err = remaining.alloc.Free()
		if err != nil {
			return err
		}
	}

	return nil
}

func TestConcurrentAllocations(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{ReportBudget: true})
	defer destroyAllocator(t, dev, allocator)

	customPool, err := allocator.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: hostCachedType,
		BlockSize:       mib,
	})
	require.NoError(t, err)

	workers := pool.New().WithErrors().WithMaxGoroutines(workerCount)
	for worker := 0; worker < workerCount; worker++ {
		seed := int64(worker + 1)

		createInfo := AllocationCreateInfo{
			Usage: MemoryUsageAuto,
			Flags: AllocationCreateHostAccessSequentialWrite,
		}
		switch worker % 3 {
		case 1:
			createInfo = AllocationCreateInfo{
				Pool:  customPool,
				Flags: AllocationCreateHostAccessRandom,
			}
		case 2:
			createInfo.Flags |= AllocationCreateMapped
		}

		workers.Go(func() error {
			return runAllocationWorker(allocator, createInfo, seed)
		})
	}

	// Statistics readers run alongside the workers
	stats := pool.New().WithErrors()
	for reader := 0; reader < 2; reader++ {
		stats.Go(func() error {
			for i := 0; i < 50; i++ {
				var total TotalStatistics
				allocator.CalculateStatistics(&total)
				if total.Total.AllocationBytes > total.Total.BlockBytes {
					return errors.Newf("%d bytes allocated in %d bytes of blocks", total.Total.AllocationBytes, total.Total.BlockBytes)
				}
				_ = allocator.HeapBudgets()
			}
			return nil
		})
	}

	require.NoError(t, workers.Wait())
	require.NoError(t, stats.Wait())

	var total TotalStatistics
	allocator.CalculateStatistics(&total)
	require.Zero(t, total.Total.AllocationCount)
	for _, budget := range allocator.HeapBudgets() {
		require.Zero(t, budget.Statistics.AllocationCount)
		require.Zero(t, budget.Statistics.AllocationBytes)
	}

	require.NoError(t, customPool.Destroy())
}

func TestConcurrentMapping(t *testing.T) {
	dev, allocator := readyAllocator(t, AllocatorSetup{})
	defer destroyAllocator(t, dev, allocator)

	allocs := make([]Allocation, workerCount)
	require.NoError(t, allocator.AllocateMemorySlice(&MemoryRequirements{
		Size:      4096,
		Alignment: 256,
	}, AllocationCreateInfo{
		Usage: MemoryUsageAuto,
		Flags: AllocationCreateHostAccessRandom,
	}, allocs))

	mappers := pool.New().WithErrors()
	for index := range allocs {
		index := index
		alloc := &allocs[index]
		pattern := []byte{byte(index + 1)}

		mappers.Go(func() error {
			for i := 0; i < 100; i++ {
				mapping, err := alloc.Map()
				if err != nil {
					return err
				}

				copy(mapping.Bytes(), bytes.Repeat(pattern, alloc.Size()))
				if err := alloc.Flush(0, WholeSize); err != nil {
					_ = mapping.Release()
					return err
				}

				if !bytes.Equal(mapping.Bytes(), bytes.Repeat(pattern, alloc.Size())) {
					_ = mapping.Release()
					return errors.Newf("allocation %d was written by another goroutine", index)
				}

				if err := mapping.Release(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, mappers.Wait())

	for index := range allocs {
		require.Zero(t, allocs[index].mapCount.Load())
	}
	require.NoError(t, allocator.FreeMemorySlice(allocs))
}
