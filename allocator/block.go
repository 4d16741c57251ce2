package allocator

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/allocator/internal/devmem"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
	"golang.org/x/exp/slog"
)

type deviceMemoryBlock struct {
	id              int
	memory          *devmem.SynchronizedMemory
	parentList      *memoryBlockList
	parentPool      *Pool
	memoryTypeIndex int
	logger          *slog.Logger

	metadata           metadata.BlockMetadata
	deviceMemory       *devmem.DeviceMemoryProperties
	granularityHandler pageGranularity
}

func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	list *memoryBlockList,
	newMemory *devmem.SynchronizedMemory,
	newSize int,
	id int,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.parentList = list
	b.parentPool = list.parentPool
	b.memoryTypeIndex = list.memoryTypeIndex
	b.id = id
	b.memory = newMemory
	b.deviceMemory = list.deviceMemory
	b.logger = logger
	b.granularityHandler.granularity = uint(list.granularity)
	b.granularityHandler.Init(newSize)

	switch list.algorithm {
	case 0:
		b.metadata = metadata.NewGenericBlockMetadata(list.granularity, &b.granularityHandler)
	case PoolCreateLinearAlgorithm:
		b.metadata = metadata.NewLinearBlockMetadata(list.granularity, &b.granularityHandler)
	case PoolCreateBuddyAlgorithm:
		b.metadata = metadata.NewBuddyBlockMetadata(list.granularity, &b.granularityHandler)
	default:
		panic(fmt.Sprintf("unknown pool algorithm: %s", list.algorithm.String()))
	}

	b.metadata.Init(newSize)
}

// Destroy returns the block's memory to the device. It fails without freeing anything if allocations
// remain in the block, logging each of them.
func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return memutils.InvalidUsagef("%d allocations were not freed before the destruction of memory block %d",
			b.metadata.AllocationCount(), b.id)
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing device memory")
	}

	b.deviceMemory.FreeDeviceMemory(b.memoryTypeIndex, b.memory)
	b.granularityHandler.Destroy()

	b.memory = nil
	b.metadata = nil
	b.parentList = nil
	b.parentPool = nil
	return nil
}

func (b *deviceMemoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	name := "empty"
	var flags allocationFlags
	allocation, ok := userData.(*Allocation)
	if ok {
		userData = allocation.UserData()
		flags = allocation.flags
		if allocation.Name() != "" {
			name = allocation.Name()
		}
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("block", b.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Any("userData", userData),
		slog.String("name", name),
		slog.String("flags", allocationFlagsMapping.FlagsToString(flags)),
	)
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		if free && userData != nil {
			return errors.Errorf("a region at offset %d is marked as free but contains user data", offset)
		} else if !free && userData == nil {
			return errors.Errorf("a region at offset %d is marked as allocated but has no allocation object", offset)
		}

		allocation, isAllocation := userData.(*Allocation)
		if isAllocation && (allocation.blockData.block != b || allocation.blockData.offset != offset) {
			return errors.Errorf("the allocation at offset %d believes it lives at offset %d of another block", offset, allocation.blockData.offset)
		}

		return nil
	})

	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

func (b *deviceMemoryBlock) CheckCorruption() (err error) {
	data, err := b.memory.Map(b.deviceMemory.Device(), 1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(b.deviceMemory.Device(), 1)
		if err == nil && unmapErr != nil {
			err = unmapErr
		}
	}()

	err = b.metadata.CheckCorruption(data)
	if err != nil {
		return errors.Wrapf(err, "memory block %d", b.id)
	}

	return nil
}

func (b *deviceMemoryBlock) WriteMagicBlockAfterAllocation(allocOffset int, allocSize int) (err error) {
	if memutils.DebugMargin == 0 {
		return errors.New("attempting to write a debug margin block outside debug mode")
	} else if memutils.DebugMargin%4 != 0 {
		panic(fmt.Sprintf("invalid debug margin: debug margin %d must be a multiple of 4", memutils.DebugMargin))
	}

	data, err := b.memory.Map(b.deviceMemory.Device(), 1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(b.deviceMemory.Device(), 1)
		if err == nil && unmapErr != nil {
			err = unmapErr
		}
	}()

	memutils.WriteMagicValue(data, allocOffset+allocSize)

	return nil
}

// ValidateMagicValueAfterAllocation returns an error wrapping memutils.ErrCorruption if the margin
// after the allocation was overwritten
func (b *deviceMemoryBlock) ValidateMagicValueAfterAllocation(allocOffset int, allocSize int) (err error) {
	if memutils.DebugMargin == 0 {
		panic("attempting to validate a debug margin block outside debug mode")
	} else if memutils.DebugMargin%4 != 0 {
		panic(fmt.Sprintf("invalid debug margin: debug margin %d must be a multiple of 4", memutils.DebugMargin))
	}

	data, err := b.memory.Map(b.deviceMemory.Device(), 1)
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.memory.Unmap(b.deviceMemory.Device(), 1)
		if err == nil && unmapErr != nil {
			err = unmapErr
		}
	}()

	if !memutils.ValidateMagicValue(data, allocOffset+allocSize) {
		return memutils.Corruptionf("memory corruption detected after freed allocation at offset %d of block %d", allocOffset, b.id)
	}

	return nil
}
