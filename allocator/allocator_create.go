package allocator

import (
	"math"

	"github.com/vkngwrapper/suballoc/allocator/internal/devmem"
	"github.com/vkngwrapper/suballoc/allocator/internal/utils"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// defaultLargeHeapBlockSize is the value that is used as the PreferredLargeHeapBlockSize when none
	// is provided via CreateOptions. It is equal to 256Mb.
	defaultLargeHeapBlockSize int = 256 * 1024 * 1024
	// defaultNewBlockSizeShiftLimit is the number of times a new block may be halved from the preferred
	// block size when a block list grows
	defaultNewBlockSizeShiftLimit int = 3
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// PreferredLargeHeapBlockSize is the block size to use when allocating from heaps larger
	// than a gigabyte
	PreferredLargeHeapBlockSize int

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps in the device
	// used to create this Allocator. Each entry must be either the maximum number of bytes
	// that should be allocated from the corresponding device memory heap, or 0 indicating
	// no limit.
	//
	// Heap memory limits will be enforced at runtime (the allocator will go so far as to
	// return an out of memory error when attempting to allocate beyond the limit).
	HeapSizeLimits []int

	// FrameInUseCount is the number of frames an allocation created with AllocationCreateCanBecomeLost
	// must go untouched before it may be evicted from the allocator's default block lists. Custom
	// pools that leave PoolCreateInfo.FrameInUseCount at 0 use this value as well.
	FrameInUseCount int

	// NewBlockSizeShiftLimit is the number of times a new block may be halved from the preferred block
	// size, either to avoid creating a block much larger than the existing ones or after the device
	// refused a larger block. If 0, 3 is used. Pass a negative number to always create full-size blocks.
	NewBlockSizeShiftLimit int

	// MemoryCallbacks is an optional set of callbacks that will be executed when device memory
	// is allocated from this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbacks *MemoryCallbackOptions
}

// New creates a new Allocator
//
// logger - The logger that block creation and destruction, budget refresh failures, and leaked
// allocations will be reported to
//
// dev - The Device that memory will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, dev device.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, memutils.InvalidUsagef("attempted to create an allocator with a nil logger")
	} else if dev == nil {
		return nil, memutils.InvalidUsagef("attempted to create an allocator with a nil device")
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:        useMutex,
		logger:          logger,
		createFlags:     options.Flags,
		frameInUseCount: options.FrameInUseCount,
		poolsMutex:      utils.OptionalRWMutex{UseMutex: useMutex},
	}

	if options.PreferredLargeHeapBlockSize == 0 {
		allocator.preferredLargeHeapBlockSize = defaultLargeHeapBlockSize
	} else {
		allocator.preferredLargeHeapBlockSize = options.PreferredLargeHeapBlockSize
	}

	switch {
	case options.NewBlockSizeShiftLimit == 0:
		allocator.newBlockSizeShiftLimit = defaultNewBlockSizeShiftLimit
	case options.NewBlockSizeShiftLimit < 0:
		allocator.newBlockSizeShiftLimit = 0
	default:
		allocator.newBlockSizeShiftLimit = options.NewBlockSizeShiftLimit
	}

	if options.FrameInUseCount < 0 {
		return nil, memutils.InvalidUsagef("FrameInUseCount must not be negative, but was %d", options.FrameInUseCount)
	}

	var err error
	allocator.deviceMemory, err = devmem.NewDeviceMemoryProperties(
		logger,
		useMutex,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbacks,
			Allocator: allocator,
		},
		dev,
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	allocator.globalMemoryTypeBits = allocator.deviceMemory.CalculateGlobalMemoryTypeBits()

	// Initialize memory block lists
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	allocator.memoryBlockLists = make([]*memoryBlockList, typeCount)
	allocator.dedicatedAllocations = make([]*dedicatedAllocationList, typeCount)

	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		if allocator.globalMemoryTypeBits&(1<<typeIndex) == 0 {
			continue
		}

		preferredBlockSize := allocator.calculatePreferredBlockSize(typeIndex)

		allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}
		allocator.memoryBlockLists[typeIndex].Init(
			useMutex,
			allocator,
			nil,
			typeIndex,
			preferredBlockSize,
			0,
			math.MaxInt,
			allocator.deviceMemory.CalculateBufferImageGranularity(),
			options.FrameInUseCount,
			false,
			0,
			allocator.deviceMemory.MemoryTypeMinimumAlignment(typeIndex),
		)

		allocator.dedicatedAllocations[typeIndex] = &dedicatedAllocationList{}
		allocator.dedicatedAllocations[typeIndex].Init(useMutex)
	}

	return allocator, nil
}

const (
	smallHeapMaxSize int = 1024 * 1024 * 1024 // 1 GB
)

func (a *Allocator) calculatePreferredBlockSize(memTypeIndex int) int {
	heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)

	heapSize := a.deviceMemory.MemoryHeapProperties(heapIndex).Size
	rawSize := a.preferredLargeHeapBlockSize
	if heapSize <= smallHeapMaxSize {
		rawSize = heapSize / 8
	}

	return memutils.AlignUp(rawSize, 32)
}

// Destroy returns every memory block held by the allocator to the device. Custom pools must be destroyed,
// and every allocation freed, first: otherwise Destroy fails with memutils.ErrInvalidUsage, logs the
// unfreed allocations and frees nothing.
func (a *Allocator) Destroy() error {
	a.poolsMutex.RLock()
	poolCount := a.pools.Len()
	a.poolsMutex.RUnlock()

	if poolCount > 0 {
		return memutils.InvalidUsagef("%d custom pools were not destroyed before the allocator", poolCount)
	}

	for typeIndex, dedicated := range a.dedicatedAllocations {
		if dedicated == nil {
			continue
		}

		if count := dedicated.Count(); count > 0 {
			return memutils.InvalidUsagef("%d dedicated allocations in memory type %d were not freed before the allocator was destroyed",
				count, typeIndex)
		}
	}

	var err error
	for _, list := range a.memoryBlockLists {
		if list != nil && !list.HasNoAllocations() {
			err = multierr.Append(err, list.Destroy())
		}
	}
	if err != nil {
		return err
	}

	for _, list := range a.memoryBlockLists {
		if list == nil {
			continue
		}

		err = list.Destroy()
		if err != nil {
			return err
		}
	}

	return nil
}
