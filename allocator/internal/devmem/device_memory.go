package devmem

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
	"golang.org/x/exp/slog"
)

// BudgetRefreshOperations is the number of block allocations and frees after which usage and budget
// numbers are fetched from the device again
const BudgetRefreshOperations uint32 = 30

// Budget describes one heap: what the allocator has placed there and the device's view of it
type Budget struct {
	Statistics memutils.Statistics
	// Usage is the estimated number of bytes in use in the heap by this process
	Usage int
	// Budget is the estimated number of bytes this process can use in the heap
	Budget int
}

type heapCounters struct {
	// Number of real allocations that have been made from device memory
	blockCount atomic.Int32
	// Number of user allocations that have actually been doled out for use- this includes the number
	// of dedicated allocations + the number of block suballocations
	allocationCount atomic.Int32
	// Size of real allocations that have been made from device memory
	blockBytes atomic.Int64
	// Size of user allocations that have actually been doled out for use- this includes the size
	// of dedicated allocations + the size of block suballocations
	allocationBytes atomic.Int64
}

type deviceBudget struct {
	usage             int
	budget            int
	blockBytesAtFetch int
}

// DeviceMemoryProperties tracks everything the allocator knows about a device: its memory layout,
// how many blocks and bytes live in each heap, and the heap budgets
type DeviceMemoryProperties struct {
	heaps []heapCounters

	budgetLock          sync.RWMutex
	budgets             []deviceBudget
	operationsSinceSync atomic.Uint32

	// Whether the SynchronizedMemory objects created from this object should use a mutex to control access
	useMutex        bool
	memoryCallbacks MemoryCallbacks
	memoryCount     atomic.Int32
	heapLimits      []int

	logger       *slog.Logger
	device       device.Device
	properties   device.Properties
	capabilities Capabilities
}

// NewDeviceMemoryProperties validates a device's properties and prepares to allocate memory from it.
// heapSizeLimits may be empty, or contain one entry per heap, with 0 meaning no limit.
func NewDeviceMemoryProperties(
	logger *slog.Logger,
	useMutex bool,
	memoryCallbacks MemoryCallbacks,
	dev device.Device,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	deviceProperties := &DeviceMemoryProperties{
		useMutex:        useMutex,
		memoryCallbacks: memoryCallbacks,

		logger:       logger,
		device:       dev,
		properties:   dev.Properties(),
		capabilities: ProbeCapabilities(dev),
	}

	if deviceProperties.properties.BufferImageGranularity < 1 {
		deviceProperties.properties.BufferImageGranularity = 1
	}
	if deviceProperties.properties.NonCoherentAtomSize < 1 {
		deviceProperties.properties.NonCoherentAtomSize = 1
	}

	err := memutils.CheckPow2(deviceProperties.properties.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(deviceProperties.properties.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, err
	}

	// Initialize memory heap data
	heapCount := deviceProperties.MemoryHeapCount()
	heapLimitCount := len(heapSizeLimits)

	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, memutils.InvalidUsagef("HeapSizeLimits was provided with %d entries, but the device has %d heaps", heapLimitCount, heapCount)
	}

	for typeIndex, memType := range deviceProperties.properties.MemoryTypes {
		if memType.HeapIndex < 0 || memType.HeapIndex >= heapCount {
			return nil, memutils.InvalidUsagef("memory type %d refers to heap %d, but the device has %d heaps", typeIndex, memType.HeapIndex, heapCount)
		}
	}

	deviceProperties.heapLimits = make([]int, heapCount)
	copy(deviceProperties.heapLimits, heapSizeLimits)
	deviceProperties.heaps = make([]heapCounters, heapCount)
	deviceProperties.budgets = make([]deviceBudget, heapCount)
	for heapIndex := range deviceProperties.budgets {
		deviceProperties.budgets[heapIndex].budget = deviceProperties.properties.MemoryHeaps[heapIndex].Size * 8 / 10
	}

	if deviceProperties.capabilities.Budget != nil {
		deviceProperties.UpdateBudget()
	}

	return deviceProperties, nil
}

func (m *DeviceMemoryProperties) Device() device.Device {
	return m.device
}

func (m *DeviceMemoryProperties) Properties() *device.Properties {
	return &m.properties
}

func (m *DeviceMemoryProperties) Capabilities() Capabilities {
	return m.capabilities
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.properties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.properties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.properties.MemoryTypes[memTypeIndex].HeapIndex
}

// MemoryTypeMinimumAlignment returns the alignment every allocation in the memory type must honor so
// that Flush and Invalidate ranges never cover a neighbor
func (m *DeviceMemoryProperties) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		return uint(m.properties.NonCoherentAtomSize)
	}

	return 1
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) device.MemoryType {
	return m.properties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) device.MemoryHeap {
	return m.properties.MemoryHeaps[heapIndex]
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(device.MemoryPropertyHostVisible|device.MemoryPropertyHostCoherent) == device.MemoryPropertyHostVisible
}

func (m *DeviceMemoryProperties) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.properties.MemoryTypes[memoryTypeIndex].PropertyFlags&device.MemoryPropertyHostVisible != 0
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	m.heaps[heapIndex].blockBytes.Add(int64(allocationSize))
	m.heaps[heapIndex].blockCount.Add(1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithBudget(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := m.heaps[heapIndex].blockBytes.Load()
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return memutils.OutOfMemoryf("heap %d has %d bytes of blocks and a limit of %d, and cannot fit %d more",
				heapIndex, currentVal, maxAllocatable, allocationSize)
		}

		if m.heaps[heapIndex].blockBytes.CompareAndSwap(currentVal, targetVal) {
			break
		}
	}

	m.heaps[heapIndex].blockCount.Add(1)
	return nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := m.heaps[heapIndex].blockBytes.Add(int64(-allocationSize))

	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := m.heaps[heapIndex].blockCount.Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// HeapLimit returns the number of block bytes above which the heap refuses new blocks
func (m *DeviceMemoryProperties) HeapLimit(heapIndex int) int {
	heapSize := m.properties.MemoryHeaps[heapIndex].Size
	heapLimit := m.heapLimits[heapIndex]
	if heapLimit == 0 || heapLimit > heapSize {
		return heapSize
	}

	return heapLimit
}

// AllocateDeviceMemory obtains a new coarse block from the device, enforcing the device's allocation
// count and the heap size limit
func (m *DeviceMemoryProperties) AllocateDeviceMemory(memoryTypeIndex int, size int) (mem *SynchronizedMemory, err error) {
	newDeviceCount := m.memoryCount.Add(1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			m.memoryCount.Add(-1)
		}
	}()

	maxCount := m.properties.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return nil, memutils.OutOfMemoryf("the device permits at most %d blocks", maxCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	if m.heapLimits[heapIndex] == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		err = m.addBlockAllocationWithBudget(heapIndex, size, m.HeapLimit(heapIndex))
		if err != nil {
			return nil, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	deviceMem, err := m.device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to allocate %d bytes from memory type %d", size, memoryTypeIndex)
	}

	mem = newSynchronizedMemory(deviceMem, m.useMutex)

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, deviceMem, size)
	}

	m.recordBudgetOperation()
	return mem, nil
}

// FreeDeviceMemory returns a coarse block to the device
func (m *DeviceMemoryProperties) FreeDeviceMemory(memoryType int, memory *SynchronizedMemory) {
	size := memory.Size()

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryType, memory.Memory(), size)
	}

	memory.FreeMemory(m.device)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryType)
	m.removeBlockAllocation(heapIndex, size)
	m.memoryCount.Add(-1)

	m.recordBudgetOperation()
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	m.heaps[heapIndex].allocationBytes.Add(int64(size))
	m.heaps[heapIndex].allocationCount.Add(1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := m.heaps[heapIndex].allocationBytes.Add(int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := m.heaps[heapIndex].allocationCount.Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

func (m *DeviceMemoryProperties) recordBudgetOperation() {
	if m.capabilities.Budget == nil {
		return
	}

	if m.operationsSinceSync.Add(1) >= BudgetRefreshOperations {
		m.UpdateBudget()
	}
}

// UpdateBudget fetches usage and budget numbers from the device. Failures are logged and leave the
// previous numbers in place.
func (m *DeviceMemoryProperties) UpdateBudget() {
	if m.capabilities.Budget == nil {
		return
	}

	m.operationsSinceSync.Store(0)

	fetched := make([]device.HeapBudget, m.MemoryHeapCount())
	err := m.capabilities.Budget.HeapBudgets(fetched)
	if err != nil {
		m.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to refresh heap budgets",
			slog.String("error", err.Error()))
		return
	}

	m.budgetLock.Lock()
	defer m.budgetLock.Unlock()

	for heapIndex := range fetched {
		heapSize := m.properties.MemoryHeaps[heapIndex].Size
		blockBytes := int(m.heaps[heapIndex].blockBytes.Load())

		usage := fetched[heapIndex].Usage
		budget := fetched[heapIndex].Budget

		// Some devices report nonsense budgets
		if budget == 0 || budget > heapSize {
			budget = heapSize * 8 / 10
		}
		if usage == 0 && blockBytes > 0 {
			usage = blockBytes
		}

		m.budgets[heapIndex] = deviceBudget{
			usage:             usage,
			budget:            budget,
			blockBytesAtFetch: blockBytes,
		}
	}
}

// HeapBudgets fills budgets with one entry per heap, starting with firstHeap
func (m *DeviceMemoryProperties) HeapBudgets(firstHeap int, budgets []Budget) {
	if m.capabilities.Budget != nil {
		m.budgetLock.RLock()
		defer m.budgetLock.RUnlock()
	}

	for i := 0; i < len(budgets); i++ {
		heapIndex := firstHeap + i
		counters := &m.heaps[heapIndex]

		budgets[i].Statistics.BlockCount = int(counters.blockCount.Load())
		budgets[i].Statistics.AllocationCount = int(counters.allocationCount.Load())
		budgets[i].Statistics.BlockBytes = int(counters.blockBytes.Load())
		budgets[i].Statistics.AllocationBytes = int(counters.allocationBytes.Load())

		if m.capabilities.Budget != nil {
			fetched := m.budgets[heapIndex]
			usage := fetched.usage + budgets[i].Statistics.BlockBytes - fetched.blockBytesAtFetch
			if usage < 0 {
				usage = 0
			}

			budgets[i].Usage = usage
			budgets[i].Budget = fetched.budget
			continue
		}

		budgets[i].Usage = budgets[i].Statistics.BlockBytes
		budgets[i].Budget = m.properties.MemoryHeaps[heapIndex].Size * 8 / 10
	}
}

// HeapBudget returns the budget for a single heap
func (m *DeviceMemoryProperties) HeapBudget(heapIndex int) Budget {
	budgets := make([]Budget, 1)
	m.HeapBudgets(heapIndex, budgets)
	return budgets[0]
}

type CacheOperation uint32

const (
	CacheOperationFlush CacheOperation = iota
	CacheOperationInvalidate
)

var cacheOperationMapping = map[CacheOperation]string{
	CacheOperationFlush:      "CacheOperationFlush",
	CacheOperationInvalidate: "CacheOperationInvalidate",
}

func (o CacheOperation) String() string {
	return cacheOperationMapping[o]
}

func (m *DeviceMemoryProperties) FlushOrInvalidateAllocations(memRanges []device.MappedMemoryRange, operation CacheOperation) error {
	if len(memRanges) == 0 {
		return nil
	}

	switch operation {
	case CacheOperationFlush:
		return m.device.FlushMappedMemoryRanges(memRanges)
	case CacheOperationInvalidate:
		return m.device.InvalidateMappedMemoryRanges(memRanges)
	}

	return errors.Newf("attempted to carry out invalid cache operation %s", operation.String())
}

func (m *DeviceMemoryProperties) CalculateGlobalMemoryTypeBits() uint32 {
	var typeBits uint32

	memTypeCount := len(m.properties.MemoryTypes)
	for memoryTypeIndex := 0; memoryTypeIndex < memTypeCount; memoryTypeIndex++ {
		typeBits |= 1 << memoryTypeIndex
	}

	return typeBits
}

func (m *DeviceMemoryProperties) CalculateBufferImageGranularity() int {
	return m.properties.BufferImageGranularity
}

// AllocationCount returns the number of coarse blocks currently obtained from the device
func (m *DeviceMemoryProperties) AllocationCount() int {
	return int(m.memoryCount.Load())
}
