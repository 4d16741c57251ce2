// Package hostdevice implements device.Device over ordinary Go memory. Every coarse block is a byte
// slice, so mapping is free and Flush and Invalidate only check their ranges. Heap sizes are enforced
// and allocation failures can be injected, which makes the package suitable for exercising an allocator
// without real hardware.
package hostdevice

import (
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/device"
	"github.com/vkngwrapper/suballoc/memutils"
)

const (
	// DefaultHeapSize is the size of each heap in DefaultProperties
	DefaultHeapSize int = 256 * 1024 * 1024
)

// DefaultProperties describes a small discrete device: one device-local heap holding a device-local
// memory type, and one host heap holding host-visible types with differing coherency and caching.
func DefaultProperties() device.Properties {
	return device.Properties{
		MemoryHeaps: []device.MemoryHeap{
			{Size: DefaultHeapSize, Flags: device.MemoryHeapDeviceLocal},
			{Size: DefaultHeapSize},
		},
		MemoryTypes: []device.MemoryType{
			{PropertyFlags: device.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCached, HeapIndex: 1},
			{PropertyFlags: device.MemoryPropertyHostVisible | device.MemoryPropertyHostCoherent | device.MemoryPropertyHostCached, HeapIndex: 1},
		},
		BufferImageGranularity: 1,
		NonCoherentAtomSize:    64,
	}
}

// Options configures a Device
type Options struct {
	// Properties describes the memory layout. If MemoryTypes is empty, DefaultProperties is used.
	Properties device.Properties
	// ReportBudget causes HeapBudgets to succeed. When false, HeapBudgets returns an error, as a
	// device without budget support would.
	ReportBudget bool
}

// Memory is one coarse block of host memory
type Memory struct {
	data            []byte
	memoryTypeIndex int
	mapped          bool
}

var _ device.Memory = &Memory{}

func (m *Memory) Size() int            { return len(m.data) }
func (m *Memory) MemoryTypeIndex() int { return m.memoryTypeIndex }

// Bytes exposes the block's contents directly, without mapping
func (m *Memory) Bytes() []byte { return m.data }

// Counters records how the device has been used
type Counters struct {
	Allocations   int
	Frees         int
	Maps          int
	Unmaps        int
	Flushes       int
	Invalidations int
}

// Device is a device.Device and device.BudgetReporter backed by byte slices. It is safe for
// concurrent use.
type Device struct {
	lock         sync.Mutex
	properties   device.Properties
	reportBudget bool

	heapUsage   []int
	liveBlocks  int
	failures    int
	counters    Counters
	liveMemory  map[*Memory]struct{}
	mappedCount int
}

var _ device.Device = &Device{}
var _ device.BudgetReporter = &Device{}

// New creates a Device
func New(options Options) (*Device, error) {
	props := options.Properties
	if len(props.MemoryTypes) == 0 {
		props = DefaultProperties()
	}

	for typeIndex, memType := range props.MemoryTypes {
		if memType.HeapIndex < 0 || memType.HeapIndex >= len(props.MemoryHeaps) {
			return nil, memutils.InvalidUsagef("memory type %d refers to heap %d, but there are %d heaps", typeIndex, memType.HeapIndex, len(props.MemoryHeaps))
		}
	}

	if props.BufferImageGranularity < 1 {
		props.BufferImageGranularity = 1
	}
	if props.NonCoherentAtomSize < 1 {
		props.NonCoherentAtomSize = 1
	}

	return &Device{
		properties:   props,
		reportBudget: options.ReportBudget,
		heapUsage:    make([]int, len(props.MemoryHeaps)),
		liveMemory:   make(map[*Memory]struct{}),
	}, nil
}

func (d *Device) Properties() device.Properties {
	return d.properties
}

// FailNextAllocations causes the next count calls to AllocateMemory to fail with ErrOutOfDeviceMemory
func (d *Device) FailNextAllocations(count int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.failures = count
}

// Counters returns a snapshot of the device's usage counters
func (d *Device) Counters() Counters {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.counters
}

// LiveBlockCount returns the number of coarse blocks that have been allocated and not freed
func (d *Device) LiveBlockCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.liveBlocks
}

// HeapUsage returns the number of bytes allocated from the provided heap
func (d *Device) HeapUsage(heapIndex int) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.heapUsage[heapIndex]
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (device.Memory, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.properties.MemoryTypes) {
		return nil, memutils.InvalidUsagef("memory type index %d is out of range", memoryTypeIndex)
	}
	if size <= 0 {
		return nil, memutils.InvalidUsagef("attempted to allocate a block of %d bytes", size)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.failures > 0 {
		d.failures--
		return nil, memutils.OutOfMemoryf("injected failure allocating %d bytes", size)
	}

	if d.properties.MaxMemoryAllocationCount > 0 && d.liveBlocks >= d.properties.MaxMemoryAllocationCount {
		return nil, memutils.OutOfMemoryf("device already holds %d blocks", d.liveBlocks)
	}

	heapIndex := d.properties.MemoryTypes[memoryTypeIndex].HeapIndex
	heapSize := d.properties.MemoryHeaps[heapIndex].Size
	if d.heapUsage[heapIndex]+size > heapSize {
		return nil, memutils.OutOfMemoryf("heap %d has %d of %d bytes in use and cannot fit %d more",
			heapIndex, d.heapUsage[heapIndex], heapSize, size)
	}

	mem := &Memory{
		data:            make([]byte, size),
		memoryTypeIndex: memoryTypeIndex,
	}

	d.heapUsage[heapIndex] += size
	d.liveBlocks++
	d.counters.Allocations++
	d.liveMemory[mem] = struct{}{}

	return mem, nil
}

func (d *Device) hostMemory(memory device.Memory) *Memory {
	mem, ok := memory.(*Memory)
	if !ok {
		panic(cerrors.Newf("memory of type %T was not allocated by a hostdevice", memory))
	}

	if _, live := d.liveMemory[mem]; !live {
		panic(cerrors.New("memory is not live on this device"))
	}

	return mem
}

func (d *Device) FreeMemory(memory device.Memory) {
	d.lock.Lock()
	defer d.lock.Unlock()

	mem := d.hostMemory(memory)
	if mem.mapped {
		mem.mapped = false
		d.mappedCount--
	}

	delete(d.liveMemory, mem)

	heapIndex := d.properties.MemoryTypes[mem.memoryTypeIndex].HeapIndex
	d.heapUsage[heapIndex] -= len(mem.data)
	d.liveBlocks--
	d.counters.Frees++
}

func (d *Device) MapMemory(memory device.Memory, offset, size int) (unsafe.Pointer, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	mem := d.hostMemory(memory)
	if d.properties.MemoryTypes[mem.memoryTypeIndex].PropertyFlags&device.MemoryPropertyHostVisible == 0 {
		return nil, memutils.InvalidUsagef("memory type %d is not host visible", mem.memoryTypeIndex)
	}
	if mem.mapped {
		return nil, memutils.InvalidUsagef("memory is already mapped")
	}
	if offset < 0 || size < 0 || offset+size > len(mem.data) || offset >= len(mem.data) {
		return nil, memutils.InvalidUsagef("map range %d+%d is outside a block of %d bytes", offset, size, len(mem.data))
	}

	mem.mapped = true
	d.mappedCount++
	d.counters.Maps++

	return unsafe.Pointer(&mem.data[offset]), nil
}

func (d *Device) UnmapMemory(memory device.Memory) {
	d.lock.Lock()
	defer d.lock.Unlock()

	mem := d.hostMemory(memory)
	if !mem.mapped {
		panic(cerrors.New("attempted to unmap memory that is not mapped"))
	}

	mem.mapped = false
	d.mappedCount--
	d.counters.Unmaps++
}

// MappedCount returns the number of blocks currently mapped
func (d *Device) MappedCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.mappedCount
}

func (d *Device) checkRanges(ranges []device.MappedMemoryRange) error {
	atom := d.properties.NonCoherentAtomSize

	for _, memRange := range ranges {
		mem := d.hostMemory(memRange.Memory)
		if !mem.mapped {
			return memutils.InvalidUsagef("range refers to memory that is not mapped")
		}

		if memRange.Offset%atom != 0 {
			return memutils.InvalidUsagef("range offset %d is not a multiple of the atom size %d", memRange.Offset, atom)
		}

		end := memRange.Offset + memRange.Size
		if end > len(mem.data) || (end != len(mem.data) && memRange.Size%atom != 0) {
			return memutils.InvalidUsagef("range %d+%d is not atom-aligned within a block of %d bytes", memRange.Offset, memRange.Size, len(mem.data))
		}
	}

	return nil
}

func (d *Device) FlushMappedMemoryRanges(ranges []device.MappedMemoryRange) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if err := d.checkRanges(ranges); err != nil {
		return err
	}
	d.counters.Flushes += len(ranges)
	return nil
}

func (d *Device) InvalidateMappedMemoryRanges(ranges []device.MappedMemoryRange) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if err := d.checkRanges(ranges); err != nil {
		return err
	}
	d.counters.Invalidations += len(ranges)
	return nil
}

// HeapBudgets reports this device's usage of each heap and a budget of 80% of the heap size
func (d *Device) HeapBudgets(budgets []device.HeapBudget) error {
	if !d.reportBudget {
		return memutils.NotSupportedf("budget reporting is disabled")
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	for heapIndex := 0; heapIndex < len(budgets) && heapIndex < len(d.heapUsage); heapIndex++ {
		budgets[heapIndex].Usage = d.heapUsage[heapIndex]
		budgets[heapIndex].Budget = d.properties.MemoryHeaps[heapIndex].Size * 8 / 10
	}

	return nil
}
