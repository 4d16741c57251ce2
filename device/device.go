// Package device describes the memory system that the allocator subdivides. A Device hands out coarse
// blocks of memory in one of several memory types, each of which lives in a heap. The allocator never
// touches memory except through this interface.
package device

import (
	"strings"
	"unsafe"
)

// MemoryPropertyFlags describe how a memory type can be accessed
type MemoryPropertyFlags uint32

const (
	// MemoryPropertyDeviceLocal indicates memory that is fastest for the device to access
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryPropertyHostVisible indicates memory that can be mapped for CPU access
	MemoryPropertyHostVisible
	// MemoryPropertyHostCoherent indicates that CPU writes and device writes are visible to one
	// another without Flush or Invalidate
	MemoryPropertyHostCoherent
	// MemoryPropertyHostCached indicates memory that is cached on the CPU side
	MemoryPropertyHostCached
	// MemoryPropertyLazilyAllocated indicates memory that the device may commit lazily
	MemoryPropertyLazilyAllocated
)

var memoryPropertyNames = []string{
	"DeviceLocal",
	"HostVisible",
	"HostCoherent",
	"HostCached",
	"LazilyAllocated",
}

func (f MemoryPropertyFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := 0; bit < len(memoryPropertyNames); bit++ {
		if f&(1<<bit) != 0 {
			names = append(names, memoryPropertyNames[bit])
		}
	}

	return strings.Join(names, "|")
}

// MemoryHeapFlags describe a memory heap
type MemoryHeapFlags uint32

const (
	// MemoryHeapDeviceLocal indicates a heap that lives on the device
	MemoryHeapDeviceLocal MemoryHeapFlags = 1 << iota
)

// MemoryType is one kind of memory that a Device can allocate
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     int
}

// MemoryHeap is a pool of physical memory shared by one or more memory types
type MemoryHeap struct {
	Size  int
	Flags MemoryHeapFlags
}

// Properties describes the memory layout and limits of a Device
type Properties struct {
	MemoryTypes []MemoryType
	MemoryHeaps []MemoryHeap

	// BufferImageGranularity is the page size within which linear and optimal-tiling payloads may not mix
	BufferImageGranularity int
	// NonCoherentAtomSize is the alignment of Flush and Invalidate ranges on non-coherent memory
	NonCoherentAtomSize int
	// MaxMemoryAllocationCount is the maximum number of coarse blocks that may be live at once, or 0 for no limit
	MaxMemoryAllocationCount int
}

// Memory is a single coarse block obtained from a Device
type Memory interface {
	Size() int
	MemoryTypeIndex() int
}

// MappedMemoryRange identifies part of a mapped coarse block for Flush or Invalidate
type MappedMemoryRange struct {
	Memory Memory
	Offset int
	Size   int
}

// Device is the memory system that the allocator subdivides. Implementations must be safe for
// concurrent use.
type Device interface {
	Properties() Properties

	// AllocateMemory obtains a new coarse block. It should return an error that wraps
	// memutils.ErrOutOfDeviceMemory when the heap is exhausted.
	AllocateMemory(memoryTypeIndex int, size int) (Memory, error)
	FreeMemory(memory Memory)

	// MapMemory returns a CPU pointer to the range beginning at offset. A block is mapped at most once
	// at a time.
	MapMemory(memory Memory, offset, size int) (unsafe.Pointer, error)
	UnmapMemory(memory Memory)

	FlushMappedMemoryRanges(ranges []MappedMemoryRange) error
	InvalidateMappedMemoryRanges(ranges []MappedMemoryRange) error
}

// HeapBudget is the device's current account of one heap
type HeapBudget struct {
	// Usage is the number of bytes in the heap in use by this process, including memory the
	// allocator does not know about
	Usage int
	// Budget is the number of bytes this process can expect to use before allocations begin to fail
	// or degrade performance
	Budget int
}

// BudgetReporter is implemented by devices that can report heap usage and budget numbers. The
// allocator refreshes its numbers from the reporter periodically.
type BudgetReporter interface {
	// HeapBudgets fills one entry per heap
	HeapBudgets(budgets []HeapBudget) error
}

// CommandStream records copy commands for the device to execute later. The caller is responsible for
// making sure the device has finished a copy before the destination range is accessed.
type CommandStream interface {
	CopyMemory(src Memory, srcOffset int, dst Memory, dstOffset int, size int)
}
