package allocator

import (
	"github.com/vkngwrapper/suballoc/device"
)

// MemoryUsage is an enum passed to the Usage field of AllocationCreateInfo to
// indicate how memory types are to be selected for the allocation in question.
type MemoryUsage uint32

const (
	// MemoryUsageUnknown indicates no intended memory usage was specified. When choosing a memory type,
	// the Allocator uses only the Required and Preferred flags specified in AllocationCreateInfo to
	// find an appropriate memory index and nothing else. Bear in mind that it is possible, in this case,
	// for the allocator to select a memory type that is not compatible with your AllocationCreateFlags
	// if you do not specify appropriate RequiredFlags/PreferredFlags. For instance, if
	// AllocationCreateFlags contains AllocationCreateMapped, but you do not specify HostVisible in
	// your RequiredFlags, the allocation will not be mapped.
	MemoryUsageUnknown MemoryUsage = iota
	// MemoryUsageLazilyAllocated indicates lazily-allocated device memory. Using it on a device with
	// no such memory type present will fail the allocation.
	//
	// Allocations with this usage are always created as dedicated: it implies AllocationCreateDedicatedMemory
	MemoryUsageLazilyAllocated
	// MemoryUsageAuto selects the best memory type automatically. This value is recommended for most
	// common use cases.
	//
	// When using this value, if you want to map the allocation, you must pass one of the flags
	// AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom in AllocationCreateInfo.Flags
	MemoryUsageAuto
	// MemoryUsageAutoPreferDevice selects the best memory type automatically with preference for device
	// memory. When using this value, if you want to map the allocation, you must pass one of the flags
	// AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom in AllocationCreateInfo.Flags
	MemoryUsageAutoPreferDevice
	// MemoryUsageAutoPreferHost selects the best memory type automatically with preference for host
	// memory. When using this value, if you want to map the allocation, you must pass one of the flags
	// AllocationCreateHostAccessSequentialWrite or AllocationCreateHostAccessRandom in AllocationCreateInfo.Flags
	MemoryUsageAutoPreferHost
)

var memoryUsageMapping = map[MemoryUsage]string{
	MemoryUsageUnknown:          "MemoryUsageUnknown",
	MemoryUsageLazilyAllocated:  "MemoryUsageLazilyAllocated",
	MemoryUsageAuto:             "MemoryUsageAuto",
	MemoryUsageAutoPreferDevice: "MemoryUsageAutoPreferDevice",
	MemoryUsageAutoPreferHost:   "MemoryUsageAutoPreferHost",
}

func (u MemoryUsage) String() string {
	str, ok := memoryUsageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

func (u MemoryUsage) isAuto() bool {
	return u == MemoryUsageAuto || u == MemoryUsageAutoPreferDevice || u == MemoryUsageAutoPreferHost
}

// MemoryRequirements describes the size, alignment and acceptable memory types of a resource that
// needs memory
type MemoryRequirements struct {
	Size      int
	Alignment uint
	// MemoryTypeBits is a bitmask of memory types the resource can live in. 0 allows every type.
	MemoryTypeBits uint32

	// RequiresDedicated forces the allocation into its own memory block
	RequiresDedicated bool
	// PrefersDedicated makes the allocator try a dedicated block before suballocating
	PrefersDedicated bool
}

// AllocationCreateInfo is an options struct that is used to define the specifics of a new allocation created
// by Allocator.AllocateMemory or Allocator.AllocateMemorySlice
type AllocationCreateInfo struct {
	// Flags is an AllocationCreateFlags value that describes the intended behavior of the
	// created Allocation
	Flags AllocationCreateFlags
	// Usage indicates how the new allocation will be used, allowing the allocator to decide what memory
	// type to use
	Usage MemoryUsage

	// RequiredFlags indicates what flags must be on the memory type. If no type with these flags can be found with
	// enough free memory, the allocation will fail
	RequiredFlags device.MemoryPropertyFlags
	// PreferredFlags indicates a set of flags that should be on the memory type. Each specified flag is considered
	// equally important: if two flags are specified and no memory type contains both, an arbitrary memory
	// type with one of the two will be chosen, if it exists.
	PreferredFlags device.MemoryPropertyFlags

	// MemoryTypeBits is a bitmask of memory types that may be chosen for the requested allocation. If this is left
	// 0, all memory types are permitted.
	MemoryTypeBits uint32
	// Pool is the custom memory pool to allocate from. This is usually nil, in which case the memory will be
	// allocated directly from the Allocator.
	Pool *Pool

	// Kind is the payload the allocation will hold, used to keep conflicting payloads off shared
	// granularity pages
	Kind PayloadKind
	// UserData is an arbitrary value that will be applied to the Allocation. Allocation.UserData() will return
	// this value after the allocation is complete.
	UserData any
	// Name is an optional label reported in statistics and leak logs
	Name string
}
