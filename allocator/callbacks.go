package allocator

import "github.com/vkngwrapper/suballoc/device"

type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory device.Memory,
	size int,
	userData any,
)

type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory device.Memory,
	size int,
	userData any,
)

// MemoryCallbackOptions are informed every time the allocator obtains a memory block from the
// device or returns one to it
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData any
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	memoryType int,
	memory device.Memory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryType int,
	memory device.Memory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}
