package devmem

import "github.com/vkngwrapper/suballoc/device"

// MemoryCallbacks is informed every time a coarse block is obtained from or returned to the device
type MemoryCallbacks interface {
	Allocate(memoryType int, memory device.Memory, size int)
	Free(memoryType int, memory device.Memory, size int)
}
