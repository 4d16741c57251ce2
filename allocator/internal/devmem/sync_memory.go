package devmem

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/allocator/internal/utils"
	"github.com/vkngwrapper/suballoc/device"
)

// SynchronizedMemory is one coarse block of device memory along with its mapping state. Mapping is
// refcounted, and the block is only unmapped on the device when every reference is released.
type SynchronizedMemory struct {
	// Mapping data
	mapReferences int
	mapData       unsafe.Pointer

	// Hysteresis data- if we're calling map/unmap a lot more than suballoc/subfree then
	// maintain a persistent mapping to save time
	delayCounter  uint32
	statusCounter int32
	extraMapping  bool

	mapMutex utils.OptionalMutex
	memory   device.Memory
}

func newSynchronizedMemory(memory device.Memory, useMutex bool) *SynchronizedMemory {
	return &SynchronizedMemory{
		memory: memory,
		mapMutex: utils.OptionalMutex{
			UseMutex: useMutex,
		},
	}
}

// Memory returns the coarse block this object manages
func (m *SynchronizedMemory) Memory() device.Memory {
	return m.memory
}

func (m *SynchronizedMemory) Size() int {
	return m.memory.Size()
}

// References returns the number of live mappings, counting the persistent mapping kept alive by hysteresis
func (m *SynchronizedMemory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.references()
}

func (m *SynchronizedMemory) references() int {
	refs := m.mapReferences
	if m.extraMapping {
		refs++
	}
	return refs
}

// MappedData returns the CPU pointer to the start of the block, or nil if the block is unmapped
func (m *SynchronizedMemory) MappedData() unsafe.Pointer {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapData
}

// MapDelay is the number of map, unmap, suballocation, or subfree events that are counted before
// deciding whether to change the persistent mapping state
const MapDelay uint32 = 7

func (m *SynchronizedMemory) postMapUnmap() bool {
	m.delayCounter++
	m.statusCounter++

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter >= 1 {
			m.statusCounter = 0
			m.extraMapping = true
			return true
		}
	}

	return false
}

// RecordSuballocSubfree counts an allocation or free against the block. When allocation traffic
// outweighs map traffic, the persistent mapping is dropped, and the block is unmapped if nothing
// else holds it.
func (m *SynchronizedMemory) RecordSuballocSubfree(dev device.Device) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	m.delayCounter++
	m.statusCounter--

	if m.delayCounter >= MapDelay {
		m.delayCounter = 0
		if m.statusCounter <= -2 {
			m.statusCounter = 0
			if m.extraMapping {
				m.extraMapping = false
				if m.mapReferences == 0 && m.mapData != nil {
					dev.UnmapMemory(m.memory)
					m.mapData = nil
				}
			}
		}
	}
}

// Map adds references to the block's mapping, mapping the entire block on the device if it is not
// already mapped. The returned pointer addresses the beginning of the block.
func (m *SynchronizedMemory) Map(dev device.Device, references int) (unsafe.Pointer, error) {
	if references == 0 {
		return nil, nil
	}

	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	oldRefCount := m.references()
	_ = m.postMapUnmap()

	if oldRefCount > 0 {
		if m.mapData == nil {
			return nil, errors.New("the block is showing existing memory mapping references, but no mapped memory")
		}

		m.mapReferences += references
		return m.mapData, nil
	}

	mappedData, err := dev.MapMemory(m.memory, 0, m.memory.Size())
	if err != nil {
		return nil, err
	}

	m.mapData = mappedData
	m.mapReferences = references
	return mappedData, nil
}

// Unmap removes references from the block's mapping, unmapping it on the device when none remain
func (m *SynchronizedMemory) Unmap(dev device.Device, references int) error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences == 0 {
		return nil
	}

	if m.mapReferences < references {
		return errors.New("device memory block has more references being unmapped than are currently mapped")
	}

	m.mapReferences -= references
	m.postMapUnmap()

	if m.references() <= 0 {
		dev.UnmapMemory(m.memory)
		m.mapData = nil
	}

	return nil
}

// FreeMemory returns the block to the device, unmapping it first if necessary
func (m *SynchronizedMemory) FreeMemory(dev device.Device) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapData != nil {
		dev.UnmapMemory(m.memory)
		m.mapData = nil
	}
	m.mapReferences = 0
	m.extraMapping = false

	dev.FreeMemory(m.memory)
}
