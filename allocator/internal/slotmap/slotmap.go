// Package slotmap provides a container that hands out stable, generation-checked handles to its
// values. A handle to a removed value never aliases a value inserted later into the same slot.
package slotmap

// Handle identifies one value in a SlotMap. The zero Handle is never issued.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero returns true for the zero Handle
func (h Handle) IsZero() bool {
	return h.generation == 0
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// SlotMap stores values in a dense slice of slots, reusing freed slots. It is not safe for concurrent
// use.
type SlotMap[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// Insert stores value and returns its handle
func (m *SlotMap[T]) Insert(value T) Handle {
	var index uint32
	if len(m.free) > 0 {
		index = m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
	} else {
		index = uint32(len(m.slots))
		m.slots = append(m.slots, slot[T]{})
	}

	s := &m.slots[index]
	s.generation++
	if s.generation == 0 {
		// Generation 0 is reserved for the zero Handle
		s.generation = 1
	}
	s.value = value
	s.occupied = true
	m.count++

	return Handle{index: index, generation: s.generation}
}

func (m *SlotMap[T]) lookup(handle Handle) *slot[T] {
	if handle.IsZero() || int(handle.index) >= len(m.slots) {
		return nil
	}

	s := &m.slots[handle.index]
	if !s.occupied || s.generation != handle.generation {
		return nil
	}

	return s
}

// Get returns the value for a live handle
func (m *SlotMap[T]) Get(handle Handle) (T, bool) {
	s := m.lookup(handle)
	if s == nil {
		var zero T
		return zero, false
	}

	return s.value, true
}

// Contains returns true if the handle refers to a live value
func (m *SlotMap[T]) Contains(handle Handle) bool {
	return m.lookup(handle) != nil
}

// Remove deletes the value for a live handle and returns it
func (m *SlotMap[T]) Remove(handle Handle) (T, bool) {
	var zero T

	s := m.lookup(handle)
	if s == nil {
		return zero, false
	}

	value := s.value
	s.value = zero
	s.occupied = false
	m.free = append(m.free, handle.index)
	m.count--

	return value, true
}

// Len returns the number of live values
func (m *SlotMap[T]) Len() int {
	return m.count
}

// Each calls visit for every live value in slot order until visit returns false
func (m *SlotMap[T]) Each(visit func(handle Handle, value T) bool) {
	for index := range m.slots {
		s := &m.slots[index]
		if !s.occupied {
			continue
		}

		if !visit(Handle{index: uint32(index), generation: s.generation}, s.value) {
			return
		}
	}
}
