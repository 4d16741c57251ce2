package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that does nothing unless UseMutex is set. Allocators created as
// externally synchronized leave it unset.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

// OptionalRWMutex is a sync.RWMutex that does nothing unless UseMutex is set
type OptionalRWMutex struct {
	Mutex    sync.RWMutex
	UseMutex bool
}

func (m *OptionalRWMutex) TryLock() bool {
	if m.UseMutex {
		return m.Mutex.TryLock()
	}

	return true
}

func (m *OptionalRWMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalRWMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

func (m *OptionalRWMutex) RLock() {
	if m.UseMutex {
		m.Mutex.RLock()
	}
}

func (m *OptionalRWMutex) RUnlock() {
	if m.UseMutex {
		m.Mutex.RUnlock()
	}
}

// WithLock runs f while holding the write lock
func (m *OptionalRWMutex) WithLock(f func()) {
	m.Lock()
	defer m.Unlock()

	f()
}

// WithRLock runs f while holding the read lock
func (m *OptionalRWMutex) WithRLock(f func()) {
	m.RLock()
	defer m.RUnlock()

	f()
}
