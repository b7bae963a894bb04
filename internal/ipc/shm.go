package ipc

import (
	"fmt"
	"sync"
)

// SharedBuffer is an in-process stand-in for a shared-memory region: a
// fixed-capacity byte arena of named slots holding the latest value per key.
// Writes that would exceed the capacity are rejected.
type SharedBuffer struct {
	mu       sync.RWMutex
	slots    map[string][]byte
	used     int
	capacity int
}

// NewSharedBuffer creates an arena of the given byte capacity.
func NewSharedBuffer(capacity int) *SharedBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &SharedBuffer{
		slots:    make(map[string][]byte),
		capacity: capacity,
	}
}

// Put stores the latest value for key, replacing any previous value. Fails
// when the write would push total usage past the capacity.
func (b *SharedBuffer) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.used - len(b.slots[key]) + len(value)
	if next > b.capacity {
		return fmt.Errorf("shared buffer full: %d of %d bytes used, need %d more",
			b.used, b.capacity, next-b.capacity)
	}

	b.slots[key] = append([]byte(nil), value...)
	b.used = next
	return nil
}

// Get returns a copy of the latest value for key.
func (b *SharedBuffer) Get(key string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.slots[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

// Used reports the bytes currently stored.
func (b *SharedBuffer) Used() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.used
}
