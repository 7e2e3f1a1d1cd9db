package sequence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory sequence allocator for testing and
// single-process use. Counters are lost when the process exits.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[pairKey]*Counter
	closed   bool
}

type pairKey struct {
	entityID   string
	entityType string
}

// NewMemoryStore creates a new in-memory sequence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[pairKey]*Counter),
	}
}

// Allocate implements Allocator.
func (m *MemoryStore) Allocate(ctx context.Context, entityID, entityType string) (uint64, error) {
	if err := validatePair(entityID, entityType); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	key := pairKey{entityID, entityType}
	c, ok := m.counters[key]
	if !ok {
		c = &Counter{EntityID: entityID, EntityType: entityType}
		m.counters[key] = c
	}
	c.LastSequence++
	c.UpdatedAt = time.Now().UTC()
	return c.LastSequence, nil
}

// Last implements Allocator.
func (m *MemoryStore) Last(ctx context.Context, entityID, entityType string) (uint64, error) {
	if err := validatePair(entityID, entityType); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	if c, ok := m.counters[pairKey{entityID, entityType}]; ok {
		return c.LastSequence, nil
	}
	return 0, nil
}

// SetLast implements Allocator.
func (m *MemoryStore) SetLast(ctx context.Context, entityID, entityType string, value uint64) error {
	if err := validatePair(entityID, entityType); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	key := pairKey{entityID, entityType}
	c, ok := m.counters[key]
	if !ok {
		c = &Counter{EntityID: entityID, EntityType: entityType}
		m.counters[key] = c
	}
	c.LastSequence = value
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Reset implements Allocator.
func (m *MemoryStore) Reset(ctx context.Context, entityID, entityType string) error {
	if err := validatePair(entityID, entityType); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.counters, pairKey{entityID, entityType})
	return nil
}

// Close implements Allocator.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.counters = nil
	return nil
}

// Len returns the number of tracked pairs. Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}
