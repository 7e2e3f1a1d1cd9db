package buffer

import "time"

// EntityStatus is a point-in-time snapshot of one entity's buffer.
type EntityStatus struct {
	EntityID      string
	Watermark     uint64
	PendingCount  int
	NextPending   uint64 // 0 when nothing is pending
	LastActivity  time.Time
}

// Stats aggregates buffer counters across all entities.
type Stats struct {
	Entities     int
	TotalPending int
	Admitted     int64
	Released     int64
	Forced       int64
	Duplicates   int64
	Evicted      int64
}

// Status reports the state of one entity's buffer. The second return is
// false when the entity is unknown (never admitted or already evicted).
func (b *Buffer) Status(entityID string) (EntityStatus, bool) {
	b.mu.Lock()
	eb, ok := b.entities[entityID]
	b.mu.Unlock()
	if !ok {
		return EntityStatus{}, false
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	st := EntityStatus{
		EntityID:     eb.entityID,
		Watermark:    eb.lastProcessed,
		PendingCount: len(eb.pending),
		LastActivity: eb.lastActivity,
	}
	if len(eb.pending) > 0 {
		st.NextPending = eb.pending[0].SequenceNumber
	}
	return st, true
}

// Stats returns aggregate counters for the buffer.
func (b *Buffer) Stats() Stats {
	stats := Stats{
		Admitted:   b.admitted.Load(),
		Released:   b.released.Load(),
		Forced:     b.forced.Load(),
		Duplicates: b.duplicates.Load(),
		Evicted:    b.evicted.Load(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stats.Entities = len(b.entities)
	for _, eb := range b.entities {
		eb.mu.Lock()
		stats.TotalPending += len(eb.pending)
		eb.mu.Unlock()
	}
	return stats
}

// Clear drops an entity's buffer entirely, pending events and watermark
// included. Returns false when the entity is unknown.
func (b *Buffer) Clear(entityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	eb, ok := b.entities[entityID]
	if !ok {
		return false
	}
	eb.mu.Lock()
	eb.evicted = true
	eb.mu.Unlock()
	delete(b.entities, entityID)
	return true
}
