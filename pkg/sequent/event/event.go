// Package event defines the ordered event type and its wire envelope.
//
// An Event is a unit of work requiring in-sequence delivery for one entity.
// Events are created by the publisher at emission time, held by the ordered
// buffer while pending, and discarded once processed; buffer state is
// in-memory and reconstructible from sequence counters, not a durable log.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a unit of work tagged for in-sequence delivery.
type Event struct {
	// ID uniquely identifies the event.
	ID string

	// EntityID is the grouping key events are ordered by.
	EntityID string

	// EntityType scopes the sequence space (e.g. "order", "inventory").
	EntityType string

	// Type is the event kind and routing key (e.g. "order.created").
	Type string

	// SequenceNumber is unique within EntityID, allocated starting at 1.
	SequenceNumber uint64

	// CorrelationID threads through payloads and headers for tracing.
	CorrelationID string

	// Timestamp is when the event was created.
	Timestamp time.Time

	// Payload is the serialized business payload.
	Payload json.RawMessage

	// Processed is set once the processing callback completed without error.
	Processed bool

	// ProcessedAt is when processing completed, nil while pending.
	ProcessedAt *time.Time
}

// Option configures event creation.
type Option func(*Event)

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// WithCorrelationID sets the correlation ID for tracing.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithTimestamp sets a specific timestamp (default: time.Now).
func WithTimestamp(t time.Time) Option {
	return func(e *Event) { e.Timestamp = t }
}

// New creates an event for the given entity, kind, and sequence number.
// The payload is serialized to JSON. If no correlation ID is supplied,
// the event ID is used as the root of the correlation chain.
func New(entityID, entityType, eventType string, seq uint64, payload any, opts ...Option) (*Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	e := &Event{
		ID:             uuid.New().String(),
		EntityID:       entityID,
		EntityType:     entityType,
		Type:           eventType,
		SequenceNumber: seq,
		Timestamp:      time.Now().UTC(),
		Payload:        body,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	return e, nil
}

// MarkProcessed records successful application of the event.
func (e *Event) MarkProcessed() {
	now := time.Now().UTC()
	e.Processed = true
	e.ProcessedAt = &now
}
