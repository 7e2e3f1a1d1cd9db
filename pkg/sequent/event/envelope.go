package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message headers required on the wire for interop with consumers outside
// this core. The retry-count header starts at "0" and is incremented by any
// retry/DLQ layer that re-emits the message.
const (
	HeaderCorrelationID     = "x-correlation-id"
	HeaderRetryCount        = "x-retry-count"
	HeaderOriginalTimestamp = "x-original-timestamp"
)

// Envelope is the JSON wire format for an event.
type Envelope struct {
	MessageID      string          `json:"message_id"`
	CorrelationID  string          `json:"correlation_id"`
	EventType      string          `json:"event_type"`
	EntityID       string          `json:"entity_id"`
	EntityType     string          `json:"entity_type"`
	SequenceNumber uint64          `json:"sequence_number"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Envelope builds the wire envelope for the event.
func (e *Event) Envelope() Envelope {
	return Envelope{
		MessageID:      e.ID,
		CorrelationID:  e.CorrelationID,
		EventType:      e.Type,
		EntityID:       e.EntityID,
		EntityType:     e.EntityType,
		SequenceNumber: e.SequenceNumber,
		Timestamp:      e.Timestamp,
		Payload:        e.Payload,
	}
}

// Headers returns the message headers for the envelope with the retry
// count at zero.
func (env Envelope) Headers() map[string]string {
	return map[string]string{
		HeaderCorrelationID:     env.CorrelationID,
		HeaderRetryCount:        "0",
		HeaderOriginalTimestamp: env.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Encode serializes the envelope for transport.
func (env Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return body, nil
}

// Decode parses an envelope from a message body and validates the fields
// ordering depends on.
func Decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EntityID == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing entity_id")
	}
	if env.SequenceNumber == 0 {
		return Envelope{}, fmt.Errorf("decode envelope: missing sequence_number")
	}
	return env, nil
}

// Event reconstructs the ordered event from a received envelope.
func (env Envelope) Event() *Event {
	return &Event{
		ID:             env.MessageID,
		EntityID:       env.EntityID,
		EntityType:     env.EntityType,
		Type:           env.EventType,
		SequenceNumber: env.SequenceNumber,
		CorrelationID:  env.CorrelationID,
		Timestamp:      env.Timestamp,
		Payload:        env.Payload,
	}
}

// RetryCount parses the retry-count header, 0 when absent or malformed.
func RetryCount(headers map[string]string) int {
	raw, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// BumpRetryCount returns a copy of headers with the retry count
// incremented. Used by retry/DLQ layers when re-emitting a message.
func BumpRetryCount(headers map[string]string) map[string]string {
	next := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		next[k] = v
	}
	next[HeaderRetryCount] = strconv.Itoa(RetryCount(headers) + 1)
	return next
}
