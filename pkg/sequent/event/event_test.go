package event

import (
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	evt, err := New("order-1", "order", "order.created", 1, map[string]any{"total": 109.97})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if evt.ID == "" {
		t.Error("expected auto-generated event ID")
	}
	// Without an explicit correlation ID, the event ID roots the chain.
	if evt.CorrelationID != evt.ID {
		t.Errorf("CorrelationID = %q, want event ID %q", evt.CorrelationID, evt.ID)
	}
	if evt.Processed {
		t.Error("new event must not be marked processed")
	}
	if evt.SequenceNumber != 1 {
		t.Errorf("SequenceNumber = %d, want 1", evt.SequenceNumber)
	}
}

func TestNewWithOptions(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	evt, err := New("order-1", "order", "order.created", 2, nil,
		WithEventID("evt-1"),
		WithCorrelationID("corr-1"),
		WithTimestamp(ts),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if evt.ID != "evt-1" || evt.CorrelationID != "corr-1" || !evt.Timestamp.Equal(ts) {
		t.Errorf("options not applied: %+v", evt)
	}
}

func TestMarkProcessed(t *testing.T) {
	evt, _ := New("order-1", "order", "order.created", 1, nil)
	evt.MarkProcessed()

	if !evt.Processed {
		t.Error("Processed should be true")
	}
	if evt.ProcessedAt == nil {
		t.Error("ProcessedAt should be set")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	evt, _ := New("order-1", "order", "order.created", 3,
		map[string]any{"total": 109.97}, WithCorrelationID("corr-1"))

	body, err := evt.Envelope().Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env, err := Decode(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := env.Event()
	if got.ID != evt.ID || got.EntityID != "order-1" || got.SequenceNumber != 3 ||
		got.CorrelationID != "corr-1" || got.Type != "order.created" {
		t.Errorf("round-tripped event = %+v", got)
	}
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json"},
		{"missing entity_id", `{"message_id":"m1","sequence_number":1}`},
		{"missing sequence", `{"message_id":"m1","entity_id":"order-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.body)); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestHeaders(t *testing.T) {
	evt, _ := New("order-1", "order", "order.created", 1, nil, WithCorrelationID("corr-1"))
	headers := evt.Envelope().Headers()

	if headers[HeaderCorrelationID] != "corr-1" {
		t.Errorf("correlation header = %q", headers[HeaderCorrelationID])
	}
	if headers[HeaderRetryCount] != "0" {
		t.Errorf("retry count header = %q, want \"0\"", headers[HeaderRetryCount])
	}
	if headers[HeaderOriginalTimestamp] == "" {
		t.Error("original timestamp header missing")
	}
}

func TestBumpRetryCount(t *testing.T) {
	headers := map[string]string{HeaderRetryCount: "0", HeaderCorrelationID: "corr-1"}

	bumped := BumpRetryCount(headers)
	if bumped[HeaderRetryCount] != "1" {
		t.Errorf("retry count = %q, want \"1\"", bumped[HeaderRetryCount])
	}
	if headers[HeaderRetryCount] != "0" {
		t.Error("original headers must not be mutated")
	}
	if bumped[HeaderCorrelationID] != "corr-1" {
		t.Error("other headers must be preserved")
	}

	if got := RetryCount(map[string]string{}); got != 0 {
		t.Errorf("RetryCount(empty) = %d, want 0", got)
	}
	if got := RetryCount(map[string]string{HeaderRetryCount: "junk"}); got != 0 {
		t.Errorf("RetryCount(malformed) = %d, want 0", got)
	}
}
