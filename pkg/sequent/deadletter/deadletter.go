// Package deadletter holds messages rejected without requeue so they can
// be inspected, retried on a schedule, or parked for manual intervention.
//
// A message enters the queue when a consumer gives up on it permanently.
// The queue retries it with exponential backoff up to a budget, then parks
// it. Parked messages sit outside the retry loop until an operator recovers
// or deletes them.
package deadletter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FailedMessage is a wire message that could not be processed.
type FailedMessage struct {
	MessageID      string
	RoutingKey     string
	Body           []byte
	Headers        map[string]string
	EntityID       string
	SequenceNumber uint64
	ErrorMessage   string
	FailedAt       time.Time
	AttemptCount   int
	LastFailedAt   time.Time
	NextRetryAt    time.Time
}

// ParkedMessage is a message that exhausted its retry budget.
type ParkedMessage struct {
	FailedMessage
	ParkReason    string
	OriginalError string
	ParkedAt      time.Time
}

// Config configures the dead-letter queue.
type Config struct {
	// MaxSize limits queued messages. Default: 10000.
	MaxSize int

	// MaxRetries before a message is parked. Default: 5.
	MaxRetries int

	// NoRetries parks messages immediately. MaxRetries is ignored.
	NoRetries bool

	// RetryDelay before the first retry; doubles per attempt.
	// Default: 1 minute.
	RetryDelay time.Duration

	// OnEnqueue is called when a message is added.
	OnEnqueue func(*FailedMessage)

	// OnPark is called when a message is parked.
	OnPark func(*ParkedMessage)
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxSize:    10000,
	MaxRetries: 5,
	RetryDelay: time.Minute,
}

// Sentinel errors for queue operations.
var (
	// ErrFull indicates the queue is at capacity.
	ErrFull = errors.New("dead-letter queue full")

	// ErrNotFound indicates the message is not in the queue.
	ErrNotFound = errors.New("message not found in dead-letter queue")
)

// Queue is an in-memory dead-letter queue with a parked section.
// Suitable for testing and single-instance deployments.
type Queue struct {
	mu       sync.RWMutex
	messages map[string]*FailedMessage // keyed by message ID
	parked   map[string]*ParkedMessage
	cfg      Config

	enqueued  int64
	retried   int64
	parkedN   int64
	recovered int64
}

// NewQueue creates an empty dead-letter queue.
func NewQueue(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig.MaxSize
	}
	if cfg.MaxRetries <= 0 && !cfg.NoRetries {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	return &Queue{
		messages: make(map[string]*FailedMessage),
		parked:   make(map[string]*ParkedMessage),
		cfg:      cfg,
	}
}

// Enqueue adds a failed message. Messages already past the retry budget
// (or any message when NoRetries is set) go straight to the parked section.
func (q *Queue) Enqueue(ctx context.Context, failed *FailedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= q.cfg.MaxSize {
		return ErrFull
	}

	if q.cfg.NoRetries || failed.AttemptCount >= q.cfg.MaxRetries {
		return q.parkLocked(failed, "max retries exceeded")
	}

	if failed.FailedAt.IsZero() {
		failed.FailedAt = time.Now()
	}
	if failed.NextRetryAt.IsZero() {
		failed.NextRetryAt = time.Now().Add(q.cfg.RetryDelay)
	}

	q.messages[failed.MessageID] = failed
	q.enqueued++

	if q.cfg.OnEnqueue != nil {
		q.cfg.OnEnqueue(failed)
	}
	return nil
}

// Dequeue removes and returns up to limit messages whose retry time has
// arrived.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]*FailedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	ready := make([]*FailedMessage, 0, limit)

	for id, msg := range q.messages {
		if len(ready) >= limit {
			break
		}
		if !msg.NextRetryAt.After(now) {
			ready = append(ready, msg)
			delete(q.messages, id)
		}
	}
	return ready, nil
}

// Acknowledge drops a message after successful reprocessing.
func (q *Queue) Acknowledge(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.messages, messageID)
	q.recovered++
	return nil
}

// RecordRetryFailure re-enqueues a dequeued message after a failed retry,
// doubling the backoff, or parks it when the budget is spent.
func (q *Queue) RecordRetryFailure(ctx context.Context, failed *FailedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	failed.AttemptCount++
	failed.LastFailedAt = time.Now()

	if failed.AttemptCount >= q.cfg.MaxRetries {
		return q.parkLocked(failed, "max retries exceeded")
	}

	backoff := q.cfg.RetryDelay * time.Duration(1<<uint(failed.AttemptCount))
	failed.NextRetryAt = time.Now().Add(backoff)

	q.messages[failed.MessageID] = failed
	q.retried++
	return nil
}

// parkLocked moves a message to the parked section. Must hold q.mu.
func (q *Queue) parkLocked(failed *FailedMessage, reason string) error {
	parked := &ParkedMessage{
		FailedMessage: *failed,
		ParkReason:    reason,
		OriginalError: failed.ErrorMessage,
		ParkedAt:      time.Now(),
	}
	q.parked[failed.MessageID] = parked
	q.parkedN++

	if q.cfg.OnPark != nil {
		q.cfg.OnPark(parked)
	}
	return nil
}

// ListParked returns up to limit parked messages (all when limit <= 0).
func (q *Queue) ListParked(ctx context.Context, limit int) ([]*ParkedMessage, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 || limit > len(q.parked) {
		limit = len(q.parked)
	}
	result := make([]*ParkedMessage, 0, limit)
	for _, msg := range q.parked {
		if len(result) >= limit {
			break
		}
		result = append(result, msg)
	}
	return result, nil
}

// RecoverParked moves a parked message back into the retry loop with a
// fresh attempt budget.
func (q *Queue) RecoverParked(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	parked, ok := q.parked[messageID]
	if !ok {
		return ErrNotFound
	}

	failed := &parked.FailedMessage
	failed.AttemptCount = 0
	failed.NextRetryAt = time.Now()

	q.messages[messageID] = failed
	delete(q.parked, messageID)
	q.recovered++
	return nil
}

// DeleteParked permanently drops a parked message.
func (q *Queue) DeleteParked(ctx context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.parked[messageID]; !ok {
		return ErrNotFound
	}
	delete(q.parked, messageID)
	return nil
}

// Len returns the number of queued messages.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.messages), nil
}

// ParkedLen returns the number of parked messages.
func (q *Queue) ParkedLen(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.parked), nil
}

// Stats provides queue statistics.
type Stats struct {
	QueueSize  int
	ParkedSize int
	Enqueued   int64
	Retried    int64
	Parked     int64
	Recovered  int64
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return Stats{
		QueueSize:  len(q.messages),
		ParkedSize: len(q.parked),
		Enqueued:   q.enqueued,
		Retried:    q.retried,
		Parked:     q.parkedN,
		Recovered:  q.recovered,
	}
}
