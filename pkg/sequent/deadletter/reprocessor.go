package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/randalmurphal/sequent/pkg/sequent/event"
)

// Emitter re-publishes a recovered message to the broker. Matches the
// publisher's sink contract.
type Emitter interface {
	Emit(ctx context.Context, routingKey string, body []byte, headers map[string]string) error
}

// ReprocessorConfig configures the reprocessing loop.
type ReprocessorConfig struct {
	// BatchSize is the number of messages retried per poll. Default: 10.
	BatchSize int

	// PollInterval is how often the queue is polled. Default: 10s.
	PollInterval time.Duration

	// OnRetry is called before a message is re-emitted.
	OnRetry func(*FailedMessage)

	// OnSuccess is called after a successful re-emission.
	OnSuccess func(*FailedMessage)

	// OnFailure is called after a failed re-emission.
	OnFailure func(*FailedMessage, error)
}

// DefaultReprocessorConfig provides reasonable defaults.
var DefaultReprocessorConfig = ReprocessorConfig{
	BatchSize:    10,
	PollInterval: 10 * time.Second,
}

// Reprocessor drains the dead-letter queue back onto the broker. Each
// re-emission bumps the retry-count header so downstream consumers can see
// how many delivery attempts a message has survived.
type Reprocessor struct {
	queue   *Queue
	emitter Emitter
	cfg     ReprocessorConfig
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// NewReprocessor creates a reprocessor over the queue and emitter.
func NewReprocessor(queue *Queue, emitter Emitter, cfg ReprocessorConfig) *Reprocessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultReprocessorConfig.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultReprocessorConfig.PollInterval
	}
	return &Reprocessor{
		queue:   queue,
		emitter: emitter,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the polling loop.
func (r *Reprocessor) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop halts the polling loop.
func (r *Reprocessor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}

func (r *Reprocessor) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch retries one batch of due messages. Exposed so tests and
// operators can drive the queue without waiting for the poll interval.
func (r *Reprocessor) ProcessBatch(ctx context.Context) {
	messages, err := r.queue.Dequeue(ctx, r.cfg.BatchSize)
	if err != nil {
		return
	}

	for _, failed := range messages {
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(failed)
		}

		headers := event.BumpRetryCount(failed.Headers)
		if err := r.emitter.Emit(ctx, failed.RoutingKey, failed.Body, headers); err != nil {
			if r.cfg.OnFailure != nil {
				r.cfg.OnFailure(failed, err)
			}
			failed.ErrorMessage = err.Error()
			_ = r.queue.RecordRetryFailure(ctx, failed)
			continue
		}

		failed.Headers = headers
		if r.cfg.OnSuccess != nil {
			r.cfg.OnSuccess(failed)
		}
		_ = r.queue.Acknowledge(ctx, failed.MessageID)
	}
}
