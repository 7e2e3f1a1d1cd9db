package sequent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/randalmurphal/sequent/pkg/sequent/buffer"
	seqerrors "github.com/randalmurphal/sequent/pkg/sequent/errors"
	"github.com/randalmurphal/sequent/pkg/sequent/event"
	"github.com/randalmurphal/sequent/pkg/sequent/observability"
	"github.com/randalmurphal/sequent/pkg/sequent/retry"
	"github.com/randalmurphal/sequent/pkg/sequent/sequence"
)

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// Emitters receive the wire envelope of every published event. Each
	// emitter gets its own retry budget under the messaging profile.
	Emitters []Emitter

	// Buffer, when set, is fed each event before emission so the local
	// service applies its own events in order too.
	Buffer *buffer.Buffer

	// StorageRetry wraps sequence allocation. Default: retry.StorageProfile.
	StorageRetry retry.Config

	// MessagingRetry wraps each emitter. Default: retry.MessagingProfile.
	MessagingRetry retry.Config

	// Logger receives emit outcomes and burned-sequence warnings. Optional.
	Logger *slog.Logger

	// Metrics records emit attempts and latency. Defaults to NoopMetrics.
	Metrics observability.MetricsRecorder
}

// Publisher stamps outgoing events with per-entity sequence numbers and
// emits them to broker sinks through the retry executor.
//
// A sequence number consumed by an event whose emission ultimately fails is
// burned, not compensated: decrementing the counter would race with
// concurrent allocations, and consumers tolerate gaps through the buffer's
// gap heuristics.
type Publisher struct {
	alloc sequence.Allocator
	cfg   PublisherConfig
}

// NewPublisher creates a publisher over the given sequence allocator.
func NewPublisher(alloc sequence.Allocator, cfg PublisherConfig) (*Publisher, error) {
	if alloc == nil {
		return nil, errors.New("sequence allocator is required")
	}
	if cfg.StorageRetry.BaseDelay == 0 {
		cfg.StorageRetry = retry.StorageProfile
	}
	if cfg.MessagingRetry.BaseDelay == 0 {
		cfg.MessagingRetry = retry.MessagingProfile
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Publisher{alloc: alloc, cfg: cfg}, nil
}

// Publish allocates the next sequence number for (entityID, entityType),
// builds the event, admits it to the local buffer when one is configured,
// and emits the wire envelope to every sink.
//
// The event is returned even on emission failure so the caller can see the
// burned sequence number.
func (p *Publisher) Publish(ctx context.Context, entityID, entityType, eventType string, payload any, opts ...event.Option) (*event.Event, error) {
	if entityID == "" {
		return nil, &seqerrors.InvalidArgumentError{Field: "entityID", Reason: "must be non-empty"}
	}
	if eventType == "" {
		return nil, &seqerrors.InvalidArgumentError{Field: "eventType", Reason: "must be non-empty"}
	}

	seq, err := retry.Do(ctx, p.cfg.StorageRetry, "allocate sequence",
		func(ctx context.Context) (uint64, error) {
			return p.alloc.Allocate(ctx, entityID, entityType)
		})
	if err != nil {
		return nil, err
	}

	evt, err := event.New(entityID, entityType, eventType, seq, payload, opts...)
	if err != nil {
		return nil, err
	}

	if p.cfg.Buffer != nil {
		if err := p.cfg.Buffer.Admit(ctx, evt); err != nil {
			return evt, err
		}
	}

	if err := p.emit(ctx, evt); err != nil {
		p.warnBurned(evt, err)
		return evt, err
	}
	return evt, nil
}

// emit sends the envelope to every sink, each under its own retry budget.
func (p *Publisher) emit(ctx context.Context, evt *event.Event) error {
	if len(p.cfg.Emitters) == 0 {
		return nil
	}

	env := evt.Envelope()
	body, err := env.Encode()
	if err != nil {
		return err
	}
	headers := env.Headers()

	logger := observability.EnrichLogger(p.cfg.Logger, evt.EntityID, evt.SequenceNumber, evt.CorrelationID)
	for _, emitter := range p.cfg.Emitters {
		err := retry.DoVoid(ctx, p.cfg.MessagingRetry, "emit "+evt.Type,
			func(ctx context.Context) error {
				start := time.Now()
				emitErr := emitter.Emit(ctx, evt.Type, body, headers)
				elapsed := time.Since(start)
				p.cfg.Metrics.RecordEmit(ctx, evt.Type, elapsed, emitErr)
				observability.LogEmit(logger, evt.Type, float64(elapsed.Milliseconds()), emitErr)
				return emitErr
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) warnBurned(evt *event.Event, err error) {
	if p.cfg.Logger == nil {
		return
	}
	p.cfg.Logger.Warn("sequence number burned by failed emission",
		slog.String("entity_id", evt.EntityID),
		slog.Uint64("sequence", evt.SequenceNumber),
		slog.String("event_type", evt.Type),
		slog.String("error", err.Error()),
	)
}

// PublishOrderCreated publishes an order.created event sequenced per order.
// The order total is computed from the line items when unset.
func (p *Publisher) PublishOrderCreated(ctx context.Context, orderID string, order OrderCreated, opts ...event.Option) (*event.Event, error) {
	order.OrderID = orderID
	if order.Total == 0 {
		order.Total = order.ComputeTotal()
	}
	return p.Publish(ctx, orderID, EntityOrder, EventOrderCreated, order, opts...)
}

// PublishOrderCancelled publishes an order.cancelled event.
func (p *Publisher) PublishOrderCancelled(ctx context.Context, orderID, reason string, opts ...event.Option) (*event.Event, error) {
	payload := OrderCancelled{OrderID: orderID, Reason: reason}
	return p.Publish(ctx, orderID, EntityOrder, EventOrderCancelled, payload, opts...)
}

// PublishOrderDelivered publishes an order.delivered event.
func (p *Publisher) PublishOrderDelivered(ctx context.Context, orderID string, delivered OrderDelivered, opts ...event.Option) (*event.Event, error) {
	delivered.OrderID = orderID
	return p.Publish(ctx, orderID, EntityOrder, EventOrderDelivered, delivered, opts...)
}

// PublishStockReserved publishes a stock.reserved event sequenced per
// product in the inventory sequence space.
func (p *Publisher) PublishStockReserved(ctx context.Context, reserved StockReserved, opts ...event.Option) (*event.Event, error) {
	return p.Publish(ctx, reserved.ProductID, EntityInventory, EventStockReserved, reserved, opts...)
}

// PublishStockReleased publishes the compensating stock.released event.
func (p *Publisher) PublishStockReleased(ctx context.Context, released StockReleased, opts ...event.Option) (*event.Event, error) {
	return p.Publish(ctx, released.ProductID, EntityInventory, EventStockReleased, released, opts...)
}

// PublishNotificationRequested publishes a notification.requested event
// sequenced per recipient.
func (p *Publisher) PublishNotificationRequested(ctx context.Context, req NotificationRequested, opts ...event.Option) (*event.Event, error) {
	return p.Publish(ctx, req.Recipient, EntityNotification, EventNotificationRequested, req, opts...)
}
