package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/randalmurphal/sequent/pkg/sequent/buffer"
	"github.com/randalmurphal/sequent/pkg/sequent/deadletter"
	seqerrors "github.com/randalmurphal/sequent/pkg/sequent/errors"
	"github.com/randalmurphal/sequent/pkg/sequent/event"
)

// Admitter receives decoded events for ordered application.
// buffer.Buffer satisfies it.
type Admitter interface {
	Admit(ctx context.Context, evt *event.Event) error
}

// ConsumerConfig configures the AMQP consumer.
type ConsumerConfig struct {
	// URL is the AMQP endpoint, credentials included.
	URL string

	// Exchange is the topic exchange the queue binds to.
	Exchange string

	// Queue is the durable queue consumed from.
	Queue string

	// RoutingKeys bind the queue to the exchange. Empty binds everything.
	RoutingKeys []string

	// ConsumerTag identifies this consumer on the channel.
	ConsumerTag string

	// PrefetchCount bounds unacknowledged deliveries per consumer.
	PrefetchCount int

	// Workers is the number of processing goroutines.
	Workers int

	// DeliveryQueue is the capacity of the internal hand-off channel
	// between the read loop and the workers.
	DeliveryQueue int

	// Logger receives delivery outcomes. Optional.
	Logger *slog.Logger
}

// Validate checks the consumer configuration. Acknowledgment is always
// manual; at-least-once delivery depends on it.
func (c ConsumerConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	return nil
}

// Consumer reads deliveries from a durable queue and admits the decoded
// events into an ordered buffer. Acknowledgment is manual: processed
// deliveries are acked, transient failures are nacked with requeue, and
// permanent failures are nacked without requeue after being captured in
// the dead-letter queue.
type Consumer struct {
	cfg      ConsumerConfig
	admitter Admitter
	dlq      *deadletter.Queue // optional

	conn    *amqp091.Connection
	ch      *amqp091.Channel
	deliver <-chan amqp091.Delivery
	ops     chan deliveryTask
	closed  chan struct{}

	closeOnce sync.Once
	closeErr  atomic.Value
	readWG    sync.WaitGroup
	workerWG  sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

// NewConsumer creates a consumer feeding admitter. dlq may be nil, in
// which case permanently failed deliveries rely on a broker-side
// dead-letter exchange alone.
func NewConsumer(cfg ConsumerConfig, admitter Admitter, dlq *deadletter.Queue) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if admitter == nil {
		return nil, fmt.Errorf("admitter is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "sequent-consumer"
	}
	return &Consumer{
		cfg:      cfg,
		admitter: admitter,
		dlq:      dlq,
		closed:   make(chan struct{}),
		ops:      make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

// Start connects, declares the topology, and launches the read and worker
// loops. Returns once consumption is running.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := amqp091.Dial(c.cfg.URL)
	if err != nil {
		return seqerrors.TransientMessaging("dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return seqerrors.TransientMessaging("open channel", err)
	}
	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return classifyAMQP("set prefetch", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return classifyAMQP("declare exchange", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return classifyAMQP("declare queue", err)
	}

	routingKeys := c.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(c.cfg.Queue, key, c.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return classifyAMQP(fmt.Sprintf("bind queue key=%s", key), err)
		}
	}

	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return classifyAMQP("consume queue", err)
	}
	c.conn, c.ch, c.deliver = conn, ch, deliveries

	c.readWG.Add(1)
	go c.readLoop(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.workerWG.Add(1)
		go c.workerLoop(ctx)
	}
	return nil
}

// Close cancels the consumer, joins the read loop, drains the workers,
// and closes the channel and connection. Safe to call concurrently;
// every call returns the result of the first.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ch != nil {
			_ = c.ch.Cancel(c.cfg.ConsumerTag, false)
		}

		// The read loop is the only sender on ops: it must have exited
		// before ops closes, or a prefetched delivery in flight between
		// the two selects would be sent on a closed channel.
		c.readWG.Wait()
		close(c.ops)
		c.workerWG.Wait()

		var errs []error
		if c.ch != nil {
			if err := c.ch.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			c.closeErr.Store(err)
		}
	})

	if v := c.closeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Consumer) readLoop(ctx context.Context) {
	defer c.readWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case d, ok := <-c.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case c.ops <- task:
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			}
		}
	}
}

func (c *Consumer) workerLoop(ctx context.Context) {
	defer c.workerWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case task, ok := <-c.ops:
			if !ok {
				return
			}
			c.processDelivery(task.ctx, task.delivery)
		}
	}
}

// processDelivery decodes and admits one delivery, then acknowledges it
// according to the outcome.
func (c *Consumer) processDelivery(ctx context.Context, d amqp091.Delivery) {
	env, err := event.Decode(d.Body)
	if err != nil {
		// Malformed on the wire: redelivery can never fix it.
		c.deadLetter(ctx, d, err)
		_ = d.Nack(false, false)
		c.logOutcome(d, "rejected", err)
		return
	}

	evt := env.Event()
	if err := c.admitter.Admit(ctx, evt); err != nil {
		if c.requeueable(err) {
			_ = d.Nack(false, true)
			c.logOutcome(d, "requeued", err)
			return
		}
		c.deadLetter(ctx, d, err)
		_ = d.Nack(false, false)
		c.logOutcome(d, "rejected", err)
		return
	}

	_ = d.Ack(false)
}

// requeueable decides whether broker redelivery can help: transient
// taxonomy errors and a full buffer, yes; malformed events and closed
// buffers, no.
func (c *Consumer) requeueable(err error) bool {
	if errors.Is(err, buffer.ErrFull) {
		return true
	}
	return seqerrors.IsRetryable(err)
}

// deadLetter captures a permanently failed delivery for inspection.
func (c *Consumer) deadLetter(ctx context.Context, d amqp091.Delivery, cause error) {
	if c.dlq == nil {
		return
	}

	headers := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = fmt.Sprint(v)
	}

	failed := &deadletter.FailedMessage{
		MessageID:    d.MessageId,
		RoutingKey:   d.RoutingKey,
		Body:         append([]byte(nil), d.Body...),
		Headers:      headers,
		ErrorMessage: cause.Error(),
		FailedAt:     time.Now(),
		AttemptCount: event.RetryCount(headers),
	}
	if failed.MessageID == "" {
		failed.MessageID = fmt.Sprintf("%s/%d", d.RoutingKey, d.DeliveryTag)
	}
	if env, err := event.Decode(d.Body); err == nil {
		failed.MessageID = env.MessageID
		failed.EntityID = env.EntityID
		failed.SequenceNumber = env.SequenceNumber
	}

	if err := c.dlq.Enqueue(ctx, failed); err != nil && c.cfg.Logger != nil {
		c.cfg.Logger.Warn("dead-letter enqueue failed",
			slog.String("message_id", failed.MessageID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Consumer) logOutcome(d amqp091.Delivery, outcome string, err error) {
	if c.cfg.Logger == nil {
		return
	}
	c.cfg.Logger.Warn("delivery "+outcome,
		slog.String("routing_key", d.RoutingKey),
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.String("error", err.Error()),
	)
}
