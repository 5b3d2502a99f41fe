package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
	"github.com/ChrisGriffithPSU/research-agent/internal/reliability"
	"github.com/ChrisGriffithPSU/research-agent/monitor"
)

// Receiver delivers messages from several queues with bounded concurrency;
// *rabbitmq.Consumer implements it.
type Receiver interface {
	Start(ctx context.Context, handler rabbitmq.DeliveryHandler, queues ...string) error
	AddQueue(queue string) error
	Stop(graceful bool, timeout time.Duration) error
	Healthy() bool
	InFlight() int
}

var _ Receiver = (*rabbitmq.Consumer)(nil)

// Consumer dispatches deliveries to one handler per queue and settles every
// message exactly once: ack on success, dead-letter on a permanent error,
// redeliver with an incremented retry count on any other error until the
// queue's redelivery limit is exceeded.
type Consumer struct {
	receiver        Receiver
	republisher     Sender
	maxRedeliveries int
	limits          map[string]int
	middleware      []Middleware
	metrics         Metrics
	logger          *slog.Logger
	handlerTimeout  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	running  bool
}

// ConsumerOption configures the Consumer
type ConsumerOption func(*Consumer)

// WithQueueLimits applies the per-queue MaxRedeliveries overrides of queues
func WithQueueLimits(queues []rabbitmq.QueueDescriptor) ConsumerOption {
	return func(c *Consumer) {
		for _, q := range queues {
			if q.MaxRedeliveries > 0 {
				c.limits[q.Name] = q.MaxRedeliveries
			}
		}
	}
}

// WithMiddleware adds middleware applied to every handler at Subscribe,
// first outermost
func WithMiddleware(middleware ...Middleware) ConsumerOption {
	return func(c *Consumer) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithConsumerMetrics sets the metrics sink
func WithConsumerMetrics(m Metrics) ConsumerOption {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero means no bound.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// NewConsumer creates a consumer. Temporary failures are redelivered by
// republishing through republisher to the default exchange; maxRedeliveries
// is the limit for queues without their own.
func NewConsumer(receiver Receiver, republisher Sender, maxRedeliveries int, options ...ConsumerOption) (*Consumer, error) {
	if receiver == nil || republisher == nil {
		return nil, fmt.Errorf("%w: consumer needs a receiver and a republisher", rabbitmq.ErrInvalidConfiguration)
	}
	if maxRedeliveries <= 0 {
		return nil, ErrMaxRedeliveriesRequired
	}

	c := &Consumer{
		receiver:        receiver,
		republisher:     republisher,
		maxRedeliveries: maxRedeliveries,
		limits:          make(map[string]int),
		metrics:         noopMetrics{},
		logger:          slog.Default(),
		handlers:        make(map[string]Handler),
	}

	for _, opt := range options {
		opt(c)
	}

	return c, nil
}

// Subscribe registers handler for queue, replacing any earlier handler. On a
// running consumer a new queue starts delivering at once.
func (c *Consumer) Subscribe(queue string, handler Handler) error {
	if queue == "" || handler == nil {
		return ErrInvalidSubscription
	}

	h := Recover(c.logger)(Chain(handler, c.middleware...))

	c.mu.Lock()
	_, replaced := c.handlers[queue]
	c.handlers[queue] = h
	running := c.running
	c.mu.Unlock()

	if replaced {
		c.logger.Info("handler replaced", "queue", queue)
		return nil
	}
	c.logger.Info("handler registered", "queue", queue)

	if running {
		if err := c.receiver.AddQueue(queue); err != nil {
			return &ConsumeError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
		}
	}
	return nil
}

// Start begins delivering from every subscribed queue.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrConsumerRunning
	}
	if len(c.handlers) == 0 {
		return ErrNoSubscriptions
	}

	queues := make([]string, 0, len(c.handlers))
	for q := range c.handlers {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	if err := c.receiver.Start(ctx, c.deliver, queues...); err != nil {
		return err
	}
	c.running = true

	c.logger.Info("consumer started", "queues", queues)
	return nil
}

// Stop stops accepting deliveries. When graceful it waits up to timeout for
// running handlers to settle their messages; anything still running after
// that is abandoned and redelivered by the broker.
func (c *Consumer) Stop(graceful bool, timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	err := c.receiver.Stop(graceful, timeout)
	if err != nil {
		c.logger.Warn("consumer stopped with abandoned handlers", "error", err)
	}
	return err
}

// HealthCheck reports whether the consumer is running on a live channel.
func (c *Consumer) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()

	if !running {
		return ErrConsumerNotRunning
	}
	if !c.receiver.Healthy() {
		return &ConsumeError{Op: "health", Err: errors.New("delivery channel is down"), Timestamp: time.Now()}
	}
	return nil
}

// InFlight returns the number of handlers currently running.
func (c *Consumer) InFlight() int {
	return c.receiver.InFlight()
}

func (c *Consumer) handler(queue string) Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handlers[queue]
}

func (c *Consumer) limit(queue string) int {
	if n, ok := c.limits[queue]; ok {
		return n
	}
	return c.maxRedeliveries
}

// deliver is the rabbitmq.DeliveryHandler. ctx is cancelled when the
// receiver abandons in-flight work.
func (c *Consumer) deliver(ctx context.Context, queue string, d amqp.Delivery) {
	start := time.Now()
	c.metrics.Increment(monitor.CounterOperations)
	c.metrics.Increment(monitor.CounterConsumed)
	c.metrics.Increment(consumedCounter(queue))

	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		c.deadLetter(queue, d, "", ReasonInvalidEnvelope, err)
		return
	}

	h := c.handler(queue)
	if h == nil {
		c.logger.Error("no handler for queue", "queue", queue)
		c.nack(queue, d, env.CorrelationID, true)
		return
	}

	hctx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	hctx = withDelivery(hctx, DeliveryInfo{
		Queue:       queue,
		ConsumerTag: d.ConsumerTag,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Headers:     d.Headers,
	})
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, c.handlerTimeout)
		defer cancel()
	}

	err = h(hctx, env)

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.settleFailed(queue, env.CorrelationID, "ack", ackErr)
			return
		}
		c.metrics.Increment(monitor.CounterAcked)
		c.metrics.Increment(ackedCounter(queue))
		c.metrics.RecordTime(consumedCounter(queue), time.Since(start))

	case ctx.Err() != nil:
		// Abandoned by Stop; the broker redelivers it when the channel closes.
		c.logger.Warn("handler abandoned, leaving message unsettled",
			"queue", queue,
			"correlationId", env.CorrelationID,
			"error", err)

	case reliability.IsPermanent(err):
		c.deadLetter(queue, d, env.CorrelationID, ReasonPermanentError, err)

	default:
		c.redeliver(ctx, queue, d, env, err)
	}
}

// redeliver republishes env with an incremented retry count and acks the
// original, or dead-letters it once the queue's limit is exceeded.
func (c *Consumer) redeliver(ctx context.Context, queue string, d amqp.Delivery, env *Envelope, cause error) {
	limit := c.limit(queue)
	next := env.redelivery()
	if next.RetryCount > limit {
		c.deadLetter(queue, d, env.CorrelationID, ReasonMaxRedeliveriesExceeded,
			fmt.Errorf("retry count %d exceeds limit %d: %w", next.RetryCount, limit, cause))
		return
	}

	body, err := next.Encode()
	if err != nil {
		c.deadLetter(queue, d, env.CorrelationID, ReasonInvalidEnvelope, err)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(next.RetryCount)
	headers[HeaderFailureReason] = truncateReason(cause.Error())

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: next.CorrelationID,
		Timestamp:     next.CreatedAt,
		Body:          body,
	}

	if err := c.republisher.Publish(ctx, "", queue, msg); err != nil {
		// The broker redelivers the original unchanged.
		c.logger.Warn("failed to republish for retry, requeueing original",
			"queue", queue,
			"correlationId", env.CorrelationID,
			"error", err)
		c.nack(queue, d, env.CorrelationID, true)
		return
	}

	if err := d.Ack(false); err != nil {
		// The original comes back too; the handler sees this message twice.
		c.settleFailed(queue, env.CorrelationID, "ack", err)
		return
	}
	c.metrics.Increment(requeuedCounter(queue))

	c.logger.Info("message scheduled for redelivery",
		"queue", queue,
		"correlationId", env.CorrelationID,
		"retryCount", next.RetryCount,
		"maxRedeliveries", limit,
		"error", cause)
}

// deadLetter rejects d without requeue; the queue's dead-letter exchange
// routes it to <queue>.dlq.
func (c *Consumer) deadLetter(queue string, d amqp.Delivery, correlationID, reason string, cause error) {
	if err := d.Nack(false, false); err != nil {
		c.settleFailed(queue, correlationID, "nack", err)
		return
	}

	c.metrics.Increment(monitor.CounterErrors)
	c.metrics.RecordError(queue, reason)
	c.metrics.Increment(monitor.CounterDLQ)
	c.metrics.Increment(dlqCounter(queue))
	c.metrics.Increment(dlqCounter(queue) + "." + reason)
	c.metrics.Increment(nackedDLQCounter(queue))

	c.logger.Warn("message dead-lettered",
		"queue", queue,
		"correlationId", correlationID,
		"reason", reason,
		"error", cause)
}

func (c *Consumer) nack(queue string, d amqp.Delivery, correlationID string, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.settleFailed(queue, correlationID, "nack", err)
		return
	}
	if requeue {
		c.metrics.Increment(requeuedCounter(queue))
	}
}

func (c *Consumer) settleFailed(queue, correlationID, op string, err error) {
	c.metrics.RecordError(queue, op+"_failed")
	c.logger.Error("failed to settle message",
		"queue", queue,
		"correlationId", correlationID,
		"op", op,
		"error", &ConsumeError{Queue: queue, CorrelationID: correlationID, Op: op, Err: err, Timestamp: time.Now()})
}
