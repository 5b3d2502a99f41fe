package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"

	"github.com/ChrisGriffithPSU/research-agent/internal/ids"
)

// DeliveryHandler processes one delivery and is responsible for acking or nacking it.
type DeliveryHandler func(ctx context.Context, queue string, delivery amqp.Delivery)

// Consumer consumes several queues on one dedicated channel. At most
// prefetchCount handler invocations run at once across all of its queues.
type Consumer struct {
	conn          *ConnectionManager
	prefetchCount int
	tagPrefix     string
	logger        *slog.Logger

	mu        sync.Mutex
	queues    []string
	tags      map[string]string
	ch        Channel
	gen       int
	running   bool
	listening bool
	run       *consumerRun

	loops    sync.WaitGroup
	inflight sync.WaitGroup
	active   atomic.Int64
}

// consumerRun is the state of one Start..Stop cycle.
type consumerRun struct {
	handler DeliveryHandler
	sem     *semaphore.Weighted
	stopCtx context.Context
	stop    context.CancelFunc
	workCtx context.Context
	abandon context.CancelFunc
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(conn *ConnectionManager, options ...ConsumerOption) (*Consumer, error) {
	if conn == nil {
		return nil, ErrInvalidConfiguration
	}

	c := &Consumer{
		conn:          conn,
		prefetchCount: 10,
		logger:        slog.Default(),
		tags:          make(map[string]string),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.prefetchCount < 1 {
		return nil, fmt.Errorf("%w: prefetch count must be at least 1", ErrInvalidConfiguration)
	}

	return c, nil
}

// Start opens the channel and begins delivering from every queue to handler.
func (c *Consumer) Start(ctx context.Context, handler DeliveryHandler, queues ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrReceiverRunning
	}
	if handler == nil {
		return fmt.Errorf("%w: nil delivery handler", ErrInvalidConfiguration)
	}

	run := &consumerRun{
		handler: handler,
		sem:     semaphore.NewWeighted(int64(c.prefetchCount)),
	}
	run.stopCtx, run.stop = context.WithCancel(context.Background())
	run.workCtx, run.abandon = context.WithCancel(context.Background())

	c.run = run
	c.queues = append([]string(nil), queues...)

	if err := c.open(ctx); err != nil {
		run.stop()
		run.abandon()
		return err
	}

	c.running = true
	if !c.listening {
		c.conn.AddStateListener(c)
		c.listening = true
	}
	return nil
}

// open creates a fresh channel and consumes every queue on it. Caller holds mu.
func (c *Consumer) open(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return &ConsumerError{Op: "open channel", Err: err, Timestamp: time.Now()}
	}

	// Set QoS
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return &ConsumerError{Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	c.gen++
	c.ch = ch
	c.tags = make(map[string]string, len(c.queues))

	type started struct {
		queue, tag string
		deliveries <-chan amqp.Delivery
	}
	results := make([]started, 0, len(c.queues))

	for _, queue := range c.queues {
		tag := ids.ConsumerTag(c.tagPrefix, queue)
		err := ctx.Err()
		var deliveries <-chan amqp.Delivery
		if err == nil {
			deliveries, err = ch.Consume(queue, tag, false, false, false, false, nil)
		}
		if err != nil {
			// Closing the channel drops the consumers that did start.
			_ = ch.Close()
			c.ch = nil
			return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
		}
		results = append(results, started{queue, tag, deliveries})
	}

	for _, r := range results {
		c.startLoop(r.queue, r.tag, r.deliveries)
	}
	return nil
}

// startLoop begins dispatching one queue. Caller holds mu.
func (c *Consumer) startLoop(queue, tag string, deliveries <-chan amqp.Delivery) {
	c.tags[queue] = tag
	c.loops.Add(1)
	go c.dispatch(c.run, c.gen, queue, deliveries)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)
}

// AddQueue starts consuming one more queue on a running consumer.
func (c *Consumer) AddQueue(queue string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrReceiverClosed
	}
	if _, ok := c.tags[queue]; ok {
		return nil
	}
	c.queues = append(c.queues, queue)
	if c.ch == nil {
		// Picked up when the channel is reopened.
		return nil
	}

	tag := ids.ConsumerTag(c.tagPrefix, queue)
	deliveries, err := c.ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}
	c.startLoop(queue, tag, deliveries)
	return nil
}

// dispatch hands deliveries to the handler, blocking while prefetchCount handlers are busy.
func (c *Consumer) dispatch(run *consumerRun, gen int, queue string, deliveries <-chan amqp.Delivery) {
	defer c.loops.Done()

	for {
		select {
		case <-run.stopCtx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.channelLost(gen, queue)
				return
			}

			// Unacked deliveries left here are redelivered when the channel closes.
			if err := run.sem.Acquire(run.stopCtx, 1); err != nil {
				return
			}

			c.inflight.Add(1)
			c.active.Add(1)
			go func() {
				defer c.inflight.Done()
				defer run.sem.Release(1)
				defer c.active.Add(-1)
				run.handler(run.workCtx, queue, delivery)
			}()
		}
	}
}

// channelLost reopens the channel after it closed underneath a running consumer.
func (c *Consumer) channelLost(gen int, queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || gen != c.gen || c.ch == nil {
		return
	}

	c.logger.Warn("delivery channel closed", "queue", queue)
	if !c.ch.IsClosed() {
		_ = c.ch.Close()
	}
	c.ch = nil

	if c.conn.IsConnected() {
		if err := c.open(context.Background()); err != nil {
			c.logger.Error("failed to reopen consumer channel", "error", err)
		}
	}
}

// OnConnected resumes consumption after a reconnect.
func (c *Consumer) OnConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.ch != nil {
		return
	}
	if err := c.open(context.Background()); err != nil {
		c.logger.Error("failed to resume consuming after reconnect", "error", err)
		return
	}
	c.logger.Info("resumed consuming after reconnect", "queues", len(c.queues))
}

// OnDisconnected implements ConnectionStateListener
func (c *Consumer) OnDisconnected(err error) {}

// OnReconnecting implements ConnectionStateListener
func (c *Consumer) OnReconnecting(attempt int) {}

// Stop stops accepting deliveries at once. When graceful it waits up to
// timeout for in-flight handlers; handlers still running after that, or all
// of them when not graceful, see their context cancelled and their messages
// are redelivered by the broker once the channel closes. ErrStopTimeout is
// returned when handlers had to be abandoned.
func (c *Consumer) Stop(graceful bool, timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	ch := c.ch
	c.ch = nil
	tags := make([]string, 0, len(c.tags))
	for _, tag := range c.tags {
		tags = append(tags, tag)
	}
	run := c.run
	run.stop()
	c.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		for _, tag := range tags {
			if err := ch.Cancel(tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", "consumerTag", tag, "error", err)
			}
		}
	}
	c.loops.Wait()

	var err error
	if graceful {
		if !waitTimeout(&c.inflight, timeout) {
			err = ErrStopTimeout
		}
	}
	if !graceful || err != nil {
		run.abandon()
	}

	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}

	c.logger.Info("consumer stopped",
		"graceful", graceful,
		"abandoned", err != nil || (!graceful && c.active.Load() > 0))
	return err
}

// Running reports whether Start succeeded and Stop has not been called.
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Healthy reports whether the consumer is running on an open channel.
func (c *Consumer) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.ch != nil && !c.ch.IsClosed()
}

// InFlight returns the number of handler invocations currently running.
func (c *Consumer) InFlight() int {
	return int(c.active.Load())
}

// Queues returns the queues being consumed.
func (c *Consumer) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queues...)
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
