package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChrisGriffithPSU/research-agent/health"
	"github.com/ChrisGriffithPSU/research-agent/internal/config"
	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
	"github.com/ChrisGriffithPSU/research-agent/internal/reliability"
	"github.com/ChrisGriffithPSU/research-agent/monitor"
)

// Client owns the broker connection and everything built on it. It is
// constructed explicitly and passed to whatever needs to publish or consume;
// Close tears it down in reverse order.
type Client struct {
	cfg    config.Config
	logger *slog.Logger

	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.Topology
	sender    *rabbitmq.Publisher
	collector *monitor.Collector
	publisher *Publisher
	health    *health.Service

	mu        sync.Mutex
	consumers []*Consumer
	closed    bool
}

type clientOptions struct {
	logger    *slog.Logger
	dialer    rabbitmq.Dialer
	collector *monitor.Collector
	queues    []rabbitmq.QueueDescriptor
}

// ClientOption configures the Client
type ClientOption func(*clientOptions)

// WithLogger sets the logger handed to every component
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(o *clientOptions) {
		o.dialer = dialer
	}
}

// WithCollector shares an existing metrics collector
func WithCollector(collector *monitor.Collector) ClientOption {
	return func(o *clientOptions) {
		o.collector = collector
	}
}

// WithQueues replaces the default pipeline queues
func WithQueues(queues ...rabbitmq.QueueDescriptor) ClientOption {
	return func(o *clientOptions) {
		o.queues = append([]rabbitmq.QueueDescriptor(nil), queues...)
	}
}

// NewClient validates cfg, connects to the broker and builds the publisher
// and health service. The topology is not declared until SetupTopology.
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := clientOptions{
		logger: slog.Default(),
		queues: DefaultQueues(cfg.Queue),
	}
	for _, opt := range options {
		opt(&o)
	}

	strategy, err := reliability.NewStrategy(cfg.Publish.RetryPolicy())
	if err != nil {
		return nil, err
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(o.logger),
		rabbitmq.WithHeartbeat(cfg.RabbitMQ.Heartbeat),
		rabbitmq.WithConnectionTimeout(cfg.RabbitMQ.ConnectionTimeout),
		rabbitmq.WithReconnectStrategy(cfg.RabbitMQ.ReconnectStrategy()),
	}
	if o.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(o.dialer))
	}
	conn := rabbitmq.NewConnectionManager(cfg.RabbitMQ.URL(), connOpts...)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := rabbitmq.NewChannelPool(conn,
		rabbitmq.WithMaxSize(cfg.RabbitMQ.ChannelPoolSize),
		rabbitmq.WithChannelLogger(o.logger))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	topology, err := rabbitmq.NewTopology(conn, pool, o.queues,
		rabbitmq.WithExchange(cfg.RabbitMQ.Exchange),
		rabbitmq.WithDeadLetterExchange(cfg.RabbitMQ.DeadLetterExchange),
		rabbitmq.WithTopologyLogger(o.logger))
	if err != nil {
		_ = pool.Close()
		_ = conn.Close()
		return nil, err
	}

	collector := o.collector
	if collector == nil {
		collector = monitor.NewCollector(monitor.WithErrorRateWindow(cfg.Health.ErrorRateWindow))
	}

	sender := rabbitmq.NewPublisher(pool,
		rabbitmq.WithConfirmTimeout(cfg.Publish.ConfirmTimeout),
		rabbitmq.WithMandatory(true),
		rabbitmq.WithPublisherLogger(o.logger))

	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("publisher"),
		reliability.WithFailureThreshold(cfg.CircuitBreaker.FailureThreshold),
		reliability.WithTimeout(cfg.CircuitBreaker.Timeout))

	publisher := NewPublisher(sender,
		WithExchange(topology.Exchange()),
		WithRetryStrategy(strategy),
		WithCircuitBreaker(breaker),
		WithPublisherMetrics(collector),
		WithPublisherLogger(o.logger),
		WithHealthProbe(conn))

	hs := health.NewService(conn, topology, topology.Queues(), collector,
		health.WithLogger(o.logger),
		health.WithDepthWarningRatio(cfg.Health.QueueWarningRatio),
		health.WithErrorRateThreshold(cfg.Health.ErrorRateThreshold))
	hs.Register(health.NewChannelPoolChecker(pool))
	hs.Register(circuitChecker(publisher))

	return &Client{
		cfg:       cfg,
		logger:    o.logger,
		conn:      conn,
		pool:      pool,
		topology:  topology,
		sender:    sender,
		collector: collector,
		publisher: publisher,
		health:    hs,
	}, nil
}

// circuitChecker reports degraded while the publisher's circuit is open.
func circuitChecker(p *Publisher) health.Checker {
	return health.NewCheckerFunc("circuit_breaker", func(ctx context.Context) health.CheckResult {
		start := time.Now()
		state := p.CircuitState()
		result := health.CheckResult{
			Name:      "circuit_breaker",
			Status:    health.StatusHealthy,
			Message:   "Publisher circuit is " + state.String(),
			Timestamp: start,
			Details:   map[string]interface{}{"state": state.String()},
		}
		if state == reliability.StateOpen {
			result.Status = health.StatusDegraded
		}
		result.Duration = time.Since(start)
		return result
	})
}

// SetupTopology declares the exchanges, queues, dead-letter queues and
// bindings. Repeated calls are no-ops.
func (c *Client) SetupTopology(ctx context.Context) error {
	return c.topology.SetupAll(ctx)
}

// Publisher returns the shared publisher.
func (c *Client) Publisher() *Publisher { return c.publisher }

// Publish wraps payload in a new envelope and publishes it under routingKey.
func (c *Client) Publish(ctx context.Context, payload any, routingKey string, options ...EnvelopeOption) (*Envelope, error) {
	env, err := NewEnvelope(payload, options...)
	if err != nil {
		return nil, err
	}
	return env, c.publisher.Publish(ctx, env, routingKey)
}

// NewConsumer builds a consumer on its own channel with the configured
// prefetch count. CONSUMER_MAX_REDELIVERIES must be set.
func (c *Client) NewConsumer(options ...ConsumerOption) (*Consumer, error) {
	if err := c.cfg.ValidateConsumer(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}

	receiver, err := rabbitmq.NewConsumer(c.conn,
		rabbitmq.WithPrefetchCount(c.cfg.Consumer.PrefetchCount),
		rabbitmq.WithConsumerTagPrefix(c.topology.Exchange()),
		rabbitmq.WithConsumerLogger(c.logger))
	if err != nil {
		return nil, err
	}

	opts := append([]ConsumerOption{
		WithQueueLimits(c.topology.Queues()),
		WithConsumerMetrics(c.collector),
		WithConsumerLogger(c.logger),
		WithHandlerTimeout(c.cfg.Consumer.HandlerTimeout),
	}, options...)

	consumer, err := NewConsumer(receiver, c.sender, c.cfg.Consumer.MaxRedeliveries, opts...)
	if err != nil {
		return nil, err
	}
	c.consumers = append(c.consumers, consumer)
	return consumer, nil
}

// Health returns the health service.
func (c *Client) Health() *health.Service { return c.health }

// Collector returns the metrics collector.
func (c *Client) Collector() *monitor.Collector { return c.collector }

// Topology returns the queue topology.
func (c *Client) Topology() *rabbitmq.Topology { return c.topology }

// Connection returns the connection manager.
func (c *Client) Connection() *rabbitmq.ConnectionManager { return c.conn }

// Close stops every consumer built by the client, waiting up to the
// configured shutdown timeout for in-flight handlers, then closes the channel
// pool and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	consumers := c.consumers
	c.consumers = nil
	c.mu.Unlock()

	var errs []error
	for i := len(consumers) - 1; i >= 0; i-- {
		if err := consumers[i].Stop(true, c.cfg.Consumer.ShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("messaging client closed")
	return errors.Join(errs...)
}
