package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultExchange is the topic exchange every work queue is bound to.
	DefaultExchange = "researcher"
	// DefaultDeadLetterExchange is the direct exchange feeding the .dlq queues.
	DefaultDeadLetterExchange = "researcher.dlq"

	deadLetterSuffix = ".dlq"
)

// QueueDescriptor describes one work queue and its paired dead-letter queue.
type QueueDescriptor struct {
	Name string
	// MaxLength bounds the queue; the oldest message is dropped (and dead-lettered) on overflow.
	MaxLength int
	// MessageTTL is the per-queue message time-to-live. Zero means no TTL.
	MessageTTL time.Duration
	// MaxRedeliveries overrides the consumer's redelivery limit for this queue when positive.
	MaxRedeliveries int
}

// DeadLetterQueue returns the name of the paired dead-letter queue.
func (q QueueDescriptor) DeadLetterQueue() string {
	return q.Name + deadLetterSuffix
}

// Arguments returns the x-arguments the queue is declared with.
func (q QueueDescriptor) Arguments(deadLetterExchange string) amqp.Table {
	args := amqp.Table{
		"x-max-length":              int32(q.MaxLength),
		"x-overflow":                "drop-head",
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": q.DeadLetterQueue(),
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = int32(q.MessageTTL / time.Millisecond)
	}
	return args
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Declaration is the complete set of broker objects, in declaration order.
type Declaration struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// Topology declares and inspects the exchanges, work queues and dead-letter queues.
type Topology struct {
	conn               *ConnectionManager
	pool               *ChannelPool
	exchange           string
	deadLetterExchange string
	queues             []QueueDescriptor
	byName             map[string]QueueDescriptor
	logger             *slog.Logger

	mu       sync.Mutex
	declared bool
}

// TopologyOption configures the Topology
type TopologyOption func(*Topology)

// WithExchange sets the primary topic exchange name
func WithExchange(name string) TopologyOption {
	return func(t *Topology) {
		t.exchange = name
	}
}

// WithDeadLetterExchange sets the dead-letter exchange name
func WithDeadLetterExchange(name string) TopologyOption {
	return func(t *Topology) {
		t.deadLetterExchange = name
	}
}

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(t *Topology) {
		t.logger = logger
	}
}

// NewTopology validates the queue descriptors and returns a Topology for them.
func NewTopology(conn *ConnectionManager, pool *ChannelPool, queues []QueueDescriptor, options ...TopologyOption) (*Topology, error) {
	if conn == nil || pool == nil {
		return nil, ErrInvalidConfiguration
	}

	t := &Topology{
		conn:               conn,
		pool:               pool,
		exchange:           DefaultExchange,
		deadLetterExchange: DefaultDeadLetterExchange,
		queues:             append([]QueueDescriptor(nil), queues...),
		byName:             make(map[string]QueueDescriptor, len(queues)),
		logger:             slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	var errs []error
	if t.exchange == "" || t.deadLetterExchange == "" {
		errs = append(errs, fmt.Errorf("%w: exchange names must not be empty", ErrInvalidConfiguration))
	}
	for _, q := range t.queues {
		switch {
		case q.Name == "":
			errs = append(errs, fmt.Errorf("%w: queue name must not be empty", ErrInvalidConfiguration))
		case q.MaxLength < 1:
			errs = append(errs, fmt.Errorf("%w: queue %s: max length must be positive", ErrInvalidConfiguration, q.Name))
		case q.MessageTTL < 0:
			errs = append(errs, fmt.Errorf("%w: queue %s: ttl must not be negative", ErrInvalidConfiguration, q.Name))
		}
		if _, dup := t.byName[q.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: queue %s declared twice", ErrInvalidConfiguration, q.Name))
		}
		t.byName[q.Name] = q
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return t, nil
}

// Exchange returns the primary exchange name.
func (t *Topology) Exchange() string { return t.exchange }

// DeadLetterExchange returns the dead-letter exchange name.
func (t *Topology) DeadLetterExchange() string { return t.deadLetterExchange }

// Queues returns the configured queue descriptors.
func (t *Topology) Queues() []QueueDescriptor {
	return append([]QueueDescriptor(nil), t.queues...)
}

// Queue looks up a descriptor by queue name.
func (t *Topology) Queue(name string) (QueueDescriptor, bool) {
	q, ok := t.byName[name]
	return q, ok
}

// Declaration returns every exchange, queue and binding SetupAll declares.
func (t *Topology) Declaration() Declaration {
	d := Declaration{
		Exchanges: []ExchangeDeclaration{
			{Name: t.exchange, Type: amqp.ExchangeTopic, Durable: true},
			{Name: t.deadLetterExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
	}

	for _, q := range t.queues {
		dlq := q.DeadLetterQueue()
		d.Queues = append(d.Queues,
			QueueDeclaration{Name: dlq, Durable: true},
			QueueDeclaration{Name: q.Name, Durable: true, Arguments: q.Arguments(t.deadLetterExchange)},
		)
		d.Bindings = append(d.Bindings,
			Binding{Queue: dlq, Exchange: t.deadLetterExchange, RoutingKey: dlq},
			Binding{Queue: q.Name, Exchange: t.exchange, RoutingKey: q.Name},
		)
	}
	return d
}

// SetupAll declares the full topology. After the first success further calls return immediately.
func (t *Topology) SetupAll(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.declared {
		return nil
	}

	if err := t.Declare(ctx, t.Declaration()); err != nil {
		return err
	}

	t.declared = true
	t.logger.Info("topology declared",
		"exchange", t.exchange,
		"dead_letter_exchange", t.deadLetterExchange,
		"queues", len(t.queues))
	return nil
}

// Declare declares a set of broker objects on one pooled channel. Each
// declaration is idempotent at the broker as long as its arguments match.
func (t *Topology) Declare(ctx context.Context, d Declaration) error {
	return t.pool.Execute(ctx, func(ch *PooledChannel) error {
		// Declare exchanges
		for _, exchange := range d.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return newQueueError("exchange", exchange.Name, "declare", err)
			}
		}

		// Declare queues
		for _, queue := range d.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return newQueueError("queue", queue.Name, "declare", err)
			}
		}

		// Create bindings
		for _, binding := range d.Bindings {
			if err := ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, binding.Arguments); err != nil {
				return newQueueError("binding", binding.Queue+"->"+binding.Exchange, "bind", err)
			}
		}

		return nil
	})
}

// Exists checks whether a queue is declared without creating it.
func (t *Topology) Exists(ctx context.Context, name string) (bool, error) {
	_, err := t.conn.QueueInfo(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrQueueNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ExistsAll reports existence for every work queue and dead-letter queue.
func (t *Topology) ExistsAll(ctx context.Context) (map[string]bool, error) {
	result := make(map[string]bool, 2*len(t.queues))
	for _, name := range t.names() {
		ok, err := t.Exists(ctx, name)
		if err != nil {
			return nil, err
		}
		result[name] = ok
	}
	return result, nil
}

// QueueDepths returns the message count of every work queue and dead-letter
// queue. A queue that cannot be inspected is reported as -1. Only a lost
// connection fails the whole call.
func (t *Topology) QueueDepths(ctx context.Context) (map[string]int, error) {
	depths := make(map[string]int, 2*len(t.queues))
	for _, name := range t.names() {
		info, err := t.conn.QueueInfo(ctx, name)
		if err != nil {
			var connErr *ConnectionError
			if errors.As(err, &connErr) || ctx.Err() != nil {
				return nil, err
			}
			t.logger.Warn("failed to read queue depth", "queue", name, "error", err)
			depths[name] = -1
			continue
		}
		depths[name] = info.Messages
	}
	return depths, nil
}

func (t *Topology) names() []string {
	names := make([]string, 0, 2*len(t.queues))
	for _, q := range t.queues {
		names = append(names, q.Name, q.DeadLetterQueue())
	}
	return names
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}
