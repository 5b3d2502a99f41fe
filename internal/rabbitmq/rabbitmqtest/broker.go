// Package rabbitmqtest provides an in-memory AMQP broker for tests.
//
// It models the parts of RabbitMQ the messaging core depends on: topic,
// direct and fanout exchanges, durable queues with x-max-length (drop-head),
// dead-letter exchanges, per-consumer prefetch, manual ack/nack with requeue,
// publisher confirms, mandatory returns, passive declares that close the
// channel on a miss, and forced connection loss. Message TTL is stored but
// never expires messages.
package rabbitmqtest

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
)

// ErrInjected is returned by publishes failed with FailPublishes.
var ErrInjected = errors.New("rabbitmqtest: injected publish failure")

// Binding is a queue bound to an exchange.
type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// State is a comparable snapshot of the declared topology.
type State struct {
	Exchanges map[string]string
	Queues    map[string]amqp.Table
	Bindings  []Binding
}

// Broker is an in-memory broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []Binding
	conns     map[*Conn]struct{}

	dialErr       error
	dials         int
	declares      int
	failPublishes int
	nackPublishes int
	published     int
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	args      amqp.Table
	ready     []message
	consumers []*consumer
	next      int
	unacked   int
}

type consumer struct {
	tag         string
	queue       *queue
	ch          *Channel
	deliveries  chan amqp.Delivery
	outstanding int
}

type pending struct {
	msg      message
	queue    *queue
	consumer *consumer
}

// NewBroker returns an empty broker with the default exchange.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]string{"": amqp.ExchangeDirect},
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial implements rabbitmq.Dialer.
func (b *Broker) Dial(url string, config amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetDialError makes every following Dial fail with err until cleared with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns how many times Dial was called.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// DropConnections closes every open connection as if the server went away.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker shutdown", Server: true, Recover: true})
	}
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// FailPublishes makes the next n publishes return ErrInjected.
func (b *Broker) FailPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublishes = n
}

// NackPublishes makes the next n confirmed publishes be nacked.
func (b *Broker) NackPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublishes = n
}

// Published returns how many publishes reached routing.
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Declares returns how many declare calls were made.
func (b *Broker) Declares() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.declares
}

// Depth returns the number of ready messages in a queue, or -1 if it does not exist.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return -1
	}
	return len(q.ready)
}

// Unacked returns the number of delivered but unsettled messages of a queue.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.unacked
	}
	return 0
}

// Messages returns copies of the ready messages of a queue, head first.
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, len(q.ready))
	for i, m := range q.ready {
		out[i] = m.pub
	}
	return out
}

// Snapshot returns the declared exchanges, queue arguments and bindings.
func (b *Broker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := State{
		Exchanges: make(map[string]string, len(b.exchanges)),
		Queues:    make(map[string]amqp.Table, len(b.queues)),
		Bindings:  append([]Binding(nil), b.bindings...),
	}
	for name, kind := range b.exchanges {
		s.Exchanges[name] = kind
	}
	for name, q := range b.queues {
		s.Queues[name] = q.args
	}
	sort.Slice(s.Bindings, func(i, j int) bool {
		if s.Bindings[i].Exchange != s.Bindings[j].Exchange {
			return s.Bindings[i].Exchange < s.Bindings[j].Exchange
		}
		return s.Bindings[i].Queue < s.Bindings[j].Queue
	})
	return s
}

// Inject routes a message through an exchange without a client channel.
func (b *Broker) Inject(exchange, routingKey string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}
	b.published++
	b.routeLocked(message{exchange: exchange, routingKey: routingKey, pub: pub})
	b.pumpLocked()
	return nil
}

// routeLocked delivers m to every matching queue and reports whether any matched.
func (b *Broker) routeLocked(m message) bool {
	targets := b.targetsLocked(m.exchange, m.routingKey)
	for _, q := range targets {
		b.enqueueLocked(q, m)
	}
	return len(targets) > 0
}

func (b *Broker) targetsLocked(exchange, key string) []*queue {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}
		}
		return nil
	}

	kind := b.exchanges[exchange]
	seen := make(map[string]bool)
	var out []*queue
	for _, bd := range b.bindings {
		if bd.Exchange != exchange || seen[bd.Queue] {
			continue
		}
		var match bool
		switch kind {
		case amqp.ExchangeFanout:
			match = true
		case amqp.ExchangeTopic:
			match = topicMatch(bd.RoutingKey, key)
		default:
			match = bd.RoutingKey == key
		}
		if match {
			if q, ok := b.queues[bd.Queue]; ok {
				seen[bd.Queue] = true
				out = append(out, q)
			}
		}
	}
	return out
}

func (b *Broker) enqueueLocked(q *queue, m message) {
	m.redelivered = false
	q.ready = append(q.ready, m)

	if max, ok := intArg(q.args, "x-max-length"); ok && max >= 0 {
		for len(q.ready) > max {
			dropped := q.ready[0]
			q.ready = q.ready[1:]
			b.deadLetterLocked(q, dropped, "maxlen")
		}
	}
}

// deadLetterLocked republishes m through the queue's dead-letter exchange, if any.
func (b *Broker) deadLetterLocked(q *queue, m message, reason string) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	if _, exists := b.exchanges[dlx]; !exists {
		return
	}
	key := m.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}

	headers := amqp.Table{}
	for k, v := range m.pub.Headers {
		headers[k] = v
	}
	if _, ok := headers["x-first-death-queue"]; !ok {
		headers["x-first-death-queue"] = q.name
		headers["x-first-death-reason"] = reason
		headers["x-first-death-exchange"] = m.exchange
	}
	pub := m.pub
	pub.Headers = headers

	b.routeLocked(message{exchange: dlx, routingKey: key, pub: pub})
}

// pumpLocked pushes ready messages to consumers with spare prefetch capacity.
func (b *Broker) pumpLocked() {
	for _, q := range b.queues {
		for len(q.ready) > 0 && len(q.consumers) > 0 {
			c := q.pickLocked()
			if c == nil {
				break
			}
			m := q.ready[0]
			q.ready = q.ready[1:]

			c.ch.nextTag++
			tag := c.ch.nextTag
			c.ch.unacked[tag] = &pending{msg: m, queue: q, consumer: c}
			c.outstanding++
			q.unacked++

			c.deliveries <- amqp.Delivery{
				Acknowledger:    c.ch,
				Headers:         m.pub.Headers,
				ContentType:     m.pub.ContentType,
				ContentEncoding: m.pub.ContentEncoding,
				DeliveryMode:    m.pub.DeliveryMode,
				Priority:        m.pub.Priority,
				CorrelationId:   m.pub.CorrelationId,
				ReplyTo:         m.pub.ReplyTo,
				Expiration:      m.pub.Expiration,
				MessageId:       m.pub.MessageId,
				Timestamp:       m.pub.Timestamp,
				Type:            m.pub.Type,
				AppId:           m.pub.AppId,
				ConsumerTag:     c.tag,
				DeliveryTag:     tag,
				Redelivered:     m.redelivered,
				Exchange:        m.exchange,
				RoutingKey:      m.routingKey,
				Body:            m.pub.Body,
			}
		}
	}
}

// pickLocked returns the next consumer, round robin, that can take a delivery.
func (q *queue) pickLocked() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		limit := c.ch.prefetch
		if (limit == 0 || c.outstanding < limit) && len(c.deliveries) < cap(c.deliveries) {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			if q.next >= len(q.consumers) {
				q.next = 0
			}
			return
		}
	}
}

// Conn is an in-memory connection. It implements rabbitmq.Connection.
type Conn struct {
	broker   *Broker
	mu       sync.Mutex
	closed   bool
	channels map[*Channel]struct{}
	notify   []chan *amqp.Error
}

var _ rabbitmq.Connection = (*Conn)(nil)

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, broker: c.broker, unacked: make(map[uint64]*pending), consumers: make(map[string]*consumer)}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	notify := c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()

	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

// Channel is an in-memory channel. It implements rabbitmq.Channel and amqp.Acknowledger.
type Channel struct {
	conn   *Conn
	broker *Broker

	// Guarded by broker.mu.
	closed    bool
	prefetch  int
	confirm   bool
	seq       uint64
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer
	confirms  []chan amqp.Confirmation
	returns   []chan amqp.Return
	notify    []chan *amqp.Error
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	b.declares++
	if existing, ok := b.exchanges[name]; ok {
		if existing != kind {
			return ch.failLocked(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '"+name+"'")
		}
		return nil
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	b.declares++
	if q, ok := b.queues[name]; ok {
		if !argsEqual(q.args, args) {
			return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg for queue '"+name+"'")
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	b.queues[name] = &queue{name: name, args: copyTable(args)}
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive implements rabbitmq.Channel
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.failLocked(amqp.NotFound, "NOT_FOUND - no queue '"+name+"' in vhost '/'")
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	b.declares++
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.failLocked(amqp.NotFound, "NOT_FOUND - no exchange '"+exchange+"'")
	}
	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(amqp.NotFound, "NOT_FOUND - no queue '"+name+"'")
	}
	bd := Binding{Exchange: exchange, Queue: name, RoutingKey: key}
	for _, existing := range b.bindings {
		if existing == bd {
			return nil
		}
	}
	b.bindings = append(b.bindings, bd)
	return nil
}

// QueuePurge implements rabbitmq.Channel
func (ch *Channel) QueuePurge(name string, noWait bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return 0, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		return 0, ch.failLocked(amqp.NotFound, "NOT_FOUND - no queue '"+name+"'")
	}
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, "NOT_FOUND - no queue '"+queueName+"'")
	}
	if tag == "" {
		tag = "ctag-" + queueName + "-" + time.Now().Format("150405.000000000")
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.failLocked(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '"+tag+"'")
	}

	c := &consumer{tag: tag, queue: q, ch: ch, deliveries: make(chan amqp.Delivery, 1024)}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	b.pumpLocked()
	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	delete(ch.consumers, tag)
	c.queue.removeConsumer(c)
	close(c.deliveries)
	return nil
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

// NotifyPublish implements rabbitmq.Channel
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// NotifyReturn implements rabbitmq.Channel
func (ch *Channel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.returns = append(ch.returns, c)
	return c
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notify = append(ch.notify, c)
	return c
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if b.failPublishes > 0 {
		b.failPublishes--
		b.mu.Unlock()
		return ErrInjected
	}
	if _, ok := b.exchanges[exchange]; !ok {
		err := ch.failLocked(amqp.NotFound, "NOT_FOUND - no exchange '"+exchange+"'")
		b.mu.Unlock()
		return err
	}

	b.published++
	routed := b.routeLocked(message{exchange: exchange, routingKey: key, pub: msg})
	b.pumpLocked()

	// Returns precede their confirm, as on a real broker. Sends never block:
	// a listener without buffer space misses the notification.
	if mandatory && !routed {
		ret := amqp.Return{ReplyCode: amqp.NoRoute, ReplyText: "NO_ROUTE", Exchange: exchange, RoutingKey: key, Body: msg.Body}
		for _, r := range ch.returns {
			select {
			case r <- ret:
			default:
			}
		}
	}
	if ch.confirm {
		ch.seq++
		ack := true
		if b.nackPublishes > 0 {
			b.nackPublishes--
			ack = false
		}
		conf := amqp.Confirmation{DeliveryTag: ch.seq, Ack: ack}
		for _, c := range ch.confirms {
			select {
			case c <- conf:
			default:
			}
		}
	}
	b.mu.Unlock()
	return nil
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// failLocked closes the channel with a channel exception, as the broker does.
func (ch *Channel) failLocked(code int, reason string) *amqp.Error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.closeLocked()
	notify := ch.notify
	ch.notify = nil
	go func() {
		for _, n := range notify {
			n <- err
			close(n)
		}
	}()
	return err
}

func (ch *Channel) shutdown(err *amqp.Error) {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return
	}
	ch.closeLocked()
	notify := ch.notify
	ch.notify = nil
	b.mu.Unlock()

	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
}

// closeLocked requeues unsettled deliveries and closes consumer streams.
func (ch *Channel) closeLocked() {
	b := ch.broker
	ch.closed = true

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		p := ch.unacked[tag]
		p.queue.unacked--
		m := p.msg
		m.redelivered = true
		p.queue.ready = append([]message{m}, p.queue.ready...)
	}
	ch.unacked = make(map[uint64]*pending)

	for tag, c := range ch.consumers {
		c.queue.removeConsumer(c)
		close(c.deliveries)
		delete(ch.consumers, tag)
	}
	for _, c := range ch.confirms {
		close(c)
	}
	ch.confirms = nil
	for _, r := range ch.returns {
		close(r)
	}
	ch.returns = nil

	ch.conn.mu.Lock()
	delete(ch.conn.channels, ch)
	ch.conn.mu.Unlock()

	b.pumpLocked()
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, func(p *pending) {})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker
	return ch.settle(tag, multiple, func(p *pending) {
		if requeue {
			m := p.msg
			m.redelivered = true
			p.queue.ready = append([]message{m}, p.queue.ready...)
			return
		}
		b.deadLetterLocked(p.queue, p.msg, "rejected")
	})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple bool, fn func(*pending)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	}

	for _, t := range tags {
		p, ok := ch.unacked[t]
		if !ok {
			return ch.failLocked(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag")
		}
		delete(ch.unacked, t)
		p.queue.unacked--
		p.consumer.outstanding--
		fn(p)
	}
	b.pumpLocked()
	return nil
}

func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func intArg(args amqp.Table, name string) (int, bool) {
	switch v := args[name].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

func copyTable(t amqp.Table) amqp.Table {
	if t == nil {
		return amqp.Table{}
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func argsEqual(a, b amqp.Table) bool {
	return reflect.DeepEqual(copyTable(a), copyTable(b))
}
