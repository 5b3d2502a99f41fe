package rabbitmq

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ChrisGriffithPSU/research-agent/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// QueueInfo is the broker's view of a declared queue.
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// ConnectionManager owns the process-wide broker connection. Every other
// component opens short-lived or dedicated channels on it.
type ConnectionManager struct {
	url               string
	dialer            Dialer
	heartbeat         time.Duration
	connectionTimeout time.Duration
	reconnect         reliability.Strategy
	logger            *slog.Logger

	connectMu   sync.Mutex
	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	// done is non-nil between Connect and Close and stops the reconnect loop.
	done chan struct{}

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithConnectionTimeout bounds each dial including the AMQP handshake
func WithConnectionTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionTimeout = timeout
	}
}

// WithReconnectStrategy sets the backoff used after an unexpected disconnect
func WithReconnectStrategy(strategy reliability.Strategy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect = strategy
	}
}

// NewConnectionManager creates a new connection manager. It does not dial until Connect.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:               url,
		dialer:            DialAMQP,
		heartbeat:         60 * time.Second,
		connectionTimeout: 30 * time.Second,
		reconnect: &reliability.ExponentialBackoff{
			BaseDelay:   time.Second,
			MaxDelay:    time.Minute,
			MaxAttempts: math.MaxInt,
			Jitter:      reliability.DefaultJitter,
		},
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection. It is a no-op when already connected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.RLock()
	connected, reconnecting := cm.isConnected, cm.done != nil && !cm.isConnected
	cm.mu.RUnlock()

	if connected {
		return nil
	}
	if reconnecting {
		return cm.connectionError("connect", ErrConnectionNotReady, 0)
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return cm.connectionError("connect", err, 1)
	}

	cm.mu.Lock()
	cm.done = make(chan struct{})
	cm.install(conn)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// dial opens a connection, giving up when ctx ends or the connection timeout elapses.
func (cm *ConnectionManager) dial(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectionTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := cm.dialer(cm.url, amqp.Config{
			Heartbeat: cm.heartbeat,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(cm.connectionTimeout),
		})
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		return res.conn, res.err
	case <-connCtx.Done():
		// Close a connection that completes after we stopped waiting.
		go func() {
			if res := <-resCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// install makes conn current and starts watching it. Caller holds mu.
func (cm *ConnectionManager) install(conn Connection) {
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose, cm.done)
}

// watch waits for the connection to drop and starts reconnecting.
func (cm *ConnectionManager) watch(notifyClose chan *amqp.Error, done chan struct{}) {
	select {
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// Closed by us.
			return
		}
		cm.logger.Error("connection closed", "error", amqpErr)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(amqpErr)
		cm.reconnectLoop(done)

	case <-done:
	}
}

func (cm *ConnectionManager) reconnectLoop(done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	attempts := 0
	conn, err := backoff.Retry(ctx, func() (Connection, error) {
		attempts++
		cm.logger.Info("attempting to reconnect", "attempt", attempts)
		cm.notifyReconnecting(attempts)

		conn, err := cm.dial(ctx)
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempts, "error", err)
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(reliability.NewBackOff(cm.reconnect)),
		// The strategy alone decides when to stop.
		backoff.WithMaxElapsedTime(time.Duration(math.MaxInt64)),
	)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		cm.logger.Error("giving up reconnecting",
			"attempts", attempts,
			"duration", time.Since(start),
			"error", err)

		// Allow a later Connect to start over.
		cm.mu.Lock()
		if cm.done == done {
			close(done)
			cm.done = nil
		}
		cm.mu.Unlock()

		cm.notifyDisconnected(cm.connectionError("reconnect", err, attempts))
		return
	}

	cm.mu.Lock()
	if cm.done != done {
		// Close raced with the final dial.
		cm.mu.Unlock()
		_ = conn.Close()
		return
	}
	cm.install(conn)
	cm.mu.Unlock()

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempts,
		"duration", time.Since(start))
	cm.notifyConnected()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close releases the connection and stops reconnecting. It is safe to call repeatedly.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.done != nil {
		close(cm.done)
		cm.done = nil
	}
	cm.isConnected = false

	if cm.conn == nil {
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	if conn.IsClosed() {
		return nil
	}
	cm.logger.Info("connection closed", "url", SanitizeURL(cm.url))
	return conn.Close()
}

// Channel opens a new channel on the current connection.
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	conn, connected := cm.conn, cm.isConnected
	cm.mu.RUnlock()

	if !connected || conn == nil {
		return nil, cm.connectionError("open channel", ErrConnectionNotReady, 0)
	}
	if conn.IsClosed() {
		return nil, cm.connectionError("open channel", ErrConnectionClosed, 0)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// withChannel runs fn on a throwaway channel. Passive declares close the
// channel on a miss, so they must never run on a pooled one.
func (cm *ConnectionManager) withChannel(ctx context.Context, fn func(Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := cm.Channel()
	if err != nil {
		return err
	}
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()
	return fn(ch)
}

// Ping checks the link by opening and closing a channel.
func (cm *ConnectionManager) Ping(ctx context.Context) error {
	return cm.withChannel(ctx, func(Channel) error { return nil })
}

// QueueInfo returns the depth and consumer count of a declared queue.
func (cm *ConnectionManager) QueueInfo(ctx context.Context, name string) (QueueInfo, error) {
	var info QueueInfo
	err := cm.withChannel(ctx, func(ch Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			if isNotFound(err) {
				return newQueueError("queue", name, "inspect", ErrQueueNotFound)
			}
			return newQueueError("queue", name, "inspect", err)
		}
		info = QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}
		return nil
	})
	return info, err
}

// Purge removes every ready message from a queue and returns how many were dropped.
func (cm *ConnectionManager) Purge(ctx context.Context, name string) (int, error) {
	var purged int
	err := cm.withChannel(ctx, func(ch Channel) error {
		n, err := ch.QueuePurge(name, false)
		if err != nil {
			if isNotFound(err) {
				return newQueueError("queue", name, "purge", ErrQueueNotFound)
			}
			return newQueueError("queue", name, "purge", err)
		}
		purged = n
		return nil
	})
	if err == nil {
		cm.logger.Info("queue purged", "queue", name, "messages", purged)
	}
	return purged, err
}

func (cm *ConnectionManager) connectionError(op string, err error, attempts int) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

// notifyReconnecting notifies all listeners of reconnection attempt
func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
