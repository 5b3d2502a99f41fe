package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool manages a pool of confirm-mode AMQP channels. A channel is held
// by one caller at a time, so a publisher confirm always belongs to the
// publish made by the current holder.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	minSize     int
	idleTimeout time.Duration
	getTimeout  time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	activeCount int
	done        chan struct{}
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	lastUsed time.Time
	id       string
	broken   bool
}

// ID identifies the channel in logs and errors.
func (pc *PooledChannel) ID() string { return pc.id }

// Discard marks the channel unusable; Put closes it instead of pooling it.
func (pc *PooledChannel) Discard() { pc.broken = true }

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithMinSize sets the minimum pool size
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithIdleTimeout sets the idle timeout for channels
func WithIdleTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = timeout
	}
}

// WithGetTimeout bounds how long Get waits for a busy pool
func WithGetTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.getTimeout = timeout
	}
}

// WithChannelLogger sets the pool logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool. Channels are opened lazily
// unless a minimum size is configured.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		idleTimeout: 5 * time.Minute,
		getTimeout:  5 * time.Second,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(pool)
	}

	// Validate configuration
	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	if pool.minSize < 0 || pool.minSize > pool.maxSize {
		return nil, fmt.Errorf("%w: min size must be between 0 and max size", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)

	// Pre-populate with minimum channels
	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.createChannel()
		if err != nil {
			_ = pool.Close()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.activeCount++
		pool.channels <- ch
	}

	// Start idle cleanup routine
	go pool.cleanupIdle()

	return pool, nil
}

// Get retrieves a channel from the pool
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if ch == nil {
				return nil, ErrChannelPoolClosed
			}
			if ch.Channel.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		// No channels available, create new one if under max
		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.activeCount++
			cp.mu.Unlock()
			return cp.createReserved(ctx)
		}
		cp.mu.Unlock()

		// Wait for a channel to become available
		timer := time.NewTimer(cp.getTimeout)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch == nil {
				return nil, ErrChannelPoolClosed
			}
			if ch.Channel.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}

		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.broken || ch.Channel.IsClosed() {
		if !ch.Channel.IsClosed() {
			_ = ch.Channel.Close()
		}
		cp.release()
		return
	}

	ch.lastUsed = time.Now()

	select {
	case cp.channels <- ch:
		// Channel returned to pool
	default:
		// Pool is full, close the channel
		_ = ch.Channel.Close()
		cp.release()
	}
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

// Close closes all channels in the pool
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.done)
	cp.mu.Unlock()

	// Close idle channels; channels still held are closed by Put.
	for {
		select {
		case ch := <-cp.channels:
			if !ch.Channel.IsClosed() {
				_ = ch.Channel.Close()
			}
			cp.release()
		default:
			return nil
		}
	}
}

// createChannel opens a channel and puts it in confirm mode. Callers account for it in activeCount.
func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
		lastUsed: time.Now(),
		id:       id,
	}

	cp.logger.Debug("channel opened", "channel", id)
	return pooled, nil
}

// createReserved opens a channel for a slot already counted by Get.
func (cp *ChannelPool) createReserved(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		cp.release()
		return nil, &ChannelError{Op: "create channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}
	ch, err := cp.createChannel()
	if err != nil {
		cp.release()
		return nil, err
	}
	return ch, nil
}

// cleanupIdle removes idle channels
func (cp *ChannelPool) cleanupIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-cp.done:
			return
		case <-ticker.C:
		}

		timeout := time.Now().Add(-cp.idleTimeout)
		var keep []*PooledChannel

	drainLoop:
		for {
			select {
			case ch := <-cp.channels:
				cp.mu.Lock()
				idle := ch.lastUsed.Before(timeout) && cp.activeCount > cp.minSize
				cp.mu.Unlock()
				if idle || ch.Channel.IsClosed() {
					_ = ch.Channel.Close()
					cp.release()
				} else {
					keep = append(keep, ch)
				}
			default:
				break drainLoop
			}
		}

		for _, ch := range keep {
			cp.Put(ch)
		}
	}
}

// Size returns the current number of channels in the pool
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	// Run function with panic recovery
	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				ch.Discard()
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}
