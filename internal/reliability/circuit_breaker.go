package reliability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func stateFrom(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(from, to State, reason string)
}

// CircuitBreaker gates a protected operation on its recent failure history.
//
// It opens after failureThreshold consecutive failures, rejects every call
// while open, and lets exactly one trial call through once openTimeout has
// elapsed. The trial's outcome closes or reopens the circuit.
type CircuitBreaker struct {
	mu sync.RWMutex
	cb *gobreaker.TwoStepCircuitBreaker

	// Guarded by stateMu; written from gobreaker's state change hook.
	stateMu        sync.Mutex
	lastTransition time.Time
	openedAt       time.Time
	listeners      []StateChangeListener

	// Configuration
	name             string
	failureThreshold int
	timeout          time.Duration
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the number of consecutive failures that opens the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithTimeout sets how long the circuit stays open before a trial call
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if timeout > 0 {
			cb.timeout = timeout
		}
	}
}

// WithName sets the circuit breaker name for identification
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// NewCircuitBreaker creates a closed circuit breaker. Defaults: 3 failures, 60s open timeout.
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	b := &CircuitBreaker{
		name:             "default",
		failureThreshold: 3,
		timeout:          60 * time.Second,
		lastTransition:   time.Now(),
	}

	for _, opt := range options {
		opt(b)
	}

	b.cb = b.newBreaker()
	return b
}

func (b *CircuitBreaker) newBreaker() *gobreaker.TwoStepCircuitBreaker {
	threshold := uint32(b.failureThreshold)
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.transition(stateFrom(from), stateFrom(to))
		},
	})
}

func (b *CircuitBreaker) transition(from, to State) {
	now := time.Now()

	b.stateMu.Lock()
	b.lastTransition = now
	if to == StateOpen {
		b.openedAt = now
	}
	listeners := make([]StateChangeListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.stateMu.Unlock()

	reason := transitionReason(from, to)
	for _, listener := range listeners {
		go listener.OnStateChange(from, to, reason)
	}
}

func transitionReason(from, to State) string {
	switch {
	case from == StateClosed && to == StateOpen:
		return "failure threshold reached"
	case from == StateOpen && to == StateHalfOpen:
		return "open timeout elapsed"
	case from == StateHalfOpen && to == StateClosed:
		return "trial call succeeded"
	case from == StateHalfOpen && to == StateOpen:
		return "trial call failed"
	default:
		return "reset"
	}
}

// Execute runs fn with circuit breaker protection. While the circuit is open,
// or a half-open trial is already running, fn is not invoked and a
// *CircuitBreakerOpenError is returned.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	// Check context before execution
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	done, err := cb.Allow()
	if err != nil {
		return b.openError(cb)
	}

	defer func() {
		if e := recover(); e != nil {
			done(false)
			panic(e)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		done(true)
	case errors.Is(err, context.Canceled):
		// A cancelled call is left out of the closed-state counts. A cancelled
		// half-open trial proved nothing, so the circuit opens again.
		if cb.State() == gobreaker.StateHalfOpen {
			done(false)
		}
	default:
		done(false)
	}
	return err
}

// Call is Execute for operations that return a value.
func Call[T any](ctx context.Context, b *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (b *CircuitBreaker) openError(cb *gobreaker.TwoStepCircuitBreaker) error {
	state := stateFrom(cb.State())

	b.stateMu.Lock()
	openedAt := b.openedAt
	b.stateMu.Unlock()

	failures := b.failureThreshold
	if state == StateClosed {
		failures = int(cb.Counts().ConsecutiveFailures)
	}
	return &CircuitBreakerOpenError{
		Name:      b.name,
		State:     state,
		Failures:  failures,
		Threshold: b.failureThreshold,
		OpenedAt:  openedAt,
		RetryAt:   openedAt.Add(b.timeout),
	}
}

// GetState returns the current state. An open circuit whose timeout has
// elapsed reports half-open.
func (b *CircuitBreaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return stateFrom(b.cb.State())
}

// ConsecutiveFailures returns the failure count of the current closed period.
func (b *CircuitBreaker) ConsecutiveFailures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.cb.Counts().ConsecutiveFailures)
}

// LastTransition returns when the breaker last changed state.
func (b *CircuitBreaker) LastTransition() time.Time {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.lastTransition
}

// Reset forces the breaker back to closed with cleared counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := stateFrom(b.cb.State())
	b.cb = b.newBreaker()
	b.mu.Unlock()

	if from != StateClosed {
		b.transition(from, StateClosed)
	}
}

// AddListener adds a state change listener
func (b *CircuitBreaker) AddListener(listener StateChangeListener) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.listeners = append(b.listeners, listener)
}

// GetMetrics returns circuit breaker metrics
func (b *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	b.mu.RLock()
	state := stateFrom(b.cb.State())
	counts := b.cb.Counts()
	b.mu.RUnlock()

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	return CircuitBreakerMetrics{
		Name:                b.name,
		State:               state,
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		TotalSuccesses:      counts.TotalSuccesses,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		FailureThreshold:    b.failureThreshold,
		OpenTimeout:         b.timeout,
		LastTransition:      b.lastTransition,
		Timestamp:           time.Now(),
	}
}

// CircuitBreakerMetrics represents circuit breaker metrics. Counts cover the
// current state only; they are cleared on every transition.
type CircuitBreakerMetrics struct {
	Name                string        `json:"name"`
	State               State         `json:"-"`
	Requests            uint32        `json:"requests"`
	TotalFailures       uint32        `json:"total_failures"`
	TotalSuccesses      uint32        `json:"total_successes"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	FailureThreshold    int           `json:"failure_threshold"`
	OpenTimeout         time.Duration `json:"open_timeout"`
	LastTransition      time.Time     `json:"last_transition"`
	Timestamp           time.Time     `json:"timestamp"`
}
