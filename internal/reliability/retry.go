package reliability

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// DefaultJitter is the jitter fraction applied by ExponentialBackoff when none is configured.
const DefaultJitter = 0.2

// Strategy decides whether a failed attempt is retried and how long to wait first.
// Attempts are numbered from 1: attempt n is the n-th call that failed.
type Strategy interface {
	// ShouldRetry reports whether another attempt may follow the failed attempt n.
	ShouldRetry(attempt int, err error) bool
	// Backoff returns the wait before the attempt following attempt n.
	Backoff(attempt int) time.Duration
}

// Kind selects a Strategy implementation from configuration.
type Kind string

const (
	KindExponential Kind = "exponential"
	KindLinear      Kind = "linear"
	KindNone        Kind = "none"
)

// Policy is the immutable configuration a Strategy is built from.
type Policy struct {
	Kind        Kind
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Increment is only used by linear backoff.
	Increment time.Duration
	// Jitter is the fraction of the delay to perturb by, in both directions.
	// Zero selects DefaultJitter for exponential backoff; a negative value disables it.
	Jitter float64
}

// NewStrategy returns the Strategy described by p.
func NewStrategy(p Policy) (Strategy, error) {
	if p.Kind != KindNone && p.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.Increment < 0 {
		return nil, fmt.Errorf("%w: delays must not be negative", ErrInvalidPolicy)
	}

	switch p.Kind {
	case KindExponential, "":
		jitter := p.Jitter
		switch {
		case jitter == 0:
			jitter = DefaultJitter
		case jitter < 0:
			jitter = 0
		case jitter >= 1:
			return nil, fmt.Errorf("%w: jitter must be below 1, got %v", ErrInvalidPolicy, jitter)
		}
		return &ExponentialBackoff{
			BaseDelay:   p.BaseDelay,
			MaxDelay:    p.MaxDelay,
			MaxAttempts: p.MaxAttempts,
			Jitter:      jitter,
		}, nil
	case KindLinear:
		return &LinearBackoff{
			BaseDelay:   p.BaseDelay,
			Increment:   p.Increment,
			MaxDelay:    p.MaxDelay,
			MaxAttempts: p.MaxAttempts,
		}, nil
	case KindNone:
		return NoRetry{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, p.Kind)
	}
}

// ExponentialBackoff doubles the delay on every attempt, capped at MaxDelay, with uniform jitter.
type ExponentialBackoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64
}

// ShouldRetry implements Strategy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) bool {
	return attempt < e.MaxAttempts && IsRetryable(err)
}

// Backoff implements Strategy
func (e *ExponentialBackoff) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}

	if e.Jitter > 0 {
		delay += delay * e.Jitter * (rand.Float64()*2 - 1)
	}

	// Jitter may push the delay back over the cap.
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}
	return time.Duration(delay)
}

// LinearBackoff grows the delay by a fixed increment per attempt, without jitter.
type LinearBackoff struct {
	BaseDelay   time.Duration
	Increment   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// ShouldRetry implements Strategy
func (l *LinearBackoff) ShouldRetry(attempt int, err error) bool {
	return attempt < l.MaxAttempts && IsRetryable(err)
}

// Backoff implements Strategy
func (l *LinearBackoff) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := l.BaseDelay + l.Increment*time.Duration(attempt-1)
	if delay > l.MaxDelay {
		delay = l.MaxDelay
	}
	return delay
}

// NoRetry never retries.
type NoRetry struct{}

// ShouldRetry implements Strategy
func (NoRetry) ShouldRetry(int, error) bool { return false }

// Backoff implements Strategy
func (NoRetry) Backoff(int) time.Duration { return 0 }

// Retry calls fn until it succeeds, the strategy gives up, or ctx is done.
// Waiting only blocks the calling goroutine. When the strategy gives up the
// returned *RetryError wraps the last error.
func Retry(ctx context.Context, strategy Strategy, fn func(ctx context.Context) error) error {
	start := time.Now()

	for attempt := 1; ; attempt++ {
		// Check context
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !strategy.ShouldRetry(attempt, err) {
			return &RetryError{
				Attempts:  attempt,
				LastError: err,
				Duration:  time.Since(start),
			}
		}

		timer := time.NewTimer(strategy.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{
				Attempts:  attempt,
				LastError: err,
				Duration:  time.Since(start),
				Cancelled: ctx.Err(),
			}
		}
	}
}
