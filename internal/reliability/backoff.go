package reliability

import (
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var errBackOffProbe = Temporary(errors.New("backoff probe"))

// BackOff adapts a Strategy to backoff.BackOff so it can drive backoff.Retry.
// Every call to NextBackOff counts as one failed attempt.
type BackOff struct {
	mu       sync.Mutex
	strategy Strategy
	attempt  int
}

var _ backoff.BackOff = (*BackOff)(nil)

// NewBackOff wraps strategy.
func NewBackOff(strategy Strategy) *BackOff {
	return &BackOff{strategy: strategy}
}

// NextBackOff implements backoff.BackOff
func (b *BackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempt++
	if !b.strategy.ShouldRetry(b.attempt, errBackOffProbe) {
		return backoff.Stop
	}
	return b.strategy.Backoff(b.attempt)
}

// Reset implements backoff.BackOff
func (b *BackOff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of failed attempts seen since the last Reset.
func (b *BackOff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
