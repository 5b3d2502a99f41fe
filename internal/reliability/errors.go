package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// Retry errors
	ErrInvalidPolicy = errors.New("retry: invalid policy")
)

// CircuitBreakerOpenError is returned when a call is rejected without running
// the protected operation. It is not counted as a breaker failure.
type CircuitBreakerOpenError struct {
	Name      string
	State     State
	Failures  int
	Threshold int
	OpenedAt  time.Time
	RetryAt   time.Time
}

func (e *CircuitBreakerOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %q half-open: trial call in progress", e.Name)
	}
	retryIn := time.Until(e.RetryAt).Round(time.Millisecond)
	if retryIn < 0 {
		retryIn = 0
	}
	return fmt.Sprintf("circuit breaker %q open: call blocked (failures=%d/%d, retry in %v)",
		e.Name, e.Failures, e.Threshold, retryIn)
}

// Is makes errors.Is(err, ErrCircuitOpen) match.
func (e *CircuitBreakerOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryError is returned by Retry once the strategy gives up.
type RetryError struct {
	Attempts  int
	LastError error
	Duration  time.Duration
	// Cancelled is set when the context ended during a backoff wait.
	Cancelled error
}

func (e *RetryError) Error() string {
	if e.Cancelled != nil {
		return fmt.Sprintf("retry cancelled after %d attempts over %v: %v (last error: %v)",
			e.Attempts, e.Duration.Round(time.Millisecond), e.Cancelled, e.LastError)
	}
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	if e.Cancelled != nil {
		return []error{e.LastError, e.Cancelled}
	}
	return []error{e.LastError}
}

// PermanentError marks a failure that must never be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent implements the classification interface.
func (e *PermanentError) Permanent() bool { return true }

// TemporaryError marks a failure that may succeed when retried.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string { return "temporary: " + e.Err.Error() }

func (e *TemporaryError) Unwrap() error { return e.Err }

// Temporary implements the classification interface.
func (e *TemporaryError) Temporary() bool { return true }

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Temporary wraps err as a TemporaryError. A nil err stays nil.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &TemporaryError{Err: err}
}

// IsPermanent reports whether any error in err's chain classifies itself as permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

// IsTemporary reports whether any error in err's chain classifies itself as temporary.
func IsTemporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

// IsRetryable reports whether a retry strategy may retry err.
// Unclassified errors are retryable; permanent and circuit-open errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return !IsPermanent(err)
}
