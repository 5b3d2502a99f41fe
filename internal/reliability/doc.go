// Package reliability provides the failure policies shared by the publisher,
// the consumer and the connection manager.
//
// This package implements:
//   - Retry strategies: exponential backoff with uniform jitter, linear backoff, and no retry,
//     selected from configuration with NewStrategy
//   - Circuit Breaker: fast-fails calls after consecutive failures and probes for recovery
//     with a single trial call
//   - Error classification: Permanent and Temporary wrappers that decide between
//     dead-lettering and redelivery
//
// Example usage:
//
//	strategy, err := NewStrategy(Policy{
//	    Kind:        KindExponential,
//	    MaxAttempts: 3,
//	    BaseDelay:   time.Second,
//	    MaxDelay:    time.Minute,
//	})
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(3),
//	    WithTimeout(60 * time.Second),
//	)
//
//	err = cb.Execute(ctx, func(ctx context.Context) error {
//	    return Retry(ctx, strategy, send)
//	})
package reliability
