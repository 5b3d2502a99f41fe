package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
	"github.com/ChrisGriffithPSU/research-agent/internal/reliability"
)

var (
	ErrNoSubscriptions         = errors.New("messaging: no queue has a handler")
	ErrConsumerRunning         = errors.New("messaging: consumer already running")
	ErrConsumerNotRunning      = errors.New("messaging: consumer not running")
	ErrMaxRedeliveriesRequired = errors.New("messaging: max redeliveries must be positive")
	ErrInvalidSubscription     = errors.New("messaging: subscription needs a queue and a handler")
	ErrClientClosed            = errors.New("messaging: client closed")

	// ErrCircuitOpen matches every *CircuitBreakerOpenError.
	ErrCircuitOpen = reliability.ErrCircuitOpen
)

// Errors raised by the transport and reliability layers, re-exported so
// callers of this package can match them without importing internal packages.
type (
	ConnectionError         = rabbitmq.ConnectionError
	QueueError              = rabbitmq.QueueError
	CircuitBreakerOpenError = reliability.CircuitBreakerOpenError
	PermanentError          = reliability.PermanentError
	TemporaryError          = reliability.TemporaryError
)

// Permanent marks a handler error as not worth redelivering; the message is
// dead-lettered.
func Permanent(err error) error { return reliability.Permanent(err) }

// Temporary marks a handler error as transient; the message is redelivered
// until the queue's redelivery limit is reached.
func Temporary(err error) error { return reliability.Temporary(err) }

// PublishError is returned when a publish gave up after its retries.
type PublishError struct {
	Exchange      string
	RoutingKey    string
	CorrelationID string
	Attempts      int
	Err           error
	Timestamp     time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s/%s failed after %d attempts: %v",
		e.CorrelationID, e.Exchange, e.RoutingKey, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumeError is a failure of the consuming machinery rather than of a handler.
type ConsumeError struct {
	Queue         string
	CorrelationID string
	Op            string
	Err           error
	Timestamp     time.Time
}

func (e *ConsumeError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("consume %s on queue %s (message %s): %v", e.Op, e.Queue, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("consume %s on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumeError) Unwrap() error {
	return e.Err
}

// MessageValidationError reports a malformed envelope or payload. It is
// always permanent.
type MessageValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *MessageValidationError) Error() string {
	msg := "invalid message"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MessageValidationError) Unwrap() error {
	return e.Err
}

// Permanent implements the classification interface.
func (e *MessageValidationError) Permanent() bool { return true }
