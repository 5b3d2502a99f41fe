package messaging

import (
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// AMQP headers written on redelivery and by the broker on dead-lettering.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderFailureReason = "x-failure-reason"

	HeaderFirstDeathQueue    = "x-first-death-queue"
	HeaderFirstDeathReason   = "x-first-death-reason"
	HeaderFirstDeathExchange = "x-first-death-exchange"

	maxFailureReasonBytes = 256
)

// DeathInfo describes why a message reached a dead-letter queue.
type DeathInfo struct {
	Queue    string
	Reason   string
	Exchange string
	// RetryCount and FailureReason are the last redelivery bookkeeping, if any.
	RetryCount    int
	FailureReason string
}

// DeathInfoFrom reads the dead-letter headers. ok is false when the message
// was never dead-lettered.
func DeathInfoFrom(headers amqp.Table) (info DeathInfo, ok bool) {
	info.Queue, ok = headers[HeaderFirstDeathQueue].(string)
	if !ok {
		return DeathInfo{}, false
	}
	info.Reason, _ = headers[HeaderFirstDeathReason].(string)
	info.Exchange, _ = headers[HeaderFirstDeathExchange].(string)
	info.RetryCount, _ = headerInt(headers, HeaderRetryCount)
	info.FailureReason, _ = headers[HeaderFailureReason].(string)
	return info, true
}

func headerInt(headers amqp.Table, key string) (int, bool) {
	switch v := headers[key].(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	default:
		return 0, false
	}
}

// truncateReason cuts s to at most 256 bytes without splitting a rune.
func truncateReason(s string) string {
	if len(s) <= maxFailureReasonBytes {
		return s
	}
	cut := maxFailureReasonBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// headerCarrier adapts AMQP headers for trace context propagation.
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
