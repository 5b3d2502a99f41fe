package messaging

import (
	"time"

	"github.com/ChrisGriffithPSU/research-agent/monitor"
)

// Metrics is the part of *monitor.Collector the publisher and consumer write to.
type Metrics interface {
	Increment(name string)
	RecordTime(name string, d time.Duration)
	RecordError(dimension, kind string)
}

var _ Metrics = (*monitor.Collector)(nil)

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}
func (noopMetrics) RecordTime(string, time.Duration) {}
func (noopMetrics) RecordError(string, string) {}

// Dead-letter reasons, recorded as error kinds and in dlq.<queue>.<reason>.
const (
	ReasonInvalidEnvelope         = "invalid_envelope"
	ReasonPermanentError          = "permanent_error"
	ReasonMaxRedeliveriesExceeded = "max_redeliveries_exceeded"
)

// Publish error kinds.
const (
	KindCircuitOpen   = "circuit_open"
	KindPublishFailed = "publish_failed"
	KindInvalid       = "invalid_message"
)

// TimerPublish records the latency of every raw send attempt.
const TimerPublish = "publish.latency"

func publishedCounter(routingKey string) string { return monitor.CounterPublished + "." + routingKey }
func consumedCounter(queue string) string { return monitor.CounterConsumed + "." + queue }
func ackedCounter(queue string) string { return monitor.CounterAcked + "." + queue }
func dlqCounter(queue string) string { return monitor.CounterDLQ + "." + queue }
func requeuedCounter(queue string) string { return "nacked." + queue + ".requeued" }
func nackedDLQCounter(queue string) string { return "nacked." + queue + ".dlq" }
