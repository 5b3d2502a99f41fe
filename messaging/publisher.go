package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
	"github.com/ChrisGriffithPSU/research-agent/internal/reliability"
	"github.com/ChrisGriffithPSU/research-agent/monitor"
)

const tracerName = "github.com/ChrisGriffithPSU/research-agent/messaging"

// Sender performs one confirmed send; *rabbitmq.Publisher implements it.
type Sender interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

var _ Sender = (*rabbitmq.Publisher)(nil)

// Prober answers a connectivity probe; *rabbitmq.ConnectionManager implements it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Publisher publishes envelopes to the primary exchange. Each publish runs
// through the circuit breaker, which wraps the retry strategy, which wraps a
// single confirmed send.
type Publisher struct {
	sender   Sender
	exchange string
	strategy reliability.Strategy
	breaker  *reliability.CircuitBreaker
	metrics  Metrics
	logger   *slog.Logger
	probe    Prober
	tracer   trace.Tracer
}

// PublisherOption configures the Publisher
type PublisherOption func(*Publisher)

// WithExchange sets the exchange envelopes are published to
func WithExchange(exchange string) PublisherOption {
	return func(p *Publisher) {
		p.exchange = exchange
	}
}

// WithRetryStrategy sets the retry strategy
func WithRetryStrategy(strategy reliability.Strategy) PublisherOption {
	return func(p *Publisher) {
		p.strategy = strategy
	}
}

// WithCircuitBreaker sets the circuit breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) PublisherOption {
	return func(p *Publisher) {
		p.breaker = cb
	}
}

// WithPublisherMetrics sets the metrics sink
func WithPublisherMetrics(m Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithHealthProbe sets what HealthCheck pings
func WithHealthProbe(probe Prober) PublisherOption {
	return func(p *Publisher) {
		p.probe = probe
	}
}

// WithTracer sets the tracer publish spans are started on
func WithTracer(tracer trace.Tracer) PublisherOption {
	return func(p *Publisher) {
		p.tracer = tracer
	}
}

// NewPublisher creates a publisher. Defaults: exchange "researcher", three
// attempts with exponential backoff from 1s, a breaker opening after three
// consecutive failed publishes for 60s.
func NewPublisher(sender Sender, options ...PublisherOption) *Publisher {
	p := &Publisher{
		sender:   sender,
		exchange: rabbitmq.DefaultExchange,
		strategy: &reliability.ExponentialBackoff{
			BaseDelay:   time.Second,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 3,
			Jitter:      reliability.DefaultJitter,
		},
		metrics: noopMetrics{},
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.breaker == nil {
		p.breaker = reliability.NewCircuitBreaker(reliability.WithName("publisher"))
	}
	return p
}

// Publish sends env to the primary exchange under routingKey and returns once
// the broker confirmed it. A missing correlation id or timestamp is filled in
// on env. While the breaker is open a *CircuitBreakerOpenError is returned
// without a send; when the retries run out the error is a *PublishError.
func (p *Publisher) Publish(ctx context.Context, env *Envelope, routingKey string) error {
	p.metrics.Increment(monitor.CounterOperations)

	if env == nil || routingKey == "" {
		err := &MessageValidationError{Reason: "publish needs an envelope and a routing key"}
		p.recordFailure(routingKey, KindInvalid)
		return err
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}

	body, err := env.Encode()
	if err != nil {
		p.recordFailure(routingKey, KindInvalid)
		return err
	}

	ctx, span := p.tracer.Start(ctx, "Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", p.exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		attribute.String("messaging.message.conversation_id", env.CorrelationID),
	)

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))
	if env.RetryCount > 0 {
		headers[HeaderRetryCount] = int32(env.RetryCount)
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.CreatedAt,
		Body:          body,
	}

	attempts, err := p.send(ctx, routingKey, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if errors.Is(err, ErrCircuitOpen) {
			p.recordFailure(routingKey, KindCircuitOpen)
			p.logger.Warn("publish rejected by open circuit",
				"routingKey", routingKey,
				"correlationId", env.CorrelationID)
			return err
		}

		p.recordFailure(routingKey, KindPublishFailed)
		p.logger.Error("failed to publish message",
			"exchange", p.exchange,
			"routingKey", routingKey,
			"correlationId", env.CorrelationID,
			"attempts", attempts,
			"error", err)
		return &PublishError{
			Exchange:      p.exchange,
			RoutingKey:    routingKey,
			CorrelationID: env.CorrelationID,
			Attempts:      attempts,
			Err:           err,
			Timestamp:     time.Now(),
		}
	}

	p.metrics.Increment(monitor.CounterPublished)
	p.metrics.Increment(publishedCounter(routingKey))
	p.logger.Debug("message published",
		"routingKey", routingKey,
		"correlationId", env.CorrelationID,
		"attempts", attempts)
	return nil
}

func (p *Publisher) send(ctx context.Context, routingKey string, msg amqp.Publishing) (int, error) {
	attempts := 0
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return reliability.Retry(ctx, p.strategy, func(ctx context.Context) error {
			attempts++
			start := time.Now()
			err := p.sender.Publish(ctx, p.exchange, routingKey, msg)
			p.metrics.RecordTime(TimerPublish, time.Since(start))
			if err != nil {
				p.logger.Debug("publish attempt failed",
					"routingKey", routingKey,
					"attempt", attempts,
					"error", err)
			}
			return err
		})
	})
	return attempts, err
}

func (p *Publisher) recordFailure(routingKey, kind string) {
	p.metrics.Increment(monitor.CounterErrors)
	p.metrics.RecordError(routingKey, kind)
}

// HealthCheck probes connectivity without publishing anything. It also fails
// while the circuit is open.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if m := p.breaker.GetMetrics(); m.State == reliability.StateOpen {
		return &CircuitBreakerOpenError{
			Name:      m.Name,
			State:     m.State,
			Failures:  m.FailureThreshold,
			Threshold: m.FailureThreshold,
			OpenedAt:  m.LastTransition,
			RetryAt:   m.LastTransition.Add(m.OpenTimeout),
		}
	}
	if p.probe == nil {
		return nil
	}
	return p.probe.Ping(ctx)
}

// CircuitState returns the breaker state.
func (p *Publisher) CircuitState() reliability.State {
	return p.breaker.GetState()
}

// ResetCircuitBreaker closes the circuit and clears its failure count.
func (p *Publisher) ResetCircuitBreaker() {
	p.breaker.Reset()
	p.logger.Info("publisher circuit breaker reset")
}
