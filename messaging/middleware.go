package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one envelope. Returning nil acks the message; an error
// marked Permanent dead-letters it; any other error redelivers it.
type Handler func(ctx context.Context, env *Envelope) error

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// Chain wraps h so that the first middleware is the outermost.
func Chain(h Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// DeliveryInfo describes the delivery an envelope arrived in.
type DeliveryInfo struct {
	Queue       string
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Headers     amqp.Table
}

// Death returns the dead-letter headers of the delivery, if any.
func (d DeliveryInfo) Death() (DeathInfo, bool) {
	return DeathInfoFrom(d.Headers)
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, info DeliveryInfo) context.Context {
	return context.WithValue(ctx, deliveryKey{}, info)
}

// DeliveryFromContext returns the delivery being handled.
func DeliveryFromContext(ctx context.Context) (DeliveryInfo, bool) {
	info, ok := ctx.Value(deliveryKey{}).(DeliveryInfo)
	return info, ok
}

// Recover turns a handler panic into a Temporary error so the message is
// redelivered instead of crashing the consumer.
func Recover(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						"correlationId", env.CorrelationID,
						"panic", r,
						"stack", string(debug.Stack()))
					err = Temporary(fmt.Errorf("handler panic: %v", r))
				}
			}()
			return next(ctx, env)
		}
	}
}

// Logging logs every handled message at debug level and failures at warn.
func Logging(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			start := time.Now()
			err := next(ctx, env)

			info, _ := DeliveryFromContext(ctx)
			attrs := []any{
				"queue", info.Queue,
				"correlationId", env.CorrelationID,
				"retryCount", env.RetryCount,
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Warn("handler failed", append(attrs, "error", err)...)
				return err
			}
			logger.Debug("handler succeeded", attrs...)
			return nil
		}
	}
}

// HandlerMetrics records handler latency as handler.<queue> and failures as
// handler.<queue>.failed.
func HandlerMetrics(m Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			info, _ := DeliveryFromContext(ctx)
			name := "handler." + info.Queue

			start := time.Now()
			err := next(ctx, env)
			m.RecordTime(name, time.Since(start))
			if err != nil {
				m.Increment(name + ".failed")
			}
			return err
		}
	}
}

// Tracing runs the handler inside a consumer span. The span is a child of the
// trace context the publisher injected into the message headers.
func Tracing(tracer trace.Tracer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) error {
			info, _ := DeliveryFromContext(ctx)
			ctx, span := tracer.Start(ctx, "ProcessMessage", trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()

			span.SetAttributes(
				attribute.String("messaging.system", "rabbitmq"),
				attribute.String("messaging.destination.name", info.Queue),
				attribute.String("messaging.message.conversation_id", env.CorrelationID),
				attribute.Int("messaging.retry_count", env.RetryCount),
			)

			err := next(ctx, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}
