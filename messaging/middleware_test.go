package messaging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChrisGriffithPSU/research-agent/internal/reliability"
	"github.com/ChrisGriffithPSU/research-agent/monitor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := NewEnvelope(map[string]string{"url": "https://example.org"})
	require.NoError(t, err)
	return env
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, env *Envelope) error {
				order = append(order, name+">")
				err := next(ctx, env)
				order = append(order, "<"+name)
				return err
			}
		}
	}

	h := Chain(func(context.Context, *Envelope) error {
		order = append(order, "handler")
		return nil
	}, tag("a"), tag("b"))

	require.NoError(t, h(context.Background(), testEnvelope(t)))
	assert.Equal(t, []string{"a>", "b>", "handler", "<b", "<a"}, order)
}

func TestRecover(t *testing.T) {
	h := Recover(quietLogger())(func(context.Context, *Envelope) error {
		panic("nil map write")
	})

	err := h(context.Background(), testEnvelope(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map write")
	assert.True(t, reliability.IsTemporary(err), "a panic is redelivered, not dead-lettered")
	assert.False(t, reliability.IsPermanent(err))

	ok := Recover(quietLogger())(func(context.Context, *Envelope) error { return nil })
	assert.NoError(t, ok(context.Background(), testEnvelope(t)))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := withDelivery(context.Background(), DeliveryInfo{Queue: QueueDigestReady})
	env := testEnvelope(t)

	h := Logging(logger)(func(context.Context, *Envelope) error { return nil })
	require.NoError(t, h(ctx, env))
	assert.Contains(t, buf.String(), `"msg":"handler succeeded"`)
	assert.Contains(t, buf.String(), `"queue":"digest.ready"`)
	assert.Contains(t, buf.String(), env.CorrelationID)

	buf.Reset()
	boom := errors.New("boom")
	h = Logging(logger)(func(context.Context, *Envelope) error { return boom })
	assert.ErrorIs(t, h(ctx, env), boom)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"error":"boom"`)
}

func TestHandlerMetrics(t *testing.T) {
	collector := monitor.NewCollector()
	ctx := withDelivery(context.Background(), DeliveryInfo{Queue: QueueInsightsExtracted})

	ok := HandlerMetrics(collector)(func(context.Context, *Envelope) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})
	failing := HandlerMetrics(collector)(func(context.Context, *Envelope) error {
		return errors.New("boom")
	})

	require.NoError(t, ok(ctx, testEnvelope(t)))
	require.Error(t, failing(ctx, testEnvelope(t)))

	stats := collector.TimerStats("handler.insights.extracted")
	assert.Equal(t, int64(2), stats.Count)
	assert.Equal(t, int64(1), collector.Counter("handler.insights.extracted.failed"))
}

func TestTracing(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x0a},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), parent)
	ctx = withDelivery(ctx, DeliveryInfo{Queue: QueueContentDiscovered})

	var observed trace.SpanContext
	h := Tracing(otel.Tracer("test"))(func(ctx context.Context, env *Envelope) error {
		observed = trace.SpanContextFromContext(ctx)
		return nil
	})

	require.NoError(t, h(ctx, testEnvelope(t)))
	assert.Equal(t, parent.TraceID(), observed.TraceID(), "handler span continues the publisher's trace")

	boom := errors.New("boom")
	failing := Tracing(otel.Tracer("test"))(func(context.Context, *Envelope) error { return boom })
	assert.ErrorIs(t, failing(ctx, testEnvelope(t)), boom)
}

func TestDeliveryFromContext(t *testing.T) {
	_, ok := DeliveryFromContext(context.Background())
	assert.False(t, ok)

	info := DeliveryInfo{Queue: "q", DeliveryTag: 7, Redelivered: true}
	got, ok := DeliveryFromContext(withDelivery(context.Background(), info))
	assert.True(t, ok)
	assert.Equal(t, info, got)
}
