package telemetry

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	kafkax "github.com/ariefcatur/go-order-saga/internal/kafka"
)

func TestSetup_PropagatesThroughKafkaHeaders(t *testing.T) {
	shutdown, err := Setup(context.Background(), "test", "")
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "produce")
	defer span.End()

	m := kafkax.NewMessage(ctx, "orders", []byte("k"), []byte("{}"), "OrderEvent", "test")
	assert.NotEmpty(t, kafkax.HeaderValue(m, "traceparent"))

	got := trace.SpanContextFromContext(kafkax.ExtractTrace(context.Background(), m.Headers))
	assert.Equal(t, span.SpanContext().TraceID(), got.TraceID())

	empty := trace.SpanContextFromContext(kafkax.ExtractTrace(context.Background(), []kafka.Header{}))
	assert.False(t, empty.IsValid())
}
