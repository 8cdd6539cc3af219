package kafka

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderEventType    = "x-event-type"
	HeaderEventVersion = "x-event-version"
	HeaderEventID      = "x-event-id"
	HeaderProducer     = "x-producer"
)

// NewMessage builds a record for topic with the standard headers and the trace context of ctx.
func NewMessage(ctx context.Context, topic string, key, value []byte, eventType, producer string) kafka.Message {
	m := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(eventType)},
			{Key: HeaderEventVersion, Value: []byte("1")},
			{Key: HeaderEventID, Value: []byte(uuid.NewString())},
			{Key: HeaderProducer, Value: []byte(producer)},
		},
	}
	InjectTrace(ctx, &m)
	return m
}

// HeaderValue returns the first header named key, or "".
func HeaderValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func InjectTrace(ctx context.Context, m *kafka.Message) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		m.Headers = append(m.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
}

// ExtractTrace connects the consumer span to the producer's trace.
func ExtractTrace(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
