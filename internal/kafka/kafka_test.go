package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs)+1)}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kafka.Message(nil), r.committed...)
}

func noRetry(n uint64) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, n) }
}

func runConsumer(t *testing.T, r *fakeReader, workers int, h Handler, want int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumerWithReader(r, "orders", workers, nil, WithHandlerRetry(noRetry(2)))

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, h) }()

	require.Eventually(t, func() bool { return len(r.commits()) == want }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_PartitionOrderPreserved(t *testing.T) {
	var msgs []kafka.Message
	for off := int64(0); off < 20; off++ {
		msgs = append(msgs, kafka.Message{Partition: int(off % 2), Offset: off})
	}
	r := newFakeReader(msgs...)

	var mu sync.Mutex
	seen := map[int][]int64{}
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen[m.Partition] = append(seen[m.Partition], m.Offset)
		return nil
	}

	runConsumer(t, r, 3, h, len(msgs))

	mu.Lock()
	defer mu.Unlock()
	for p, offsets := range seen {
		for i := 1; i < len(offsets); i++ {
			assert.Less(t, offsets[i-1], offsets[i], "partition %d out of order", p)
		}
	}
	assert.True(t, r.closed)
}

func TestConsumer_PermanentErrorSkipsWithoutRetry(t *testing.T) {
	r := newFakeReader(kafka.Message{Value: []byte("garbage")}, kafka.Message{Offset: 1, Value: []byte("ok")})

	var mu sync.Mutex
	calls := 0
	h := func(_ context.Context, m kafka.Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if string(m.Value) == "garbage" {
			return Permanent(errors.New("undecodable"))
		}
		return nil
	}

	runConsumer(t, r, 1, h, 2)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestIsPermanent(t *testing.T) {
	cause := errors.New("undecodable")
	assert.True(t, IsPermanent(Permanent(cause)))
	assert.True(t, IsPermanent(fmt.Errorf("handle: %w", Permanent(cause))))
	assert.False(t, IsPermanent(cause))
	assert.False(t, IsPermanent(nil))
}

func TestConsumer_TransientErrorRetriedThenSkipped(t *testing.T) {
	r := newFakeReader(kafka.Message{Value: []byte("x")})

	var mu sync.Mutex
	calls := 0
	h := func(context.Context, kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("db down")
	}

	runConsumer(t, r, 1, h, 1)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
}

func TestConsumer_PanicDoesNotKillWorker(t *testing.T) {
	r := newFakeReader(kafka.Message{Offset: 0}, kafka.Message{Offset: 1})
	h := func(_ context.Context, m kafka.Message) error {
		if m.Offset == 0 {
			panic("boom")
		}
		return nil
	}
	runConsumer(t, r, 1, h, 2)
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestProducer_SendRetries(t *testing.T) {
	w := &fakeWriter{failures: 2}
	p := NewProducerWithWriter(w, 1, nil, WithRetry(noRetry(3)))

	err := p.Send(context.Background(), kafka.Message{Topic: "orders", Value: []byte("v")})
	require.NoError(t, err)
	assert.Len(t, w.written, 1)
}

func TestProducer_SendGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 10}
	p := NewProducerWithWriter(w, 1, nil, WithRetry(noRetry(1)))

	err := p.Send(context.Background(), kafka.Message{Topic: "orders"})
	assert.Error(t, err)
	assert.Empty(t, w.written)
}

func TestProducer_PublishFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, 8, nil, WithRetry(noRetry(0)))
	p.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Publish(kafka.Message{Topic: "inventory-analytics"}))
	}
	p.Close()
	p.WaitClosed()

	assert.Len(t, w.written, 5)
	assert.True(t, w.closed)
	assert.ErrorIs(t, p.Publish(kafka.Message{}), ErrProducerClosed)
}

func TestNewMessageHeaders(t *testing.T) {
	m := NewMessage(context.Background(), "orders", []byte("o-1"), []byte("{}"), "OrderCreated", "order-api")
	assert.Equal(t, "orders", m.Topic)
	assert.Equal(t, "OrderCreated", HeaderValue(m, HeaderEventType))
	assert.NotEmpty(t, HeaderValue(m, HeaderEventID))
	assert.Equal(t, "", HeaderValue(m, "missing"))
}
