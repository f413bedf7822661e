package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestPublisher(t *testing.T, pool *producerPool, opts ...KafkaPublisherOption) (*KafkaPublisher, *sleepRecorder) {
	t.Helper()
	opts = append([]KafkaPublisherOption{WithKafkaProducerFactory(pool.factory)}, opts...)
	p, err := NewKafkaPublisher(zap.NewNop(), opts...)
	require.NoError(t, err)

	rec := &sleepRecorder{}
	p.sleep = rec.sleep
	t.Cleanup(func() { p.Close() })
	return p, rec
}

func testEvent() EventRecord {
	return EventRecord{
		ID:        "2f7e4c1a-5d0b-4b53-9a44-0d7c6c1d7a10",
		EventType: "new-order",
		Payload:   []byte(`{"event":"new-order"}`),
	}
}

func TestNopPublisher(t *testing.T) {
	publisher := NewNopPublisher()
	assert.NotNil(t, publisher)
	err := publisher.Publish(context.Background(), EventRecord{})
	assert.NoError(t, err)
	err = publisher.Close()
	assert.NoError(t, err)
}

func TestKafkaPublisherOptions(t *testing.T) {
	p := &KafkaPublisher{
		logger:        zap.NewNop(),
		producerProps: make(kafka.ConfigMap),
	}

	WithKafkaTopic("my-topic")(p)
	WithKafkaProducerProps(kafka.ConfigMap{"acks": "1"})(p)
	WithKafkaHeaderBuilder(func(record EventRecord) []kafka.Header { return nil })(p)
	WithKafkaRetries(5)(p)
	WithKafkaBackoff(FixedBackoff(time.Second))(p)
	WithKafkaPublishTimeout(time.Second)(p)
	WithKafkaMetrics(nil)(p)

	assert.Equal(t, "my-topic", p.topic)
	assert.Equal(t, "1", p.producerProps["acks"])
	assert.NotNil(t, p.headerBuilder)
	assert.Equal(t, 5, p.retries)
	assert.Equal(t, time.Second, p.backoff.Delay(3))
	assert.Equal(t, time.Second, p.publishTimeout)
	assert.NotNil(t, p.metrics)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	_, err := NewKafkaPublisher(zap.NewNop(), WithKafkaRetries(0))
	assert.Error(t, err)

	_, err = NewKafkaPublisher(zap.NewNop(), WithKafkaTopic(""))
	assert.Error(t, err)
}

func TestKafkaPublisher_DefaultProps(t *testing.T) {
	pool := &producerPool{}
	p, _ := newTestPublisher(t, pool)
	assert.Equal(t, "all", p.producerProps["acks"])
	assert.Equal(t, true, p.producerProps["enable.idempotence"])
	assert.Empty(t, pool.created(), "producer is created lazily")
}

func TestKafkaPublisher_PublishSuccess(t *testing.T) {
	pool := &producerPool{}
	p, sleeps := newTestPublisher(t, pool, WithKafkaTopic("orders"))
	event := testEvent()

	require.NoError(t, p.Publish(context.Background(), event))
	require.NoError(t, p.Publish(context.Background(), event))

	assert.Len(t, pool.created(), 1, "healthy producer is reused")
	assert.Empty(t, sleeps.delays)

	msgs := pool.produced()
	require.Len(t, msgs, 2)
	msg := msgs[0]
	assert.Equal(t, "orders", *msg.TopicPartition.Topic)
	assert.Equal(t, []byte(event.ID), msg.Key)
	assert.Equal(t, event.Payload, msg.Value)

	carrier := NewHeaderCarrier(&msg.Headers)
	assert.Equal(t, event.ID, carrier.Get(HeaderMessageID))
	assert.Equal(t, "new-order", carrier.Get(HeaderEventType))
	assert.Equal(t, "application/json", carrier.Get(HeaderContentType))
}

func TestKafkaPublisher_RetriesWithBackoffAndReconnect(t *testing.T) {
	pool := &producerPool{}
	pool.setFail(func(*kafka.Message) error { return kafka.NewError(kafka.ErrTransport, "broker down", false) })
	p, sleeps := newTestPublisher(t, pool)

	err := p.Publish(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")

	var kerr kafka.Error
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, kafka.ErrTransport, kerr.Code())

	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeps.delays,
		"sleeps only between attempts")

	created := pool.created()
	require.Len(t, created, 3, "each attempt runs on a fresh producer")
	for _, fp := range created {
		assert.True(t, fp.closed, "failed producer is torn down")
	}
}

func TestKafkaPublisher_RecoversOnLaterAttempt(t *testing.T) {
	pool := &producerPool{}
	calls := 0
	pool.setFail(func(*kafka.Message) error {
		calls++
		if calls == 1 {
			return errors.New("connection reset")
		}
		return nil
	})
	p, sleeps := newTestPublisher(t, pool)

	require.NoError(t, p.Publish(context.Background(), testEvent()))
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, sleeps.delays)
	assert.Len(t, pool.created(), 2)
	assert.Len(t, pool.produced(), 1)
}

func TestKafkaPublisher_ContextCancelledDuringBackoff(t *testing.T) {
	pool := &producerPool{}
	pool.setFail(func(*kafka.Message) error { return errors.New("boom") })
	p, err := NewKafkaPublisher(zap.NewNop(), WithKafkaProducerFactory(pool.factory))
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	err = p.Publish(ctx, testEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, pool.created(), 1)
}

func TestKafkaPublisher_InjectsTraceContext(t *testing.T) {
	pool := &producerPool{}
	p, _ := newTestPublisher(t, pool, WithKafkaPropagator(propagation.TraceContext{}))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	require.NoError(t, p.Publish(ctx, testEvent()))
	msgs := pool.produced()
	require.Len(t, msgs, 1)

	carrier := NewHeaderCarrier(&msgs[0].Headers)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))

	extracted := trace.SpanContextFromContext(propagation.TraceContext{}.Extract(context.Background(), carrier))
	assert.Equal(t, traceID, extracted.TraceID())
}

func TestKafkaPublisher_CloseIsIdempotent(t *testing.T) {
	pool := &producerPool{}
	p, _ := newTestPublisher(t, pool)
	require.NoError(t, p.Publish(context.Background(), testEvent()))

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())

	created := pool.created()
	require.Len(t, created, 1)
	assert.True(t, created[0].closed)
	assert.Equal(t, 1, created[0].flushed)

	err := p.Publish(context.Background(), testEvent())
	assert.ErrorIs(t, err, ErrPublisherClosed)
	assert.Len(t, pool.created(), 1, "closed publisher does not reconnect")
}

func TestKafkaPublisher_CloseWithoutProducer(t *testing.T) {
	pool := &producerPool{}
	p, _ := newTestPublisher(t, pool)
	assert.NoError(t, p.Close())
	assert.Empty(t, pool.created())
}

func TestBuildKafkaHeaders(t *testing.T) {
	headers := buildKafkaHeaders(testEvent())

	expected := map[string]string{
		"message_id":   "2f7e4c1a-5d0b-4b53-9a44-0d7c6c1d7a10",
		"event_type":   "new-order",
		"content_type": "application/json",
	}
	assert.Equal(t, len(expected), len(headers))
	for _, header := range headers {
		expectedValue, exists := expected[header.Key]
		require.True(t, exists, "Unexpected header key: %s", header.Key)
		assert.Equal(t, expectedValue, string(header.Value), "Header value mismatch for key %s", header.Key)
	}
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var headers []kafka.Header
	c := NewHeaderCarrier(&headers)
	c.Set("k", "1")
	c.Set("k", "2")
	assert.Equal(t, "2", c.Get("k"))
	assert.Equal(t, []string{"k"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Base: 500 * time.Millisecond, Max: 3 * time.Second}
	assert.Equal(t, 500*time.Millisecond, b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))
	assert.Equal(t, 2*time.Second, b.Delay(3))
	assert.Equal(t, 3*time.Second, b.Delay(4))
	assert.Equal(t, 500*time.Millisecond, b.Delay(0))
}
