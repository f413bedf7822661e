package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/metrics"
)

const (
	defaultTopic          = "new-orders"
	defaultPublishRetries = 3
	defaultPublishTimeout = 5 * time.Second
	defaultFlushTimeoutMs = 15 * 1000
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// Publisher delivers outbox events to the broker.
type Publisher interface {
	Publish(ctx context.Context, event EventRecord) error
	Close() error
}

// KafkaHeaderBuilder defines a function type for building Kafka message headers from an EventRecord.
type KafkaHeaderBuilder func(record EventRecord) []kafka.Header

// Producer is the subset of *kafka.Producer used by KafkaPublisher.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// ProducerFactory creates a producer from librdkafka properties.
type ProducerFactory func(props kafka.ConfigMap) (Producer, error)

func newConfluentProducer(props kafka.ConfigMap) (Producer, error) {
	producer, err := kafka.NewProducer(&props)
	if err != nil {
		return nil, err
	}
	return producer, nil
}

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish implements the Publisher interface.
func (p *NopPublisher) Publish(_ context.Context, _ EventRecord) error {
	return nil
}

// Close implements the Publisher interface.
func (p *NopPublisher) Close() error {
	return nil
}

// KafkaPublisher sends events to a Kafka topic and waits for the delivery report.
//
// A failed attempt tears the producer down; the next attempt creates a fresh one.
// Attempts are separated by the backoff strategy's delay, and the last error is
// returned once all attempts are used.
type KafkaPublisher struct {
	logger         *zap.Logger
	metrics        metrics.Collector
	producerProps  kafka.ConfigMap
	topic          string
	headerBuilder  KafkaHeaderBuilder
	newProducer    ProducerFactory
	propagator     propagation.TextMapPropagator
	retries        int
	backoff        BackoffStrategy
	publishTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error

	// mu is held for reading while a producer is in use and for writing when it
	// is replaced or closed.
	mu       sync.RWMutex
	producer Producer
	closed   bool
}

// NewKafkaPublisher creates a new KafkaPublisher with functional options.
// The producer itself is created on first publish.
func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger:  logger,
		metrics: metrics.NewNopCollector(),
		producerProps: kafka.ConfigMap{
			// Default producer properties
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		topic:          defaultTopic,
		headerBuilder:  buildKafkaHeaders,
		newProducer:    newConfluentProducer,
		propagator:     otel.GetTextMapPropagator(),
		retries:        defaultPublishRetries,
		backoff:        DefaultBackoffStrategy(),
		publishTimeout: defaultPublishTimeout,
		sleep:          sleepContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.retries < 1 {
		return nil, fmt.Errorf("publish retries must be positive, got %d", p.retries)
	}
	if p.topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	return p, nil
}

// Publish sends the event and blocks until the broker acknowledges it.
func (p *KafkaPublisher) Publish(ctx context.Context, event EventRecord) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("topic", p.topic),
	}
	tags := map[string]string{"event_type": event.EventType}
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= p.retries; attempt++ {
		if attempt > 1 {
			delay := p.backoff.Delay(attempt - 1)
			p.logger.Warn("Retrying publish",
				append(fields, zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))...)
			p.metrics.IncrementCounter("publisher.retry", tags)
			if err := p.sleep(ctx, delay); err != nil {
				return fmt.Errorf("publish of event %s interrupted: %w", event.ID, errors.Join(err, lastErr))
			}
		}

		lastErr = p.publishOnce(ctx, event)
		if lastErr == nil {
			p.metrics.IncrementCounter("publisher.published", tags)
			p.metrics.RecordDuration("publisher.publish_duration", time.Since(start), tags)
			p.logger.Debug("Event published", append(fields, zap.Int("attempt", attempt))...)
			return nil
		}
		if errors.Is(lastErr, ErrPublisherClosed) {
			return lastErr
		}
	}

	p.metrics.IncrementCounter("publisher.failed", tags)
	return fmt.Errorf("failed to publish event %s after %d attempts: %w", event.ID, p.retries, lastErr)
}

func (p *KafkaPublisher) publishOnce(ctx context.Context, event EventRecord) error {
	producer, release, err := p.acquire()
	if err != nil {
		return err
	}

	err = p.produce(ctx, producer, event)
	release()
	if err != nil {
		p.reset(producer)
	}
	return err
}

func (p *KafkaPublisher) produce(ctx context.Context, producer Producer, event EventRecord) error {
	if p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	topic := p.topic
	headers := p.headerBuilder(event)
	p.propagator.Inject(ctx, NewHeaderCarrier(&headers))

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.ID),
		Value:          event.Payload,
		Headers:        headers,
		Timestamp:      time.Now(),
	}

	delivery := make(chan kafka.Event, 1)
	if err := producer.Produce(message, delivery); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for delivery report: %w", ctx.Err())
	case e := <-delivery:
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				return fmt.Errorf("delivery failed: %w", ev.TopicPartition.Error)
			}
			return nil
		case kafka.Error:
			return fmt.Errorf("delivery failed: %w", ev)
		default:
			return fmt.Errorf("unexpected delivery event: %v", e)
		}
	}
}

// acquire returns the current producer, creating one if needed, with the read
// lock held. The caller must call release when done with it.
func (p *KafkaPublisher) acquire() (Producer, func(), error) {
	for {
		p.mu.RLock()
		if p.closed {
			p.mu.RUnlock()
			return nil, nil, ErrPublisherClosed
		}
		if p.producer != nil {
			return p.producer, p.mu.RUnlock, nil
		}
		p.mu.RUnlock()

		if err := p.connect(); err != nil {
			return nil, nil, err
		}
	}
}

func (p *KafkaPublisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.producer != nil {
		return nil
	}

	producer, err := p.newProducer(p.producerProps)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer
	p.logger.Info("Kafka producer created", zap.String("topic", p.topic))

	go p.handleEvents(producer)
	return nil
}

// reset discards a producer that failed a publish.
func (p *KafkaPublisher) reset(failed Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producer != failed {
		return
	}
	p.producer = nil
	failed.Close()
	p.logger.Debug("Kafka producer discarded after failure")
}

// Close flushes the producer and closes the Kafka connection. It is safe to call more than once.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if p.producer == nil {
		return nil
	}
	p.logger.Info("Closing kafka producer")
	if remaining := p.producer.Flush(defaultFlushTimeoutMs); remaining > 0 {
		p.logger.Warn("Kafka producer closed with undelivered messages", zap.Int("count", remaining))
	}
	p.producer.Close()
	p.producer = nil
	return nil
}

// handleEvents consumes the producer's generic events channel. Delivery reports
// go to per-message channels, so only client level errors arrive here.
func (p *KafkaPublisher) handleEvents(producer Producer) {
	for e := range producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("Delivery failed", zap.Error(ev.TopicPartition.Error))
			}
		case kafka.Error:
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

var (
	_ Publisher = (*NopPublisher)(nil)
	_ Publisher = (*KafkaPublisher)(nil)
)
