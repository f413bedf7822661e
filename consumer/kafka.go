package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/outbox"
)

const (
	defaultPollTimeoutMs = 100
	defaultRetryDelay    = time.Second
)

// MessageConsumer is the subset of *kafka.Consumer used by KafkaConsumer.
type MessageConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Seek(partition kafka.TopicPartition, ignoredTimeoutMs int) error
	Close() error
}

// MessageHandler is satisfied by *Handler.
type MessageHandler interface {
	Handle(ctx context.Context, payload []byte) error
}

type Config struct {
	Brokers  string
	GroupID  string
	Topic    string
	ClientID string
}

// KafkaConsumer polls one topic and commits each message after the handler
// accepts it. A rejected message is sought back to so it is delivered again.
type KafkaConsumer struct {
	consumer      MessageConsumer
	topic         string
	handler       MessageHandler
	logger        *zap.Logger
	propagator    propagation.TextMapPropagator
	pollTimeoutMs int
	retryDelay    time.Duration
}

type KafkaOption func(*KafkaConsumer)

func WithMessageConsumer(mc MessageConsumer) KafkaOption {
	return func(c *KafkaConsumer) {
		c.consumer = mc
	}
}

func WithRetryDelay(d time.Duration) KafkaOption {
	return func(c *KafkaConsumer) {
		c.retryDelay = d
	}
}

func WithPropagator(p propagation.TextMapPropagator) KafkaOption {
	return func(c *KafkaConsumer) {
		c.propagator = p
	}
}

func NewKafkaConsumer(cfg Config, handler MessageHandler, logger *zap.Logger, opts ...KafkaOption) (*KafkaConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	c := &KafkaConsumer{
		topic:         cfg.Topic,
		handler:       handler,
		logger:        logger,
		propagator:    otel.GetTextMapPropagator(),
		pollTimeoutMs: defaultPollTimeoutMs,
		retryDelay:    defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.consumer == nil {
		props := kafka.ConfigMap{
			"bootstrap.servers":  cfg.Brokers,
			"group.id":           cfg.GroupID,
			"auto.offset.reset":  "earliest",
			"enable.auto.commit": false,
		}
		if cfg.ClientID != "" {
			props["client.id"] = cfg.ClientID
		}
		kc, err := kafka.NewConsumer(&props)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		c.consumer = kc
	}
	return c, nil
}

// Run consumes until ctx is cancelled or the client reports a fatal error.
// The underlying consumer is closed on return.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	if err := c.consumer.SubscribeTopics([]string{c.topic}, nil); err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.topic, err)
	}
	defer func() {
		if err := c.consumer.Close(); err != nil {
			c.logger.Warn("Failed to close kafka consumer", zap.Error(err))
		}
	}()

	c.logger.Info("Consumer started", zap.String("topic", c.topic))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, consumer stopping")
			return nil
		default:
		}

		switch ev := c.consumer.Poll(c.pollTimeoutMs).(type) {
		case nil:
		case *kafka.Message:
			c.handleMessage(ctx, ev)
		case kafka.Error:
			if ev.IsFatal() {
				return fmt.Errorf("kafka consumer: %w", ev)
			}
			c.logger.Warn("Kafka error", zap.Error(ev))
		default:
			c.logger.Debug("Ignored kafka event", zap.String("event", ev.String()))
		}
	}
}

func (c *KafkaConsumer) handleMessage(ctx context.Context, msg *kafka.Message) {
	msgCtx := c.propagator.Extract(ctx, outbox.NewHeaderCarrier(&msg.Headers))

	if err := c.handler.Handle(msgCtx, msg.Value); err != nil {
		c.logger.Warn("Message will be redelivered",
			zap.Int32("partition", msg.TopicPartition.Partition),
			zap.Int64("offset", int64(msg.TopicPartition.Offset)),
			zap.Error(err),
		)
		if serr := c.consumer.Seek(msg.TopicPartition, 0); serr != nil {
			c.logger.Error("Failed to seek back to message", zap.Error(serr))
		}
		c.wait(ctx)
		return
	}

	if _, err := c.consumer.CommitMessage(msg); err != nil {
		c.logger.Warn("Failed to commit offset", zap.Error(err))
	}
}

func (c *KafkaConsumer) wait(ctx context.Context) {
	if c.retryDelay <= 0 {
		return
	}
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
