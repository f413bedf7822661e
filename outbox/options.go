package outbox

import (
	"slices"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/overtonx/ordersvc/metrics"
)

const (
	defaultBatchSize     = 100
	defaultBacklogAge    = time.Minute
	defaultBacklogWarnAt = 1
)

//
// Carrier Options
//

type CarrierOption func(*Carrier)

func WithLogger(logger *zap.Logger) CarrierOption {
	return func(c *Carrier) {
		c.logger = logger
	}
}

func WithMetrics(collector metrics.Collector) CarrierOption {
	return func(c *Carrier) {
		c.metrics = collector
	}
}

func WithPublisher(publisher Publisher) CarrierOption {
	return func(c *Carrier) {
		c.publisher = publisher
	}
}

// WithEventTypes restricts dispatch to the given event types.
func WithEventTypes(eventTypes ...string) CarrierOption {
	return func(c *Carrier) {
		c.eventTypes = slices.Clone(eventTypes)
	}
}

func WithClock(now func() time.Time) CarrierOption {
	return func(c *Carrier) {
		c.now = now
	}
}

//
// KafkaPublisher Options
//

type KafkaPublisherOption func(*KafkaPublisher)

func WithKafkaProducerProps(props kafka.ConfigMap) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		for k, v := range props {
			p.producerProps[k] = v
		}
	}
}

func WithKafkaTopic(topic string) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.topic = topic
	}
}

func WithKafkaHeaderBuilder(builder KafkaHeaderBuilder) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.headerBuilder = builder
	}
}

// WithKafkaRetries sets the total number of publish attempts.
func WithKafkaRetries(retries int) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.retries = retries
	}
}

func WithKafkaBackoff(strategy BackoffStrategy) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.backoff = strategy
	}
}

// WithKafkaPublishTimeout bounds the wait for a single delivery report.
func WithKafkaPublishTimeout(timeout time.Duration) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.publishTimeout = timeout
	}
}

func WithKafkaProducerFactory(factory ProducerFactory) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.newProducer = factory
	}
}

func WithKafkaMetrics(collector metrics.Collector) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.metrics = metrics.OrDefault(collector)
	}
}

func WithKafkaPropagator(propagator propagation.TextMapPropagator) KafkaPublisherOption {
	return func(p *KafkaPublisher) {
		p.propagator = propagator
	}
}

//
// Backlog Options
//

type BacklogOption func(*backlogOptions)

type backlogOptions struct {
	age    time.Duration
	warnAt int64
}

// WithBacklogAge sets how old a pending row must be to count as backlog.
func WithBacklogAge(age time.Duration) BacklogOption {
	return func(o *backlogOptions) {
		o.age = age
	}
}

// WithBacklogWarnAt sets the backlog size from which a warning is logged.
func WithBacklogWarnAt(n int64) BacklogOption {
	return func(o *backlogOptions) {
		o.warnAt = n
	}
}

//
// Worker Options
//

type WorkerOption func(*BaseWorker)

// WithRunTimeout bounds each run of the work function.
func WithRunTimeout(timeout time.Duration) WorkerOption {
	return func(w *BaseWorker) {
		w.runTimeout = timeout
	}
}

// WithImmediateStart runs the work function once before the first tick.
func WithImmediateStart() WorkerOption {
	return func(w *BaseWorker) {
		w.runImmediately = true
	}
}
