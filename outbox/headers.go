package outbox

import (
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel/propagation"
)

// Header keys set on every published message.
const (
	HeaderMessageID   = "message_id"
	HeaderEventType   = "event_type"
	HeaderContentType = "content_type"
)

// HeaderCarrier adapts Kafka message headers to propagation.TextMapCarrier so
// trace context can travel with the event.
type HeaderCarrier struct {
	headers *[]kafka.Header
}

func NewHeaderCarrier(headers *[]kafka.Header) HeaderCarrier {
	return HeaderCarrier{headers: headers}
}

func (c HeaderCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c HeaderCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

var _ propagation.TextMapCarrier = HeaderCarrier{}

// buildKafkaHeaders is the default function for creating Kafka headers from an event.
// The event id doubles as the message identity for consumer-side dedup.
func buildKafkaHeaders(event EventRecord) []kafka.Header {
	return []kafka.Header{
		{Key: HeaderMessageID, Value: []byte(event.ID)},
		{Key: HeaderEventType, Value: []byte(event.EventType)},
		{Key: HeaderContentType, Value: []byte("application/json")},
	}
}
