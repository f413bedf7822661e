// Package metrics provides the collectors used by the outbox, order and consumer packages.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Collector records counters, durations and gauges.
type Collector interface {
	IncrementCounter(name string, tags map[string]string)
	RecordDuration(name string, duration time.Duration, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
}

// NopCollector is a collector that does nothing.
// It is used as a default when no other collector is provided.
type NopCollector struct{}

// NewNopCollector creates a new NopCollector.
func NewNopCollector() *NopCollector {
	return &NopCollector{}
}

func (m *NopCollector) IncrementCounter(string, map[string]string) {}

func (m *NopCollector) RecordDuration(string, time.Duration, map[string]string) {}

func (m *NopCollector) RecordGauge(string, float64, map[string]string) {}

// OrDefault returns c, or a NopCollector when c is nil.
func OrDefault(c Collector) Collector {
	if c == nil {
		return NewNopCollector()
	}
	return c
}

// OTelCollector is a collector backed by an OpenTelemetry meter.
// Instruments are created lazily on first use and cached by name.
type OTelCollector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewOTelCollector creates an OTelCollector using the global meter provider.
func NewOTelCollector() *OTelCollector {
	return NewOTelCollectorWithMeter(otel.Meter("github.com/overtonx/ordersvc"))
}

// NewOTelCollectorWithMeter creates an OTelCollector with a specific meter.
func NewOTelCollectorWithMeter(meter metric.Meter) *OTelCollector {
	return &OTelCollector{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (m *OTelCollector) IncrementCounter(name string, tags map[string]string) {
	counter, err := m.counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(toAttributes(tags)...))
}

func (m *OTelCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	histogram, err := m.histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(toAttributes(tags)...))
}

func (m *OTelCollector) RecordGauge(name string, value float64, tags map[string]string) {
	gauge, err := m.gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(toAttributes(tags)...))
}

func (m *OTelCollector) counter(name string) (metric.Int64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = c
	return c, nil
}

func (m *OTelCollector) histogram(name string) (metric.Float64Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.histograms[name] = h
	return h, nil
}

func (m *OTelCollector) gauge(name string) (metric.Float64Gauge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g, nil
	}
	g, err := m.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	m.gauges[name] = g
	return g, nil
}

func toAttributes(tags map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags))
	for key, value := range tags {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}
