package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestOrDefault(t *testing.T) {
	assert.IsType(t, &NopCollector{}, OrDefault(nil))

	c := NewOTelCollectorWithMeter(noop.NewMeterProvider().Meter("test"))
	assert.Same(t, c, OrDefault(c))
}

func TestOTelCollector_CachesInstruments(t *testing.T) {
	c := NewOTelCollectorWithMeter(noop.NewMeterProvider().Meter("test"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncrementCounter("outbox.publish_success", map[string]string{"event_type": "new-order"})
			c.RecordDuration("outbox.dispatch_duration", 10*time.Millisecond, nil)
			c.RecordGauge("outbox.backlog", 3, nil)
		}()
	}
	wg.Wait()

	assert.Len(t, c.counters, 1)
	assert.Len(t, c.histograms, 1)
	assert.Len(t, c.gauges, 1)
}
