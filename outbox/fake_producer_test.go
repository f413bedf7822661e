package outbox

import (
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// fakeProducer answers every Produce with an immediate delivery report.
type fakeProducer struct {
	mu       sync.Mutex
	fail     func(msg *kafka.Message) error
	produced []*kafka.Message
	events   chan kafka.Event
	closed   bool
	flushed  int
}

func newFakeProducer(fail func(msg *kafka.Message) error) *fakeProducer {
	return &fakeProducer{fail: fail, events: make(chan kafka.Event)}
}

func (f *fakeProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	report := *msg
	if f.fail != nil {
		report.TopicPartition.Error = f.fail(msg)
	}
	if report.TopicPartition.Error == nil {
		f.produced = append(f.produced, msg)
	}
	deliveryChan <- &report
	return nil
}

func (f *fakeProducer) Events() chan kafka.Event {
	return f.events
}

func (f *fakeProducer) Flush(int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
	return 0
}

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeProducer) Produced() []*kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kafka.Message(nil), f.produced...)
}

// producerPool hands out fake producers and remembers them.
type producerPool struct {
	mu        sync.Mutex
	fail      func(msg *kafka.Message) error
	producers []*fakeProducer
}

func (p *producerPool) factory(kafka.ConfigMap) (Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fp := newFakeProducer(func(msg *kafka.Message) error {
		p.mu.Lock()
		fail := p.fail
		p.mu.Unlock()
		if fail == nil {
			return nil
		}
		return fail(msg)
	})
	p.producers = append(p.producers, fp)
	return fp, nil
}

func (p *producerPool) setFail(fail func(msg *kafka.Message) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *producerPool) created() []*fakeProducer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeProducer(nil), p.producers...)
}

func (p *producerPool) produced() []*kafka.Message {
	var out []*kafka.Message
	for _, fp := range p.created() {
		out = append(out, fp.Produced()...)
	}
	return out
}
