package pricewatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/overtonx/pricewatch/bus"
)

// MockPublisher is a mock implementation of the Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockSender is a mock implementation of the Sender interface.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, req NotificationRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// passthroughTx runs fn without a real transaction.
type passthroughTx struct {
	calls int
}

func (p *passthroughTx) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p.calls++
	return fn(ctx)
}

// recordingMetrics counts calls per metric name.
type recordingMetrics struct {
	mu        sync.Mutex
	counters  map[string]int
	gauges    map[string]float64
	durations map[string]int
	tags      map[string]map[string]string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counters:  make(map[string]int),
		gauges:    make(map[string]float64),
		durations: make(map[string]int),
		tags:      make(map[string]map[string]string),
	}
}

func (m *recordingMetrics) IncrementCounter(name string, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	m.tags[name] = tags
}

func (m *recordingMetrics) RecordDuration(name string, _ time.Duration, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations[name]++
	m.tags[name] = tags
}

func (m *recordingMetrics) RecordGauge(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
	m.tags[name] = tags
}

func (m *recordingMetrics) counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

type publishedMessage struct {
	exchange string
	key      string
	msg      bus.Message
}

type inFlight struct {
	queue string
	msg   bus.Message
}

// fakeQueueClient is an in-memory broker. Messages fetched with Get stay in
// flight until acked or nacked through the delivery.
type fakeQueueClient struct {
	mu        sync.Mutex
	queues    map[string][]bus.Message
	inflight  map[uint64]inFlight
	nextTag   uint64
	published []publishedMessage
	acked     []string
	nacked    []string

	publishErr error
	getErr     error
	depthErr   error

	// onPublish runs after a successful publish, outside the lock.
	onPublish func(publishedMessage)
}

func newFakeQueueClient() *fakeQueueClient {
	return &fakeQueueClient{
		queues:   make(map[string][]bus.Message),
		inflight: make(map[uint64]inFlight),
	}
}

func (c *fakeQueueClient) push(queue string, msgs ...bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[queue] = append(c.queues[queue], msgs...)
}

func (c *fakeQueueClient) ready(queue string) []bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.Message(nil), c.queues[queue]...)
}

func (c *fakeQueueClient) Publish(_ context.Context, exchange, key string, msg bus.Message) error {
	c.mu.Lock()
	if c.publishErr != nil {
		c.mu.Unlock()
		return c.publishErr
	}
	p := publishedMessage{exchange: exchange, key: key, msg: msg}
	c.published = append(c.published, p)
	hook := c.onPublish
	c.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return nil
}

func (c *fakeQueueClient) Get(_ context.Context, queue string) (bus.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return bus.Delivery{}, false, c.getErr
	}
	msgs := c.queues[queue]
	if len(msgs) == 0 {
		return bus.Delivery{}, false, nil
	}
	msg := msgs[0]
	c.queues[queue] = msgs[1:]
	c.nextTag++
	c.inflight[c.nextTag] = inFlight{queue: queue, msg: msg}
	return bus.NewDelivery(msg, c.nextTag, c), true, nil
}

func (c *fakeQueueClient) Purge(_ context.Context, queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queues[queue])
	c.queues[queue] = nil
	return n, nil
}

func (c *fakeQueueClient) Depth(_ context.Context, queue string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.depthErr != nil {
		return 0, c.depthErr
	}
	return len(c.queues[queue]), nil
}

func (c *fakeQueueClient) Ack(tag uint64, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.inflight[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(c.inflight, tag)
	c.acked = append(c.acked, f.msg.MessageID)
	return nil
}

func (c *fakeQueueClient) Nack(tag uint64, _ bool, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.inflight[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(c.inflight, tag)
	c.nacked = append(c.nacked, f.msg.MessageID)
	if requeue {
		f.msg.Redelivered = true
		c.queues[f.queue] = append(c.queues[f.queue], f.msg)
	}
	return nil
}

func (c *fakeQueueClient) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}
