package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// mockTransportPublisher is a testify mock over TransportPublisher
type mockTransportPublisher struct {
	mock.Mock
}

func (m *mockTransportPublisher) Publish(ctx context.Context, exchange, routingKey string, msg OutboundMessage) error {
	args := m.Called(ctx, exchange, routingKey, msg)
	return args.Error(0)
}

func (m *mockTransportPublisher) PublishBatch(ctx context.Context, messages []OutboundPublish) error {
	args := m.Called(ctx, messages)
	return args.Error(0)
}

func (m *mockTransportPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// recordingPublisher captures publishes for inspection
type recordingPublisher struct {
	mu        sync.Mutex
	published []OutboundPublish
	failWith  error
}

func (r *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, msg OutboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.published = append(r.published, OutboundPublish{Exchange: exchange, RoutingKey: routingKey, Message: msg})
	return nil
}

func (r *recordingPublisher) PublishBatch(ctx context.Context, messages []OutboundPublish) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.published = append(r.published, messages...)
	return nil
}

func (r *recordingPublisher) Close() error {
	return nil
}

func (r *recordingPublisher) all() []OutboundPublish {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]OutboundPublish, len(r.published))
	copy(out, r.published)
	return out
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func (r *recordingPublisher) setError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failWith = err
}

// capturingSubscriber records subscriptions and lets tests push deliveries
// through the captured handlers
type capturingSubscriber struct {
	mu       sync.Mutex
	handlers map[string]DeliveryHandler
	bindings map[string]QueueBinding
	failWith error
}

func newCapturingSubscriber() *capturingSubscriber {
	return &capturingSubscriber{
		handlers: make(map[string]DeliveryHandler),
		bindings: make(map[string]QueueBinding),
	}
}

func (s *capturingSubscriber) Subscribe(ctx context.Context, queue string, binding QueueBinding, handler DeliveryHandler, opts SubscribeOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.handlers[queue] = handler
	s.bindings[queue] = binding
	return nil
}

func (s *capturingSubscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, queue)
	delete(s.bindings, queue)
	return nil
}

func (s *capturingSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = make(map[string]DeliveryHandler)
	return nil
}

func (s *capturingSubscriber) deliver(queue string, delivery TransportDelivery) bool {
	s.mu.Lock()
	handler, ok := s.handlers[queue]
	s.mu.Unlock()
	if !ok {
		return false
	}
	handler(context.Background(), delivery)
	return true
}

// fakeDelivery implements TransportDelivery with recorded acknowledgements
type fakeDelivery struct {
	mu          sync.Mutex
	body        []byte
	headers     map[string]interface{}
	exchange    string
	routingKey  string
	queue       string
	consumerTag string
	deliveryTag uint64
	redelivered bool
	sentAt      time.Time

	acked    bool
	nacked   bool
	requeued bool
}

func (d *fakeDelivery) Body() []byte                    { return d.body }
func (d *fakeDelivery) Headers() map[string]interface{} { return d.headers }
func (d *fakeDelivery) Exchange() string                { return d.exchange }
func (d *fakeDelivery) RoutingKey() string              { return d.routingKey }
func (d *fakeDelivery) Queue() string                   { return d.queue }
func (d *fakeDelivery) ConsumerTag() string             { return d.consumerTag }
func (d *fakeDelivery) DeliveryTag() uint64             { return d.deliveryTag }
func (d *fakeDelivery) Redelivered() bool               { return d.redelivered }
func (d *fakeDelivery) SentAt() time.Time               { return d.sentAt }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeued = requeue
	return nil
}

func (d *fakeDelivery) state() (acked, nacked, requeued bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked, d.nacked, d.requeued
}
