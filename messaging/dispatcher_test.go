package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinebus/kinebus-go/contracts"
)

// countingConsumer records invocations and fails when told to
type countingConsumer struct {
	mu       sync.Mutex
	calls    int
	received []*contracts.ConsumeContext
	failWith error
	panics   bool
}

func (c *countingConsumer) Consume(ctx context.Context, msgCtx *contracts.ConsumeContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.received = append(c.received, msgCtx)
	if c.panics {
		panic("handler exploded")
	}
	return c.failWith
}

func (c *countingConsumer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func envelopeBody(t *testing.T, redeliveryCount int) ([]byte, *contracts.Envelope) {
	t.Helper()

	envelope, err := contracts.NewEnvelope(orderPlaced{OrderID: "ord-1"},
		contracts.WithMessageType("OrderPlaced"))
	require.NoError(t, err)
	envelope.RedeliveryCount = redeliveryCount
	if redeliveryCount > 0 {
		envelope.Headers = map[string]interface{}{RedeliveredCountHeader: int32(redeliveryCount)}
	}

	body, err := envelope.Encode()
	require.NoError(t, err)
	return body, envelope
}

func startDispatcher(t *testing.T, consumer Consumer, opts ...DispatcherOption) (*ConsumerDispatcher, *capturingSubscriber, *recordingPublisher) {
	t.Helper()

	subscriber := newCapturingSubscriber()
	publisher := &recordingPublisher{}
	registry := NewConsumerRegistry()
	require.NoError(t, registry.Register("orders", func() Consumer { return consumer }, ConsumerOptions{
		Queue:   "orders",
		Binding: QueueBinding{Exchange: "orders", ExchangeType: "topic", RoutingKey: "order.*", Durable: true},
	}))

	dispatcher := NewConsumerDispatcher(subscriber, publisher, registry, opts...)
	require.NoError(t, dispatcher.Consume(context.Background()))
	t.Cleanup(func() { _ = dispatcher.Close() })

	return dispatcher, subscriber, publisher
}

func TestDispatchSuccess(t *testing.T) {
	consumer := &countingConsumer{}
	_, subscriber, publisher := startDispatcher(t, consumer)

	body, envelope := envelopeBody(t, 0)
	delivery := &fakeDelivery{body: body, queue: "orders", exchange: "orders", routingKey: "order.placed", deliveryTag: 1}

	require.True(t, subscriber.deliver("orders", delivery))

	acked, nacked, _ := delivery.state()
	assert.True(t, acked)
	assert.False(t, nacked)
	assert.Zero(t, publisher.count())

	require.Equal(t, 1, consumer.callCount())
	got := consumer.received[0]
	assert.Equal(t, envelope.MessageID, got.MessageID())
	assert.Equal(t, "orders", got.QueueName)
	assert.Zero(t, got.RedeliveryCount)
}

func TestDispatchFailureRequeues(t *testing.T) {
	consumer := &countingConsumer{failWith: errors.New("downstream down")}
	var failures int
	registrySetup := func(opts *ConsumerOptions) {
		opts.OnFailure = func(ctx context.Context, msgCtx *contracts.ConsumeContext, err error) {
			failures++
		}
	}

	subscriber := newCapturingSubscriber()
	publisher := &recordingPublisher{}
	registry := NewConsumerRegistry()
	options := ConsumerOptions{
		Queue:   "orders",
		Binding: QueueBinding{Exchange: "orders", ExchangeType: "topic", RoutingKey: "order.*"},
	}
	registrySetup(&options)
	require.NoError(t, registry.Register("orders", func() Consumer { return consumer }, options))

	dispatcher := NewConsumerDispatcher(subscriber, publisher, registry)
	require.NoError(t, dispatcher.Consume(context.Background()))
	defer dispatcher.Close()

	body, envelope := envelopeBody(t, 0)
	delivery := &fakeDelivery{body: body, queue: "orders", exchange: "orders", routingKey: "order.placed", deliveryTag: 2}

	subscriber.deliver("orders", delivery)

	// The incremented copy went back to the original route and the original
	// delivery was acked, not nacked
	published := publisher.all()
	require.Len(t, published, 1)
	assert.Equal(t, "orders", published[0].Exchange)
	assert.Equal(t, "order.placed", published[0].RoutingKey)

	republished, err := contracts.ParseEnvelope(published[0].Message.Body)
	require.NoError(t, err)
	assert.Equal(t, envelope.MessageID, republished.MessageID)
	assert.Equal(t, 1, republished.RedeliveryCount)
	assert.Equal(t, int32(1), republished.Headers[RedeliveredCountHeader])

	acked, nacked, _ := delivery.state()
	assert.True(t, acked)
	assert.False(t, nacked)
	assert.Equal(t, 1, failures)
}

func TestDispatchExhaustedRejects(t *testing.T) {
	consumer := &countingConsumer{failWith: errors.New("still broken")}

	subscriber := newCapturingSubscriber()
	publisher := &recordingPublisher{}
	registry := NewConsumerRegistry()

	var rejected *contracts.ConsumeContext
	require.NoError(t, registry.Register("orders", func() Consumer { return consumer }, ConsumerOptions{
		Queue: "orders",
		OnRejected: func(ctx context.Context, msgCtx *contracts.ConsumeContext, err error) {
			rejected = msgCtx
		},
	}))

	dispatcher := NewConsumerDispatcher(subscriber, publisher, registry,
		WithRedeliveryPolicy(&RedeliveryPolicy{MaxRedeliveredCount: 3}))
	require.NoError(t, dispatcher.Consume(context.Background()))
	defer dispatcher.Close()

	body, _ := envelopeBody(t, 3)
	delivery := &fakeDelivery{body: body, queue: "orders", routingKey: "orders", deliveryTag: 3}

	subscriber.deliver("orders", delivery)

	acked, nacked, requeued := delivery.state()
	assert.False(t, acked)
	assert.True(t, nacked)
	assert.False(t, requeued, "rejection must not requeue on the broker")
	assert.Zero(t, publisher.count())

	require.NotNil(t, rejected)
	assert.Equal(t, 3, rejected.RedeliveryCount)
}

func TestDispatchRedeliveryLifecycle(t *testing.T) {
	// A handler that always fails, with two redeliveries allowed: the
	// message is republished with counts 1 and 2, then rejected on the
	// third failure.
	consumer := &countingConsumer{failWith: errors.New("always fails")}

	subscriber := newCapturingSubscriber()
	publisher := &recordingPublisher{}
	registry := NewConsumerRegistry()
	require.NoError(t, registry.Register("orders", func() Consumer { return consumer }, ConsumerOptions{Queue: "orders"}))

	dispatcher := NewConsumerDispatcher(subscriber, publisher, registry,
		WithRedeliveryPolicy(&RedeliveryPolicy{MaxRedeliveredCount: 2}))
	require.NoError(t, dispatcher.Consume(context.Background()))
	defer dispatcher.Close()

	body, _ := envelopeBody(t, 0)
	var last *fakeDelivery

	for attempt := 0; attempt < 3; attempt++ {
		last = &fakeDelivery{body: body, queue: "orders", routingKey: "orders", deliveryTag: uint64(100 + attempt)}
		subscriber.deliver("orders", last)

		published := publisher.all()
		if attempt < 2 {
			require.Len(t, published, attempt+1)
			republished, err := contracts.ParseEnvelope(published[attempt].Message.Body)
			require.NoError(t, err)
			assert.Equal(t, attempt+1, republished.RedeliveryCount)

			acked, nacked, _ := last.state()
			assert.True(t, acked)
			assert.False(t, nacked)

			// The republished copy is the next delivery
			body = published[attempt].Message.Body
		}
	}

	assert.Equal(t, 3, consumer.callCount())
	assert.Equal(t, 2, publisher.count(), "no republish after the final rejection")

	acked, nacked, requeued := last.state()
	assert.False(t, acked)
	assert.True(t, nacked)
	assert.False(t, requeued)
}

func TestDispatchDeduplication(t *testing.T) {
	t.Run("suppresses an already processed message", func(t *testing.T) {
		consumer := &countingConsumer{}
		store := NewInMemoryDeduplicationStore()
		_, subscriber, publisher := startDispatcher(t, consumer,
			WithDeduplication(store, time.Hour))

		body, envelope := envelopeBody(t, 0)
		require.NoError(t, store.MarkProcessed(context.Background(), envelope.MessageID, time.Now().Add(time.Hour)))

		delivery := &fakeDelivery{body: body, queue: "orders", deliveryTag: 4}
		subscriber.deliver("orders", delivery)

		acked, nacked, _ := delivery.state()
		assert.True(t, acked, "duplicates are acked, never redelivered")
		assert.False(t, nacked)
		assert.Zero(t, consumer.callCount(), "handler must not run for a duplicate")
		assert.Zero(t, publisher.count())
	})

	t.Run("marks the message after success", func(t *testing.T) {
		consumer := &countingConsumer{}
		store := NewInMemoryDeduplicationStore()
		_, subscriber, _ := startDispatcher(t, consumer,
			WithDeduplication(store, time.Hour))

		body, envelope := envelopeBody(t, 0)
		delivery := &fakeDelivery{body: body, queue: "orders", deliveryTag: 5}
		subscriber.deliver("orders", delivery)

		processed, err := store.IsProcessed(context.Background(), envelope.MessageID)
		require.NoError(t, err)
		assert.True(t, processed)
	})

	t.Run("does not mark after failure", func(t *testing.T) {
		consumer := &countingConsumer{failWith: errors.New("boom")}
		store := NewInMemoryDeduplicationStore()
		_, subscriber, _ := startDispatcher(t, consumer,
			WithDeduplication(store, time.Hour))

		body, envelope := envelopeBody(t, 0)
		delivery := &fakeDelivery{body: body, queue: "orders", deliveryTag: 6}
		subscriber.deliver("orders", delivery)

		processed, err := store.IsProcessed(context.Background(), envelope.MessageID)
		require.NoError(t, err)
		assert.False(t, processed)
	})
}

func TestDispatchUnreadableBody(t *testing.T) {
	t.Run("follows the redelivery path", func(t *testing.T) {
		consumer := &countingConsumer{}
		_, subscriber, publisher := startDispatcher(t, consumer)

		delivery := &fakeDelivery{body: []byte("not an envelope"), queue: "orders", routingKey: "orders", deliveryTag: 7}
		subscriber.deliver("orders", delivery)

		assert.Zero(t, consumer.callCount(), "handler never sees an unreadable body")

		published := publisher.all()
		require.Len(t, published, 1)
		assert.Equal(t, []byte("not an envelope"), published[0].Message.Body)
		assert.Equal(t, int32(1), published[0].Message.Headers[RedeliveredCountHeader])

		acked, _, _ := delivery.state()
		assert.True(t, acked)
	})

	t.Run("dead-letters once exhausted", func(t *testing.T) {
		consumer := &countingConsumer{}
		_, subscriber, publisher := startDispatcher(t, consumer)

		delivery := &fakeDelivery{
			body:        []byte("still not an envelope"),
			headers:     map[string]interface{}{RedeliveredCountHeader: int32(3)},
			queue:       "orders",
			deliveryTag: 8,
		}
		subscriber.deliver("orders", delivery)

		acked, nacked, requeued := delivery.state()
		assert.False(t, acked)
		assert.True(t, nacked)
		assert.False(t, requeued)
		assert.Zero(t, publisher.count())
	})
}

func TestDispatchRequeuePublishFailure(t *testing.T) {
	consumer := &countingConsumer{failWith: errors.New("boom")}
	subscriber := newCapturingSubscriber()
	publisher := &recordingPublisher{}
	publisher.setError(errors.New("broker gone"))

	registry := NewConsumerRegistry()
	require.NoError(t, registry.Register("orders", func() Consumer { return consumer }, ConsumerOptions{Queue: "orders"}))

	dispatcher := NewConsumerDispatcher(subscriber, publisher, registry)
	require.NoError(t, dispatcher.Consume(context.Background()))
	defer dispatcher.Close()

	body, _ := envelopeBody(t, 0)
	delivery := &fakeDelivery{body: body, queue: "orders", routingKey: "orders", deliveryTag: 9}
	subscriber.deliver("orders", delivery)

	// Republish failed, so the message falls back to a broker requeue
	acked, nacked, requeued := delivery.state()
	assert.False(t, acked)
	assert.True(t, nacked)
	assert.True(t, requeued)
}

func TestDispatchConsumerPanic(t *testing.T) {
	consumer := &countingConsumer{panics: true}
	_, subscriber, publisher := startDispatcher(t, consumer)

	body, _ := envelopeBody(t, 0)
	delivery := &fakeDelivery{body: body, queue: "orders", routingKey: "orders", deliveryTag: 10}

	require.NotPanics(t, func() {
		subscriber.deliver("orders", delivery)
	})

	// A panic is a processing failure: the message gets another attempt
	assert.Equal(t, 1, publisher.count())
	acked, _, _ := delivery.state()
	assert.True(t, acked)
}

func TestDispatchDefaultExchangeRouting(t *testing.T) {
	consumer := &countingConsumer{failWith: errors.New("boom")}
	_, subscriber, publisher := startDispatcher(t, consumer)

	body, _ := envelopeBody(t, 0)
	// Default-exchange deliveries carry no exchange and no routing key
	delivery := &fakeDelivery{body: body, queue: "orders", deliveryTag: 11}
	subscriber.deliver("orders", delivery)

	published := publisher.all()
	require.Len(t, published, 1)
	assert.Empty(t, published[0].Exchange)
	assert.Equal(t, "orders", published[0].RoutingKey)
}

func TestConsumeValidation(t *testing.T) {
	t.Run("duplicate queue ownership fails", func(t *testing.T) {
		registry := NewConsumerRegistry()
		require.NoError(t, registry.Register("a", func() Consumer { return &countingConsumer{} }, ConsumerOptions{Queue: "orders"}))
		require.NoError(t, registry.Register("b", func() Consumer { return &countingConsumer{} }, ConsumerOptions{Queue: "orders"}))

		dispatcher := NewConsumerDispatcher(newCapturingSubscriber(), &recordingPublisher{}, registry)
		require.Error(t, dispatcher.Consume(context.Background()))
	})

	t.Run("double start fails", func(t *testing.T) {
		registry := NewConsumerRegistry()
		dispatcher := NewConsumerDispatcher(newCapturingSubscriber(), &recordingPublisher{}, registry)

		require.NoError(t, dispatcher.Consume(context.Background()))
		require.ErrorIs(t, dispatcher.Consume(context.Background()), ErrDispatcherStarted)
	})

	t.Run("closed dispatcher refuses to start", func(t *testing.T) {
		registry := NewConsumerRegistry()
		dispatcher := NewConsumerDispatcher(newCapturingSubscriber(), &recordingPublisher{}, registry)

		require.NoError(t, dispatcher.Close())
		require.ErrorIs(t, dispatcher.Consume(context.Background()), ErrDispatcherClosed)
	})
}
