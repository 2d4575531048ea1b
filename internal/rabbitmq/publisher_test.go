package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConfirmChannel scripts broker confirm behaviour. Each publish emits its
// confirmation synchronously unless the plan withholds it.
type fakeConfirmChannel struct {
	mu          sync.Mutex
	confirmOn   bool
	confirms    chan amqp.Confirmation
	published   []amqp.Publishing
	confirmErr  error
	publishErr  error
	nackTags    map[uint64]bool
	withholdAt  int // publish index from which confirms stop; -1 confirms all
	deliveryTag uint64
	closed      bool
}

func newFakeConfirmChannel() *fakeConfirmChannel {
	return &fakeConfirmChannel{nackTags: map[uint64]bool{}, withholdAt: -1}
}

func (f *fakeConfirmChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmOn = true
	return nil
}

func (f *fakeConfirmChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = confirm
	return confirm
}

func (f *fakeConfirmChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, msg)
	f.deliveryTag++

	if f.confirms == nil {
		return nil
	}
	if f.withholdAt >= 0 && len(f.published) > f.withholdAt {
		return nil
	}
	f.confirms <- amqp.Confirmation{DeliveryTag: f.deliveryTag, Ack: !f.nackTags[f.deliveryTag]}
	return nil
}

func (f *fakeConfirmChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFakePublisher(ch *fakeConfirmChannel, options ...PublisherOption) *Publisher {
	p := NewPublisher(NewConnectionManager("amqp://localhost"), options...)
	p.openChannel = func() (confirmChannel, error) { return ch, nil }
	return p
}

func TestPublishConfirmModes(t *testing.T) {
	msg := amqp.Publishing{MessageId: "m1", Body: []byte(`{}`)}

	t.Run("wait-or-die returns nil once the broker acks", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		p := newFakePublisher(ch, WithConfirmMode(ConfirmWaitOrDie))

		require.NoError(t, p.Publish(context.Background(), "orders", "order.placed", msg))
		assert.True(t, ch.confirmOn)
		assert.True(t, ch.closed)
		assert.Len(t, ch.published, 1)
	})

	t.Run("wait-or-die fails on a broker nack", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		ch.nackTags[1] = true
		p := newFakePublisher(ch, WithConfirmMode(ConfirmWaitOrDie))

		err := p.Publish(context.Background(), "orders", "order.placed", msg)
		require.ErrorIs(t, err, ErrPublishNotConfirmed)

		var pubErr *PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "orders", pubErr.Exchange)
	})

	t.Run("wait-or-die fails when the confirm window elapses", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		ch.withholdAt = 0
		p := newFakePublisher(ch,
			WithConfirmMode(ConfirmWaitOrDie),
			WithConfirmTimeout(20*time.Millisecond))

		err := p.Publish(context.Background(), "orders", "order.placed", msg)
		require.ErrorIs(t, err, ErrConfirmTimeout)
	})

	t.Run("lenient swallows an unconfirmed publish", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		ch.nackTags[1] = true
		p := newFakePublisher(ch, WithConfirmMode(ConfirmLenient))

		require.NoError(t, p.Publish(context.Background(), "orders", "order.placed", msg))
	})

	t.Run("disabled never arms confirms", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		p := newFakePublisher(ch, WithConfirmMode(ConfirmDisabled))

		require.NoError(t, p.Publish(context.Background(), "orders", "order.placed", msg))
		assert.False(t, ch.confirmOn)
		assert.Nil(t, ch.confirms)
	})

	t.Run("broker publish errors surface as publish errors", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		ch.publishErr = errors.New("channel gone")
		p := newFakePublisher(ch, WithConfirmMode(ConfirmDisabled))

		var pubErr *PublishError
		require.ErrorAs(t, p.Publish(context.Background(), "orders", "order.placed", msg), &pubErr)
	})

	t.Run("channel open failure fails before publishing", func(t *testing.T) {
		p := NewPublisher(NewConnectionManager("amqp://localhost"))
		p.openChannel = func() (confirmChannel, error) { return nil, ErrNotConnected }

		err := p.Publish(context.Background(), "orders", "order.placed", msg)
		require.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestPublishBatchConfirms(t *testing.T) {
	makeBatch := func(n int) []PublishMessage {
		batch := make([]PublishMessage, n)
		for i := range batch {
			batch[i] = PublishMessage{
				Exchange:   "orders",
				RoutingKey: "order.placed",
				Message:    amqp.Publishing{MessageId: fmt.Sprintf("m%d", i), Body: []byte(`{}`)},
			}
		}
		return batch
	}

	t.Run("all confirms within the window complete the batch", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		p := newFakePublisher(ch, WithConfirmMode(ConfirmWaitOrDie))

		require.NoError(t, p.PublishBatch(context.Background(), makeBatch(5)))

		// One channel carries the whole batch
		assert.Len(t, ch.published, 5)
		assert.True(t, ch.closed)
	})

	t.Run("a single nack fails the entire batch", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		ch.nackTags[3] = true
		p := newFakePublisher(ch, WithConfirmMode(ConfirmWaitOrDie))

		err := p.PublishBatch(context.Background(), makeBatch(5))
		require.ErrorIs(t, err, ErrPublishNotConfirmed)
	})

	t.Run("missing confirms time out with the partial count", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		ch.withholdAt = 3
		p := newFakePublisher(ch,
			WithConfirmMode(ConfirmWaitOrDie),
			WithConfirmTimeout(20*time.Millisecond))

		err := p.PublishBatch(context.Background(), makeBatch(5))
		require.ErrorIs(t, err, ErrConfirmTimeout)
		assert.Contains(t, err.Error(), "3/5")
	})

	t.Run("context cancellation aborts the confirm wait", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		ch.withholdAt = 0
		p := newFakePublisher(ch, WithConfirmMode(ConfirmWaitOrDie), WithConfirmTimeout(time.Minute))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := p.PublishBatch(ctx, makeBatch(2))
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("disabled mode returns after the publishes", func(t *testing.T) {
		ch := newFakeConfirmChannel()
		p := newFakePublisher(ch, WithConfirmMode(ConfirmDisabled))

		require.NoError(t, p.PublishBatch(context.Background(), makeBatch(3)))
		assert.False(t, ch.confirmOn)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		p := NewPublisher(NewConnectionManager("amqp://localhost"))
		p.openChannel = func() (confirmChannel, error) {
			t.Fatal("no channel should be opened for an empty batch")
			return nil, nil
		}
		require.NoError(t, p.PublishBatch(context.Background(), nil))
	})
}
