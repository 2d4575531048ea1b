package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Acknowledgement is the handler's
// responsibility; the consumer never acks on its own.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer manages message consumption. Each subscribed queue owns a
// dedicated channel from the registry; channels are never shared between
// consumer loops because they are not safe for concurrent use.
type Consumer struct {
	registry      *ChannelRegistry
	logger        *slog.Logger
	prefetchCount int
	prefetchSize  int
	subscriptions sync.Map // queue -> *subscription
}

type subscription struct {
	queue       string
	binding     BindingConfig
	handler     DeliveryHandler
	consumerTag string
	exclusive   bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the QoS prefetch count applied to every channel
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer on top of the channel registry and arms the
// registry's self-healing hook so a recreated channel resumes consumption.
func NewConsumer(registry *ChannelRegistry, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		registry:      registry,
		logger:        slog.Default(),
		prefetchCount: 10,
	}

	for _, opt := range options {
		opt(c)
	}

	registry.SetRecreateHook(c.resubscribe)

	return c
}

// SubscribeOptions configures a single subscription
type SubscribeOptions struct {
	ConsumerTag string
	Exclusive   bool
}

// Subscribe binds a handler to a queue on a dedicated channel with QoS
// applied. The subscription parameters are retained so consumption resumes
// after a channel fault.
func (c *Consumer) Subscribe(ctx context.Context, queue string, binding BindingConfig, handler DeliveryHandler, opts SubscribeOptions) error {
	if _, exists := c.subscriptions.Load(queue); exists {
		return &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("%w: already subscribed", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("kinebus-%s-%d", queue, time.Now().UnixNano())
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:       queue,
		binding:     binding,
		handler:     handler,
		consumerTag: tag,
		exclusive:   opts.Exclusive,
		ctx:         subCtx,
		cancel:      cancel,
	}

	if err := c.startConsuming(sub); err != nil {
		cancel()
		return err
	}

	c.subscriptions.Store(queue, sub)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	return nil
}

// Unsubscribe stops consuming from a queue and releases its channel
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.subscriptions.LoadAndDelete(queue)
	if !ok {
		return &ConsumerError{
			Queue:     queue,
			Op:        "unsubscribe",
			Err:       fmt.Errorf("no active subscription"),
			Timestamp: time.Now(),
		}
	}

	sub := value.(*subscription)
	sub.cancel()

	if ch, found := c.registry.Get(queue); found {
		_ = ch.Cancel(sub.consumerTag, false)
	}
	c.registry.Remove(queue)

	c.logger.Info("unsubscribed from queue", "queue", queue)
	return nil
}

// Close stops all subscriptions
func (c *Consumer) Close() error {
	c.subscriptions.Range(func(key, _ interface{}) bool {
		_ = c.Unsubscribe(key.(string))
		return true
	})
	return nil
}

// ActiveQueues returns the queues currently being consumed
func (c *Consumer) ActiveQueues() []string {
	var queues []string
	c.subscriptions.Range(func(key, _ interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}

// startConsuming opens the delivery stream for a subscription on its
// registry channel
func (c *Consumer) startConsuming(sub *subscription) error {
	ch, err := c.registry.GetOrCreate(sub.queue, sub.binding)
	if err != nil {
		return &ConsumerError{
			Queue:       sub.queue,
			ConsumerTag: sub.consumerTag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if err := ch.Qos(c.prefetchCount, c.prefetchSize, false); err != nil {
		return &ConsumerError{
			Queue:       sub.queue,
			ConsumerTag: sub.consumerTag,
			Op:          "set qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	deliveries, err := ch.Consume(sub.queue, sub.consumerTag, false, sub.exclusive, false, false, nil)
	if err != nil {
		return &ConsumerError{
			Queue:       sub.queue,
			ConsumerTag: sub.consumerTag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	go c.processDeliveries(sub, deliveries)
	return nil
}

// processDeliveries pumps the delivery stream into the handler. The loop
// ends when the subscription is cancelled or the channel faults; in the
// fault case the registry heals the channel and calls resubscribe.
func (c *Consumer) processDeliveries(sub *subscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-sub.ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed", "queue", sub.queue)
				return
			}
			sub.handler(sub.ctx, delivery)
		}
	}
}

// resubscribe resumes consumption on a freshly recreated channel, reusing
// the original binding parameters
func (c *Consumer) resubscribe(queue string) {
	value, ok := c.subscriptions.Load(queue)
	if !ok {
		return
	}
	sub := value.(*subscription)

	select {
	case <-sub.ctx.Done():
		return
	default:
	}

	if err := c.startConsuming(sub); err != nil {
		c.logger.Error("failed to resume consumption after channel fault",
			"queue", queue,
			"error", err)
		return
	}

	c.logger.Info("consumption resumed after channel fault", "queue", queue)
}
