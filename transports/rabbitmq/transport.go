// Package rabbitmq adapts the broker integration layer to the messaging
// transport interfaces. Keeping the adapter in its own package lets the
// messaging layer stay broker-agnostic without an import cycle.
package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kinebus/kinebus-go/internal/rabbitmq"
	"github.com/kinebus/kinebus-go/messaging"
)

// Transport wires a connection manager, publisher, channel registry, and
// consumer into the messaging transport contract
type Transport struct {
	manager    *rabbitmq.ConnectionManager
	publisher  *publisherAdapter
	subscriber *subscriberAdapter
	registry   *rabbitmq.ChannelRegistry
	logger     *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*transportConfig)

type transportConfig struct {
	logger         *slog.Logger
	confirmMode    rabbitmq.ConfirmMode
	confirmTimeout time.Duration
	prefetchCount  int
	connection     []rabbitmq.ConnectionOption
}

// WithLogger sets the logger used by every transport component
func WithLogger(logger *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		c.logger = logger
	}
}

// WithConfirmMode sets how publisher confirms are handled
func WithConfirmMode(mode rabbitmq.ConfirmMode) TransportOption {
	return func(c *transportConfig) {
		c.confirmMode = mode
	}
}

// WithConfirmTimeout sets the confirm wait window
func WithConfirmTimeout(timeout time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.confirmTimeout = timeout
	}
}

// WithPrefetchCount sets the consumer QoS prefetch count
func WithPrefetchCount(count int) TransportOption {
	return func(c *transportConfig) {
		c.prefetchCount = count
	}
}

// WithConnectionOptions passes options through to the connection manager
func WithConnectionOptions(options ...rabbitmq.ConnectionOption) TransportOption {
	return func(c *transportConfig) {
		c.connection = append(c.connection, options...)
	}
}

// NewTransport creates a transport for the given broker URL. Connect must be
// called before publishing or subscribing.
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	cfg := &transportConfig{
		logger:         slog.Default(),
		confirmMode:    rabbitmq.ConfirmWaitOrDie,
		confirmTimeout: 5 * time.Second,
		prefetchCount:  10,
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}, cfg.connection...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)

	registry, err := rabbitmq.NewChannelRegistry(manager, rabbitmq.WithRegistryLogger(cfg.logger))
	if err != nil {
		return nil, err
	}

	publisher := rabbitmq.NewPublisher(manager,
		rabbitmq.WithConfirmMode(cfg.confirmMode),
		rabbitmq.WithConfirmTimeout(cfg.confirmTimeout),
		rabbitmq.WithPublisherLogger(cfg.logger))

	consumer := rabbitmq.NewConsumer(registry,
		rabbitmq.WithPrefetchCount(cfg.prefetchCount),
		rabbitmq.WithConsumerLogger(cfg.logger))

	return &Transport{
		manager:    manager,
		registry:   registry,
		publisher:  &publisherAdapter{publisher: publisher},
		subscriber: &subscriberAdapter{consumer: consumer},
		logger:     cfg.logger,
	}, nil
}

// Connect establishes the broker connection
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.TryConnect(ctx)
}

// IsConnected reports the connection state
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Publisher returns the transport publisher
func (t *Transport) Publisher() messaging.TransportPublisher {
	return t.publisher
}

// Subscriber returns the transport subscriber
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return t.subscriber
}

// ConnectionManager exposes the underlying connection manager for state
// listeners and health checks
func (t *Transport) ConnectionManager() *rabbitmq.ConnectionManager {
	return t.manager
}

// Close tears down consumers, channels, and the connection
func (t *Transport) Close() error {
	if err := t.subscriber.Close(); err != nil {
		t.logger.Warn("subscriber close failed", "error", err)
	}
	if err := t.registry.Close(); err != nil {
		t.logger.Warn("channel registry close failed", "error", err)
	}
	return t.manager.Close()
}

// publisherAdapter converts outbound wire messages to AMQP publishings
type publisherAdapter struct {
	publisher *rabbitmq.Publisher
}

// Publish implements messaging.TransportPublisher
func (a *publisherAdapter) Publish(ctx context.Context, exchange, routingKey string, msg messaging.OutboundMessage) error {
	return a.publisher.Publish(ctx, exchange, routingKey, toPublishing(msg))
}

// PublishBatch implements messaging.TransportPublisher
func (a *publisherAdapter) PublishBatch(ctx context.Context, messages []messaging.OutboundPublish) error {
	batch := make([]rabbitmq.PublishMessage, len(messages))
	for i, m := range messages {
		batch[i] = rabbitmq.PublishMessage{
			Exchange:   m.Exchange,
			RoutingKey: m.RoutingKey,
			Message:    toPublishing(m.Message),
		}
	}
	return a.publisher.PublishBatch(ctx, batch)
}

// Close implements messaging.TransportPublisher. Publish channels are
// short-lived, so there is nothing to release here.
func (a *publisherAdapter) Close() error {
	return nil
}

func toPublishing(msg messaging.OutboundMessage) amqp.Publishing {
	pub := amqp.Publishing{
		Body:          msg.Body,
		ContentType:   msg.ContentType,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Priority:      msg.Priority,
		Expiration:    msg.Expiration,
		Timestamp:     msg.Timestamp,
	}
	if pub.ContentType == "" {
		pub.ContentType = "application/json"
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	if len(msg.Headers) > 0 {
		pub.Headers = amqp.Table(msg.Headers)
	}
	return pub
}

// subscriberAdapter converts messaging subscriptions to consumer
// subscriptions
type subscriberAdapter struct {
	consumer *rabbitmq.Consumer
}

// Subscribe implements messaging.TransportSubscriber
func (a *subscriberAdapter) Subscribe(ctx context.Context, queue string, binding messaging.QueueBinding, handler messaging.DeliveryHandler, opts messaging.SubscribeOptions) error {
	wrapped := func(hctx context.Context, delivery amqp.Delivery) {
		handler(hctx, &deliveryAdapter{delivery: delivery, queue: queue})
	}

	return a.consumer.Subscribe(ctx, queue, toBindingConfig(binding), wrapped, rabbitmq.SubscribeOptions{
		ConsumerTag: opts.ConsumerTag,
		Exclusive:   opts.Exclusive,
	})
}

// Unsubscribe implements messaging.TransportSubscriber
func (a *subscriberAdapter) Unsubscribe(queue string) error {
	return a.consumer.Unsubscribe(queue)
}

// Close implements messaging.TransportSubscriber
func (a *subscriberAdapter) Close() error {
	return a.consumer.Close()
}

func toBindingConfig(binding messaging.QueueBinding) rabbitmq.BindingConfig {
	cfg := rabbitmq.BindingConfig{
		Exchange:             binding.Exchange,
		ExchangeType:         binding.ExchangeType,
		RoutingKey:           binding.RoutingKey,
		Durable:              binding.Durable,
		AutoDelete:           binding.AutoDelete,
		Exclusive:            binding.Exclusive,
		MaxPriority:          binding.MaxPriority,
		MessageTTL:           binding.MessageTTL,
		QueueExpires:         binding.QueueExpires,
		DeadLetterExchange:   binding.DeadLetterExchange,
		DeadLetterRoutingKey: binding.DeadLetterRoutingKey,
	}
	if len(binding.BindHeaders) > 0 {
		cfg.BindHeaders = amqp.Table(binding.BindHeaders)
	}
	return cfg
}

// deliveryAdapter exposes one AMQP delivery through the transport contract
type deliveryAdapter struct {
	delivery amqp.Delivery
	queue    string
}

func (d *deliveryAdapter) Body() []byte {
	return d.delivery.Body
}

func (d *deliveryAdapter) Headers() map[string]interface{} {
	return map[string]interface{}(d.delivery.Headers)
}

func (d *deliveryAdapter) Exchange() string {
	return d.delivery.Exchange
}

func (d *deliveryAdapter) RoutingKey() string {
	return d.delivery.RoutingKey
}

func (d *deliveryAdapter) Queue() string {
	return d.queue
}

func (d *deliveryAdapter) ConsumerTag() string {
	return d.delivery.ConsumerTag
}

func (d *deliveryAdapter) DeliveryTag() uint64 {
	return d.delivery.DeliveryTag
}

func (d *deliveryAdapter) Redelivered() bool {
	return d.delivery.Redelivered
}

func (d *deliveryAdapter) SentAt() time.Time {
	return d.delivery.Timestamp
}

func (d *deliveryAdapter) Ack() error {
	return d.delivery.Ack(false)
}

func (d *deliveryAdapter) Nack(requeue bool) error {
	return d.delivery.Nack(false, requeue)
}
