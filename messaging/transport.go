package messaging

import (
	"context"
	"time"
)

// OutboundMessage is the wire-level publish input handed to the transport.
// Every publish carries persistent delivery mode and a JSON content type
// unless overridden.
type OutboundMessage struct {
	Body          []byte
	Headers       map[string]interface{}
	ContentType   string
	MessageID     string
	CorrelationID string
	Priority      uint8
	Expiration    string // per-message TTL in milliseconds, empty for none
	Persistent    bool
	Timestamp     time.Time
}

// OutboundPublish pairs an outbound message with its destination
type OutboundPublish struct {
	Exchange   string
	RoutingKey string
	Message    OutboundMessage
}

// TransportPublisher publishes wire messages through a broker transport
type TransportPublisher interface {
	// Publish sends a single message
	Publish(ctx context.Context, exchange, routingKey string, msg OutboundMessage) error

	// PublishBatch sends all messages in one broker interaction, waiting
	// once for all confirms when confirms are enabled
	PublishBatch(ctx context.Context, messages []OutboundPublish) error

	// Close closes the publisher
	Close() error
}

// QueueBinding captures the queue declaration and binding parameters for a
// consumer. Priority, TTL, and dead-letter settings become queue arguments.
type QueueBinding struct {
	Exchange     string
	ExchangeType string
	RoutingKey   string
	BindHeaders  map[string]interface{} // headers-exchange matching
	Durable      bool
	AutoDelete   bool
	Exclusive    bool

	MaxPriority          uint8
	MessageTTL           time.Duration
	QueueExpires         time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// TransportDelivery is one received message plus its delivery metadata.
// Acknowledgement decisions belong to the dispatcher, never the transport.
type TransportDelivery interface {
	Body() []byte
	Headers() map[string]interface{}
	Exchange() string
	RoutingKey() string
	Queue() string
	ConsumerTag() string
	DeliveryTag() uint64
	Redelivered() bool
	SentAt() time.Time

	// Ack marks the delivery as successfully processed
	Ack() error

	// Nack negatively acknowledges the delivery, optionally requeueing
	Nack(requeue bool) error
}

// DeliveryHandler processes one transport delivery, including its
// acknowledgement
type DeliveryHandler func(ctx context.Context, delivery TransportDelivery)

// SubscribeOptions configures a transport subscription
type SubscribeOptions struct {
	ConsumerTag string
	Exclusive   bool
}

// TransportSubscriber consumes deliveries from broker queues. Each
// subscribed queue owns a dedicated channel on the transport side.
type TransportSubscriber interface {
	// Subscribe binds a handler to a queue, declaring the binding first
	Subscribe(ctx context.Context, queue string, binding QueueBinding, handler DeliveryHandler, opts SubscribeOptions) error

	// Unsubscribe stops consuming from a queue
	Unsubscribe(queue string) error

	// Close stops all subscriptions
	Close() error
}

// Transport provides publisher and subscriber access over one broker
// connection
type Transport interface {
	Publisher() TransportPublisher
	Subscriber() TransportSubscriber
	Connect(ctx context.Context) error
	IsConnected() bool
	Close() error
}
