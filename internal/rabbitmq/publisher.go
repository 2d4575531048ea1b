package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmMode controls how publisher confirms are handled
type ConfirmMode int

const (
	// ConfirmDisabled publishes without waiting for broker acknowledgement
	ConfirmDisabled ConfirmMode = iota
	// ConfirmLenient waits for the confirm but only logs a failure
	ConfirmLenient
	// ConfirmWaitOrDie waits for the confirm and fails the publish on a
	// negative or missing acknowledgement
	ConfirmWaitOrDie
)

func (m ConfirmMode) String() string {
	switch m {
	case ConfirmDisabled:
		return "disabled"
	case ConfirmLenient:
		return "lenient"
	case ConfirmWaitOrDie:
		return "wait-or-die"
	default:
		return "unknown"
	}
}

// confirmChannel is the slice of the broker channel the publish path uses.
// *amqp.Channel satisfies it.
type confirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher performs broker publishes on short-lived channels. Each publish
// opens its own channel so concurrent publishes never interfere; the cost is
// channel-creation overhead, which the connection manager instruments.
type Publisher struct {
	manager        *ConnectionManager
	confirmMode    ConfirmMode
	confirmTimeout time.Duration
	logger         *slog.Logger
	openChannel    func() (confirmChannel, error)
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmMode sets how publisher confirms are handled
func WithConfirmMode(mode ConfirmMode) PublisherOption {
	return func(p *Publisher) {
		p.confirmMode = mode
	}
}

// WithConfirmTimeout sets the confirm wait window
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(manager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		manager:        manager,
		confirmMode:    ConfirmDisabled,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	p.openChannel = func() (confirmChannel, error) {
		ch, err := p.manager.CreateChannel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}

	return p
}

// PublishMessage represents one message of a batch publish
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Message    amqp.Publishing
}

// Publish sends a single message. When confirms are enabled the call blocks
// until the broker acknowledges persistence or the confirm window elapses.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.openChannel()
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	defer ch.Close()

	var confirms chan amqp.Confirmation
	if p.confirmMode != ConfirmDisabled {
		if err := ch.Confirm(false); err != nil {
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        fmt.Errorf("failed to enable confirms: %w", err),
				Timestamp:  time.Now(),
			}
		}
		confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	if p.confirmMode == ConfirmDisabled {
		return nil
	}

	if err := p.awaitConfirm(ctx, confirms); err != nil {
		if p.confirmMode == ConfirmLenient {
			p.logger.Warn("publish not confirmed",
				"exchange", exchange,
				"routingKey", routingKey,
				"messageId", msg.MessageId,
				"error", err)
			return nil
		}
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	return nil
}

// PublishBatch sends all messages on one channel and blocks once for all
// confirms. The batch is all-or-nothing at the confirm level: a single
// confirm failure fails the entire call.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	if len(messages) == 0 {
		return nil
	}

	ch, err := p.openChannel()
	if err != nil {
		return &PublishError{
			Exchange:   messages[0].Exchange,
			RoutingKey: messages[0].RoutingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	defer ch.Close()

	var confirms chan amqp.Confirmation
	if p.confirmMode != ConfirmDisabled {
		if err := ch.Confirm(false); err != nil {
			return fmt.Errorf("failed to enable confirms: %w", err)
		}
		confirms = ch.NotifyPublish(make(chan amqp.Confirmation, len(messages)))
	}

	for i, msg := range messages {
		if err := ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, false, msg.Message); err != nil {
			return &PublishError{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Err:        fmt.Errorf("batch message %d: %w", i, err),
				Timestamp:  time.Now(),
			}
		}
	}

	if p.confirmMode == ConfirmDisabled {
		return nil
	}

	confirmed := 0
	timeout := time.After(p.confirmTimeout)
	for confirmed < len(messages) {
		select {
		case confirm := <-confirms:
			if !confirm.Ack {
				return &PublishError{
					Exchange:   messages[0].Exchange,
					RoutingKey: messages[0].RoutingKey,
					Err:        fmt.Errorf("%w: delivery tag %d nacked", ErrPublishNotConfirmed, confirm.DeliveryTag),
					Timestamp:  time.Now(),
				}
			}
			confirmed++

		case <-timeout:
			return &PublishError{
				Exchange:   messages[0].Exchange,
				RoutingKey: messages[0].RoutingKey,
				Err:        fmt.Errorf("%w: confirmed %d/%d", ErrConfirmTimeout, confirmed, len(messages)),
				Timestamp:  time.Now(),
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// awaitConfirm waits for a single confirmation within the confirm window
func (p *Publisher) awaitConfirm(ctx context.Context, confirms chan amqp.Confirmation) error {
	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return ErrPublishNotConfirmed
		}
		return nil

	case <-time.After(p.confirmTimeout):
		return ErrConfirmTimeout

	case <-ctx.Done():
		return ctx.Err()
	}
}
