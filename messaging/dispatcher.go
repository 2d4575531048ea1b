package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kinebus/kinebus-go/contracts"
)

// ConsumerDispatcher drives registered consumers against their queues. It
// owns every acknowledgement decision: for each delivery it computes exactly
// one outcome (ack, requeue, or reject) and applies it, so handlers never
// touch the broker acknowledgement API.
type ConsumerDispatcher struct {
	subscriber TransportSubscriber
	transport  TransportPublisher
	registry   *ConsumerRegistry
	dedup      DeduplicationStore
	dedupTTL   time.Duration
	redelivery *RedeliveryPolicy
	metrics    MetricsCollector
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	active  map[string]*activeConsumer
}

// activeConsumer is one started registration with its resolved instance
type activeConsumer struct {
	reg       *registration
	policy    *RedeliveryPolicy
	consumer  Consumer
	collector *batchCollector
}

// DispatcherOption configures the dispatcher
type DispatcherOption func(*ConsumerDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *ConsumerDispatcher) {
		d.logger = logger
	}
}

// WithDeduplication enables duplicate suppression with the given store and
// retention window
func WithDeduplication(store DeduplicationStore, ttl time.Duration) DispatcherOption {
	return func(d *ConsumerDispatcher) {
		d.dedup = store
		d.dedupTTL = ttl
	}
}

// WithRedeliveryPolicy sets the dispatcher-wide redelivery policy. Individual
// registrations may override it.
func WithRedeliveryPolicy(policy *RedeliveryPolicy) DispatcherOption {
	return func(d *ConsumerDispatcher) {
		d.redelivery = policy
	}
}

// WithDispatcherMetrics sets the metrics collector
func WithDispatcherMetrics(metrics MetricsCollector) DispatcherOption {
	return func(d *ConsumerDispatcher) {
		d.metrics = metrics
	}
}

// NewConsumerDispatcher creates a dispatcher over the given transport pair.
// The transport publisher carries redelivery republishes.
func NewConsumerDispatcher(subscriber TransportSubscriber, transport TransportPublisher, registry *ConsumerRegistry, options ...DispatcherOption) *ConsumerDispatcher {
	d := &ConsumerDispatcher{
		subscriber: subscriber,
		transport:  transport,
		registry:   registry,
		redelivery: DefaultRedeliveryPolicy(),
		dedupTTL:   time.Hour,
		metrics:    NoopMetrics{},
		logger:     slog.Default(),
		active:     make(map[string]*activeConsumer),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Registry returns the dispatcher's consumer registry
func (d *ConsumerDispatcher) Registry() *ConsumerRegistry {
	return d.registry
}

// Consume starts every registered consumer. Configuration mistakes (missing
// queues, duplicate queue ownership, failed subscriptions) surface here, not
// on the first delivery.
func (d *ConsumerDispatcher) Consume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	if d.started {
		return ErrDispatcherStarted
	}

	regs := d.registry.snapshot()
	seen := make(map[string]string, len(regs))
	for _, reg := range regs {
		if owner, dup := seen[reg.options.Queue]; dup {
			return fmt.Errorf("messaging: queue %q claimed by both %q and %q", reg.options.Queue, owner, reg.name)
		}
		seen[reg.options.Queue] = reg.name
	}

	for _, reg := range regs {
		if err := d.start(ctx, reg); err != nil {
			d.stopAllLocked()
			return fmt.Errorf("messaging: start consumer %q: %w", reg.name, err)
		}
	}

	d.started = true
	d.logger.Info("dispatcher started", "consumers", len(regs))
	return nil
}

// Close stops all consumers and rejects further dispatch
func (d *ConsumerDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	d.stopAllLocked()
	return d.subscriber.Close()
}

// ActiveQueues returns the queues with a running consumer
func (d *ConsumerDispatcher) ActiveQueues() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	queues := make([]string, 0, len(d.active))
	for q := range d.active {
		queues = append(queues, q)
	}
	return queues
}

// start resolves the factory and subscribes the registration's queue
func (d *ConsumerDispatcher) start(ctx context.Context, reg *registration) error {
	policy := d.redelivery
	if reg.options.Redelivery != nil {
		policy = reg.options.Redelivery
	}

	ac := &activeConsumer{reg: reg, policy: policy}
	if reg.batchFactory != nil {
		ac.collector = newBatchCollector(d, ac, reg.batchFactory())
	} else {
		ac.consumer = reg.factory()
	}

	opts := SubscribeOptions{
		ConsumerTag: reg.options.ConsumerTag,
		Exclusive:   reg.options.Exclusive,
	}

	handler := func(hctx context.Context, delivery TransportDelivery) {
		d.dispatch(hctx, ac, delivery)
	}

	if err := d.subscriber.Subscribe(ctx, reg.options.Queue, reg.options.Binding, handler, opts); err != nil {
		if ac.collector != nil {
			ac.collector.stop()
		}
		return err
	}

	if ac.collector != nil {
		ac.collector.run(ctx)
	}

	d.active[reg.options.Queue] = ac
	d.logger.Info("consumer started",
		"consumer", reg.name,
		"queue", reg.options.Queue,
		"batch", reg.batchFactory != nil)
	return nil
}

// stopAllLocked unsubscribes every active consumer. Caller holds d.mu.
func (d *ConsumerDispatcher) stopAllLocked() {
	for queue, ac := range d.active {
		if ac.collector != nil {
			ac.collector.stop()
		}
		if err := d.subscriber.Unsubscribe(queue); err != nil {
			d.logger.Warn("unsubscribe failed", "queue", queue, "error", err)
		}
		delete(d.active, queue)
	}
}

// dispatch runs the per-delivery state machine and applies its single
// acknowledgement outcome
func (d *ConsumerDispatcher) dispatch(ctx context.Context, ac *activeConsumer, delivery TransportDelivery) {
	start := time.Now()
	queue := ac.reg.options.Queue
	d.metrics.MessageConsumed(queue)

	envelope, parseErr := contracts.ParseEnvelope(delivery.Body())
	msgCtx := newConsumeContext(envelope, delivery, queue)

	if parseErr == nil && d.isDuplicate(ctx, envelope.MessageID) {
		d.metrics.MessageDeduplicated(queue)
		d.logger.Debug("duplicate suppressed",
			"messageId", envelope.MessageID,
			"queue", queue)
		d.ack(delivery, queue)
		return
	}

	if ac.collector != nil && parseErr == nil {
		ac.collector.add(&batchItem{delivery: delivery, msgCtx: msgCtx})
		return
	}

	var procErr error
	if parseErr != nil {
		// An unreadable body is a processing failure: it follows the same
		// redelivery path so a poison message still reaches the dead letters
		procErr = parseErr
	} else {
		procErr = d.invoke(ctx, ac.consumer, msgCtx)
	}

	if procErr == nil {
		d.complete(ctx, delivery, msgCtx, queue)
	} else {
		d.fail(ctx, ac, delivery, msgCtx, procErr)
	}

	d.metrics.ProcessingDuration(queue, time.Since(start))
}

// invoke calls the consumer, converting a panic into an error so one bad
// handler cannot take the consumer loop down
func (d *ConsumerDispatcher) invoke(ctx context.Context, consumer Consumer, msgCtx *contracts.ConsumeContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("messaging: consumer panic: %v", r)
		}
	}()
	return consumer.Consume(ctx, msgCtx)
}

// complete marks the message processed and acknowledges it
func (d *ConsumerDispatcher) complete(ctx context.Context, delivery TransportDelivery, msgCtx *contracts.ConsumeContext, queue string) {
	if d.dedup != nil && msgCtx.Envelope != nil {
		if err := d.dedup.MarkProcessed(ctx, msgCtx.Envelope.MessageID, time.Now().Add(d.dedupTTL)); err != nil {
			d.logger.Warn("dedup mark failed",
				"messageId", msgCtx.Envelope.MessageID,
				"error", err)
		}
	}

	d.ack(delivery, queue)
	d.metrics.MessageAcked(queue)
}

// fail runs the failure callbacks and decides between requeue and reject
func (d *ConsumerDispatcher) fail(ctx context.Context, ac *activeConsumer, delivery TransportDelivery, msgCtx *contracts.ConsumeContext, cause error) {
	queue := ac.reg.options.Queue

	d.logger.Warn("message processing failed",
		"messageId", msgCtx.MessageID(),
		"queue", queue,
		"redeliveryCount", msgCtx.RedeliveryCount,
		"error", cause)

	d.safeCallback(ctx, RejectionCallback(ac.reg.options.OnFailure), msgCtx, cause)

	if ac.policy.ShouldRedeliver(msgCtx.RedeliveryCount) {
		d.requeue(ctx, ac, delivery, msgCtx)
		return
	}

	d.safeCallback(ctx, ac.reg.options.OnRejected, msgCtx, cause)
	d.reject(delivery, msgCtx, queue)
}

// requeue republishes an incremented copy to the original route, then
// acknowledges the in-flight delivery. Ordering relative to newer messages
// is not preserved; the count is, which broker-side requeueing cannot do.
func (d *ConsumerDispatcher) requeue(ctx context.Context, ac *activeConsumer, delivery TransportDelivery, msgCtx *contracts.ConsumeContext) {
	queue := ac.reg.options.Queue
	nextCount := msgCtx.RedeliveryCount + 1

	msg, err := d.nextAttemptMessage(ac.policy, delivery, msgCtx, nextCount)
	if err != nil {
		d.logger.Error("requeue encode failed", "messageId", msgCtx.MessageID(), "error", err)
		d.nackRequeue(delivery, queue)
		return
	}

	exchange := delivery.Exchange()
	routingKey := delivery.RoutingKey()
	if exchange == "" && routingKey == "" {
		routingKey = queue
	}

	if err := d.transport.Publish(ctx, exchange, routingKey, msg); err != nil {
		// Fall back to a broker requeue so the message is not lost; the
		// count will not advance for this attempt
		d.logger.Error("requeue publish failed",
			"messageId", msgCtx.MessageID(),
			"queue", queue,
			"error", err)
		d.nackRequeue(delivery, queue)
		return
	}

	d.ack(delivery, queue)
	d.metrics.MessageRequeued(queue)
	d.logger.Debug("message requeued",
		"messageId", msgCtx.MessageID(),
		"queue", queue,
		"redeliveryCount", nextCount)
}

// nextAttemptMessage builds the wire message for the next attempt. When the
// envelope was unreadable the raw body is re-sent with the incremented
// header only.
func (d *ConsumerDispatcher) nextAttemptMessage(policy *RedeliveryPolicy, delivery TransportDelivery, msgCtx *contracts.ConsumeContext, nextCount int) (OutboundMessage, error) {
	if msgCtx.Envelope != nil {
		next := policy.NextAttempt(msgCtx.Envelope)
		body, err := next.Encode()
		if err != nil {
			return OutboundMessage{}, err
		}
		return OutboundMessage{
			Body:          body,
			Headers:       next.Headers,
			ContentType:   next.ContentType,
			MessageID:     next.MessageID,
			CorrelationID: next.CorrelationID,
			Persistent:    true,
			Timestamp:     time.Now().UTC(),
		}, nil
	}

	headers := make(map[string]interface{}, len(delivery.Headers())+1)
	for k, v := range delivery.Headers() {
		headers[k] = v
	}
	headers[RedeliveredCountHeader] = int32(nextCount)

	return OutboundMessage{
		Body:       delivery.Body(),
		Headers:    headers,
		Persistent: true,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// reject gives up on the message without requeueing, handing it to the
// queue's dead-letter route when one is configured
func (d *ConsumerDispatcher) reject(delivery TransportDelivery, msgCtx *contracts.ConsumeContext, queue string) {
	if err := delivery.Nack(false); err != nil {
		d.logger.Error("reject failed", "messageId", msgCtx.MessageID(), "queue", queue, "error", err)
		return
	}
	d.metrics.MessageRejected(queue)
	d.logger.Warn("message rejected",
		"messageId", msgCtx.MessageID(),
		"queue", queue,
		"redeliveryCount", msgCtx.RedeliveryCount)
}

func (d *ConsumerDispatcher) ack(delivery TransportDelivery, queue string) {
	if err := delivery.Ack(); err != nil {
		d.logger.Error("ack failed", "queue", queue, "deliveryTag", delivery.DeliveryTag(), "error", err)
	}
}

func (d *ConsumerDispatcher) nackRequeue(delivery TransportDelivery, queue string) {
	if err := delivery.Nack(true); err != nil {
		d.logger.Error("broker requeue failed", "queue", queue, "deliveryTag", delivery.DeliveryTag(), "error", err)
	}
}

// isDuplicate consults the dedup store, treating store errors as not
// duplicate so a degraded store never drops messages
func (d *ConsumerDispatcher) isDuplicate(ctx context.Context, messageID string) bool {
	if d.dedup == nil {
		return false
	}

	processed, err := d.dedup.IsProcessed(ctx, messageID)
	if err != nil {
		d.logger.Warn("dedup lookup failed", "messageId", messageID, "error", err)
		return false
	}
	return processed
}

// safeCallback invokes a callback, absorbing panics
func (d *ConsumerDispatcher) safeCallback(ctx context.Context, cb RejectionCallback, msgCtx *contracts.ConsumeContext, cause error) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("consumer callback panicked", "messageId", msgCtx.MessageID(), "panic", r)
		}
	}()
	cb(ctx, msgCtx, cause)
}

// newConsumeContext builds the read-only view handed to consumers. The
// envelope may be nil when the body was unreadable.
func newConsumeContext(envelope *contracts.Envelope, delivery TransportDelivery, queue string) *contracts.ConsumeContext {
	return &contracts.ConsumeContext{
		Envelope:        envelope,
		Exchange:        delivery.Exchange(),
		RoutingKey:      delivery.RoutingKey(),
		QueueName:       queue,
		ConsumerTag:     delivery.ConsumerTag(),
		DeliveryTag:     delivery.DeliveryTag(),
		Redelivered:     delivery.Redelivered(),
		RedeliveryCount: redeliveryCountFrom(envelope, delivery.Headers()),
		ReceivedAt:      time.Now().UTC(),
		SentAt:          delivery.SentAt(),
	}
}
