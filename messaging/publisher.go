package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/kinebus/kinebus-go/contracts"
	"github.com/kinebus/kinebus-go/internal/reliability"
)

// MessagePublisher wraps payloads into envelopes and publishes them through
// the transport. Every publish returns the generated message ID, which equals
// the MessageID on the wire envelope.
type MessagePublisher struct {
	transport      TransportPublisher
	retryPolicy    reliability.RetryPolicy
	circuitBreaker *reliability.CircuitBreaker
	logger         *slog.Logger
	metrics        MetricsCollector

	defaultExchange   string
	defaultRoutingKey string
	sourceApplication string
}

// PublisherOption configures the message publisher
type PublisherOption func(*MessagePublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *MessagePublisher) {
		p.logger = logger
	}
}

// WithRetryPolicy sets the retry policy applied around each publish. Only
// errors that classify themselves as transient are retried.
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *MessagePublisher) {
		p.retryPolicy = policy
	}
}

// WithCircuitBreaker guards publishes with a circuit breaker
func WithCircuitBreaker(cb *reliability.CircuitBreaker) PublisherOption {
	return func(p *MessagePublisher) {
		p.circuitBreaker = cb
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) PublisherOption {
	return func(p *MessagePublisher) {
		p.metrics = metrics
	}
}

// WithDefaultExchange sets the exchange used when a publish names none
func WithDefaultExchange(exchange string) PublisherOption {
	return func(p *MessagePublisher) {
		p.defaultExchange = exchange
	}
}

// WithDefaultRoutingKey sets the routing key used when a publish names none
func WithDefaultRoutingKey(routingKey string) PublisherOption {
	return func(p *MessagePublisher) {
		p.defaultRoutingKey = routingKey
	}
}

// WithSourceApplication stamps every envelope with the publishing
// application name
func WithSourceApplication(name string) PublisherOption {
	return func(p *MessagePublisher) {
		p.sourceApplication = name
	}
}

// NewMessagePublisher creates a message publisher over the given transport
func NewMessagePublisher(transport TransportPublisher, options ...PublisherOption) *MessagePublisher {
	p := &MessagePublisher{
		transport:   transport,
		retryPolicy: reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		logger:      slog.Default(),
		metrics:     NoopMetrics{},
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// publishOptions collects per-publish settings
type publishOptions struct {
	exchange      string
	routingKey    string
	priority      uint8
	ttl           time.Duration
	headers       map[string]interface{}
	messageType   string
	correlationID string
	causationID   string
}

// PublishOption configures a single publish
type PublishOption func(*publishOptions)

// WithExchange overrides the target exchange for this publish
func WithExchange(exchange string) PublishOption {
	return func(o *publishOptions) {
		o.exchange = exchange
	}
}

// WithRoutingKey sets the routing key for this publish
func WithRoutingKey(routingKey string) PublishOption {
	return func(o *publishOptions) {
		o.routingKey = routingKey
	}
}

// WithPriority sets the broker message priority (0-255, effective range
// bounded by the queue's x-max-priority)
func WithPriority(priority uint8) PublishOption {
	return func(o *publishOptions) {
		o.priority = priority
	}
}

// WithTTL sets a per-message expiration
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.ttl = ttl
	}
}

// WithHeaders merges custom headers into the envelope and the wire message
func WithHeaders(headers map[string]interface{}) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(map[string]interface{})
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// WithType sets the logical message type on the envelope
func WithType(messageType string) PublishOption {
	return func(o *publishOptions) {
		o.messageType = messageType
	}
}

// WithCorrelation sets the correlation ID on the envelope
func WithCorrelation(correlationID string) PublishOption {
	return func(o *publishOptions) {
		o.correlationID = correlationID
	}
}

// WithCausation sets the causation ID on the envelope
func WithCausation(causationID string) PublishOption {
	return func(o *publishOptions) {
		o.causationID = causationID
	}
}

// Publish wraps payload into an envelope and sends it. Returns the generated
// message ID on success. A missing routing key fails fast before any broker
// interaction.
func (p *MessagePublisher) Publish(ctx context.Context, payload interface{}, options ...PublishOption) (string, error) {
	envelope, opts, err := p.prepare(payload, options)
	if err != nil {
		return "", err
	}

	if err := p.send(ctx, opts.exchange, opts.routingKey, envelope, opts); err != nil {
		return "", err
	}

	return envelope.MessageID, nil
}

// PublishEnvelope sends an already-built envelope. Used by the redelivery
// path and the scheduler, which must preserve envelope identity.
func (p *MessagePublisher) PublishEnvelope(ctx context.Context, envelope *contracts.Envelope, exchange, routingKey string) error {
	if envelope == nil {
		return ErrNilPayload
	}
	if routingKey == "" {
		routingKey = p.defaultRoutingKey
	}
	if routingKey == "" {
		return ErrMissingRoutingKey
	}
	if exchange == "" {
		exchange = p.defaultExchange
	}

	return p.send(ctx, exchange, routingKey, envelope, &publishOptions{})
}

// PublishWithPriority publishes with a broker priority
func (p *MessagePublisher) PublishWithPriority(ctx context.Context, payload interface{}, routingKey string, priority uint8) (string, error) {
	return p.Publish(ctx, payload, WithRoutingKey(routingKey), WithPriority(priority))
}

// PublishWithHeaders publishes with custom headers
func (p *MessagePublisher) PublishWithHeaders(ctx context.Context, payload interface{}, routingKey string, headers map[string]interface{}) (string, error) {
	return p.Publish(ctx, payload, WithRoutingKey(routingKey), WithHeaders(headers))
}

// PublishWithTTL publishes with a per-message expiration
func (p *MessagePublisher) PublishWithTTL(ctx context.Context, payload interface{}, routingKey string, ttl time.Duration) (string, error) {
	return p.Publish(ctx, payload, WithRoutingKey(routingKey), WithTTL(ttl))
}

// PublishResult is the outcome of an asynchronous publish
type PublishResult struct {
	MessageID string
	Err       error
}

// PublishAsync performs the publish on a separate goroutine and reports the
// outcome on the returned channel
func (p *MessagePublisher) PublishAsync(ctx context.Context, payload interface{}, options ...PublishOption) <-chan PublishResult {
	result := make(chan PublishResult, 1)

	go func() {
		id, err := p.Publish(ctx, payload, options...)
		result <- PublishResult{MessageID: id, Err: err}
	}()

	return result
}

// PublishBatch wraps each payload into its own envelope and sends all of them
// in one transport batch. On success the returned IDs match the submission
// order. Any confirm failure fails the whole call and no IDs are returned.
func (p *MessagePublisher) PublishBatch(ctx context.Context, payloads []interface{}, options ...PublishOption) ([]string, error) {
	if len(payloads) == 0 {
		return nil, ErrEmptyBatch
	}

	ids := make([]string, 0, len(payloads))
	outbound := make([]OutboundPublish, 0, len(payloads))

	for i, payload := range payloads {
		envelope, opts, err := p.prepare(payload, options)
		if err != nil {
			return nil, fmt.Errorf("messaging: batch item %d: %w", i, err)
		}

		msg, err := p.toOutbound(envelope, opts)
		if err != nil {
			return nil, fmt.Errorf("messaging: batch item %d: %w", i, err)
		}

		ids = append(ids, envelope.MessageID)
		outbound = append(outbound, OutboundPublish{
			Exchange:   opts.exchange,
			RoutingKey: opts.routingKey,
			Message:    msg,
		})
	}

	publish := func() error {
		return p.transport.PublishBatch(ctx, outbound)
	}

	if err := p.execute(ctx, publish); err != nil {
		p.metrics.PublishFailed(outbound[0].Exchange, outbound[0].RoutingKey)
		p.logger.Error("batch publish failed",
			"size", len(outbound),
			"error", err)
		return nil, err
	}

	p.metrics.BatchPublished(len(outbound))
	p.logger.Debug("batch published",
		"size", len(outbound),
		"exchange", outbound[0].Exchange)

	return ids, nil
}

// BatchResult is the outcome of an asynchronous batch publish
type BatchResult struct {
	MessageIDs []string
	Err        error
}

// PublishBatchAsync performs the batch publish on a separate goroutine
func (p *MessagePublisher) PublishBatchAsync(ctx context.Context, payloads []interface{}, options ...PublishOption) <-chan BatchResult {
	result := make(chan BatchResult, 1)

	go func() {
		ids, err := p.PublishBatch(ctx, payloads, options...)
		result <- BatchResult{MessageIDs: ids, Err: err}
	}()

	return result
}

// Close closes the underlying transport publisher
func (p *MessagePublisher) Close() error {
	return p.transport.Close()
}

// prepare validates the publish and builds the envelope
func (p *MessagePublisher) prepare(payload interface{}, options []PublishOption) (*contracts.Envelope, *publishOptions, error) {
	if payload == nil {
		return nil, nil, ErrNilPayload
	}

	opts := &publishOptions{
		exchange:   p.defaultExchange,
		routingKey: p.defaultRoutingKey,
	}
	for _, opt := range options {
		opt(opts)
	}

	if opts.routingKey == "" {
		return nil, nil, ErrMissingRoutingKey
	}

	envOpts := []contracts.EnvelopeOption{}
	if opts.messageType != "" {
		envOpts = append(envOpts, contracts.WithMessageType(opts.messageType))
	}
	if opts.correlationID != "" {
		envOpts = append(envOpts, contracts.WithCorrelationID(opts.correlationID))
	}
	if opts.causationID != "" {
		envOpts = append(envOpts, contracts.WithCausationID(opts.causationID))
	}
	if opts.headers != nil {
		envOpts = append(envOpts, contracts.WithEnvelopeHeaders(opts.headers))
	}
	if p.sourceApplication != "" {
		envOpts = append(envOpts, contracts.WithSourceApplication(p.sourceApplication))
	}

	envelope, err := contracts.NewEnvelope(payload, envOpts...)
	if err != nil {
		return nil, nil, err
	}

	return envelope, opts, nil
}

// send encodes the envelope and publishes it with retry and circuit breaker
// protection
func (p *MessagePublisher) send(ctx context.Context, exchange, routingKey string, envelope *contracts.Envelope, opts *publishOptions) error {
	msg, err := p.toOutbound(envelope, opts)
	if err != nil {
		return err
	}

	publish := func() error {
		return p.transport.Publish(ctx, exchange, routingKey, msg)
	}

	if err := p.execute(ctx, publish); err != nil {
		p.metrics.PublishFailed(exchange, routingKey)
		p.logger.Error("publish failed",
			"messageId", envelope.MessageID,
			"exchange", exchange,
			"routingKey", routingKey,
			"error", err)
		return err
	}

	p.metrics.MessagePublished(exchange, routingKey)
	p.logger.Debug("message published",
		"messageId", envelope.MessageID,
		"exchange", exchange,
		"routingKey", routingKey)

	return nil
}

// execute runs publish under the circuit breaker and the retry policy
func (p *MessagePublisher) execute(ctx context.Context, publish func() error) error {
	attempt := publish
	if p.circuitBreaker != nil {
		attempt = func() error {
			return p.circuitBreaker.Execute(ctx, publish)
		}
	}

	if p.retryPolicy == nil {
		return attempt()
	}
	return reliability.Retry(ctx, p.retryPolicy, attempt)
}

// toOutbound converts an envelope into its wire form
func (p *MessagePublisher) toOutbound(envelope *contracts.Envelope, opts *publishOptions) (OutboundMessage, error) {
	body, err := envelope.Encode()
	if err != nil {
		return OutboundMessage{}, err
	}

	msg := OutboundMessage{
		Body:          body,
		Headers:       envelope.Headers,
		ContentType:   envelope.ContentType,
		MessageID:     envelope.MessageID,
		CorrelationID: envelope.CorrelationID,
		Priority:      opts.priority,
		Persistent:    true,
		Timestamp:     envelope.Timestamp,
	}

	if opts.ttl > 0 {
		msg.Expiration = strconv.FormatInt(opts.ttl.Milliseconds(), 10)
	}

	return msg, nil
}
