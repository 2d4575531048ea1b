package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinebus/kinebus-go/contracts"
)

// ReplyToHeader names the reply queue on an outgoing request
const ReplyToHeader = "x-reply-to"

// RequestReplyClient correlates requests with replies over an exclusive
// reply queue. Every call resolves to exactly one terminal response status:
// success, timeout, failed, or cancelled. A timeout is a status on the
// response, not an error from the call.
type RequestReplyClient struct {
	publisher  *MessagePublisher
	subscriber TransportSubscriber
	logger     *slog.Logger
	metrics    MetricsCollector

	replyQueue     string
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *contracts.Envelope
	closed  bool
}

// RequestReplyOption configures the client
type RequestReplyOption func(*RequestReplyClient)

// WithReplyQueue overrides the generated reply queue name
func WithReplyQueue(queue string) RequestReplyOption {
	return func(c *RequestReplyClient) {
		c.replyQueue = queue
	}
}

// WithDefaultTimeout sets the timeout used when a request names none
func WithDefaultTimeout(timeout time.Duration) RequestReplyOption {
	return func(c *RequestReplyClient) {
		c.defaultTimeout = timeout
	}
}

// WithRequestLogger sets the logger
func WithRequestLogger(logger *slog.Logger) RequestReplyOption {
	return func(c *RequestReplyClient) {
		c.logger = logger
	}
}

// WithRequestMetrics sets the metrics collector
func WithRequestMetrics(metrics MetricsCollector) RequestReplyOption {
	return func(c *RequestReplyClient) {
		c.metrics = metrics
	}
}

// NewRequestReplyClient creates the client and starts consuming its reply
// queue. The reply queue is exclusive and auto-deleting; replies route to it
// through the default exchange.
func NewRequestReplyClient(ctx context.Context, publisher *MessagePublisher, subscriber TransportSubscriber, options ...RequestReplyOption) (*RequestReplyClient, error) {
	c := &RequestReplyClient{
		publisher:      publisher,
		subscriber:     subscriber,
		logger:         slog.Default(),
		metrics:        NoopMetrics{},
		replyQueue:     fmt.Sprintf("kinebus.reply.%s", uuid.New().String()[:8]),
		defaultTimeout: 30 * time.Second,
		pending:        make(map[string]chan *contracts.Envelope),
	}

	for _, opt := range options {
		opt(c)
	}

	binding := QueueBinding{
		Durable:    false,
		AutoDelete: true,
		Exclusive:  true,
	}
	opts := SubscribeOptions{Exclusive: true}

	if err := c.subscriber.Subscribe(ctx, c.replyQueue, binding, c.handleReply, opts); err != nil {
		return nil, fmt.Errorf("messaging: reply queue subscription: %w", err)
	}

	return c, nil
}

// ReplyQueue returns the queue replies are routed to
func (c *RequestReplyClient) ReplyQueue() string {
	return c.replyQueue
}

// requestOptions collects per-request settings
type requestOptions struct {
	timeout     time.Duration
	messageType string
}

// RequestOption configures a single request
type RequestOption func(*requestOptions)

// WithRequestTimeout bounds how long the call waits for a reply
func WithRequestTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// WithRequestType sets the logical message type on the request envelope
func WithRequestType(messageType string) RequestOption {
	return func(o *requestOptions) {
		o.messageType = messageType
	}
}

// GetResponse publishes a request and waits for its correlated reply. The
// returned response is always in a terminal state; the error return covers
// only call preconditions such as a missing routing key or a closed client.
func (c *RequestReplyClient) GetResponse(ctx context.Context, payload interface{}, routingKey string, options ...RequestOption) (*contracts.Response, error) {
	if payload == nil {
		return nil, ErrNilPayload
	}
	if routingKey == "" {
		return nil, ErrMissingRoutingKey
	}

	opts := &requestOptions{timeout: c.defaultTimeout}
	for _, opt := range options {
		opt(opts)
	}

	correlationID := uuid.New().String()
	replyCh, err := c.register(correlationID)
	if err != nil {
		return nil, err
	}
	// The waiter entry is removed on every exit path so abandoned requests
	// never accumulate
	defer c.unregister(correlationID)

	start := time.Now()

	publishOpts := []PublishOption{
		WithRoutingKey(routingKey),
		WithCorrelation(correlationID),
		WithHeaders(map[string]interface{}{ReplyToHeader: c.replyQueue}),
	}
	if opts.messageType != "" {
		publishOpts = append(publishOpts, WithType(opts.messageType))
	}

	if _, err := c.publisher.Publish(ctx, payload, publishOpts...); err != nil {
		c.logger.Warn("request publish failed",
			"correlationId", correlationID,
			"routingKey", routingKey,
			"error", err)
		resp := contracts.NewFailedResponse(correlationID, err, time.Since(start))
		c.metrics.RequestCompleted(string(resp.Status), resp.Elapsed)
		return resp, nil
	}

	timer := time.NewTimer(opts.timeout)
	defer timer.Stop()

	var resp *contracts.Response
	select {
	case reply := <-replyCh:
		resp = contracts.NewSuccessResponse(reply, correlationID, time.Since(start))
	case <-timer.C:
		resp = contracts.NewTimeoutResponse(correlationID, time.Since(start))
		c.logger.Warn("request timed out",
			"correlationId", correlationID,
			"routingKey", routingKey,
			"timeout", opts.timeout)
	case <-ctx.Done():
		resp = contracts.NewCancelledResponse(correlationID, time.Since(start))
	}

	c.metrics.RequestCompleted(string(resp.Status), resp.Elapsed)
	return resp, nil
}

// Close stops the reply consumer and cancels outstanding waiters
func (c *RequestReplyClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = make(map[string]chan *contracts.Envelope)
	c.mu.Unlock()

	return c.subscriber.Unsubscribe(c.replyQueue)
}

// register adds a waiter for a correlation ID
func (c *RequestReplyClient) register(correlationID string) (chan *contracts.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}

	ch := make(chan *contracts.Envelope, 1)
	c.pending[correlationID] = ch
	return ch, nil
}

// unregister removes a waiter
func (c *RequestReplyClient) unregister(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, correlationID)
}

// handleReply routes one reply delivery to its waiter. Replies without a
// waiter (late arrivals after timeout) are acknowledged and dropped.
func (c *RequestReplyClient) handleReply(ctx context.Context, delivery TransportDelivery) {
	defer func() {
		if err := delivery.Ack(); err != nil {
			c.logger.Warn("reply ack failed", "error", err)
		}
	}()

	envelope, err := contracts.ParseEnvelope(delivery.Body())
	if err != nil {
		c.logger.Warn("unreadable reply dropped", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[envelope.CorrelationID]
	if ok {
		delete(c.pending, envelope.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("late reply dropped",
			"correlationId", envelope.CorrelationID,
			"messageId", envelope.MessageID)
		return
	}

	ch <- envelope
}

// Respond publishes a reply for a received request. Handlers serving
// request/reply traffic call this from their Consume method; the reply
// routes to the requester's reply queue with the request's correlation ID.
func Respond(ctx context.Context, publisher *MessagePublisher, request *contracts.ConsumeContext, payload interface{}) error {
	if request == nil || request.Envelope == nil {
		return contracts.ErrMissingEnvelope
	}

	replyTo := ""
	if v, ok := request.Envelope.Headers[ReplyToHeader].(string); ok {
		replyTo = v
	}
	if replyTo == "" {
		return fmt.Errorf("messaging: request %s carries no reply queue", request.Envelope.MessageID)
	}

	envelope, err := contracts.NewEnvelope(payload,
		contracts.WithCorrelationID(request.Envelope.CorrelationID),
		contracts.WithCausationID(request.Envelope.MessageID))
	if err != nil {
		return err
	}

	// Reply queues bind to the default exchange by name
	return publisher.PublishEnvelope(ctx, envelope, "", replyTo)
}
