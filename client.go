// Package kinebus is a reliability layer for RabbitMQ messaging: managed
// connections with automatic recovery, confirmed publishing, dispatching
// with bounded redelivery and dead-lettering, duplicate suppression,
// scheduled publishing, and correlated request/reply.
package kinebus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kinebus/kinebus-go/config"
	"github.com/kinebus/kinebus-go/internal/rabbitmq"
	"github.com/kinebus/kinebus-go/internal/reliability"
	"github.com/kinebus/kinebus-go/messaging"
	redisstore "github.com/kinebus/kinebus-go/stores/redis"
	transport "github.com/kinebus/kinebus-go/transports/rabbitmq"
)

// Client bundles the transport, publisher, dispatcher, and scheduler behind
// one lifecycle. Construction connects to the broker; Start begins consuming
// and scheduling; Close tears everything down.
type Client struct {
	cfg        *config.Config
	transport  *transport.Transport
	publisher  *messaging.MessagePublisher
	registry   *messaging.ConsumerRegistry
	dispatcher *messaging.ConsumerDispatcher
	scheduler  *messaging.MessageScheduler
	dedup      messaging.DeduplicationStore
	logger     *slog.Logger
	metrics    messaging.MetricsCollector

	cancelCleanup context.CancelFunc
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger        *slog.Logger
	metrics       messaging.MetricsCollector
	dedupStore    messaging.DeduplicationStore
	scheduleStore messaging.ScheduledMessageStore
}

// WithClientLogger sets the logger used across all components
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithClientMetrics sets the metrics collector used across all components
func WithClientMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(c *clientConfig) {
		c.metrics = metrics
	}
}

// WithDedupStore overrides the configured deduplication store
func WithDedupStore(store messaging.DeduplicationStore) ClientOption {
	return func(c *clientConfig) {
		c.dedupStore = store
	}
}

// WithScheduleStore overrides the in-memory scheduled message store
func WithScheduleStore(store messaging.ScheduledMessageStore) ClientOption {
	return func(c *clientConfig) {
		c.scheduleStore = store
	}
}

// NewClient connects to the broker and wires the messaging components from
// the given configuration
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger:  slog.Default(),
		metrics: messaging.NoopMetrics{},
	}
	for _, opt := range options {
		opt(cc)
	}

	confirmMode, err := parseConfirmMode(cfg.Publisher.ConfirmMode)
	if err != nil {
		return nil, err
	}

	tr, err := transport.NewTransport(cfg.Broker.URL,
		transport.WithLogger(cc.logger),
		transport.WithConfirmMode(confirmMode),
		transport.WithConfirmTimeout(cfg.Publisher.ConfirmTimeout),
		transport.WithPrefetchCount(cfg.Consumer.PrefetchCount),
		transport.WithConnectionOptions(
			rabbitmq.WithConnectTimeout(cfg.Broker.ConnectTimeout),
			rabbitmq.WithRetryDelay(cfg.Broker.RetryDelay),
			rabbitmq.WithMaxRetries(cfg.Broker.MaxRetries),
			rabbitmq.WithChannelOpenHook(cc.metrics.ChannelCreated)))
	if err != nil {
		return nil, err
	}

	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}

	publisher := messaging.NewMessagePublisher(tr.Publisher(),
		messaging.WithPublisherLogger(cc.logger),
		messaging.WithMetrics(cc.metrics),
		messaging.WithSourceApplication(cfg.ServiceName),
		messaging.WithRetryPolicy(reliability.NewExponentialBackoff(
			cfg.Publisher.RetryInitial,
			cfg.Publisher.RetryMax,
			2.0,
			cfg.Publisher.RetryAttempts)),
		messaging.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName("publisher"))))

	c := &Client{
		cfg:       cfg,
		transport: tr,
		publisher: publisher,
		registry:  messaging.NewConsumerRegistry(),
		logger:    cc.logger,
		metrics:   cc.metrics,
	}

	if err := c.setupDedup(ctx, cc); err != nil {
		tr.Close()
		return nil, err
	}

	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithDispatcherLogger(cc.logger),
		messaging.WithDispatcherMetrics(cc.metrics),
		messaging.WithRedeliveryPolicy(&messaging.RedeliveryPolicy{
			MaxRedeliveredCount: cfg.Consumer.MaxRedeliveredCount,
		}),
	}
	if c.dedup != nil {
		dispatcherOpts = append(dispatcherOpts, messaging.WithDeduplication(c.dedup, cfg.Dedup.TTL))
	}
	c.dispatcher = messaging.NewConsumerDispatcher(tr.Subscriber(), tr.Publisher(), c.registry, dispatcherOpts...)

	scheduleStore := cc.scheduleStore
	if scheduleStore == nil {
		scheduleStore = messaging.NewInMemoryScheduledMessageStore()
	}
	c.scheduler = messaging.NewMessageScheduler(scheduleStore, publisher,
		messaging.WithSchedulerLogger(cc.logger),
		messaging.WithSchedulerMetrics(cc.metrics),
		messaging.WithPollInterval(cfg.Scheduler.PollInterval),
		messaging.WithSchedulerBatchSize(cfg.Scheduler.BatchSize),
		messaging.WithMaxPublishAttempts(cfg.Scheduler.MaxAttempts))

	return c, nil
}

// setupDedup builds the configured deduplication store
func (c *Client) setupDedup(ctx context.Context, cc *clientConfig) error {
	if cc.dedupStore != nil {
		c.dedup = cc.dedupStore
		return nil
	}
	if !c.cfg.Dedup.Enabled {
		return nil
	}

	if c.cfg.Dedup.RedisURL != "" {
		store, err := redisstore.NewDeduplicationStoreFromURL(c.cfg.Dedup.RedisURL)
		if err != nil {
			return err
		}
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("kinebus: dedup redis unreachable: %w", err)
		}
		c.dedup = store
		return nil
	}

	store := messaging.NewInMemoryDeduplicationStore()
	cleanupCtx, cancel := context.WithCancel(context.Background())
	c.cancelCleanup = cancel
	messaging.StartDedupCleanup(cleanupCtx, store, c.cfg.Dedup.CleanupInterval, c.logger)
	c.dedup = store
	return nil
}

// Publisher returns the message publisher
func (c *Client) Publisher() *messaging.MessagePublisher {
	return c.publisher
}

// Registry returns the consumer registry. Register consumers before calling
// Start.
func (c *Client) Registry() *messaging.ConsumerRegistry {
	return c.registry
}

// Dispatcher returns the consumer dispatcher
func (c *Client) Dispatcher() *messaging.ConsumerDispatcher {
	return c.dispatcher
}

// Scheduler returns the message scheduler
func (c *Client) Scheduler() *messaging.MessageScheduler {
	return c.scheduler
}

// Transport returns the underlying broker transport
func (c *Client) Transport() *transport.Transport {
	return c.transport
}

// NewRequestClient creates a request/reply client sharing this client's
// transport
func (c *Client) NewRequestClient(ctx context.Context, options ...messaging.RequestReplyOption) (*messaging.RequestReplyClient, error) {
	opts := append([]messaging.RequestReplyOption{
		messaging.WithRequestLogger(c.logger),
		messaging.WithRequestMetrics(c.metrics),
		messaging.WithDefaultTimeout(c.cfg.Request.DefaultTimeout),
	}, options...)
	return messaging.NewRequestReplyClient(ctx, c.publisher, c.transport.Subscriber(), opts...)
}

// Start begins consuming registered queues and firing scheduled messages
func (c *Client) Start(ctx context.Context) error {
	if err := c.dispatcher.Consume(ctx); err != nil {
		return err
	}
	return c.scheduler.Start(ctx)
}

// Close stops the scheduler, dispatcher, and transport
func (c *Client) Close() error {
	c.scheduler.Stop()

	if err := c.dispatcher.Close(); err != nil {
		c.logger.Warn("dispatcher close failed", "error", err)
	}
	if c.cancelCleanup != nil {
		c.cancelCleanup()
	}
	if closer, ok := c.dedup.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			c.logger.Warn("dedup store close failed", "error", err)
		}
	}
	return c.transport.Close()
}

// parseConfirmMode maps the configured confirm mode name
func parseConfirmMode(mode string) (rabbitmq.ConfirmMode, error) {
	switch mode {
	case "disabled":
		return rabbitmq.ConfirmDisabled, nil
	case "lenient":
		return rabbitmq.ConfirmLenient, nil
	case "wait-or-die":
		return rabbitmq.ConfirmWaitOrDie, nil
	default:
		return 0, fmt.Errorf("kinebus: unknown confirm mode %q", mode)
	}
}
