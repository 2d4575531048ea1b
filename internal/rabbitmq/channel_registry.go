package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BindingConfig captures everything needed to (re)create a consumer channel:
// the exchange, the queue with its arguments, and the binding. The registry
// replays the same config when the broker faults the channel.
type BindingConfig struct {
	Exchange     string
	ExchangeType string
	RoutingKey   string
	BindHeaders  amqp.Table // headers-exchange matching arguments
	Durable      bool
	AutoDelete   bool
	Exclusive    bool

	MaxPriority          uint8
	MessageTTL           time.Duration
	QueueExpires         time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// QueueArgs builds the conditional queue declaration arguments
func (b BindingConfig) QueueArgs() amqp.Table {
	args := amqp.Table{}
	if b.MaxPriority > 0 {
		args["x-max-priority"] = int32(b.MaxPriority)
	}
	if b.MessageTTL > 0 {
		args["x-message-ttl"] = b.MessageTTL.Milliseconds()
	}
	if b.QueueExpires > 0 {
		args["x-expires"] = b.QueueExpires.Milliseconds()
	}
	if b.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = b.DeadLetterExchange
	}
	if b.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = b.DeadLetterRoutingKey
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// boundChannel pairs a live channel with the binding used to create it
type boundChannel struct {
	channel *amqp.Channel
	binding BindingConfig
}

// ChannelRegistry maps a queue name to its long-lived consumer channel. The
// registry is the only writer to the map; delivery callbacks read it
// concurrently. A channel-level fault never silently stops consumption: the
// registry recreates the channel with the same binding parameters and tells
// the owner to resubscribe.
type ChannelRegistry struct {
	manager       *ConnectionManager
	mu            sync.RWMutex
	channels      map[string]*boundChannel
	logger        *slog.Logger
	closed        bool
	stop          chan struct{}
	recreateDelay time.Duration
	onRecreate    func(queue string)
}

// RegistryOption configures the ChannelRegistry
type RegistryOption func(*ChannelRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ChannelRegistry) {
		r.logger = logger
	}
}

// WithRecreateHook registers a callback invoked after a faulted channel has
// been recreated, so the consumer can resubscribe on the fresh channel.
func WithRecreateHook(fn func(queue string)) RegistryOption {
	return func(r *ChannelRegistry) {
		r.onRecreate = fn
	}
}

// WithRecreateDelay sets the base delay between channel recreation attempts
func WithRecreateDelay(delay time.Duration) RegistryOption {
	return func(r *ChannelRegistry) {
		r.recreateDelay = delay
	}
}

// NewChannelRegistry creates a registry owned by the given connection manager
func NewChannelRegistry(manager *ConnectionManager, options ...RegistryOption) (*ChannelRegistry, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	r := &ChannelRegistry{
		manager:       manager,
		channels:      make(map[string]*boundChannel),
		logger:        slog.Default(),
		stop:          make(chan struct{}),
		recreateDelay: time.Second,
	}

	for _, opt := range options {
		opt(r)
	}

	return r, nil
}

// SetRecreateHook replaces the recreate callback. The consumer wires itself
// in after construction because registry and consumer reference each other.
func (r *ChannelRegistry) SetRecreateHook(fn func(queue string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRecreate = fn
}

// Get returns the channel bound to a queue, if one exists and is open
func (r *ChannelRegistry) Get(queue string) (*amqp.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bc, ok := r.channels[queue]
	if !ok || bc.channel.IsClosed() {
		return nil, false
	}
	return bc.channel, true
}

// GetOrCreate lazily creates (or reuses) the channel for a queue: declares
// the exchange, declares the queue with priority/TTL/dead-letter arguments,
// binds it, and arms the self-healing watcher.
func (r *ChannelRegistry) GetOrCreate(queue string, binding BindingConfig) (*amqp.Channel, error) {
	if ch, ok := r.Get(queue); ok {
		return ch, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	// Re-check under the write lock, another caller may have won
	if bc, ok := r.channels[queue]; ok && !bc.channel.IsClosed() {
		return bc.channel, nil
	}

	ch, err := r.createBoundChannel(queue, binding)
	if err != nil {
		return nil, err
	}

	r.channels[queue] = &boundChannel{channel: ch, binding: binding}
	go r.watchChannel(queue, ch, binding)

	return ch, nil
}

// Remove closes and forgets the channel for a queue
func (r *ChannelRegistry) Remove(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if bc, ok := r.channels[queue]; ok {
		if !bc.channel.IsClosed() {
			_ = bc.channel.Close()
		}
		delete(r.channels, queue)
	}
}

// Queues returns the queue names with a registered channel
func (r *ChannelRegistry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queues := make([]string, 0, len(r.channels))
	for q := range r.channels {
		queues = append(queues, q)
	}
	return queues
}

// Close closes every registered channel
func (r *ChannelRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.stop)

	for queue, bc := range r.channels {
		if !bc.channel.IsClosed() {
			_ = bc.channel.Close()
		}
		delete(r.channels, queue)
	}

	return nil
}

// createBoundChannel opens a channel and declares the full binding on it.
// Caller holds the write lock.
func (r *ChannelRegistry) createBoundChannel(queue string, binding BindingConfig) (*amqp.Channel, error) {
	ch, err := r.manager.CreateChannel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create consumer channel",
			Queue:     queue,
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if binding.Exchange != "" {
		exchangeType := binding.ExchangeType
		if exchangeType == "" {
			exchangeType = "direct"
		}
		if err := ch.ExchangeDeclare(binding.Exchange, exchangeType, binding.Durable, binding.AutoDelete, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, &TopologyError{
				Component: "exchange",
				Name:      binding.Exchange,
				Op:        "declare",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	if _, err := ch.QueueDeclare(queue, binding.Durable, binding.AutoDelete, binding.Exclusive, false, binding.QueueArgs()); err != nil {
		_ = ch.Close()
		return nil, &TopologyError{
			Component: "queue",
			Name:      queue,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if binding.Exchange != "" {
		if err := ch.QueueBind(queue, binding.RoutingKey, binding.Exchange, false, binding.BindHeaders); err != nil {
			_ = ch.Close()
			return nil, &TopologyError{
				Component: "binding",
				Name:      fmt.Sprintf("%s->%s", queue, binding.Exchange),
				Op:        "bind",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return ch, nil
}

// watchChannel recreates the channel when the broker reports a channel-level
// fault, then hands control back to the consumer via the recreate hook.
func (r *ChannelRegistry) watchChannel(queue string, ch *amqp.Channel, binding BindingConfig) {
	closeChan := make(chan *amqp.Error, 1)
	ch.NotifyClose(closeChan)

	amqpErr, ok := <-closeChan
	if !ok || amqpErr == nil {
		// Clean shutdown, nothing to heal
		return
	}

	r.logger.Warn("consumer channel faulted, recreating",
		"queue", queue,
		"code", amqpErr.Code,
		"reason", amqpErr.Reason)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.channels, queue)
	r.mu.Unlock()

	r.recreateChannel(queue, binding)
}

// recreateChannel retries until the channel is back or the registry closes.
// A connection-level drop faults every consumer channel at once, and the
// first recreation attempts race the manager's own reconnect loop; the retry
// loop spans that outage instead of giving up on the queue.
func (r *ChannelRegistry) recreateChannel(queue string, binding BindingConfig) {
	for attempt := 1; ; attempt++ {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}

		newCh, err := r.createBoundChannel(queue, binding)
		if err == nil {
			r.channels[queue] = &boundChannel{channel: newCh, binding: binding}
			hook := r.onRecreate
			r.mu.Unlock()

			go r.watchChannel(queue, newCh, binding)

			r.logger.Info("consumer channel recreated",
				"queue", queue,
				"attempts", attempt)

			if hook != nil {
				hook(queue)
			}
			return
		}
		r.mu.Unlock()

		r.logger.Warn("consumer channel recreation failed, retrying",
			"queue", queue,
			"attempt", attempt,
			"error", err)

		select {
		case <-time.After(r.recreateBackoff(attempt)):
		case <-r.stop:
			return
		}
	}
}

// recreateBackoff doubles the base delay per attempt, capped at 30 seconds
func (r *ChannelRegistry) recreateBackoff(attempt int) time.Duration {
	base := r.recreateDelay
	if base <= 0 {
		base = time.Second
	}

	maxDelay := 30 * time.Second
	if attempt > 6 {
		return maxDelay
	}

	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	return delay
}
