package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the broker connection for the whole process. It
// establishes the connection with bounded retries, hands out channels, and
// transparently reconnects when the broker closes the connection.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	retryDelay     time.Duration
	maxRetries     int
	connectTimeout time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
	onChannelOpen  func()
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithRetryDelay sets the base delay between connection attempts
func WithRetryDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.retryDelay = delay
	}
}

// WithMaxRetries sets the maximum number of connection attempts.
// A negative value retries indefinitely.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectTimeout bounds a single dial attempt
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithChannelOpenHook registers a callback fired on every channel creation.
// Channel creation is instrumented because the publish path deliberately
// trades channel reuse for isolation.
func WithChannelOpenHook(fn func()) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.onChannelOpen = fn
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		retryDelay:     time.Second,
		maxRetries:     5,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// TryConnect establishes the connection, retrying with exponential backoff up
// to the configured attempt count. It is idempotent: calling it while
// connected is a no-op. Exhausting all attempts surfaces as a fatal
// ConnectionError wrapping ErrMaxRetriesExceeded.
func (cm *ConnectionManager) TryConnect(ctx context.Context) error {
	if cm.IsConnected() {
		return nil
	}

	var lastErr error
	for attempt := 0; cm.maxRetries < 0 || attempt <= cm.maxRetries; attempt++ {
		if attempt > 0 {
			cm.notifyReconnecting(attempt)
			select {
			case <-time.After(cm.calculateBackoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			case <-cm.done:
				return ErrConnectionClosed
			}
		}

		err := cm.dial(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		cm.logger.Warn("connection attempt failed",
			"attempt", attempt+1,
			"url", SanitizeURL(cm.url),
			"error", err)
	}

	cm.logger.Error("connection attempts exhausted",
		"attempts", cm.maxRetries+1,
		"lastError", lastErr)

	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries + 1,
	}
}

// dial performs a single connection attempt
func (cm *ConnectionManager) dial(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.Dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		cm.mu.Lock()
		cm.conn = conn
		cm.isConnected = true
		cm.notifyClose = make(chan *amqp.Error, 1)
		cm.conn.NotifyClose(cm.notifyClose)
		cm.mu.Unlock()

		cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
		cm.notifyConnected()

		go cm.handleReconnect(cm.notifyClose)
		return nil

	case err := <-errChan:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}

	case <-connCtx.Done():
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

// CreateChannel opens a new channel bound to the live connection. Fails with
// a connectivity error if no connection can be established.
func (cm *ConnectionManager) CreateChannel() (*amqp.Channel, error) {
	cm.mu.RLock()
	conn := cm.conn
	connected := cm.isConnected
	cm.mu.RUnlock()

	if !connected || conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if cm.onChannelOpen != nil {
		cm.onChannelOpen()
	}

	return ch, nil
}

// Close closes the connection and stops the reconnect loop
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		close(cm.done)
	})

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// handleReconnect reconnects when the broker reports a connection-level close
func (cm *ConnectionManager) handleReconnect(notify chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if !ok {
			return
		}
		if err != nil {
			cm.logger.Error("connection closed by broker", "error", err)
		}

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)

		if connErr := cm.TryConnect(context.Background()); connErr != nil {
			cm.logger.Error("reconnect failed", "error", connErr)
			cm.notifyDisconnected(connErr)
		}

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}

// calculateBackoff returns the delay before the given retry attempt,
// exponential with ±25% jitter, capped at 5 minutes.
func (cm *ConnectionManager) calculateBackoff(attempt int) time.Duration {
	base := cm.retryDelay
	if base <= 0 {
		base = time.Second
	}

	maxDelay := 5 * time.Minute

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter > 0 {
		delay = delay - jitter/2 + time.Duration(time.Now().UnixNano()%int64(jitter))
	}

	return delay
}
