package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ScheduleStatus is the lifecycle state of a scheduled message
type ScheduleStatus string

const (
	ScheduleStatusPending    ScheduleStatus = "pending"
	ScheduleStatusProcessing ScheduleStatus = "processing"
	ScheduleStatusCompleted  ScheduleStatus = "completed"
	ScheduleStatusFailed     ScheduleStatus = "failed"
	ScheduleStatusCancelled  ScheduleStatus = "cancelled"
	ScheduleStatusPaused     ScheduleStatus = "paused"
)

// ScheduledMessage is a deferred or recurring publish. One-shot messages
// carry only ScheduledAt; recurring ones also carry an Interval or a
// CronExpression and return to pending with a recomputed ScheduledAt after
// each successful fire.
type ScheduledMessage struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Exchange    string          `json:"exchange,omitempty"`
	RoutingKey  string          `json:"routingKey"`
	MessageType string          `json:"messageType,omitempty"`

	ScheduledAt    time.Time     `json:"scheduledAt"`
	Interval       time.Duration `json:"interval,omitempty"`
	CronExpression string        `json:"cronExpression,omitempty"`
	MaxExecutions  int           `json:"maxExecutions,omitempty"` // 0 means unlimited for recurring schedules

	Status     ScheduleStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	Executions int            `json:"executions"`
	LastError  string         `json:"lastError,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// IsRecurring reports whether the schedule fires more than once
func (m *ScheduledMessage) IsRecurring() bool {
	return m.Interval > 0 || m.CronExpression != ""
}

// ScheduledMessageStore persists scheduled messages. Implementations must be
// safe for concurrent use.
type ScheduledMessageStore interface {
	// Save persists a new scheduled message
	Save(ctx context.Context, msg *ScheduledMessage) error

	// Get returns a scheduled message by ID, or ErrScheduleNotFound
	Get(ctx context.Context, id string) (*ScheduledMessage, error)

	// GetDueMessages atomically claims up to limit pending messages whose
	// ScheduledAt has passed, marking each processing before returning it.
	// A claimed message is invisible to concurrent pollers.
	GetDueMessages(ctx context.Context, limit int) ([]*ScheduledMessage, error)

	// Update persists changes to an existing message
	Update(ctx context.Context, msg *ScheduledMessage) error

	// TryTransition moves a message from one of the given states to the
	// target state. Returns false without error when the message does not
	// exist or is not in an applicable state.
	TryTransition(ctx context.Context, id string, from []ScheduleStatus, to ScheduleStatus) (bool, error)
}

// InMemoryScheduledMessageStore keeps schedules in a map. Pending schedules
// do not survive a restart; use a persistent store for that.
type InMemoryScheduledMessageStore struct {
	mu       sync.Mutex
	messages map[string]*ScheduledMessage
}

// NewInMemoryScheduledMessageStore creates an empty store
func NewInMemoryScheduledMessageStore() *InMemoryScheduledMessageStore {
	return &InMemoryScheduledMessageStore{
		messages: make(map[string]*ScheduledMessage),
	}
}

// Save implements ScheduledMessageStore
func (s *InMemoryScheduledMessageStore) Save(ctx context.Context, msg *ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *msg
	s.messages[msg.ID] = &clone
	return nil
}

// Get implements ScheduledMessageStore
func (s *InMemoryScheduledMessageStore) Get(ctx context.Context, id string) (*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	clone := *msg
	return &clone, nil
}

// GetDueMessages implements ScheduledMessageStore
func (s *InMemoryScheduledMessageStore) GetDueMessages(ctx context.Context, limit int) ([]*ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*ScheduledMessage
	for _, msg := range s.messages {
		if msg.Status == ScheduleStatusPending && !msg.ScheduledAt.After(now) {
			due = append(due, msg)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*ScheduledMessage, 0, len(due))
	for _, msg := range due {
		msg.Status = ScheduleStatusProcessing
		msg.UpdatedAt = now
		clone := *msg
		claimed = append(claimed, &clone)
	}
	return claimed, nil
}

// Update implements ScheduledMessageStore
func (s *InMemoryScheduledMessageStore) Update(ctx context.Context, msg *ScheduledMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; !ok {
		return ErrScheduleNotFound
	}
	clone := *msg
	s.messages[msg.ID] = &clone
	return nil
}

// TryTransition implements ScheduledMessageStore
func (s *InMemoryScheduledMessageStore) TryTransition(ctx context.Context, id string, from []ScheduleStatus, to ScheduleStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if msg.Status == status {
			msg.Status = to
			msg.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

// MessageScheduler publishes scheduled messages when they come due. It polls
// the store on a fixed interval, claims due messages in batches, and
// publishes each through the message publisher.
type MessageScheduler struct {
	store     ScheduledMessageStore
	publisher *MessagePublisher
	logger    *slog.Logger
	metrics   MetricsCollector

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// SchedulerOption configures the scheduler
type SchedulerOption func(*MessageScheduler)

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *MessageScheduler) {
		s.logger = logger
	}
}

// WithPollInterval sets how often the store is polled for due messages
func WithPollInterval(interval time.Duration) SchedulerOption {
	return func(s *MessageScheduler) {
		s.pollInterval = interval
	}
}

// WithSchedulerBatchSize caps how many due messages one poll claims
func WithSchedulerBatchSize(size int) SchedulerOption {
	return func(s *MessageScheduler) {
		s.batchSize = size
	}
}

// WithMaxPublishAttempts sets how many failed fires mark a schedule failed
func WithMaxPublishAttempts(attempts int) SchedulerOption {
	return func(s *MessageScheduler) {
		s.maxAttempts = attempts
	}
}

// WithSchedulerMetrics sets the metrics collector
func WithSchedulerMetrics(metrics MetricsCollector) SchedulerOption {
	return func(s *MessageScheduler) {
		s.metrics = metrics
	}
}

// NewMessageScheduler creates a scheduler over the given store and publisher
func NewMessageScheduler(store ScheduledMessageStore, publisher *MessagePublisher, options ...SchedulerOption) *MessageScheduler {
	s := &MessageScheduler{
		store:        store,
		publisher:    publisher,
		logger:       slog.Default(),
		metrics:      NoopMetrics{},
		pollInterval: time.Second,
		batchSize:    50,
		maxAttempts:  3,
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// ScheduleMessage schedules a one-shot publish at the given time. Times in
// the past fire on the next poll.
func (s *MessageScheduler) ScheduleMessage(ctx context.Context, payload interface{}, routingKey string, at time.Time) (string, error) {
	return s.schedule(ctx, payload, routingKey, at, 0, "", 0)
}

// ScheduleMessageAfter schedules a one-shot publish after a delay
func (s *MessageScheduler) ScheduleMessageAfter(ctx context.Context, payload interface{}, routingKey string, delay time.Duration) (string, error) {
	return s.schedule(ctx, payload, routingKey, time.Now().Add(delay), 0, "", 0)
}

// ScheduleRecurring schedules a publish repeating on a fixed interval.
// maxExecutions of zero repeats without bound.
func (s *MessageScheduler) ScheduleRecurring(ctx context.Context, payload interface{}, routingKey string, interval time.Duration, maxExecutions int) (string, error) {
	if interval <= 0 {
		return "", ErrInvalidSchedule
	}
	return s.schedule(ctx, payload, routingKey, time.Now().Add(interval), interval, "", maxExecutions)
}

// ScheduleCron schedules a publish driven by a standard five-field cron
// expression. maxExecutions of zero repeats without bound.
func (s *MessageScheduler) ScheduleCron(ctx context.Context, payload interface{}, routingKey string, expression string, maxExecutions int) (string, error) {
	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return "", ErrInvalidSchedule
	}
	return s.schedule(ctx, payload, routingKey, schedule.Next(time.Now()), 0, expression, maxExecutions)
}

func (s *MessageScheduler) schedule(ctx context.Context, payload interface{}, routingKey string, at time.Time, interval time.Duration, expression string, maxExecutions int) (string, error) {
	if payload == nil {
		return "", ErrNilPayload
	}
	if routingKey == "" {
		return "", ErrMissingRoutingKey
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	msg := &ScheduledMessage{
		ID:             uuid.New().String(),
		Payload:        body,
		RoutingKey:     routingKey,
		ScheduledAt:    at,
		Interval:       interval,
		CronExpression: expression,
		MaxExecutions:  maxExecutions,
		Status:         ScheduleStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Save(ctx, msg); err != nil {
		return "", err
	}

	s.logger.Debug("message scheduled",
		"scheduleId", msg.ID,
		"routingKey", routingKey,
		"scheduledAt", at,
		"recurring", msg.IsRecurring())
	return msg.ID, nil
}

// CancelScheduledMessage cancels a pending or paused schedule. Returns false
// when the ID is unknown or the schedule already reached a terminal state.
func (s *MessageScheduler) CancelScheduledMessage(ctx context.Context, id string) (bool, error) {
	return s.store.TryTransition(ctx, id,
		[]ScheduleStatus{ScheduleStatusPending, ScheduleStatusPaused}, ScheduleStatusCancelled)
}

// PauseScheduledMessage pauses a pending schedule. Returns false when the ID
// is unknown or the schedule is not pending.
func (s *MessageScheduler) PauseScheduledMessage(ctx context.Context, id string) (bool, error) {
	return s.store.TryTransition(ctx, id,
		[]ScheduleStatus{ScheduleStatusPending}, ScheduleStatusPaused)
}

// ResumeScheduledMessage resumes a paused schedule. Returns false when the
// ID is unknown or the schedule is not paused.
func (s *MessageScheduler) ResumeScheduledMessage(ctx context.Context, id string) (bool, error) {
	return s.store.TryTransition(ctx, id,
		[]ScheduleStatus{ScheduleStatusPaused}, ScheduleStatusPending)
}

// GetScheduledMessage returns a schedule by ID
func (s *MessageScheduler) GetScheduledMessage(ctx context.Context, id string) (*ScheduledMessage, error) {
	return s.store.Get(ctx, id)
}

// Start begins the poll loop. It returns immediately; the loop runs until
// Stop or context cancellation.
func (s *MessageScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)

	s.logger.Info("scheduler started",
		"pollInterval", s.pollInterval,
		"batchSize", s.batchSize)
	return nil
}

// Stop halts the poll loop and waits for the in-flight poll to finish
func (s *MessageScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *MessageScheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processDue(ctx)
		}
	}
}

// processDue claims and fires one batch of due messages
func (s *MessageScheduler) processDue(ctx context.Context) {
	due, err := s.store.GetDueMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("due message poll failed", "error", err)
		return
	}

	for _, msg := range due {
		s.fire(ctx, msg)
	}
}

// fire publishes one claimed message and settles its next state
func (s *MessageScheduler) fire(ctx context.Context, msg *ScheduledMessage) {
	options := []PublishOption{WithRoutingKey(msg.RoutingKey)}
	if msg.Exchange != "" {
		options = append(options, WithExchange(msg.Exchange))
	}
	if msg.MessageType != "" {
		options = append(options, WithType(msg.MessageType))
	}

	_, err := s.publisher.Publish(ctx, msg.Payload, options...)

	msg.UpdatedAt = time.Now().UTC()
	if err != nil {
		msg.Attempts++
		msg.LastError = err.Error()
		if msg.Attempts >= s.maxAttempts {
			msg.Status = ScheduleStatusFailed
			s.logger.Error("scheduled message abandoned",
				"scheduleId", msg.ID,
				"attempts", msg.Attempts,
				"error", err)
		} else {
			// Back to pending; the next poll retries the fire
			msg.Status = ScheduleStatusPending
			s.logger.Warn("scheduled publish failed",
				"scheduleId", msg.ID,
				"attempt", msg.Attempts,
				"error", err)
		}
		s.update(ctx, msg)
		return
	}

	msg.Executions++
	msg.Attempts = 0
	msg.LastError = ""
	s.metrics.ScheduledMessageFired(msg.IsRecurring())

	if msg.IsRecurring() && (msg.MaxExecutions == 0 || msg.Executions < msg.MaxExecutions) {
		next, err := s.nextFire(msg)
		if err != nil {
			msg.Status = ScheduleStatusFailed
			msg.LastError = err.Error()
		} else {
			msg.Status = ScheduleStatusPending
			msg.ScheduledAt = next
		}
	} else {
		msg.Status = ScheduleStatusCompleted
	}

	s.update(ctx, msg)
	s.logger.Debug("scheduled message fired",
		"scheduleId", msg.ID,
		"executions", msg.Executions,
		"status", msg.Status)
}

// nextFire computes the next occurrence for a recurring schedule
func (s *MessageScheduler) nextFire(msg *ScheduledMessage) (time.Time, error) {
	if msg.CronExpression != "" {
		schedule, err := cron.ParseStandard(msg.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return schedule.Next(time.Now()), nil
	}
	return time.Now().Add(msg.Interval), nil
}

func (s *MessageScheduler) update(ctx context.Context, msg *ScheduledMessage) {
	if err := s.store.Update(ctx, msg); err != nil {
		s.logger.Error("schedule update failed", "scheduleId", msg.ID, "error", err)
	}
}
