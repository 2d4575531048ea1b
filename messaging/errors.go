package messaging

import "errors"

var (
	// ErrMissingRoutingKey is returned before any broker interaction when a
	// publish has neither an explicit nor a default routing key
	ErrMissingRoutingKey = errors.New("messaging: routing key is required")

	// ErrNilPayload is returned when a publish is attempted with a nil payload
	ErrNilPayload = errors.New("messaging: payload cannot be nil")

	// ErrEmptyBatch is returned when a batch publish has no messages
	ErrEmptyBatch = errors.New("messaging: batch contains no messages")

	// ErrConsumerNotRegistered is returned when a consumer name is not known
	// to the registry
	ErrConsumerNotRegistered = errors.New("messaging: consumer not registered")

	// ErrDispatcherStarted is returned when registrations are mutated after
	// Consume has been called
	ErrDispatcherStarted = errors.New("messaging: dispatcher already started")

	// ErrDispatcherClosed is returned from operations on a closed dispatcher
	ErrDispatcherClosed = errors.New("messaging: dispatcher is closed")

	// ErrSchedulerStarted is returned when Start is called twice
	ErrSchedulerStarted = errors.New("messaging: scheduler already started")

	// ErrScheduleNotFound is returned when a scheduled message ID is unknown
	ErrScheduleNotFound = errors.New("messaging: scheduled message not found")

	// ErrInvalidSchedule is returned for schedules that can never fire
	ErrInvalidSchedule = errors.New("messaging: invalid schedule")

	// ErrClientClosed is returned from request/reply calls on a closed client
	ErrClientClosed = errors.New("messaging: request client is closed")
)
