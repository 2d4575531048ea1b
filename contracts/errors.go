package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingMessageID is returned when a wire envelope carries no message ID
	ErrMissingMessageID = errors.New("contracts: envelope missing message id")

	// ErrMissingEnvelope is returned when an operation needs an envelope that
	// could not be extracted from the delivery
	ErrMissingEnvelope = errors.New("contracts: no envelope available")
)

// SerializationError wraps a payload or envelope codec failure. The consumer
// dispatcher treats it like any other processing failure, so it flows through
// the redelivery and dead-letter path.
type SerializationError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("contracts serialization error: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsRetryable marks serialization failures as non-transient: retrying the
// same bytes cannot succeed, so the publish retry loop must not spin on them.
func (e *SerializationError) IsRetryable() bool {
	return false
}
