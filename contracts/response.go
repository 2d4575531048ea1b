package contracts

import (
	"time"
)

// ResponseStatus is the terminal state of a request/response exchange.
type ResponseStatus string

const (
	ResponseStatusSuccess   ResponseStatus = "success"
	ResponseStatusTimeout   ResponseStatus = "timeout"
	ResponseStatusFailed    ResponseStatus = "failed"
	ResponseStatusCancelled ResponseStatus = "cancelled"
)

// Response is the result of a request/response exchange. It is immutable once
// constructed and always carries exactly one of the four terminal statuses.
// A timeout or cancellation is reported through Status, not as an error from
// the awaiting call.
type Response struct {
	Message       *Envelope
	Status        ResponseStatus
	ErrorMessage  string
	CorrelationID string
	ReceivedAt    time.Time
	Elapsed       time.Duration
}

// IsSuccess reports whether the exchange completed with a correlated reply
func (r *Response) IsSuccess() bool {
	return r.Status == ResponseStatusSuccess
}

// Unwrap deserializes the response payload into target
func (r *Response) Unwrap(target interface{}) error {
	if r.Message == nil {
		return ErrMissingEnvelope
	}
	return r.Message.Unwrap(target)
}

// NewSuccessResponse builds a success response from a correlated reply
func NewSuccessResponse(msg *Envelope, correlationID string, elapsed time.Duration) *Response {
	return &Response{
		Message:       msg,
		Status:        ResponseStatusSuccess,
		CorrelationID: correlationID,
		ReceivedAt:    time.Now(),
		Elapsed:       elapsed,
	}
}

// NewTimeoutResponse builds a timeout response
func NewTimeoutResponse(correlationID string, elapsed time.Duration) *Response {
	return &Response{
		Status:        ResponseStatusTimeout,
		ErrorMessage:  "timed out waiting for response",
		CorrelationID: correlationID,
		Elapsed:       elapsed,
	}
}

// NewFailedResponse builds a failure response from an error
func NewFailedResponse(correlationID string, err error, elapsed time.Duration) *Response {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Response{
		Status:        ResponseStatusFailed,
		ErrorMessage:  msg,
		CorrelationID: correlationID,
		Elapsed:       elapsed,
	}
}

// NewCancelledResponse builds a cancellation response
func NewCancelledResponse(correlationID string, elapsed time.Duration) *Response {
	return &Response{
		Status:        ResponseStatusCancelled,
		ErrorMessage:  "request cancelled",
		CorrelationID: correlationID,
		Elapsed:       elapsed,
	}
}
