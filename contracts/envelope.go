package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an arbitrary payload for transport. The payload is opaque to
// the envelope itself; routing and processing decisions are made from the
// envelope fields, never from the body.
type Envelope struct {
	MessageID         string                 `json:"messageId"`
	CorrelationID     string                 `json:"correlationId,omitempty"`
	CausationID       string                 `json:"causationId,omitempty"`
	MessageType       string                 `json:"messageType"`
	Timestamp         time.Time              `json:"timestamp"`
	Headers           map[string]interface{} `json:"headers,omitempty"`
	SourceApplication string                 `json:"sourceApplication,omitempty"`
	ContentType       string                 `json:"contentType"`
	RedeliveryCount   int                    `json:"redeliveryCount"`
	Payload           json.RawMessage        `json:"payload"`
}

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*Envelope)

// WithMessageID overrides the generated message ID
func WithMessageID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.MessageID = id
	}
}

// WithCorrelationID sets the correlation ID
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithCausationID sets the causation ID
func WithCausationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		e.CausationID = id
	}
}

// WithMessageType sets the logical message type
func WithMessageType(messageType string) EnvelopeOption {
	return func(e *Envelope) {
		e.MessageType = messageType
	}
}

// WithSourceApplication sets the publishing application name
func WithSourceApplication(source string) EnvelopeOption {
	return func(e *Envelope) {
		e.SourceApplication = source
	}
}

// WithEnvelopeHeaders merges headers into the envelope
func WithEnvelopeHeaders(headers map[string]interface{}) EnvelopeOption {
	return func(e *Envelope) {
		if e.Headers == nil {
			e.Headers = make(map[string]interface{})
		}
		for k, v := range headers {
			e.Headers[k] = v
		}
	}
}

// NewEnvelope wraps a payload into an envelope. A unique message ID and a
// matching correlation ID are generated unless overridden by options.
func NewEnvelope(payload interface{}, options ...EnvelopeOption) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Op: "marshal payload", Err: err, Timestamp: time.Now()}
	}

	e := &Envelope{
		MessageID:   uuid.New().String(),
		Timestamp:   time.Now().UTC(),
		ContentType: "application/json",
		Payload:     body,
	}

	for _, opt := range options {
		opt(e)
	}

	if e.CorrelationID == "" {
		e.CorrelationID = e.MessageID
	}

	return e, nil
}

// ParseEnvelope deserializes a wire body into an envelope
func ParseEnvelope(body []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, &SerializationError{Op: "unmarshal envelope", Err: err, Timestamp: time.Now()}
	}
	if e.MessageID == "" {
		return nil, &SerializationError{Op: "unmarshal envelope", Err: ErrMissingMessageID, Timestamp: time.Now()}
	}
	return &e, nil
}

// Unwrap deserializes the envelope payload into target
func (e *Envelope) Unwrap(target interface{}) error {
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return &SerializationError{Op: "unmarshal payload", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Encode serializes the envelope to its wire form
func (e *Envelope) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, &SerializationError{Op: "marshal envelope", Err: err, Timestamp: time.Now()}
	}
	return body, nil
}

// Clone returns a deep copy of the envelope. Used by the redelivery path,
// which republishes a mutated copy while the original delivery is still
// in flight.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Headers != nil {
		clone.Headers = make(map[string]interface{}, len(e.Headers))
		for k, v := range e.Headers {
			clone.Headers[k] = v
		}
	}
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}
