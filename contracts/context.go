package contracts

import (
	"time"
)

// ConsumeContext is a read-only view of a received message plus its delivery
// metadata. It is owned exclusively by the dispatch call that produced it and
// must not be retained after the handler returns.
type ConsumeContext struct {
	Envelope        *Envelope
	Exchange        string
	RoutingKey      string
	QueueName       string
	ConsumerTag     string
	DeliveryTag     uint64
	Redelivered     bool
	RedeliveryCount int
	ReceivedAt      time.Time
	SentAt          time.Time
}

// MessageID returns the envelope message ID, or empty if the envelope could
// not be extracted.
func (c *ConsumeContext) MessageID() string {
	if c.Envelope == nil {
		return ""
	}
	return c.Envelope.MessageID
}

// Unwrap deserializes the envelope payload into target
func (c *ConsumeContext) Unwrap(target interface{}) error {
	if c.Envelope == nil {
		return ErrMissingEnvelope
	}
	return c.Envelope.Unwrap(target)
}

// BatchConsumeContext is an ordered list of message items sharing a batch ID.
// Per-item acknowledgement is independent.
type BatchConsumeContext struct {
	BatchID          string
	Items            []*ConsumeContext
	BatchCreatedAt   time.Time
	BatchCompletedAt time.Time
}

// BatchSize returns the number of messages in the batch
func (b *BatchConsumeContext) BatchSize() int {
	return len(b.Items)
}

// BatchItemResult is the outcome for a single message within a batch.
type BatchItemResult struct {
	DeliveryTag  uint64
	Success      bool
	Requeue      bool
	ErrorMessage string
}
