package messaging

import (
	"github.com/kinebus/kinebus-go/contracts"
)

// RedeliveredCountHeader carries the application-level redelivery count on
// the wire. It mirrors the envelope's RedeliveryCount field so that foreign
// consumers can read the count without decoding the payload.
const RedeliveredCountHeader = "x-redelivered-count"

// RedeliveryPolicy bounds how many times a failed message is re-offered
// before it is rejected to the dead-letter route.
type RedeliveryPolicy struct {
	// MaxRedeliveredCount is the number of re-offers after the first
	// attempt. A message is processed at most MaxRedeliveredCount+1 times.
	MaxRedeliveredCount int
}

// DefaultRedeliveryPolicy re-offers a failed message three times
func DefaultRedeliveryPolicy() *RedeliveryPolicy {
	return &RedeliveryPolicy{MaxRedeliveredCount: 3}
}

// ShouldRedeliver reports whether a message with the given prior count gets
// another attempt
func (p *RedeliveryPolicy) ShouldRedeliver(count int) bool {
	return count < p.MaxRedeliveredCount
}

// NextAttempt returns a deep copy of the envelope with the redelivery count
// incremented in both the typed field and the wire header. The original
// envelope is never mutated; it belongs to the in-flight delivery.
func (p *RedeliveryPolicy) NextAttempt(envelope *contracts.Envelope) *contracts.Envelope {
	next := envelope.Clone()
	next.RedeliveryCount++
	if next.Headers == nil {
		next.Headers = make(map[string]interface{})
	}
	next.Headers[RedeliveredCountHeader] = int32(next.RedeliveryCount)
	return next
}

// redeliveryCountFrom resolves the effective redelivery count for a
// delivery. The typed envelope field wins; the wire header covers messages
// from publishers that only stamp headers. Broker counting is intentionally
// not used because broker requeues reset visibility, not attempts.
func redeliveryCountFrom(envelope *contracts.Envelope, headers map[string]interface{}) int {
	if envelope != nil && envelope.RedeliveryCount > 0 {
		return envelope.RedeliveryCount
	}
	if headers != nil {
		if v, ok := headers[RedeliveredCountHeader]; ok {
			return headerCount(v)
		}
	}
	return 0
}

// headerCount normalizes the numeric types an AMQP header can arrive as
func headerCount(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
