package contracts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	OrderID string `json:"orderId"`
	Amount  int    `json:"amount"`
}

func TestNewEnvelope(t *testing.T) {
	t.Run("generates message ID and correlation ID", func(t *testing.T) {
		e, err := NewEnvelope(testPayload{OrderID: "ord-1", Amount: 42})
		require.NoError(t, err)

		assert.NotEmpty(t, e.MessageID)
		assert.Equal(t, e.MessageID, e.CorrelationID)
		assert.Equal(t, "application/json", e.ContentType)
		assert.Zero(t, e.RedeliveryCount)
		assert.False(t, e.Timestamp.IsZero())
	})

	t.Run("options override defaults", func(t *testing.T) {
		e, err := NewEnvelope(testPayload{OrderID: "ord-2"},
			WithMessageID("msg-1"),
			WithCorrelationID("corr-1"),
			WithCausationID("cause-1"),
			WithMessageType("OrderPlaced"),
			WithSourceApplication("billing"),
			WithEnvelopeHeaders(map[string]interface{}{"tenant": "acme"}))
		require.NoError(t, err)

		assert.Equal(t, "msg-1", e.MessageID)
		assert.Equal(t, "corr-1", e.CorrelationID)
		assert.Equal(t, "cause-1", e.CausationID)
		assert.Equal(t, "OrderPlaced", e.MessageType)
		assert.Equal(t, "billing", e.SourceApplication)
		assert.Equal(t, "acme", e.Headers["tenant"])
	})

	t.Run("distinct IDs per envelope", func(t *testing.T) {
		a, err := NewEnvelope(testPayload{})
		require.NoError(t, err)
		b, err := NewEnvelope(testPayload{})
		require.NoError(t, err)

		assert.NotEqual(t, a.MessageID, b.MessageID)
	})

	t.Run("unmarshalable payload fails", func(t *testing.T) {
		_, err := NewEnvelope(make(chan int))
		require.Error(t, err)

		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.False(t, serr.IsRetryable())
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	original, err := NewEnvelope(testPayload{OrderID: "ord-3", Amount: 7},
		WithMessageType("OrderPlaced"))
	require.NoError(t, err)
	original.RedeliveryCount = 2

	body, err := original.Encode()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(body)
	require.NoError(t, err)

	assert.Equal(t, original.MessageID, parsed.MessageID)
	assert.Equal(t, original.CorrelationID, parsed.CorrelationID)
	assert.Equal(t, 2, parsed.RedeliveryCount)

	var payload testPayload
	require.NoError(t, parsed.Unwrap(&payload))
	assert.Equal(t, "ord-3", payload.OrderID)
	assert.Equal(t, 7, payload.Amount)
}

func TestParseEnvelope(t *testing.T) {
	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := ParseEnvelope([]byte("{not json"))
		require.Error(t, err)

		var serr *SerializationError
		assert.ErrorAs(t, err, &serr)
	})

	t.Run("rejects missing message ID", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"messageType":"X","payload":{}}`))
		require.ErrorIs(t, err, ErrMissingMessageID)
	})
}

func TestEnvelopeClone(t *testing.T) {
	e, err := NewEnvelope(testPayload{OrderID: "ord-4"},
		WithEnvelopeHeaders(map[string]interface{}{"k": "v"}))
	require.NoError(t, err)

	clone := e.Clone()
	clone.RedeliveryCount = 5
	clone.Headers["k"] = "changed"
	clone.Payload[0] = '['

	assert.Zero(t, e.RedeliveryCount)
	assert.Equal(t, "v", e.Headers["k"])
	assert.Equal(t, byte('{'), e.Payload[0])
}

func TestConsumeContext(t *testing.T) {
	t.Run("message ID without envelope is empty", func(t *testing.T) {
		ctx := &ConsumeContext{}
		assert.Empty(t, ctx.MessageID())
		assert.ErrorIs(t, ctx.Unwrap(&testPayload{}), ErrMissingEnvelope)
	})

	t.Run("unwraps through the envelope", func(t *testing.T) {
		e, err := NewEnvelope(testPayload{OrderID: "ord-5"})
		require.NoError(t, err)

		ctx := &ConsumeContext{Envelope: e, QueueName: "orders", ReceivedAt: time.Now()}
		assert.Equal(t, e.MessageID, ctx.MessageID())

		var payload testPayload
		require.NoError(t, ctx.Unwrap(&payload))
		assert.Equal(t, "ord-5", payload.OrderID)
	})
}

func TestResponseStates(t *testing.T) {
	e, err := NewEnvelope(testPayload{OrderID: "ord-6"})
	require.NoError(t, err)

	success := NewSuccessResponse(e, "corr-1", 10*time.Millisecond)
	assert.True(t, success.IsSuccess())
	assert.Equal(t, ResponseStatusSuccess, success.Status)

	var payload testPayload
	require.NoError(t, success.Unwrap(&payload))
	assert.Equal(t, "ord-6", payload.OrderID)

	timeout := NewTimeoutResponse("corr-2", time.Second)
	assert.False(t, timeout.IsSuccess())
	assert.Equal(t, ResponseStatusTimeout, timeout.Status)
	assert.ErrorIs(t, timeout.Unwrap(&payload), ErrMissingEnvelope)

	failed := NewFailedResponse("corr-3", assert.AnError, time.Second)
	assert.Equal(t, ResponseStatusFailed, failed.Status)
	assert.Equal(t, assert.AnError.Error(), failed.ErrorMessage)

	cancelled := NewCancelledResponse("corr-4", time.Second)
	assert.Equal(t, ResponseStatusCancelled, cancelled.Status)
}
