package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinebus/kinebus-go/contracts"
)

func TestRedeliveryPolicy(t *testing.T) {
	policy := &RedeliveryPolicy{MaxRedeliveredCount: 3}

	t.Run("bounds redeliveries", func(t *testing.T) {
		assert.True(t, policy.ShouldRedeliver(0))
		assert.True(t, policy.ShouldRedeliver(2))
		assert.False(t, policy.ShouldRedeliver(3))
		assert.False(t, policy.ShouldRedeliver(4))
	})

	t.Run("next attempt increments field and header without mutating the original", func(t *testing.T) {
		envelope, err := contracts.NewEnvelope(orderPlaced{OrderID: "ord-1"})
		require.NoError(t, err)

		next := policy.NextAttempt(envelope)

		assert.Equal(t, 1, next.RedeliveryCount)
		assert.Equal(t, int32(1), next.Headers[RedeliveredCountHeader])
		assert.Equal(t, envelope.MessageID, next.MessageID)

		assert.Zero(t, envelope.RedeliveryCount)
		assert.NotContains(t, envelope.Headers, RedeliveredCountHeader)
	})
}

func TestRedeliveryCountFrom(t *testing.T) {
	t.Run("typed field wins", func(t *testing.T) {
		envelope := &contracts.Envelope{RedeliveryCount: 2}
		assert.Equal(t, 2, redeliveryCountFrom(envelope, map[string]interface{}{RedeliveredCountHeader: int32(9)}))
	})

	t.Run("header covers foreign publishers", func(t *testing.T) {
		assert.Equal(t, 4, redeliveryCountFrom(nil, map[string]interface{}{RedeliveredCountHeader: int32(4)}))
	})

	t.Run("header numeric types normalize", func(t *testing.T) {
		for _, v := range []interface{}{int(3), int8(3), int16(3), int32(3), int64(3), float32(3), float64(3)} {
			assert.Equal(t, 3, redeliveryCountFrom(nil, map[string]interface{}{RedeliveredCountHeader: v}))
		}
	})

	t.Run("defaults to zero", func(t *testing.T) {
		assert.Zero(t, redeliveryCountFrom(nil, nil))
		assert.Zero(t, redeliveryCountFrom(nil, map[string]interface{}{RedeliveredCountHeader: "junk"}))
	})
}
