package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/kinebus/kinebus-go/messaging"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewPrometheusCollector(reg)

	// The collector must satisfy the messaging contract
	var _ messaging.MetricsCollector = collector

	collector.MessagePublished("orders", "order.placed")
	collector.MessagePublished("orders", "order.placed")
	collector.PublishFailed("orders", "order.placed")
	collector.BatchPublished(10)
	collector.ChannelCreated()
	collector.ChannelCreated()

	collector.MessageConsumed("orders")
	collector.MessageAcked("orders")
	collector.MessageRequeued("orders")
	collector.MessageRejected("orders")
	collector.MessageDeduplicated("orders")
	collector.ProcessingDuration("orders", 25*time.Millisecond)

	collector.ScheduledMessageFired(true)
	collector.RequestCompleted("timeout", 200*time.Millisecond)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(collector.published.WithLabelValues("orders", "order.placed")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(collector.publishFailed.WithLabelValues("orders", "order.placed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.batches))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.channels))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(collector.consumed.WithLabelValues("orders")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(collector.requeued.WithLabelValues("orders")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(collector.deduplicated.WithLabelValues("orders")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(collector.scheduledFired.WithLabelValues("true")))

	// Registration is idempotent per registry, not global
	fresh := prometheus.NewRegistry()
	assert.NotPanics(t, func() { NewPrometheusCollector(fresh) })
}
