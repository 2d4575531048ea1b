// Package metrics provides a Prometheus-backed implementation of the
// messaging metrics contract.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kinebus"

// PrometheusCollector implements messaging.MetricsCollector on Prometheus
// counters and histograms
type PrometheusCollector struct {
	published     *prometheus.CounterVec
	publishFailed *prometheus.CounterVec
	batches       prometheus.Counter
	batchSize     prometheus.Histogram
	channels      prometheus.Counter

	consumed     *prometheus.CounterVec
	acked        *prometheus.CounterVec
	requeued     *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	deduplicated *prometheus.CounterVec
	processing   *prometheus.HistogramVec

	scheduledFired *prometheus.CounterVec
	requests       *prometheus.HistogramVec
}

// NewPrometheusCollector creates the collector and registers its metrics.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "messages_published_total",
			Help:      "Messages successfully published, by exchange and routing key.",
		}, []string{"exchange", "routing_key"}),
		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "publish_failures_total",
			Help:      "Publishes that failed after retry, by exchange and routing key.",
		}, []string{"exchange", "routing_key"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "batches_published_total",
			Help:      "Batch publishes that were fully confirmed.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "batch_size",
			Help:      "Messages per published batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		channels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "channels_created_total",
			Help:      "Broker channels opened, including the short-lived publish channels.",
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_received_total",
			Help:      "Deliveries received, by queue.",
		}, []string{"queue"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_acked_total",
			Help:      "Deliveries acknowledged after successful processing, by queue.",
		}, []string{"queue"}),
		requeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_requeued_total",
			Help:      "Failed deliveries republished for another attempt, by queue.",
		}, []string{"queue"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_rejected_total",
			Help:      "Deliveries rejected to the dead-letter route, by queue.",
		}, []string{"queue"}),
		deduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "messages_deduplicated_total",
			Help:      "Duplicate deliveries suppressed without handler invocation, by queue.",
		}, []string{"queue"}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "processing_duration_seconds",
			Help:      "Wall time from delivery receipt to its acknowledgement outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		scheduledFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "messages_fired_total",
			Help:      "Scheduled messages published when due.",
		}, []string{"recurring"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "request",
			Name:      "duration_seconds",
			Help:      "Request/reply round-trip time, by terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.published, c.publishFailed, c.batches, c.batchSize, c.channels,
		c.consumed, c.acked, c.requeued, c.rejected, c.deduplicated, c.processing,
		c.scheduledFired, c.requests,
	)
	return c
}

// MessagePublished implements messaging.MetricsCollector
func (c *PrometheusCollector) MessagePublished(exchange, routingKey string) {
	c.published.WithLabelValues(exchange, routingKey).Inc()
}

// PublishFailed implements messaging.MetricsCollector
func (c *PrometheusCollector) PublishFailed(exchange, routingKey string) {
	c.publishFailed.WithLabelValues(exchange, routingKey).Inc()
}

// BatchPublished implements messaging.MetricsCollector
func (c *PrometheusCollector) BatchPublished(size int) {
	c.batches.Inc()
	c.batchSize.Observe(float64(size))
}

// ChannelCreated implements messaging.MetricsCollector
func (c *PrometheusCollector) ChannelCreated() {
	c.channels.Inc()
}

// MessageConsumed implements messaging.MetricsCollector
func (c *PrometheusCollector) MessageConsumed(queue string) {
	c.consumed.WithLabelValues(queue).Inc()
}

// MessageAcked implements messaging.MetricsCollector
func (c *PrometheusCollector) MessageAcked(queue string) {
	c.acked.WithLabelValues(queue).Inc()
}

// MessageRequeued implements messaging.MetricsCollector
func (c *PrometheusCollector) MessageRequeued(queue string) {
	c.requeued.WithLabelValues(queue).Inc()
}

// MessageRejected implements messaging.MetricsCollector
func (c *PrometheusCollector) MessageRejected(queue string) {
	c.rejected.WithLabelValues(queue).Inc()
}

// MessageDeduplicated implements messaging.MetricsCollector
func (c *PrometheusCollector) MessageDeduplicated(queue string) {
	c.deduplicated.WithLabelValues(queue).Inc()
}

// ProcessingDuration implements messaging.MetricsCollector
func (c *PrometheusCollector) ProcessingDuration(queue string, d time.Duration) {
	c.processing.WithLabelValues(queue).Observe(d.Seconds())
}

// ScheduledMessageFired implements messaging.MetricsCollector
func (c *PrometheusCollector) ScheduledMessageFired(recurring bool) {
	label := "false"
	if recurring {
		label = "true"
	}
	c.scheduledFired.WithLabelValues(label).Inc()
}

// RequestCompleted implements messaging.MetricsCollector
func (c *PrometheusCollector) RequestCompleted(status string, d time.Duration) {
	c.requests.WithLabelValues(status).Observe(d.Seconds())
}
