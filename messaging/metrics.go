package messaging

import "time"

// MetricsCollector receives counters and timings from the messaging layer.
// Implementations must be safe for concurrent use. The default is a no-op;
// the metrics package provides a Prometheus-backed implementation.
type MetricsCollector interface {
	MessagePublished(exchange, routingKey string)
	PublishFailed(exchange, routingKey string)
	BatchPublished(size int)
	ChannelCreated()

	MessageConsumed(queue string)
	MessageAcked(queue string)
	MessageRequeued(queue string)
	MessageRejected(queue string)
	MessageDeduplicated(queue string)
	ProcessingDuration(queue string, d time.Duration)

	ScheduledMessageFired(recurring bool)
	RequestCompleted(status string, d time.Duration)
}

// NoopMetrics discards all observations
type NoopMetrics struct{}

func (NoopMetrics) MessagePublished(exchange, routingKey string)     {}
func (NoopMetrics) PublishFailed(exchange, routingKey string)        {}
func (NoopMetrics) BatchPublished(size int)                          {}
func (NoopMetrics) ChannelCreated()                                  {}
func (NoopMetrics) MessageConsumed(queue string)                     {}
func (NoopMetrics) MessageAcked(queue string)                        {}
func (NoopMetrics) MessageRequeued(queue string)                     {}
func (NoopMetrics) MessageRejected(queue string)                     {}
func (NoopMetrics) MessageDeduplicated(queue string)                 {}
func (NoopMetrics) ProcessingDuration(queue string, d time.Duration) {}
func (NoopMetrics) ScheduledMessageFired(recurring bool)             {}
func (NoopMetrics) RequestCompleted(status string, d time.Duration)  {}
