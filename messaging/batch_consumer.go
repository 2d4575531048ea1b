package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kinebus/kinebus-go/contracts"
)

// batchItem pairs a delivery with its consume context while it waits in a
// partial batch
type batchItem struct {
	delivery TransportDelivery
	msgCtx   *contracts.ConsumeContext
}

// batchCollector accumulates deliveries for a batch registration and
// dispatches them when the batch fills or its window elapses. One collector
// goroutine per registration; intake happens over a channel so the consumer
// loop never blocks on a partial batch.
type batchCollector struct {
	dispatcher *ConsumerDispatcher
	ac         *activeConsumer
	consumer   BatchConsumer
	size       int
	window     time.Duration

	intake chan *batchItem
	done   chan struct{}
}

func newBatchCollector(d *ConsumerDispatcher, ac *activeConsumer, consumer BatchConsumer) *batchCollector {
	window := ac.reg.options.BatchWindow
	if window <= 0 {
		window = time.Second
	}

	return &batchCollector{
		dispatcher: d,
		ac:         ac,
		consumer:   consumer,
		size:       ac.reg.options.BatchSize,
		window:     window,
		intake:     make(chan *batchItem, ac.reg.options.BatchSize*2),
		done:       make(chan struct{}),
	}
}

// add queues a delivery for the next batch
func (c *batchCollector) add(item *batchItem) {
	select {
	case c.intake <- item:
	case <-c.done:
		// Collector stopped while the delivery was in flight; requeue on
		// the broker so it is re-offered after restart
		c.dispatcher.nackRequeue(item.delivery, c.ac.reg.options.Queue)
	}
}

func (c *batchCollector) run(ctx context.Context) {
	go c.loop(ctx)
}

func (c *batchCollector) stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *batchCollector) loop(ctx context.Context) {
	var (
		pending   []*batchItem
		createdAt time.Time
		timer     *time.Timer
		timerC    <-chan time.Time
	)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		c.dispatch(ctx, pending, createdAt)
		pending = nil
		if timer != nil {
			timer.Stop()
			timerC = nil
		}
	}

	for {
		select {
		case <-c.done:
			// Re-offer anything still pending
			for _, item := range pending {
				c.dispatcher.nackRequeue(item.delivery, c.ac.reg.options.Queue)
			}
			return

		case item := <-c.intake:
			if len(pending) == 0 {
				createdAt = time.Now().UTC()
				if timer == nil {
					timer = time.NewTimer(c.window)
				} else {
					// A tick that raced the previous flush is still in the
					// channel; drain it or it flushes this batch early
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(c.window)
				}
				timerC = timer.C
			}
			pending = append(pending, item)
			if len(pending) >= c.size {
				flush()
			}

		case <-timerC:
			timerC = nil
			flush()
		}
	}
}

// dispatch hands one full or windowed batch to the consumer and applies the
// per-item outcomes
func (c *batchCollector) dispatch(ctx context.Context, items []*batchItem, createdAt time.Time) {
	d := c.dispatcher
	queue := c.ac.reg.options.Queue
	start := time.Now()

	batch := &contracts.BatchConsumeContext{
		BatchID:        uuid.New().String(),
		Items:          make([]*contracts.ConsumeContext, len(items)),
		BatchCreatedAt: createdAt,
	}
	for i, item := range items {
		batch.Items[i] = item.msgCtx
	}

	results, err := c.invoke(ctx, batch)
	batch.BatchCompletedAt = time.Now().UTC()

	if err != nil {
		// Whole-batch failure: every item runs the redelivery decision
		for _, item := range items {
			d.fail(ctx, c.ac, item.delivery, item.msgCtx, err)
		}
		d.metrics.ProcessingDuration(queue, time.Since(start))
		return
	}

	if results == nil {
		// Nil result acknowledges the entire batch
		for _, item := range items {
			d.complete(ctx, item.delivery, item.msgCtx, queue)
		}
		d.metrics.ProcessingDuration(queue, time.Since(start))
		return
	}

	byTag := make(map[uint64]contracts.BatchItemResult, len(results))
	for _, res := range results {
		byTag[res.DeliveryTag] = res
	}

	for _, item := range items {
		res, ok := byTag[item.delivery.DeliveryTag()]
		switch {
		case !ok || res.Success:
			// Items without an explicit result succeeded
			d.complete(ctx, item.delivery, item.msgCtx, queue)
		case res.Requeue:
			d.fail(ctx, c.ac, item.delivery, item.msgCtx, batchItemError(res))
		default:
			d.safeCallback(ctx, c.ac.reg.options.OnRejected, item.msgCtx, batchItemError(res))
			d.reject(item.delivery, item.msgCtx, queue)
		}
	}

	d.metrics.ProcessingDuration(queue, time.Since(start))
	d.logger.Debug("batch dispatched",
		"batchId", batch.BatchID,
		"queue", queue,
		"size", batch.BatchSize())
}

// invoke calls the batch consumer, converting a panic into a whole-batch
// error
func (c *batchCollector) invoke(ctx context.Context, batch *contracts.BatchConsumeContext) (results []contracts.BatchItemResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("messaging: batch consumer panic: %v", r)
		}
	}()
	return c.consumer.ConsumeBatch(ctx, batch)
}

func batchItemError(res contracts.BatchItemResult) error {
	if res.ErrorMessage == "" {
		return fmt.Errorf("messaging: batch item %d failed", res.DeliveryTag)
	}
	return fmt.Errorf("messaging: batch item %d: %s", res.DeliveryTag, res.ErrorMessage)
}
