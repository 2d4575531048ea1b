package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*MessageScheduler, *InMemoryScheduledMessageStore, *recordingPublisher) {
	t.Helper()

	store := NewInMemoryScheduledMessageStore()
	transport := &recordingPublisher{}
	publisher := NewMessagePublisher(transport)
	scheduler := NewMessageScheduler(store, publisher,
		WithPollInterval(10*time.Millisecond),
		WithSchedulerBatchSize(10))

	return scheduler, store, transport
}

func TestScheduleMessage(t *testing.T) {
	t.Run("fires once due and completes", func(t *testing.T) {
		scheduler, store, transport := newTestScheduler(t)

		id, err := scheduler.ScheduleMessage(context.Background(), orderPlaced{OrderID: "ord-1"},
			"order.followup", time.Now().Add(30*time.Millisecond))
		require.NoError(t, err)

		require.NoError(t, scheduler.Start(context.Background()))
		defer scheduler.Stop()

		assert.Zero(t, transport.count(), "nothing fires before the due time")

		require.Eventually(t, func() bool { return transport.count() == 1 }, 2*time.Second, 10*time.Millisecond)

		require.Eventually(t, func() bool {
			msg, err := store.Get(context.Background(), id)
			return err == nil && msg.Status == ScheduleStatusCompleted
		}, 2*time.Second, 10*time.Millisecond)

		published := transport.all()
		assert.Equal(t, "order.followup", published[0].RoutingKey)
	})

	t.Run("does not fire twice", func(t *testing.T) {
		scheduler, _, transport := newTestScheduler(t)

		_, err := scheduler.ScheduleMessageAfter(context.Background(), orderPlaced{}, "order.followup", 20*time.Millisecond)
		require.NoError(t, err)

		require.NoError(t, scheduler.Start(context.Background()))
		defer scheduler.Stop()

		require.Eventually(t, func() bool { return transport.count() == 1 }, 2*time.Second, 10*time.Millisecond)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 1, transport.count())
	})

	t.Run("validates input", func(t *testing.T) {
		scheduler, _, _ := newTestScheduler(t)

		_, err := scheduler.ScheduleMessage(context.Background(), nil, "rk", time.Now())
		require.ErrorIs(t, err, ErrNilPayload)

		_, err = scheduler.ScheduleMessage(context.Background(), orderPlaced{}, "", time.Now())
		require.ErrorIs(t, err, ErrMissingRoutingKey)
	})
}

func TestScheduleRecurring(t *testing.T) {
	t.Run("fires up to max executions then completes", func(t *testing.T) {
		scheduler, store, transport := newTestScheduler(t)

		id, err := scheduler.ScheduleRecurring(context.Background(), orderPlaced{}, "order.digest",
			20*time.Millisecond, 2)
		require.NoError(t, err)

		require.NoError(t, scheduler.Start(context.Background()))
		defer scheduler.Stop()

		require.Eventually(t, func() bool { return transport.count() == 2 }, 2*time.Second, 10*time.Millisecond)

		require.Eventually(t, func() bool {
			msg, err := store.Get(context.Background(), id)
			return err == nil && msg.Status == ScheduleStatusCompleted && msg.Executions == 2
		}, 2*time.Second, 10*time.Millisecond)

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 2, transport.count())
	})

	t.Run("rejects a non-positive interval", func(t *testing.T) {
		scheduler, _, _ := newTestScheduler(t)

		_, err := scheduler.ScheduleRecurring(context.Background(), orderPlaced{}, "rk", 0, 1)
		require.ErrorIs(t, err, ErrInvalidSchedule)
	})
}

func TestScheduleCron(t *testing.T) {
	t.Run("stores the next occurrence", func(t *testing.T) {
		scheduler, store, _ := newTestScheduler(t)

		id, err := scheduler.ScheduleCron(context.Background(), orderPlaced{}, "order.report", "0 3 * * *", 0)
		require.NoError(t, err)

		msg, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "0 3 * * *", msg.CronExpression)
		assert.True(t, msg.IsRecurring())
		assert.True(t, msg.ScheduledAt.After(time.Now()))
	})

	t.Run("rejects an invalid expression", func(t *testing.T) {
		scheduler, _, _ := newTestScheduler(t)

		_, err := scheduler.ScheduleCron(context.Background(), orderPlaced{}, "rk", "not a cron", 0)
		require.ErrorIs(t, err, ErrInvalidSchedule)
	})
}

func TestScheduleLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel is idempotent and never errors for unknown IDs", func(t *testing.T) {
		scheduler, _, _ := newTestScheduler(t)

		id, err := scheduler.ScheduleMessage(ctx, orderPlaced{}, "rk", time.Now().Add(time.Hour))
		require.NoError(t, err)

		ok, err := scheduler.CancelScheduledMessage(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		// Second cancel finds a terminal schedule
		ok, err = scheduler.CancelScheduledMessage(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = scheduler.CancelScheduledMessage(ctx, "no-such-id")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("paused schedules do not fire until resumed", func(t *testing.T) {
		scheduler, _, transport := newTestScheduler(t)

		id, err := scheduler.ScheduleMessageAfter(ctx, orderPlaced{}, "rk", 20*time.Millisecond)
		require.NoError(t, err)

		ok, err := scheduler.PauseScheduledMessage(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, scheduler.Start(ctx))
		defer scheduler.Stop()

		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, transport.count())

		ok, err = scheduler.ResumeScheduledMessage(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)

		require.Eventually(t, func() bool { return transport.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("pause applies only to pending schedules", func(t *testing.T) {
		scheduler, _, _ := newTestScheduler(t)

		id, err := scheduler.ScheduleMessage(ctx, orderPlaced{}, "rk", time.Now().Add(time.Hour))
		require.NoError(t, err)

		ok, err := scheduler.CancelScheduledMessage(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = scheduler.PauseScheduledMessage(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("double start fails", func(t *testing.T) {
		scheduler, _, _ := newTestScheduler(t)

		require.NoError(t, scheduler.Start(ctx))
		defer scheduler.Stop()

		require.ErrorIs(t, scheduler.Start(ctx), ErrSchedulerStarted)
	})
}

func TestSchedulerPublishFailure(t *testing.T) {
	store := NewInMemoryScheduledMessageStore()
	transport := &recordingPublisher{}
	transport.setError(assert.AnError)
	publisher := NewMessagePublisher(transport, WithRetryPolicy(nil))
	scheduler := NewMessageScheduler(store, publisher,
		WithPollInterval(10*time.Millisecond),
		WithMaxPublishAttempts(2))

	id, err := scheduler.ScheduleMessageAfter(context.Background(), orderPlaced{}, "rk", time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, scheduler.Start(context.Background()))
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		msg, err := store.Get(context.Background(), id)
		return err == nil && msg.Status == ScheduleStatusFailed && msg.Attempts == 2
	}, 2*time.Second, 10*time.Millisecond)
}
