package infrastructure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingReminderDispatcher captures fired reminders, optionally failing
// the first failures calls
type recordingReminderDispatcher struct {
	mux      sync.Mutex
	fired    []domain.Reminder
	failures int
}

func (d *recordingReminderDispatcher) HandleReminder(ctx context.Context, reminder domain.Reminder) error {
	d.mux.Lock()
	defer d.mux.Unlock()

	if d.failures > 0 {
		d.failures--
		return errors.New("dispatch failed")
	}
	d.fired = append(d.fired, reminder)
	return nil
}

func (d *recordingReminderDispatcher) count() int {
	d.mux.Lock()
	defer d.mux.Unlock()
	return len(d.fired)
}

func reminderAt(sagaID models.ID, purpose domain.ReminderPurpose, due time.Time) domain.Reminder {
	return domain.Reminder{
		SagaID:      sagaID,
		Purpose:     purpose,
		DueAt:       due,
		Attempt:     1,
		MaxAttempts: 3,
		StateTag:    domain.StateAwaitingStockValidation,
	}
}

func TestMemoryReminderStore(t *testing.T) {
	store := NewMemoryReminderStore()
	ctx := context.Background()
	now := time.Now()
	sagaID := models.GenerateUUID()

	require.NoError(t, store.Schedule(ctx, reminderAt(sagaID, domain.ReminderStockTimeout, now.Add(-time.Second))))
	require.NoError(t, store.Schedule(ctx, reminderAt(sagaID, domain.ReminderPaymentTimeout, now.Add(time.Hour))))

	// Only the overdue entry is claimed, and claiming removes it
	due, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, domain.ReminderStockTimeout, due[0].Purpose)

	due, err = store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Cancel drops the pending future entry
	require.NoError(t, store.Cancel(ctx, sagaID, domain.ReminderPaymentTimeout))
	assert.False(t, store.Pending(sagaID, domain.ReminderPaymentTimeout))
}

func TestMemoryReminderStoreClaimLimit(t *testing.T) {
	store := NewMemoryReminderStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Schedule(ctx, reminderAt(models.GenerateUUID(), domain.ReminderStockTimeout, now.Add(-time.Duration(i)*time.Second))))
	}

	due, err := store.ClaimDue(ctx, now, 3)
	require.NoError(t, err)
	assert.Len(t, due, 3)

	// The rest stay claimable
	due, err = store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestMemoryReminderStoreScheduleUpserts(t *testing.T) {
	store := NewMemoryReminderStore()
	ctx := context.Background()
	now := time.Now()
	sagaID := models.GenerateUUID()

	first := reminderAt(sagaID, domain.ReminderStockTimeout, now.Add(-time.Second))
	second := first
	second.Attempt = 2

	require.NoError(t, store.Schedule(ctx, first))
	require.NoError(t, store.Schedule(ctx, second))

	due, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 2, due[0].Attempt)
}

func TestReminderSchedulerPoll(t *testing.T) {
	store := NewMemoryReminderStore()
	dispatcher := &recordingReminderDispatcher{}
	now := time.Now()

	scheduler := NewReminderScheduler(store, dispatcher,
		WithSchedulerClock(func() time.Time { return now }),
		WithBatchSize(10),
		WithFireWorkers(4),
	)

	ctx := context.Background()
	sagaID := models.GenerateUUID()
	require.NoError(t, store.Schedule(ctx, reminderAt(sagaID, domain.ReminderStockTimeout, now.Add(-time.Second))))
	require.NoError(t, store.Schedule(ctx, reminderAt(models.GenerateUUID(), domain.ReminderStockTimeout, now.Add(time.Hour))))

	require.NoError(t, scheduler.Poll(ctx))
	assert.Equal(t, 1, dispatcher.count())

	// A second poll finds nothing due
	require.NoError(t, scheduler.Poll(ctx))
	assert.Equal(t, 1, dispatcher.count())
}

func TestReminderSchedulerReschedulesFailedFires(t *testing.T) {
	store := NewMemoryReminderStore()
	dispatcher := &recordingReminderDispatcher{failures: 1}
	now := time.Now()

	scheduler := NewReminderScheduler(store, dispatcher,
		WithSchedulerClock(func() time.Time { return now }),
		WithRetryDelay(5*time.Second),
	)

	ctx := context.Background()
	sagaID := models.GenerateUUID()
	require.NoError(t, store.Schedule(ctx, reminderAt(sagaID, domain.ReminderStockTimeout, now.Add(-time.Second))))

	// First poll fails the fire; the reminder goes back to the store
	require.NoError(t, scheduler.Poll(ctx))
	assert.Equal(t, 0, dispatcher.count())
	assert.True(t, store.Pending(sagaID, domain.ReminderStockTimeout))

	// The retry is not due again on the immediately following poll
	require.NoError(t, scheduler.Poll(ctx))
	assert.Equal(t, 0, dispatcher.count())

	// Once the retry delay has elapsed, it fires
	now = now.Add(6 * time.Second)
	require.NoError(t, scheduler.Poll(ctx))
	assert.Equal(t, 1, dispatcher.count())
}

func TestLedgerPrunerRun(t *testing.T) {
	store := NewMemorySagaStore()
	pruner := NewLedgerPruner(store, time.Nanosecond, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pruner.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
