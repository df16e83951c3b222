package infrastructure

import (
	"context"
	"log"
	"time"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"golang.org/x/sync/errgroup"
)

// ReminderDispatcher receives claimed reminder firings
type ReminderDispatcher interface {
	HandleReminder(ctx context.Context, reminder domain.Reminder) error
}

// ReminderScheduler polls the durable reminder store and feeds due entries
// into the dispatcher. Pending rows are reloaded by the first poll after a
// restart, so timers survive the process.
type ReminderScheduler struct {
	store      domain.ReminderStore
	dispatcher ReminderDispatcher
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
	workers    int
	now        func() time.Time
}

// SchedulerOption configures the scheduler
type SchedulerOption func(*ReminderScheduler)

// WithPollInterval sets the poll period
func WithPollInterval(interval time.Duration) SchedulerOption {
	return func(s *ReminderScheduler) {
		s.interval = interval
	}
}

// WithRetryDelay sets how long a failed fire waits before it is due again
func WithRetryDelay(delay time.Duration) SchedulerOption {
	return func(s *ReminderScheduler) {
		s.retryDelay = delay
	}
}

// WithBatchSize sets how many due reminders one poll claims
func WithBatchSize(n int) SchedulerOption {
	return func(s *ReminderScheduler) {
		s.batchSize = n
	}
}

// WithFireWorkers sets how many reminders fire concurrently per poll
func WithFireWorkers(n int) SchedulerOption {
	return func(s *ReminderScheduler) {
		s.workers = n
	}
}

// WithSchedulerClock overrides the clock, for tests
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *ReminderScheduler) {
		s.now = now
	}
}

// NewReminderScheduler creates a scheduler over the given store
func NewReminderScheduler(store domain.ReminderStore, dispatcher ReminderDispatcher, opts ...SchedulerOption) *ReminderScheduler {
	s := &ReminderScheduler{
		store:      store,
		dispatcher: dispatcher,
		interval:   time.Second,
		retryDelay: 5 * time.Second,
		batchSize:  50,
		workers:    8,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run polls until the context ends
func (s *ReminderScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
				log.Printf("reminder poll failed: %v", err)
			}
		}
	}
}

// Poll claims one batch of due reminders and fires them concurrently.
// Distinct sagas fire in parallel; the dispatcher's per-saga lock keeps any
// same-saga collisions serialized.
func (s *ReminderScheduler) Poll(ctx context.Context) error {
	due, err := s.store.ClaimDue(ctx, s.now(), s.batchSize)
	if err != nil {
		return err
	}

	if len(due) == 0 {
		return nil
	}

	gr, ctx := errgroup.WithContext(ctx)
	gr.SetLimit(s.workers)

	for _, reminder := range due {
		reminder := reminder
		gr.Go(func() error {
			if err := s.dispatcher.HandleReminder(ctx, reminder); err != nil {
				// A failed fire is rescheduled rather than lost; the state-tag
				// check keeps a late duplicate harmless. Pushing the due time
				// forward keeps it from re-firing on every poll tick.
				retry := reminder
				retry.DueAt = s.now().Add(s.retryDelay)
				if schedErr := s.store.Schedule(ctx, retry); schedErr != nil {
					log.Printf("failed to reschedule reminder %s/%s: %v",
						reminder.SagaID, reminder.Purpose, schedErr)
				}
			}
			return nil
		})
	}

	return gr.Wait()
}

// LedgerPruner periodically drops idempotency ledger entries of terminal
// sagas once the retention window has elapsed.
type LedgerPruner struct {
	store     domain.SagaStore
	retention time.Duration
	interval  time.Duration
}

// NewLedgerPruner creates a pruner with the given retention window
func NewLedgerPruner(store domain.SagaStore, retention, interval time.Duration) *LedgerPruner {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &LedgerPruner{
		store:     store,
		retention: retention,
		interval:  interval,
	}
}

// Run prunes until the context ends
func (p *LedgerPruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pruned, err := p.store.PruneProcessed(ctx, time.Now().Add(-p.retention))
			if err != nil && ctx.Err() == nil {
				log.Printf("ledger prune failed: %v", err)
				continue
			}
			if pruned > 0 {
				log.Printf("pruned %d processed event records", pruned)
			}
		}
	}
}
