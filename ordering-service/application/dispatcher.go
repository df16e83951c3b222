package application

import (
	"context"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/events"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/cartwheel/order-system/shared/telemetry"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// Dispatcher is the saga runtime: it maps every inbound envelope and fired
// reminder to exactly one saga instance and runs that instance's transition
// to completion (load, idempotency gate, decide, commit, publish, reminders)
// under a per-saga-id lock. Distinct saga ids proceed in parallel.
type Dispatcher struct {
	store        domain.SagaStore
	reminders    domain.ReminderStore
	publisher    events.Publisher
	coordinator  *domain.Coordinator
	journal      events.Journal
	dedup        domain.DedupCache
	locks        *keyedLocks
	publishRetry RetryPolicy
}

// DispatcherOption configures optional collaborators
type DispatcherOption func(*Dispatcher)

// WithJournal records published and discarded events for diagnostics
func WithJournal(journal events.Journal) DispatcherOption {
	return func(d *Dispatcher) {
		d.journal = journal
	}
}

// WithDedupCache installs a fast duplicate pre-gate ahead of the ledger
func WithDedupCache(cache domain.DedupCache) DispatcherOption {
	return func(d *Dispatcher) {
		d.dedup = cache
	}
}

// WithPublishRetry overrides the outbound publish retry policy
func WithPublishRetry(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.publishRetry = policy
	}
}

// WithLockStripes sets the lock stripe count
func WithLockStripes(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.locks = newKeyedLocks(n)
	}
}

// NewDispatcher creates a dispatcher with explicit collaborators
func NewDispatcher(
	store domain.SagaStore,
	reminders domain.ReminderStore,
	publisher events.Publisher,
	coordinator *domain.Coordinator,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		reminders:    reminders,
		publisher:    publisher,
		coordinator:  coordinator,
		locks:        newKeyedLocks(256),
		publishRetry: DefaultPublishRetry(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// HandlerID implements the subscriber handler contract
func (d *Dispatcher) HandlerID() string {
	return "order-saga-dispatcher"
}

// Handle implements events.EventHandler. A nil return acknowledges the
// trigger; an error leaves it unacknowledged so the bus redelivers it.
func (d *Dispatcher) Handle(ctx context.Context, event *events.Event) error {
	return d.HandleEvent(ctx, event)
}

// HandleEvent routes one inbound envelope to its saga instance
func (d *Dispatcher) HandleEvent(ctx context.Context, event *events.Event) error {
	ctx, span := telemetry.StartSpan(ctx, "dispatcher.handle_event")
	defer span.End()
	span.SetAttributes(attribute.String("event.type", event.EventType))

	sagaID := event.CorrelationID
	if sagaID.IsEmpty() {
		sagaID = event.AggregateID
	}
	if sagaID.IsEmpty() {
		return d.discard(ctx, event, "missing correlation id")
	}

	if event.EventType == events.OrderSubmittedEvent {
		return d.handleSubmitted(ctx, sagaID, event)
	}

	unlock := d.locks.lock(sagaID)
	defer unlock()

	err := d.processEvent(ctx, sagaID, event)
	if errors.Is(err, domain.ErrVersionConflict) {
		// Reload and replay the trigger exactly once; a second conflict is
		// surfaced so the trigger stays unacknowledged.
		telemetry.RecordCounter(ctx, "saga_version_conflicts_total", "saga store version conflicts", 1)
		err = d.processEvent(ctx, sagaID, event)
	}
	return err
}

// HandleReminder routes one fired reminder to its saga instance
func (d *Dispatcher) HandleReminder(ctx context.Context, reminder domain.Reminder) error {
	ctx, span := telemetry.StartSpan(ctx, "dispatcher.handle_reminder")
	defer span.End()
	span.SetAttributes(attribute.String("reminder.purpose", string(reminder.Purpose)))

	unlock := d.locks.lock(reminder.SagaID)
	defer unlock()

	err := d.processReminder(ctx, reminder)
	if errors.Is(err, domain.ErrVersionConflict) {
		telemetry.RecordCounter(ctx, "saga_version_conflicts_total", "saga store version conflicts", 1)
		err = d.processReminder(ctx, reminder)
	}
	return err
}

// handleSubmitted creates the saga instance for a new order. A second
// submission for the same order id is acknowledged as a no-op.
func (d *Dispatcher) handleSubmitted(ctx context.Context, sagaID models.ID, event *events.Event) error {
	var order domain.Order
	if err := event.UnmarshalPayload(&order); err != nil {
		return d.discard(ctx, event, "malformed order snapshot")
	}
	if order.ID.IsEmpty() {
		order.ID = sagaID
	}

	unlock := d.locks.lock(sagaID)
	defer unlock()

	if _, err := d.store.Load(ctx, sagaID); err == nil {
		telemetry.RecordCounter(ctx, "saga_triggers_noop_total", "triggers resolved as no-ops", 1)
		return nil
	} else if !errors.Is(err, domain.ErrSagaNotFound) {
		return errors.Wrap(err, "failed to load saga instance")
	}

	instance, outcome := d.coordinator.Begin(&order)
	instance.State = outcome.State
	instance.Data = outcome.Data

	if err := d.store.Create(ctx, instance); err != nil {
		if errors.Is(err, domain.ErrSagaExists) {
			return nil
		}
		return errors.Wrap(err, "failed to create saga instance")
	}

	telemetry.RecordCounter(ctx, "saga_started_total", "order sagas started", 1)
	return d.emit(ctx, outcome)
}

func (d *Dispatcher) processEvent(ctx context.Context, sagaID models.ID, event *events.Event) error {
	instance, err := d.store.Load(ctx, sagaID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			return d.discard(ctx, event, "no saga for correlation id")
		}
		return errors.Wrap(err, "failed to load saga instance")
	}

	if seen, err := d.seenBefore(ctx, sagaID, event.ID); err == nil && seen {
		telemetry.RecordCounter(ctx, "saga_triggers_noop_total", "triggers resolved as no-ops", 1)
		return nil
	}

	outcome, err := d.coordinator.OnEvent(instance, event)
	if err != nil {
		return d.discard(ctx, event, err.Error())
	}
	if outcome.NoOp {
		telemetry.RecordCounter(ctx, "saga_triggers_noop_total", "triggers resolved as no-ops", 1)
		return nil
	}

	if err := d.commit(ctx, instance, outcome, event.ID); err != nil {
		return err
	}

	if d.dedup != nil {
		if err := d.dedup.Mark(ctx, sagaID, event.ID); err != nil {
			// Cache only; the ledger already holds the event id.
			telemetry.RecordCounter(ctx, "saga_dedup_cache_errors_total", "dedup cache mark failures", 1)
		}
	}

	telemetry.RecordCounter(ctx, "saga_triggers_processed_total", "triggers committed", 1)
	return d.emit(ctx, outcome)
}

func (d *Dispatcher) processReminder(ctx context.Context, reminder domain.Reminder) error {
	instance, err := d.store.Load(ctx, reminder.SagaID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			return nil
		}
		return errors.Wrap(err, "failed to load saga instance")
	}

	outcome := d.coordinator.OnReminder(instance, reminder)
	if outcome.NoOp {
		telemetry.RecordCounter(ctx, "saga_triggers_noop_total", "triggers resolved as no-ops", 1)
		return nil
	}

	// Reminder firings carry no event id; the claim in the reminder store is
	// what makes each fire single-shot.
	if err := d.commit(ctx, instance, outcome, ""); err != nil {
		return err
	}

	telemetry.RecordCounter(ctx, "saga_triggers_processed_total", "triggers committed", 1)
	return d.emit(ctx, outcome)
}

// seenBefore consults the fast dedup cache first, then the ledger
func (d *Dispatcher) seenBefore(ctx context.Context, sagaID, eventID models.ID) (bool, error) {
	if d.dedup != nil {
		if seen, err := d.dedup.Seen(ctx, sagaID, eventID); err == nil && seen {
			return true, nil
		}
	}
	return d.store.HasProcessed(ctx, sagaID, eventID)
}

// commit applies the outcome to the instance under the optimistic version
// check; the processed event id is recorded in the same transaction.
func (d *Dispatcher) commit(ctx context.Context, instance *domain.SagaInstance, outcome *domain.Outcome, eventID models.ID) error {
	expected := instance.Version.Value
	instance.State = outcome.State
	instance.Data = outcome.Data
	instance.Version = instance.Version.Update()
	instance.Timestamps = instance.Timestamps.Update()

	if err := d.store.Commit(ctx, instance, expected, eventID); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return err
		}
		return errors.Wrap(err, "failed to commit saga transition")
	}
	return nil
}

// emit publishes the outcome's events with bounded retries and applies its
// reminder operations. The transition is already committed: a publish failure
// leaves the trigger unacknowledged, and its redelivery resolves as a ledger
// no-op.
func (d *Dispatcher) emit(ctx context.Context, outcome *domain.Outcome) error {
	if len(outcome.Publish) > 0 {
		err := d.publishRetry.Do(ctx, func() error {
			return d.publisher.Publish(ctx, outcome.Publish...)
		})
		if err != nil {
			return errors.Wrap(err, "failed to publish outbound events")
		}

		if d.journal != nil {
			if err := d.journal.Append(ctx, "published", outcome.Publish...); err != nil {
				telemetry.RecordCounter(ctx, "saga_journal_errors_total", "event journal append failures", 1)
			}
		}
	}

	for _, purpose := range outcome.Cancel {
		sagaID := sagaIDOf(outcome)
		if err := d.reminders.Cancel(ctx, sagaID, purpose); err != nil {
			// Best effort: a missed cancel becomes a stale fire, which the
			// coordinator's state-tag check resolves as a no-op.
			telemetry.RecordCounter(ctx, "saga_reminder_cancel_errors_total", "reminder cancel failures", 1)
		}
	}

	for _, reminder := range outcome.Schedule {
		if err := d.reminders.Schedule(ctx, reminder); err != nil {
			return errors.Wrap(err, "failed to schedule reminder")
		}
	}

	return nil
}

// discard journals and acknowledges an envelope that cannot be processed
func (d *Dispatcher) discard(ctx context.Context, event *events.Event, reason string) error {
	telemetry.RecordCounter(ctx, "saga_events_discarded_total", "events acknowledged and discarded", 1,
		attribute.String("reason", reason))

	if d.journal != nil {
		if err := d.journal.Append(ctx, "discarded", event.Clone().WithMetadata("discard_reason", reason)); err != nil {
			telemetry.RecordCounter(ctx, "saga_journal_errors_total", "event journal append failures", 1)
		}
	}
	return nil
}

func sagaIDOf(outcome *domain.Outcome) models.ID {
	if outcome.Data.Order != nil {
		return outcome.Data.Order.ID
	}
	return ""
}
