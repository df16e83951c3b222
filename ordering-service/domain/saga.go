package domain

import (
	"context"
	"time"

	"github.com/cartwheel/order-system/shared/models"
	"github.com/pkg/errors"
)

var (
	// ErrSagaNotFound is returned when no saga instance exists for an order id
	ErrSagaNotFound = errors.New("saga instance not found")

	// ErrSagaExists is returned when creating a saga for an order id that
	// already has one
	ErrSagaExists = errors.New("saga instance already exists")

	// ErrVersionConflict signals a concurrent writer: the expected version did
	// not match the stored one. The transition attempt is dead; the caller
	// must reload and replay, never overwrite.
	ErrVersionConflict = errors.New("saga version conflict")
)

// SagaState is the current position of an order saga in its state machine
type SagaState string

const (
	StateSubmitted               SagaState = "submitted"
	StateAwaitingStockValidation SagaState = "awaiting_stock_validation"
	StateStockConfirmed          SagaState = "stock_confirmed"
	StateAwaitingPayment         SagaState = "awaiting_payment"
	StatePaid                    SagaState = "paid"
	StateShipped                 SagaState = "shipped"
	StateStockRejected           SagaState = "stock_rejected"
	StatePaymentFailed           SagaState = "payment_failed"
	StateCancelled               SagaState = "cancelled"
)

// IsTerminal reports whether no further transitions can occur from s
func (s SagaState) IsTerminal() bool {
	switch s {
	case StateShipped, StateStockRejected, StatePaymentFailed, StateCancelled:
		return true
	}
	return false
}

// SagaData is the saga-local payload carried between transitions
type SagaData struct {
	Order             *Order     `json:"order"`
	StockConfirmedAt  *time.Time `json:"stock_confirmed_at,omitempty"`
	PaymentReference  string     `json:"payment_reference,omitempty"`
	ShipmentReference string     `json:"shipment_reference,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
}

// SagaInstance is one order's saga: current state, optimistic version and
// saga-local data, keyed by order id. Created on the first order-submitted
// trigger and never destroyed while non-terminal.
type SagaInstance struct {
	OrderID    models.ID
	State      SagaState
	Data       SagaData
	Version    models.Version
	Timestamps models.Timestamps
}

// NewSagaInstance creates a saga instance for a freshly submitted order
func NewSagaInstance(order *Order) *SagaInstance {
	return &SagaInstance{
		OrderID:    order.ID,
		State:      StateSubmitted,
		Data:       SagaData{Order: order},
		Version:    models.NewVersion(),
		Timestamps: models.NewTimestamps(),
	}
}

// ReminderPurpose tags why a reminder was scheduled
type ReminderPurpose string

const (
	ReminderStockTimeout   ReminderPurpose = "stock-timeout"
	ReminderPaymentTimeout ReminderPurpose = "payment-timeout"
)

// Reminder is a durable delayed callback: (saga id, purpose, due time,
// attempt count). StateTag records the saga state that requested the timer so
// a fire that races with cancellation can be recognized as stale.
type Reminder struct {
	SagaID      models.ID       `json:"saga_id" db:"saga_id"`
	Purpose     ReminderPurpose `json:"purpose" db:"purpose"`
	DueAt       time.Time       `json:"due_at" db:"due_at"`
	Attempt     int             `json:"attempt" db:"attempt"`
	MaxAttempts int             `json:"max_attempts" db:"max_attempts"`
	StateTag    SagaState       `json:"state_tag" db:"state_tag"`
}

// SagaStore persists saga instances with optimistic versioning. Commit marks
// the processed event id in the same transaction as the state change, so a
// crash can never leave a transition applied but unrecorded (or vice versa).
type SagaStore interface {
	Load(ctx context.Context, orderID models.ID) (*SagaInstance, error)
	Create(ctx context.Context, instance *SagaInstance) error
	Commit(ctx context.Context, instance *SagaInstance, expectedVersion int, processedEventID models.ID) error
	HasProcessed(ctx context.Context, orderID, eventID models.ID) (bool, error)
	PruneProcessed(ctx context.Context, before time.Time) (int64, error)
}

// ReminderStore persists pending reminders across process restarts.
// ClaimDue atomically hands out due entries so each fires exactly one
// callback per due time; Cancel is best effort and safe to race with a claim.
type ReminderStore interface {
	Schedule(ctx context.Context, reminder Reminder) error
	Cancel(ctx context.Context, sagaID models.ID, purpose ReminderPurpose) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Reminder, error)
}

// DedupCache is a fast, best-effort duplicate gate in front of the
// authoritative ledger check inside SagaStore.Commit. Mark is called only
// after a successful commit, so a positive Seen never hides a trigger whose
// processing failed mid-flight; a false negative just costs a ledger lookup.
type DedupCache interface {
	Seen(ctx context.Context, sagaID, eventID models.ID) (bool, error)
	Mark(ctx context.Context, sagaID, eventID models.ID) error
}
