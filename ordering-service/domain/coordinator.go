package domain

import (
	"fmt"
	"time"

	"github.com/cartwheel/order-system/shared/events"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/pkg/errors"
)

// CoordinatorConfig holds the retry and timeout policy for awaiting states.
// Defaults follow the documented policy: exponential backoff doubling per
// attempt, three attempts before a terminal failure.
type CoordinatorConfig struct {
	StockTimeout   time.Duration
	PaymentTimeout time.Duration
	MaxTimeout     time.Duration
	MaxAttempts    int
}

// DefaultCoordinatorConfig returns the documented default policy
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		StockTimeout:   30 * time.Second,
		PaymentTimeout: 60 * time.Second,
		MaxTimeout:     10 * time.Minute,
		MaxAttempts:    3,
	}
}

// Outcome is the decision for one trigger: the next state and data to commit,
// the events to publish and the reminder operations to apply afterwards.
// A NoOp outcome means the trigger is acknowledged without a commit.
type Outcome struct {
	State      SagaState
	Data       SagaData
	Publish    []*events.Event
	Schedule   []Reminder
	Cancel     []ReminderPurpose
	NoOp       bool
	NoOpReason string
}

func noOp(reason string) *Outcome {
	return &Outcome{NoOp: true, NoOpReason: reason}
}

// Command and notification payloads

type ValidateStockData struct {
	OrderID models.ID   `json:"order_id"`
	Items   []OrderItem `json:"items"`
	Attempt int         `json:"attempt"`
}

type ChargePaymentData struct {
	OrderID models.ID    `json:"order_id"`
	BuyerID models.ID    `json:"buyer_id"`
	Total   models.Money `json:"total"`
	Attempt int          `json:"attempt"`
}

type ShipOrderData struct {
	OrderID models.ID `json:"order_id"`
	Address Address   `json:"address"`
}

type OrderCancelledData struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason"`
}

type OrderCompletedData struct {
	OrderID           models.ID `json:"order_id"`
	BuyerID           models.ID `json:"buyer_id"`
	ShipmentReference string    `json:"shipment_reference"`
}

// Inbound event payloads

type StockConfirmedData struct {
	OrderID models.ID `json:"order_id"`
}

type StockRejectedData struct {
	OrderID        models.ID   `json:"order_id"`
	RejectedItems  []models.ID `json:"rejected_items,omitempty"`
	Reason         string      `json:"reason,omitempty"`
}

type PaymentSucceededData struct {
	OrderID   models.ID `json:"order_id"`
	PaymentID string    `json:"payment_id"`
}

type PaymentFailedData struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason,omitempty"`
}

type ShippedData struct {
	OrderID        models.ID `json:"order_id"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
}

type CancelRequestedData struct {
	OrderID models.ID `json:"order_id"`
	Reason  string    `json:"reason,omitempty"`
}

// Coordinator is the order saga state machine. It is pure decision logic: no
// I/O, no locking, safe to call from the dispatcher's serialized sections.
type Coordinator struct {
	config CoordinatorConfig
	now    func() time.Time
}

// NewCoordinator creates a coordinator with the given policy
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Coordinator{
		config: config,
		now:    time.Now,
	}
}

// WithClock overrides the coordinator clock, for tests
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Begin creates the saga instance for a submitted order and decides the
// opening transition: emit the stock validation command and arm the stock
// timeout.
func (c *Coordinator) Begin(order *Order) (*SagaInstance, *Outcome) {
	instance := NewSagaInstance(order)

	outcome := &Outcome{
		State: StateAwaitingStockValidation,
		Data:  instance.Data,
		Publish: []*events.Event{
			c.validateStockCommand(order, 1),
		},
		Schedule: []Reminder{
			c.stockReminder(order.ID, 1),
		},
	}

	return instance, outcome
}

// OnEvent decides the transition for an inbound integration event. A nil
// error with a NoOp outcome means the event is acknowledged and dropped; an
// error means the payload could not be understood (malformed, to be journaled
// by the caller).
func (c *Coordinator) OnEvent(instance *SagaInstance, event *events.Event) (*Outcome, error) {
	if instance.State.IsTerminal() {
		return noOp(fmt.Sprintf("saga already terminal in state %s", instance.State)), nil
	}

	switch event.EventType {
	case events.OrderStockConfirmedEvent:
		return c.onStockConfirmed(instance, event)
	case events.OrderStockRejectedEvent:
		return c.onStockRejected(instance, event)
	case events.OrderPaymentSucceededEvent:
		return c.onPaymentSucceeded(instance, event)
	case events.OrderPaymentFailedEvent:
		return c.onPaymentFailed(instance, event)
	case events.OrderShippedEvent:
		return c.onShipped(instance, event)
	case events.OrderCancelRequestedEvent:
		return c.onCancelRequested(instance, event)
	default:
		return nil, errors.Errorf("unrecognized event type %q", event.EventType)
	}
}

// OnReminder decides the transition for a fired reminder. A reminder whose
// state tag no longer matches the saga's committed state is stale: the
// awaited event arrived first, so the fire is a no-op.
func (c *Coordinator) OnReminder(instance *SagaInstance, reminder Reminder) *Outcome {
	if instance.State.IsTerminal() {
		return noOp(fmt.Sprintf("saga already terminal in state %s", instance.State))
	}

	if instance.State != reminder.StateTag {
		return noOp(fmt.Sprintf("stale reminder %s tagged %s, saga now in %s",
			reminder.Purpose, reminder.StateTag, instance.State))
	}

	switch reminder.Purpose {
	case ReminderStockTimeout:
		return c.onStockTimeout(instance, reminder)
	case ReminderPaymentTimeout:
		return c.onPaymentTimeout(instance, reminder)
	default:
		return noOp(fmt.Sprintf("unknown reminder purpose %q", reminder.Purpose))
	}
}

func (c *Coordinator) onStockConfirmed(instance *SagaInstance, event *events.Event) (*Outcome, error) {
	if instance.State != StateAwaitingStockValidation {
		return noOp("stock confirmation not expected in state " + string(instance.State)), nil
	}

	var payload StockConfirmedData
	if err := event.UnmarshalPayload(&payload); err != nil {
		return nil, errors.Wrap(err, "malformed stock confirmation payload")
	}

	confirmedAt := c.now()
	data := instance.Data
	data.StockConfirmedAt = &confirmedAt

	order := instance.Data.Order
	return &Outcome{
		// StockConfirmed is momentary: the commit lands directly on the next
		// awaiting state, with the confirmation recorded in saga data.
		State: StateAwaitingPayment,
		Data:  data,
		Publish: []*events.Event{
			c.chargePaymentCommand(order, 1),
		},
		Cancel: []ReminderPurpose{ReminderStockTimeout},
		Schedule: []Reminder{
			c.paymentReminder(order.ID, 1),
		},
	}, nil
}

func (c *Coordinator) onStockRejected(instance *SagaInstance, event *events.Event) (*Outcome, error) {
	if instance.State != StateAwaitingStockValidation {
		return noOp("stock rejection not expected in state " + string(instance.State)), nil
	}

	var payload StockRejectedData
	if err := event.UnmarshalPayload(&payload); err != nil {
		return nil, errors.Wrap(err, "malformed stock rejection payload")
	}

	reason := payload.Reason
	if reason == "" {
		reason = "stock rejected"
	}

	return c.failTerminal(instance, StateStockRejected, reason, []ReminderPurpose{ReminderStockTimeout}), nil
}

func (c *Coordinator) onPaymentSucceeded(instance *SagaInstance, event *events.Event) (*Outcome, error) {
	if instance.State != StateAwaitingPayment {
		return noOp("payment success not expected in state " + string(instance.State)), nil
	}

	var payload PaymentSucceededData
	if err := event.UnmarshalPayload(&payload); err != nil {
		return nil, errors.Wrap(err, "malformed payment succeeded payload")
	}

	data := instance.Data
	data.PaymentReference = payload.PaymentID

	order := instance.Data.Order
	return &Outcome{
		State: StatePaid,
		Data:  data,
		Publish: []*events.Event{
			events.NewEvent(order.ID, events.ShipOrderCommand, ShipOrderData{
				OrderID: order.ID,
				Address: order.ShippingAddress,
			}).WithCorrelationID(order.ID),
		},
		Cancel: []ReminderPurpose{ReminderPaymentTimeout},
	}, nil
}

func (c *Coordinator) onPaymentFailed(instance *SagaInstance, event *events.Event) (*Outcome, error) {
	if instance.State != StateAwaitingPayment {
		return noOp("payment failure not expected in state " + string(instance.State)), nil
	}

	var payload PaymentFailedData
	if err := event.UnmarshalPayload(&payload); err != nil {
		return nil, errors.Wrap(err, "malformed payment failed payload")
	}

	reason := payload.Reason
	if reason == "" {
		reason = "payment failed"
	}

	return c.failTerminal(instance, StatePaymentFailed, reason, []ReminderPurpose{ReminderPaymentTimeout}), nil
}

func (c *Coordinator) onShipped(instance *SagaInstance, event *events.Event) (*Outcome, error) {
	if instance.State != StatePaid {
		return noOp("shipment not expected in state " + string(instance.State)), nil
	}

	var payload ShippedData
	if err := event.UnmarshalPayload(&payload); err != nil {
		return nil, errors.Wrap(err, "malformed shipped payload")
	}

	data := instance.Data
	data.ShipmentReference = payload.TrackingNumber

	order := instance.Data.Order
	return &Outcome{
		State: StateShipped,
		Data:  data,
		Publish: []*events.Event{
			events.NewEvent(order.ID, events.OrderCompletedNotificationEvent, OrderCompletedData{
				OrderID:           order.ID,
				BuyerID:           order.BuyerID,
				ShipmentReference: payload.TrackingNumber,
			}).WithCorrelationID(order.ID),
		},
	}, nil
}

// onCancelRequested handles buyer cancellation, allowed only before payment
// has been charged.
func (c *Coordinator) onCancelRequested(instance *SagaInstance, event *events.Event) (*Outcome, error) {
	switch instance.State {
	case StateSubmitted, StateAwaitingStockValidation, StateAwaitingPayment:
	default:
		return noOp("cancellation not allowed in state " + string(instance.State)), nil
	}

	var payload CancelRequestedData
	if err := event.UnmarshalPayload(&payload); err != nil {
		return nil, errors.Wrap(err, "malformed cancel request payload")
	}

	reason := payload.Reason
	if reason == "" {
		reason = "cancelled by buyer"
	}

	return c.failTerminal(instance, StateCancelled, reason,
		[]ReminderPurpose{ReminderStockTimeout, ReminderPaymentTimeout}), nil
}

func (c *Coordinator) onStockTimeout(instance *SagaInstance, reminder Reminder) *Outcome {
	if reminder.Attempt >= reminder.MaxAttempts {
		return c.failTerminal(instance, StateStockRejected, "validation timeout", nil)
	}

	attempt := reminder.Attempt + 1
	order := instance.Data.Order
	return &Outcome{
		State: instance.State,
		Data:  instance.Data,
		Publish: []*events.Event{
			c.validateStockCommand(order, attempt),
		},
		Schedule: []Reminder{
			c.stockReminder(order.ID, attempt),
		},
	}
}

func (c *Coordinator) onPaymentTimeout(instance *SagaInstance, reminder Reminder) *Outcome {
	if reminder.Attempt >= reminder.MaxAttempts {
		return c.failTerminal(instance, StatePaymentFailed, "payment timeout", nil)
	}

	attempt := reminder.Attempt + 1
	order := instance.Data.Order
	return &Outcome{
		State: instance.State,
		Data:  instance.Data,
		Publish: []*events.Event{
			c.chargePaymentCommand(order, attempt),
		},
		Schedule: []Reminder{
			c.paymentReminder(order.ID, attempt),
		},
	}
}

// failTerminal builds the terminal failure outcome shared by rejections,
// payment failures, cancellations and timeout exhaustion.
func (c *Coordinator) failTerminal(instance *SagaInstance, state SagaState, reason string, cancel []ReminderPurpose) *Outcome {
	data := instance.Data
	data.FailureReason = reason

	order := instance.Data.Order
	return &Outcome{
		State: state,
		Data:  data,
		Publish: []*events.Event{
			events.NewEvent(order.ID, events.OrderCancelledEvent, OrderCancelledData{
				OrderID: order.ID,
				Reason:  reason,
			}).WithCorrelationID(order.ID),
		},
		Cancel: cancel,
	}
}

func (c *Coordinator) validateStockCommand(order *Order, attempt int) *events.Event {
	return events.NewEvent(order.ID, events.ValidateOrderStockCommand, ValidateStockData{
		OrderID: order.ID,
		Items:   order.Items,
		Attempt: attempt,
	}).WithCorrelationID(order.ID)
}

func (c *Coordinator) chargePaymentCommand(order *Order, attempt int) *events.Event {
	return events.NewEvent(order.ID, events.ChargePaymentCommand, ChargePaymentData{
		OrderID: order.ID,
		BuyerID: order.BuyerID,
		Total:   order.Total(),
		Attempt: attempt,
	}).WithCorrelationID(order.ID)
}

func (c *Coordinator) stockReminder(orderID models.ID, attempt int) Reminder {
	return Reminder{
		SagaID:      orderID,
		Purpose:     ReminderStockTimeout,
		DueAt:       c.now().Add(c.backoff(c.config.StockTimeout, attempt)),
		Attempt:     attempt,
		MaxAttempts: c.config.MaxAttempts,
		StateTag:    StateAwaitingStockValidation,
	}
}

func (c *Coordinator) paymentReminder(orderID models.ID, attempt int) Reminder {
	return Reminder{
		SagaID:      orderID,
		Purpose:     ReminderPaymentTimeout,
		DueAt:       c.now().Add(c.backoff(c.config.PaymentTimeout, attempt)),
		Attempt:     attempt,
		MaxAttempts: c.config.MaxAttempts,
		StateTag:    StateAwaitingPayment,
	}
}

// backoff doubles the base delay per attempt, capped by MaxTimeout
func (c *Coordinator) backoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if c.config.MaxTimeout > 0 && delay >= c.config.MaxTimeout {
			return c.config.MaxTimeout
		}
	}
	if c.config.MaxTimeout > 0 && delay > c.config.MaxTimeout {
		delay = c.config.MaxTimeout
	}
	return delay
}
