package domain

import (
	"testing"
	"time"

	"github.com/cartwheel/order-system/shared/events"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClock = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testCoordinator() *Coordinator {
	return NewCoordinator(DefaultCoordinatorConfig()).WithClock(func() time.Time { return testClock })
}

func testOrder(t *testing.T) *Order {
	t.Helper()
	order, err := NewOrder(
		models.ID("550e8400-e29b-41d4-a716-446655440010"),
		models.ID("550e8400-e29b-41d4-a716-446655440020"),
		validAddress(),
		validItems(),
	)
	require.NoError(t, err)
	return order
}

func instanceInState(t *testing.T, state SagaState) *SagaInstance {
	t.Helper()
	instance := NewSagaInstance(testOrder(t))
	instance.State = state
	return instance
}

func inbound(orderID models.ID, eventType string, data interface{}) *events.Event {
	return events.NewEvent(orderID, eventType, data).WithCorrelationID(orderID)
}

func TestCoordinatorBegin(t *testing.T) {
	c := testCoordinator()
	order := testOrder(t)

	instance, outcome := c.Begin(order)

	assert.Equal(t, order.ID, instance.OrderID)
	assert.Equal(t, StateSubmitted, instance.State)
	assert.Equal(t, StateAwaitingStockValidation, outcome.State)

	require.Len(t, outcome.Publish, 1)
	assert.Equal(t, events.ValidateOrderStockCommand, outcome.Publish[0].EventType)
	assert.Equal(t, order.ID, outcome.Publish[0].CorrelationID)

	require.Len(t, outcome.Schedule, 1)
	reminder := outcome.Schedule[0]
	assert.Equal(t, ReminderStockTimeout, reminder.Purpose)
	assert.Equal(t, 1, reminder.Attempt)
	assert.Equal(t, 3, reminder.MaxAttempts)
	assert.Equal(t, StateAwaitingStockValidation, reminder.StateTag)
	assert.Equal(t, testClock.Add(30*time.Second), reminder.DueAt)
}

func TestCoordinatorOnStockConfirmed(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingStockValidation)

	outcome, err := c.OnEvent(instance, inbound(instance.OrderID, events.OrderStockConfirmedEvent, StockConfirmedData{OrderID: instance.OrderID}))
	require.NoError(t, err)
	require.False(t, outcome.NoOp)

	assert.Equal(t, StateAwaitingPayment, outcome.State)
	require.NotNil(t, outcome.Data.StockConfirmedAt)
	assert.Equal(t, testClock, *outcome.Data.StockConfirmedAt)

	require.Len(t, outcome.Publish, 1)
	assert.Equal(t, events.ChargePaymentCommand, outcome.Publish[0].EventType)

	var charge ChargePaymentData
	require.NoError(t, outcome.Publish[0].UnmarshalPayload(&charge))
	assert.Equal(t, int64(11500), charge.Total.Amount)
	assert.Equal(t, 1, charge.Attempt)

	assert.Equal(t, []ReminderPurpose{ReminderStockTimeout}, outcome.Cancel)
	require.Len(t, outcome.Schedule, 1)
	assert.Equal(t, ReminderPaymentTimeout, outcome.Schedule[0].Purpose)
	assert.Equal(t, StateAwaitingPayment, outcome.Schedule[0].StateTag)
	assert.Equal(t, testClock.Add(60*time.Second), outcome.Schedule[0].DueAt)
}

func TestCoordinatorOnStockRejected(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingStockValidation)

	outcome, err := c.OnEvent(instance, inbound(instance.OrderID, events.OrderStockRejectedEvent, StockRejectedData{
		OrderID: instance.OrderID,
		Reason:  "out of stock",
	}))
	require.NoError(t, err)
	require.False(t, outcome.NoOp)

	assert.Equal(t, StateStockRejected, outcome.State)
	assert.Equal(t, "out of stock", outcome.Data.FailureReason)
	require.Len(t, outcome.Publish, 1)
	assert.Equal(t, events.OrderCancelledEvent, outcome.Publish[0].EventType)
	assert.Equal(t, []ReminderPurpose{ReminderStockTimeout}, outcome.Cancel)
}

func TestCoordinatorOnPaymentSucceeded(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingPayment)

	outcome, err := c.OnEvent(instance, inbound(instance.OrderID, events.OrderPaymentSucceededEvent, PaymentSucceededData{
		OrderID:   instance.OrderID,
		PaymentID: "pay-123",
	}))
	require.NoError(t, err)
	require.False(t, outcome.NoOp)

	assert.Equal(t, StatePaid, outcome.State)
	assert.Equal(t, "pay-123", outcome.Data.PaymentReference)
	require.Len(t, outcome.Publish, 1)
	assert.Equal(t, events.ShipOrderCommand, outcome.Publish[0].EventType)
	assert.Equal(t, []ReminderPurpose{ReminderPaymentTimeout}, outcome.Cancel)
	assert.Empty(t, outcome.Schedule)
}

func TestCoordinatorOnPaymentFailed(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingPayment)

	outcome, err := c.OnEvent(instance, inbound(instance.OrderID, events.OrderPaymentFailedEvent, PaymentFailedData{
		OrderID: instance.OrderID,
		Reason:  "card declined",
	}))
	require.NoError(t, err)

	assert.Equal(t, StatePaymentFailed, outcome.State)
	assert.Equal(t, "card declined", outcome.Data.FailureReason)
	require.Len(t, outcome.Publish, 1)
	assert.Equal(t, events.OrderCancelledEvent, outcome.Publish[0].EventType)
}

func TestCoordinatorOnShipped(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StatePaid)

	outcome, err := c.OnEvent(instance, inbound(instance.OrderID, events.OrderShippedEvent, ShippedData{
		OrderID:        instance.OrderID,
		TrackingNumber: "TRK-42",
	}))
	require.NoError(t, err)

	assert.Equal(t, StateShipped, outcome.State)
	assert.Equal(t, "TRK-42", outcome.Data.ShipmentReference)
	require.Len(t, outcome.Publish, 1)
	assert.Equal(t, events.OrderCompletedNotificationEvent, outcome.Publish[0].EventType)

	var completed OrderCompletedData
	require.NoError(t, outcome.Publish[0].UnmarshalPayload(&completed))
	assert.Equal(t, "TRK-42", completed.ShipmentReference)
}

func TestCoordinatorOnCancelRequested(t *testing.T) {
	c := testCoordinator()

	tests := []struct {
		name      string
		state     SagaState
		cancelled bool
	}{
		{name: "awaiting stock validation", state: StateAwaitingStockValidation, cancelled: true},
		{name: "awaiting payment", state: StateAwaitingPayment, cancelled: true},
		{name: "already paid", state: StatePaid, cancelled: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instance := instanceInState(t, tt.state)

			outcome, err := c.OnEvent(instance, inbound(instance.OrderID, events.OrderCancelRequestedEvent, CancelRequestedData{
				OrderID: instance.OrderID,
			}))
			require.NoError(t, err)

			if !tt.cancelled {
				assert.True(t, outcome.NoOp)
				return
			}

			assert.Equal(t, StateCancelled, outcome.State)
			assert.Equal(t, "cancelled by buyer", outcome.Data.FailureReason)
			require.Len(t, outcome.Publish, 1)
			assert.Equal(t, events.OrderCancelledEvent, outcome.Publish[0].EventType)
		})
	}
}

func TestCoordinatorEventInWrongStateIsNoOp(t *testing.T) {
	c := testCoordinator()

	tests := []struct {
		name      string
		state     SagaState
		eventType string
		data      interface{}
	}{
		{
			name:      "stock confirmation while awaiting payment",
			state:     StateAwaitingPayment,
			eventType: events.OrderStockConfirmedEvent,
			data:      StockConfirmedData{},
		},
		{
			name:      "payment success while awaiting stock",
			state:     StateAwaitingStockValidation,
			eventType: events.OrderPaymentSucceededEvent,
			data:      PaymentSucceededData{},
		},
		{
			name:      "shipment before payment",
			state:     StateAwaitingPayment,
			eventType: events.OrderShippedEvent,
			data:      ShippedData{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instance := instanceInState(t, tt.state)

			outcome, err := c.OnEvent(instance, inbound(instance.OrderID, tt.eventType, tt.data))
			require.NoError(t, err)
			assert.True(t, outcome.NoOp)
			assert.NotEmpty(t, outcome.NoOpReason)
		})
	}
}

func TestCoordinatorTerminalSagaIgnoresEvents(t *testing.T) {
	c := testCoordinator()

	for _, state := range []SagaState{StateShipped, StateStockRejected, StatePaymentFailed, StateCancelled} {
		instance := instanceInState(t, state)

		outcome, err := c.OnEvent(instance, inbound(instance.OrderID, events.OrderStockConfirmedEvent, StockConfirmedData{}))
		require.NoError(t, err)
		assert.True(t, outcome.NoOp, "terminal state %s should ignore events", state)

		outcome = c.OnReminder(instance, Reminder{
			SagaID:   instance.OrderID,
			Purpose:  ReminderStockTimeout,
			StateTag: StateAwaitingStockValidation,
		})
		assert.True(t, outcome.NoOp, "terminal state %s should ignore reminders", state)
	}
}

func TestCoordinatorUnknownEventType(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingStockValidation)

	_, err := c.OnEvent(instance, inbound(instance.OrderID, "order.unknown", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized event type")
}

func TestCoordinatorStaleReminderIsNoOp(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingPayment)

	// The stock reminder fired after the confirmation moved the saga on
	outcome := c.OnReminder(instance, Reminder{
		SagaID:      instance.OrderID,
		Purpose:     ReminderStockTimeout,
		Attempt:     1,
		MaxAttempts: 3,
		StateTag:    StateAwaitingStockValidation,
	})

	assert.True(t, outcome.NoOp)
	assert.Contains(t, outcome.NoOpReason, "stale")
}

func TestCoordinatorStockTimeoutRetries(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingStockValidation)

	outcome := c.OnReminder(instance, Reminder{
		SagaID:      instance.OrderID,
		Purpose:     ReminderStockTimeout,
		Attempt:     1,
		MaxAttempts: 3,
		StateTag:    StateAwaitingStockValidation,
	})

	require.False(t, outcome.NoOp)
	assert.Equal(t, StateAwaitingStockValidation, outcome.State)

	require.Len(t, outcome.Publish, 1)
	assert.Equal(t, events.ValidateOrderStockCommand, outcome.Publish[0].EventType)

	var cmd ValidateStockData
	require.NoError(t, outcome.Publish[0].UnmarshalPayload(&cmd))
	assert.Equal(t, 2, cmd.Attempt)

	require.Len(t, outcome.Schedule, 1)
	next := outcome.Schedule[0]
	assert.Equal(t, 2, next.Attempt)
	// Second attempt doubles the base timeout
	assert.Equal(t, testClock.Add(60*time.Second), next.DueAt)
}

func TestCoordinatorStockTimeoutExhaustion(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingStockValidation)

	outcome := c.OnReminder(instance, Reminder{
		SagaID:      instance.OrderID,
		Purpose:     ReminderStockTimeout,
		Attempt:     3,
		MaxAttempts: 3,
		StateTag:    StateAwaitingStockValidation,
	})

	require.False(t, outcome.NoOp)
	assert.Equal(t, StateStockRejected, outcome.State)
	assert.Equal(t, "validation timeout", outcome.Data.FailureReason)
	require.Len(t, outcome.Publish, 1)
	assert.Equal(t, events.OrderCancelledEvent, outcome.Publish[0].EventType)
	assert.Empty(t, outcome.Schedule)
}

func TestCoordinatorPaymentTimeoutExhaustion(t *testing.T) {
	c := testCoordinator()
	instance := instanceInState(t, StateAwaitingPayment)

	outcome := c.OnReminder(instance, Reminder{
		SagaID:      instance.OrderID,
		Purpose:     ReminderPaymentTimeout,
		Attempt:     3,
		MaxAttempts: 3,
		StateTag:    StateAwaitingPayment,
	})

	require.False(t, outcome.NoOp)
	assert.Equal(t, StatePaymentFailed, outcome.State)
	assert.Equal(t, "payment timeout", outcome.Data.FailureReason)
}

func TestCoordinatorBackoffCap(t *testing.T) {
	config := DefaultCoordinatorConfig()
	config.StockTimeout = 4 * time.Minute
	config.MaxTimeout = 10 * time.Minute
	config.MaxAttempts = 5
	c := NewCoordinator(config).WithClock(func() time.Time { return testClock })

	instance := instanceInState(t, StateAwaitingStockValidation)

	outcome := c.OnReminder(instance, Reminder{
		SagaID:      instance.OrderID,
		Purpose:     ReminderStockTimeout,
		Attempt:     2,
		MaxAttempts: 5,
		StateTag:    StateAwaitingStockValidation,
	})

	require.Len(t, outcome.Schedule, 1)
	// 4m doubled twice is 16m, capped at 10m
	assert.Equal(t, testClock.Add(10*time.Minute), outcome.Schedule[0].DueAt)
}
