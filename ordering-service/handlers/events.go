package handlers

import (
	"context"

	"github.com/cartwheel/order-system/ordering-service/application"
	"github.com/cartwheel/order-system/shared/events"
)

// SagaEventHandlers routes bus events to the saga dispatcher. The coordinator
// publishes its own commands on the same order topics it subscribes to, so
// outbound-only types are filtered here before they reach the dispatcher.
type SagaEventHandlers struct {
	dispatcher *application.Dispatcher
}

// NewSagaEventHandlers creates new saga event handlers
func NewSagaEventHandlers(dispatcher *application.Dispatcher) *SagaEventHandlers {
	return &SagaEventHandlers{dispatcher: dispatcher}
}

// Handle implements the events.EventHandler interface
func (h *SagaEventHandlers) Handle(ctx context.Context, event *events.Event) error {
	switch event.EventType {
	case events.ValidateOrderStockCommand,
		events.ChargePaymentCommand,
		events.ShipOrderCommand,
		events.OrderCancelledEvent,
		events.OrderCompletedNotificationEvent:
		// Our own outbound traffic, addressed to collaborators
		return nil
	case events.OrderSubmittedEvent,
		events.OrderStockConfirmedEvent,
		events.OrderStockRejectedEvent,
		events.OrderPaymentSucceededEvent,
		events.OrderPaymentFailedEvent,
		events.OrderShippedEvent,
		events.OrderCancelRequestedEvent:
		return h.dispatcher.HandleEvent(ctx, event)
	default:
		// Unknown types still go through the dispatcher so they land in the
		// journal as discarded
		return h.dispatcher.HandleEvent(ctx, event)
	}
}

// HandlerID returns the unique identifier for this event handler
func (h *SagaEventHandlers) HandlerID() string {
	return "ordering-service-event-handler"
}
