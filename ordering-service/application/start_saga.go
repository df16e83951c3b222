package application

import (
	"context"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/events"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/pkg/errors"
)

// StartOrderSagaCommand carries the durably recorded order snapshot that
// triggers the saga
type StartOrderSagaCommand struct {
	OrderID         models.ID          `json:"order_id"`
	BuyerID         models.ID          `json:"buyer_id"`
	ShippingAddress domain.Address     `json:"shipping_address"`
	Items           []domain.OrderItem `json:"items"`
}

// StartOrderSagaResponse reports the saga state after the start attempt
type StartOrderSagaResponse struct {
	OrderID models.ID       `json:"order_id"`
	State   domain.SagaState `json:"state"`
	Started bool            `json:"started"`
}

// StartOrderSaga begins coordination for a submitted order. Calling it twice
// with the same order id is a no-op on the second call.
type StartOrderSaga struct {
	dispatcher *Dispatcher
	store      domain.SagaStore
}

// NewStartOrderSaga creates the use case
func NewStartOrderSaga(dispatcher *Dispatcher, store domain.SagaStore) *StartOrderSaga {
	return &StartOrderSaga{
		dispatcher: dispatcher,
		store:      store,
	}
}

// Execute validates the snapshot and feeds the order-submitted trigger
// through the dispatcher
func (uc *StartOrderSaga) Execute(ctx context.Context, cmd *StartOrderSagaCommand) (*StartOrderSagaResponse, error) {
	order, err := domain.NewOrder(cmd.OrderID, cmd.BuyerID, cmd.ShippingAddress, cmd.Items)
	if err != nil {
		return nil, errors.Wrap(err, "invalid order snapshot")
	}

	existing, err := uc.store.Load(ctx, order.ID)
	if err == nil {
		return &StartOrderSagaResponse{
			OrderID: order.ID,
			State:   existing.State,
			Started: false,
		}, nil
	}
	if !errors.Is(err, domain.ErrSagaNotFound) {
		return nil, errors.Wrap(err, "failed to check for existing saga")
	}

	event := events.NewEvent(order.ID, events.OrderSubmittedEvent, order).
		WithCorrelationID(order.ID)

	if err := uc.dispatcher.HandleEvent(ctx, event); err != nil {
		return nil, errors.Wrap(err, "failed to start order saga")
	}

	instance, err := uc.store.Load(ctx, order.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load started saga")
	}

	return &StartOrderSagaResponse{
		OrderID: order.ID,
		State:   instance.State,
		Started: true,
	}, nil
}
