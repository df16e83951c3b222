package application

import (
	"context"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/pkg/errors"
)

// GetOrderSagaQuery requests the current state of one order saga
type GetOrderSagaQuery struct {
	OrderID models.ID `json:"order_id"`
}

// GetOrderSagaResponse is the (state, version, data) contract exposed to
// callers; the persisted layout behind it stays opaque.
type GetOrderSagaResponse struct {
	OrderID models.ID        `json:"order_id"`
	State   domain.SagaState `json:"state"`
	Version int              `json:"version"`
	Data    domain.SagaData  `json:"data"`
}

// GetOrderSaga is the read-only status query used by the API layer
type GetOrderSaga struct {
	store domain.SagaStore
}

// NewGetOrderSaga creates the use case
func NewGetOrderSaga(store domain.SagaStore) *GetOrderSaga {
	return &GetOrderSaga{store: store}
}

// Execute loads the saga; it never mutates
func (uc *GetOrderSaga) Execute(ctx context.Context, query *GetOrderSagaQuery) (*GetOrderSagaResponse, error) {
	if query.OrderID.IsEmpty() {
		return nil, errors.New("order ID is required")
	}

	instance, err := uc.store.Load(ctx, query.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrSagaNotFound) {
			return nil, domain.ErrSagaNotFound
		}
		return nil, errors.Wrap(err, "failed to load saga instance")
	}

	return &GetOrderSagaResponse{
		OrderID: instance.OrderID,
		State:   instance.State,
		Version: instance.Version.Value,
		Data:    instance.Data,
	}, nil
}
