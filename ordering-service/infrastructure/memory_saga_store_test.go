package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedInstance(t *testing.T) *domain.SagaInstance {
	t.Helper()
	order, err := domain.NewOrder(
		models.GenerateUUID(),
		models.ID("550e8400-e29b-41d4-a716-446655440020"),
		domain.Address{Street: "123 Main St", City: "Springfield", Country: "US"},
		[]domain.OrderItem{
			{
				ProductID: models.ID("550e8400-e29b-41d4-a716-446655440001"),
				UnitPrice: models.NewMoney(1000, "USD"),
				Quantity:  1,
			},
		},
	)
	require.NoError(t, err)
	return domain.NewSagaInstance(order)
}

func TestMemorySagaStoreCreateAndLoad(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()
	instance := storedInstance(t)

	_, err := store.Load(ctx, instance.OrderID)
	require.ErrorIs(t, err, domain.ErrSagaNotFound)

	require.NoError(t, store.Create(ctx, instance))
	assert.ErrorIs(t, store.Create(ctx, instance), domain.ErrSagaExists)

	loaded, err := store.Load(ctx, instance.OrderID)
	require.NoError(t, err)
	assert.Equal(t, instance.OrderID, loaded.OrderID)
	assert.Equal(t, domain.StateSubmitted, loaded.State)

	// Loads return copies: mutating one must not leak into the store
	loaded.State = domain.StateShipped
	again, err := store.Load(ctx, instance.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSubmitted, again.State)
}

func TestMemorySagaStoreCommitVersionCheck(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()
	instance := storedInstance(t)
	require.NoError(t, store.Create(ctx, instance))

	eventID := models.GenerateUUID()

	next := *instance
	next.State = domain.StateAwaitingStockValidation
	next.Version = next.Version.Update()

	require.NoError(t, store.Commit(ctx, &next, 1, eventID))

	seen, err := store.HasProcessed(ctx, instance.OrderID, eventID)
	require.NoError(t, err)
	assert.True(t, seen)

	// A second commit against the stale version must conflict
	stale := *instance
	stale.State = domain.StateCancelled
	stale.Version = stale.Version.Update()
	assert.ErrorIs(t, store.Commit(ctx, &stale, 1, models.GenerateUUID()), domain.ErrVersionConflict)

	loaded, err := store.Load(ctx, instance.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingStockValidation, loaded.State)
	assert.Equal(t, 2, loaded.Version.Value)
}

func TestMemorySagaStoreCommitWithoutEventID(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()
	instance := storedInstance(t)
	require.NoError(t, store.Create(ctx, instance))

	next := *instance
	next.Version = next.Version.Update()
	require.NoError(t, store.Commit(ctx, &next, 1, ""))

	seen, err := store.HasProcessed(ctx, instance.OrderID, "")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemorySagaStorePruneProcessed(t *testing.T) {
	store := NewMemorySagaStore()
	ctx := context.Background()

	terminal := storedInstance(t)
	require.NoError(t, store.Create(ctx, terminal))
	done := *terminal
	done.State = domain.StateShipped
	done.Version = done.Version.Update()
	require.NoError(t, store.Commit(ctx, &done, 1, models.GenerateUUID()))

	active := storedInstance(t)
	require.NoError(t, store.Create(ctx, active))
	moved := *active
	moved.State = domain.StateAwaitingPayment
	moved.Version = moved.Version.Update()
	require.NoError(t, store.Commit(ctx, &moved, 1, models.GenerateUUID()))

	pruned, err := store.PruneProcessed(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// The active saga's ledger survives
	stillThere, err := store.PruneProcessed(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), stillThere)
}
