package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/models"
)

// MemorySagaStore keeps saga instances and the idempotency ledger in memory.
// It backs tests and the local transport mode; per-key atomicity comes from a
// single store mutex, which is enough at this scale.
type MemorySagaStore struct {
	mux       sync.RWMutex
	instances map[models.ID]domain.SagaInstance
	processed map[models.ID]map[models.ID]time.Time
}

var _ domain.SagaStore = (*MemorySagaStore)(nil)

// NewMemorySagaStore creates an empty store
func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{
		instances: make(map[models.ID]domain.SagaInstance),
		processed: make(map[models.ID]map[models.ID]time.Time),
	}
}

// Load returns a copy of the stored instance
func (s *MemorySagaStore) Load(ctx context.Context, orderID models.ID) (*domain.SagaInstance, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	instance, ok := s.instances[orderID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	return &instance, nil
}

// Create inserts a new instance, rejecting duplicates by order id
func (s *MemorySagaStore) Create(ctx context.Context, instance *domain.SagaInstance) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.instances[instance.OrderID]; ok {
		return domain.ErrSagaExists
	}

	s.instances[instance.OrderID] = *instance
	return nil
}

// Commit stores the transitioned instance iff the expected version matches,
// recording the processed event id in the same critical section.
func (s *MemorySagaStore) Commit(ctx context.Context, instance *domain.SagaInstance, expectedVersion int, processedEventID models.ID) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	stored, ok := s.instances[instance.OrderID]
	if !ok {
		return domain.ErrSagaNotFound
	}
	if stored.Version.Value != expectedVersion {
		return domain.ErrVersionConflict
	}

	s.instances[instance.OrderID] = *instance

	if !processedEventID.IsEmpty() {
		ledger, ok := s.processed[instance.OrderID]
		if !ok {
			ledger = make(map[models.ID]time.Time)
			s.processed[instance.OrderID] = ledger
		}
		ledger[processedEventID] = time.Now()
	}

	return nil
}

// HasProcessed reports whether the event id is in the saga's ledger
func (s *MemorySagaStore) HasProcessed(ctx context.Context, orderID, eventID models.ID) (bool, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	ledger, ok := s.processed[orderID]
	if !ok {
		return false, nil
	}
	_, seen := ledger[eventID]
	return seen, nil
}

// PruneProcessed drops ledger entries of terminal sagas recorded before the
// cutoff
func (s *MemorySagaStore) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var pruned int64
	for orderID, ledger := range s.processed {
		instance, ok := s.instances[orderID]
		if !ok || !instance.State.IsTerminal() {
			continue
		}
		for eventID, at := range ledger {
			if at.Before(before) {
				delete(ledger, eventID)
				pruned++
			}
		}
		if len(ledger) == 0 {
			delete(s.processed, orderID)
		}
	}
	return pruned, nil
}
