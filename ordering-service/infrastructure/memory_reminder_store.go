package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/models"
)

type reminderKey struct {
	sagaID  models.ID
	purpose domain.ReminderPurpose
}

// MemoryReminderStore keeps pending reminders in memory for tests and local
// mode. One pending entry per (saga id, purpose); ClaimDue removes entries as
// it hands them out so each due time fires once.
type MemoryReminderStore struct {
	mux     sync.Mutex
	pending map[reminderKey]domain.Reminder
}

var _ domain.ReminderStore = (*MemoryReminderStore)(nil)

// NewMemoryReminderStore creates an empty store
func NewMemoryReminderStore() *MemoryReminderStore {
	return &MemoryReminderStore{
		pending: make(map[reminderKey]domain.Reminder),
	}
}

// Schedule upserts the reminder for its (saga id, purpose)
func (s *MemoryReminderStore) Schedule(ctx context.Context, reminder domain.Reminder) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.pending[reminderKey{reminder.SagaID, reminder.Purpose}] = reminder
	return nil
}

// Cancel drops the pending entry if present. Racing with a claim is fine:
// the claimed fire is resolved by the coordinator's state-tag check.
func (s *MemoryReminderStore) Cancel(ctx context.Context, sagaID models.ID, purpose domain.ReminderPurpose) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	delete(s.pending, reminderKey{sagaID, purpose})
	return nil
}

// ClaimDue removes and returns up to limit entries due at or before now
func (s *MemoryReminderStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var due []domain.Reminder
	for key, reminder := range s.pending {
		if reminder.DueAt.After(now) {
			continue
		}
		due = append(due, reminder)
		delete(s.pending, key)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		for _, back := range due[limit:] {
			s.pending[reminderKey{back.SagaID, back.Purpose}] = back
		}
		due = due[:limit]
	}

	return due, nil
}

// Pending reports whether a reminder is scheduled, for tests
func (s *MemoryReminderStore) Pending(sagaID models.ID, purpose domain.ReminderPurpose) bool {
	s.mux.Lock()
	defer s.mux.Unlock()

	_, ok := s.pending[reminderKey{sagaID, purpose}]
	return ok
}
