package infrastructure

import (
	"context"
	"time"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresReminderStore is the durable schedule table behind the timer
// subsystem. Pending rows survive process restarts; ClaimDue marks rows fired
// under FOR UPDATE SKIP LOCKED so concurrent pollers never double-fire one
// due time.
//
// Schema:
//
//	saga_reminders(saga_id TEXT, purpose TEXT, due_at TIMESTAMPTZ,
//	               attempt INT, max_attempts INT, state_tag TEXT,
//	               status TEXT DEFAULT 'pending',
//	               PRIMARY KEY (saga_id, purpose))
type PostgresReminderStore struct {
	db *sqlx.DB
}

var _ domain.ReminderStore = (*PostgresReminderStore)(nil)

// NewPostgresReminderStore creates a new PostgresReminderStore
func NewPostgresReminderStore(db *sqlx.DB) *PostgresReminderStore {
	return &PostgresReminderStore{db: db}
}

type reminderRow struct {
	SagaID      string    `db:"saga_id"`
	Purpose     string    `db:"purpose"`
	DueAt       time.Time `db:"due_at"`
	Attempt     int       `db:"attempt"`
	MaxAttempts int       `db:"max_attempts"`
	StateTag    string    `db:"state_tag"`
}

// Schedule upserts the pending reminder for (saga id, purpose)
func (s *PostgresReminderStore) Schedule(ctx context.Context, reminder domain.Reminder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_reminders (saga_id, purpose, due_at, attempt, max_attempts, state_tag, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (saga_id, purpose) DO UPDATE
		SET due_at = EXCLUDED.due_at,
		    attempt = EXCLUDED.attempt,
		    max_attempts = EXCLUDED.max_attempts,
		    state_tag = EXCLUDED.state_tag,
		    status = 'pending'`,
		reminder.SagaID.String(),
		string(reminder.Purpose),
		reminder.DueAt,
		reminder.Attempt,
		reminder.MaxAttempts,
		string(reminder.StateTag),
	)
	return errors.Wrap(err, "failed to schedule reminder")
}

// Cancel drops the pending reminder. Best effort: a row already claimed by a
// poller is left alone and resolves as a stale fire.
func (s *PostgresReminderStore) Cancel(ctx context.Context, sagaID models.ID, purpose domain.ReminderPurpose) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM saga_reminders WHERE saga_id = $1 AND purpose = $2 AND status = 'pending'",
		sagaID.String(), string(purpose))
	return errors.Wrap(err, "failed to cancel reminder")
}

// ClaimDue atomically marks due pending rows fired and returns them
func (s *PostgresReminderStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.Reminder, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []reminderRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE saga_reminders r
		SET status = 'fired'
		FROM (
			SELECT saga_id, purpose
			FROM saga_reminders
			WHERE status = 'pending' AND due_at <= $1
			ORDER BY due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) due
		WHERE r.saga_id = due.saga_id AND r.purpose = due.purpose
		RETURNING r.saga_id, r.purpose, r.due_at, r.attempt, r.max_attempts, r.state_tag`,
		now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim due reminders")
	}

	reminders := make([]domain.Reminder, len(rows))
	for i, row := range rows {
		reminders[i] = domain.Reminder{
			SagaID:      models.ID(row.SagaID),
			Purpose:     domain.ReminderPurpose(row.Purpose),
			DueAt:       row.DueAt,
			Attempt:     row.Attempt,
			MaxAttempts: row.MaxAttempts,
			StateTag:    domain.SagaState(row.StateTag),
		}
	}
	return reminders, nil
}
