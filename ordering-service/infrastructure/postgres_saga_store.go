package infrastructure

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cartwheel/order-system/ordering-service/domain"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresSagaStore persists saga instances and their idempotency ledger.
// Commit updates the saga row under the optimistic version check and inserts
// the processed event id in the same transaction.
//
// Schema:
//
//	order_sagas(order_id TEXT PK, state TEXT, version INT, data JSONB,
//	            created_at TIMESTAMPTZ, updated_at TIMESTAMPTZ)
//	saga_processed_events(order_id TEXT, event_id TEXT, processed_at TIMESTAMPTZ,
//	                      PRIMARY KEY (order_id, event_id))
type PostgresSagaStore struct {
	db *sqlx.DB
}

var _ domain.SagaStore = (*PostgresSagaStore)(nil)

// NewPostgresSagaStore creates a new PostgresSagaStore
func NewPostgresSagaStore(db *sqlx.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

type sagaRow struct {
	OrderID   string    `db:"order_id"`
	State     string    `db:"state"`
	Version   int       `db:"version"`
	Data      []byte    `db:"data"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Load retrieves the saga instance for an order id
func (s *PostgresSagaStore) Load(ctx context.Context, orderID models.ID) (*domain.SagaInstance, error) {
	var row sagaRow
	err := s.db.GetContext(ctx, &row,
		"SELECT order_id, state, version, data, created_at, updated_at FROM order_sagas WHERE order_id = $1",
		orderID.String())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSagaNotFound
		}
		return nil, errors.Wrap(err, "failed to load saga")
	}

	return s.toDomain(&row)
}

// Create inserts a new saga instance; a duplicate order id is ErrSagaExists
func (s *PostgresSagaStore) Create(ctx context.Context, instance *domain.SagaInstance) error {
	data, err := json.Marshal(instance.Data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal saga data")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_sagas (order_id, state, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		instance.OrderID.String(),
		string(instance.State),
		instance.Version.Value,
		data,
		instance.Timestamps.CreatedAt,
		instance.Timestamps.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert saga")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read insert result")
	}
	if affected == 0 {
		return domain.ErrSagaExists
	}

	return nil
}

// Commit applies the transition and marks the processed event atomically
func (s *PostgresSagaStore) Commit(ctx context.Context, instance *domain.SagaInstance, expectedVersion int, processedEventID models.ID) error {
	data, err := json.Marshal(instance.Data)
	if err != nil {
		return errors.Wrap(err, "failed to marshal saga data")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE order_sagas
		SET state = $2, version = $3, data = $4, updated_at = $5
		WHERE order_id = $1 AND version = $6`,
		instance.OrderID.String(),
		string(instance.State),
		instance.Version.Value,
		data,
		instance.Timestamps.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update saga")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read update result")
	}
	if affected == 0 {
		return domain.ErrVersionConflict
	}

	if !processedEventID.IsEmpty() {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO saga_processed_events (order_id, event_id, processed_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (order_id, event_id) DO NOTHING`,
			instance.OrderID.String(),
			processedEventID.String(),
		)
		if err != nil {
			return errors.Wrap(err, "failed to mark event processed")
		}
	}

	return tx.Commit()
}

// HasProcessed checks the ledger for an event id
func (s *PostgresSagaStore) HasProcessed(ctx context.Context, orderID, eventID models.ID) (bool, error) {
	var seen bool
	err := s.db.GetContext(ctx, &seen,
		"SELECT EXISTS (SELECT 1 FROM saga_processed_events WHERE order_id = $1 AND event_id = $2)",
		orderID.String(), eventID.String())
	if err != nil {
		return false, errors.Wrap(err, "failed to check processed events")
	}
	return seen, nil
}

// PruneProcessed removes ledger entries of terminal sagas older than the
// cutoff
func (s *PostgresSagaStore) PruneProcessed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM saga_processed_events p
		USING order_sagas s
		WHERE p.order_id = s.order_id
		  AND p.processed_at < $1
		  AND s.state IN ($2, $3, $4, $5)`,
		before,
		string(domain.StateShipped),
		string(domain.StateStockRejected),
		string(domain.StatePaymentFailed),
		string(domain.StateCancelled),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune processed events")
	}
	return res.RowsAffected()
}

func (s *PostgresSagaStore) toDomain(row *sagaRow) (*domain.SagaInstance, error) {
	var data domain.SagaData
	if err := json.Unmarshal(row.Data, &data); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal saga data")
	}

	return &domain.SagaInstance{
		OrderID: models.ID(row.OrderID),
		State:   domain.SagaState(row.State),
		Data:    data,
		Version: models.Version{Value: row.Version},
		Timestamps: models.Timestamps{
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		},
	}, nil
}
