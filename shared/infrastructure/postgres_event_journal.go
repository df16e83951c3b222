package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cartwheel/order-system/shared/events"
	"github.com/cartwheel/order-system/shared/models"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// PostgresEventJournal implements events.Journal: an append-only trail of
// published and discarded integration events, queryable by correlation id.
//
// Schema:
//
//	event_journal(id TEXT, correlation_id TEXT, topic TEXT, disposition TEXT,
//	              data JSONB, metadata JSONB, occurred_at TIMESTAMPTZ,
//	              recorded_at TIMESTAMPTZ DEFAULT NOW())
type PostgresEventJournal struct {
	db *sqlx.DB
}

var _ events.Journal = (*PostgresEventJournal)(nil)

// NewPostgresEventJournal creates a new PostgresEventJournal
func NewPostgresEventJournal(db *sqlx.DB) *PostgresEventJournal {
	return &PostgresEventJournal{db: db}
}

type journalRow struct {
	ID            string    `db:"id"`
	CorrelationID string    `db:"correlation_id"`
	Topic         string    `db:"topic"`
	Disposition   string    `db:"disposition"`
	Data          []byte    `db:"data"`
	Metadata      []byte    `db:"metadata"`
	OccurredAt    time.Time `db:"occurred_at"`
}

// Append records events with the given disposition ("published", "discarded")
func (j *PostgresEventJournal) Append(ctx context.Context, disposition string, evts ...*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	tx, err := j.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, event := range evts {
		row, err := toJournalRow(event, disposition)
		if err != nil {
			return err
		}

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO event_journal (id, correlation_id, topic, disposition, data, metadata, occurred_at)
			VALUES (:id, :correlation_id, :topic, :disposition, :data, :metadata, :occurred_at)`,
			row)
		if err != nil {
			return errors.Wrap(err, "failed to insert journal entry")
		}
	}

	return tx.Commit()
}

// ByCorrelationID returns all recorded events for one order, oldest first
func (j *PostgresEventJournal) ByCorrelationID(ctx context.Context, correlationID models.ID) ([]*events.Event, error) {
	var rows []journalRow
	err := j.db.SelectContext(ctx, &rows, `
		SELECT id, correlation_id, topic, disposition, data, metadata, occurred_at
		FROM event_journal
		WHERE correlation_id = $1
		ORDER BY occurred_at ASC`,
		correlationID.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query journal")
	}

	result := make([]*events.Event, len(rows))
	for i, row := range rows {
		event, err := toJournalEvent(&row)
		if err != nil {
			return nil, err
		}
		result[i] = event
	}
	return result, nil
}

func toJournalRow(event *events.Event, disposition string) (*journalRow, error) {
	data, err := event.MarshalPayload()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event data")
	}

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal event metadata")
	}

	return &journalRow{
		ID:            event.ID.String(),
		CorrelationID: event.CorrelationID.String(),
		Topic:         string(event.Topic),
		Disposition:   disposition,
		Data:          data,
		Metadata:      metadata,
		OccurredAt:    event.Timestamp,
	}, nil
}

func toJournalEvent(row *journalRow) (*events.Event, error) {
	var metadata events.Metadata
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event metadata")
		}
	}
	if metadata == nil {
		metadata = make(events.Metadata)
	}
	metadata.Set("disposition", row.Disposition)

	topic, _ := events.NewTopic(row.Topic)

	return &events.Event{
		ID:            models.ID(row.ID),
		Topic:         topic,
		EventType:     row.Topic,
		Version:       "1.0",
		Data:          json.RawMessage(row.Data),
		Metadata:      metadata,
		Timestamp:     row.OccurredAt,
		CorrelationID: models.ID(row.CorrelationID),
	}, nil
}
