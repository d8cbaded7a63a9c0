package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The outbox makes event publication transactional: a state change and the
// event it produces are written in the same local transaction, and a
// periodic publisher ships unprocessed rows to the broker afterwards.
// Delivery is at-least-once; consumers must be idempotent.
//
// Table layout (one per stateful service):
//
//	outbox(id, aggregate_type, aggregate_id, type, payload, created_at, processed)
//	partial index on created_at WHERE processed = false

// Event is one outbox row. Type doubles as the broker routing key and
// Payload is the JSON body published verbatim.
type Event struct {
	ID            string
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	CreatedAt     time.Time
	Processed     bool
}

// NewEvent builds an outbox row for the given aggregate, serializing the
// payload to JSON.
func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return Event{
		ID:            uuid.New().String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Type:          eventType,
		Payload:       body,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Store persists outbox rows in the service's own database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendTx inserts the event inside the caller's transaction. This is the
// only write path business code should use: the row commits or rolls back
// together with the state change.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, evt Event) error {
	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, type, payload, created_at, processed)
		VALUES ($1, $2, $3, $4, $5, $6, false)
	`
	_, err := tx.ExecContext(ctx, query,
		evt.ID, evt.AggregateType, evt.AggregateID, evt.Type, evt.Payload, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event %s: %w", evt.Type, err)
	}
	return nil
}

// Append inserts the event in its own transaction. Saga participants use it
// for the reply that must commit even though the business transaction
// aborted.
func (s *Store) Append(ctx context.Context, evt Event) error {
	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, type, payload, created_at, processed)
		VALUES ($1, $2, $3, $4, $5, $6, false)
	`
	_, err := s.db.ExecContext(ctx, query,
		evt.ID, evt.AggregateType, evt.AggregateID, evt.Type, evt.Payload, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event %s: %w", evt.Type, err)
	}
	return nil
}

// FetchUnprocessed returns up to limit unprocessed rows, oldest first.
func (s *Store) FetchUnprocessed(ctx context.Context, limit int) ([]Event, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, type, payload, created_at, processed
		FROM outbox
		WHERE processed = false
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var evt Event
		if err := rows.Scan(&evt.ID, &evt.AggregateType, &evt.AggregateID,
			&evt.Type, &evt.Payload, &evt.CreatedAt, &evt.Processed); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return events, nil
}

// MarkProcessed flags a row as shipped.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	query := `UPDATE outbox SET processed = true WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	return nil
}

// DeleteProcessedBefore removes one batch of processed rows older than
// cutoff and returns how many were deleted. The cleaner calls it in a loop.
func (s *Store) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE id IN (
			SELECT id FROM outbox
			WHERE processed = true AND created_at < $1
			LIMIT $2
		)
	`
	result, err := s.db.ExecContext(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed outbox events: %w", err)
	}
	return result.RowsAffected()
}
