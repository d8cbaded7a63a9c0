package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Every subscriber claims an event key before processing. The claim is an
// INSERT into a primary-keyed table: the first writer wins, replays hit a
// unique violation and are dropped. Keys are retained long enough to cover
// the broker's redelivery window.
//
// Table layout:
//
//	idempotent_events(event_key PRIMARY KEY, created_at)

// ErrAlreadyProcessed reports that this event key was claimed before.
var ErrAlreadyProcessed = errors.New("event already processed")

// Key builds the canonical event key "<OP>:<aggregate-id>".
func Key(operation, aggregateID string) string {
	return operation + ":" + aggregateID
}

// Store claims event keys in the service's own database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Claim inserts the key in its own immediately-committed statement. Returns
// ErrAlreadyProcessed on a duplicate key.
func (s *Store) Claim(ctx context.Context, key string) error {
	query := `INSERT INTO idempotent_events (event_key, created_at) VALUES ($1, $2)`
	_, err := s.db.ExecContext(ctx, query, key, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyProcessed
		}
		return fmt.Errorf("failed to claim event key %s: %w", key, err)
	}
	return nil
}

// DeleteBefore removes keys older than cutoff; called by a daily retention
// job alongside outbox cleanup.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotent_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idempotency keys: %w", err)
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// DefaultRetention must exceed the broker's worst-case redelivery window; a
// key deleted too early would let a very late replay through.
const DefaultRetention = 7 * 24 * time.Hour

// Cleaner deletes claimed keys past the retention horizon, once daily.
type Cleaner struct {
	store     *Store
	logger    *slog.Logger
	retention time.Duration
}

func NewCleaner(store *Store, logger *slog.Logger, retention time.Duration) *Cleaner {
	if retention < 24*time.Hour {
		retention = DefaultRetention
	}
	return &Cleaner{store: store, logger: logger, retention: retention}
}

// Run performs one cleanup immediately and then once per day.
func (c *Cleaner) Run(ctx context.Context) {
	c.cleanup(ctx)

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

func (c *Cleaner) cleanup(ctx context.Context) {
	deleted, err := c.store.DeleteBefore(ctx, time.Now().UTC().Add(-c.retention))
	if err != nil {
		c.logger.Error("idempotency key cleanup failed", slog.Any("error", err))
		return
	}
	if deleted > 0 {
		c.logger.Info("idempotency key cleanup done", slog.Int64("deleted", deleted))
	}
}
