package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists couriers.
//
// Schema:
//
//	couriers(id PRIMARY KEY, name, status, is_active, latitude, longitude,
//	         assigned_order_id, version, updated_at)
//	partial index on status WHERE status = 'AVAILABLE'
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const selectCourier = `
	SELECT id, name, status, is_active, latitude, longitude, assigned_order_id, version, updated_at
	FROM couriers`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Courier, error) {
	row := s.db.QueryRowContext(ctx, selectCourier+` WHERE id = $1`, id)
	return scanCourier(row.Scan)
}

// ListAvailable is the unlocked candidate read; each candidate is
// re-checked under a row lock before assignment.
func (s *PostgresStore) ListAvailable(ctx context.Context) ([]*Courier, error) {
	rows, err := s.db.QueryContext(ctx, selectCourier+` WHERE status = $1 AND is_active = true ORDER BY updated_at`, string(StatusAvailable))
	if err != nil {
		return nil, fmt.Errorf("failed to list available couriers: %w", err)
	}
	defer rows.Close()

	var couriers []*Courier
	for rows.Next() {
		c, err := scanCourier(rows.Scan)
		if err != nil {
			return nil, err
		}
		couriers = append(couriers, c)
	}
	return couriers, rows.Err()
}

func (s *PostgresStore) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*Courier, error) {
	row := tx.QueryRowContext(ctx, selectCourier+` WHERE id = $1 FOR UPDATE`, id)
	return scanCourier(row.Scan)
}

func (s *PostgresStore) FindByAssignedOrderTx(ctx context.Context, tx *sql.Tx, orderID string) (*Courier, error) {
	row := tx.QueryRowContext(ctx, selectCourier+` WHERE assigned_order_id = $1 FOR UPDATE`, orderID)
	return scanCourier(row.Scan)
}

// UpdateTx writes the mutable columns guarded by the version column.
func (s *PostgresStore) UpdateTx(ctx context.Context, tx *sql.Tx, c *Courier) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE couriers
		SET status = $1, is_active = $2, latitude = $3, longitude = $4,
		    assigned_order_id = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		string(c.Status), c.IsActive, c.Latitude, c.Longitude, nullIfEmpty(c.AssignedOrderID),
		c.UpdatedAt, c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update courier: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func scanCourier(scan func(dest ...any) error) (*Courier, error) {
	var (
		c        Courier
		status   string
		lat, lon sql.NullFloat64
		assigned sql.NullString
	)
	err := scan(&c.ID, &c.Name, &status, &c.IsActive, &lat, &lon, &assigned, &c.Version, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCourierNotFound
		}
		return nil, fmt.Errorf("failed to scan courier: %w", err)
	}

	c.Status = CourierStatus(status)
	if lat.Valid {
		c.Latitude = &lat.Float64
	}
	if lon.Valid {
		c.Longitude = &lon.Float64
	}
	c.AssignedOrderID = assigned.String
	return &c, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
