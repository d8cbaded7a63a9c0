package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/quickbite/delivery-microservices/common/broker"
)

// PostgresStore persists orders and their items.
//
// Schema:
//
//	orders(id PRIMARY KEY, customer_id, store_id, courier_id, total_price,
//	       status, shipping_address JSONB, pickup_address JSONB,
//	       version, created_at, updated_at)
//	order_items(order_id REFERENCES orders, product_id, product_name,
//	            quantity, unit_price, PRIMARY KEY(order_id, product_id))
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithTx runs fn in a transaction, committing on nil and rolling back on
// error or panic.
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

func (s *PostgresStore) CreateTx(ctx context.Context, tx *sql.Tx, order *Order) error {
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now

	shipping, err := marshalAddress(order.ShippingAddress)
	if err != nil {
		return err
	}
	pickup, err := marshalAddress(order.PickupAddress)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, store_id, courier_id, total_price,
		                    status, shipping_address, pickup_address, version,
		                    created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		order.ID, order.CustomerID, order.StoreID, order.CourierID,
		order.TotalPrice.String(), string(order.Status), shipping, pickup,
		order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5)`,
			order.ID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, s.db.QueryContext, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetForUpdateTx locks the order row for the duration of the transaction.
// Saga reply handlers and REST mutations both go through here, so two
// concurrent updates to the same order serialise on the row lock.
func (s *PostgresStore) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*Order, error) {
	row := tx.QueryRowContext(ctx, selectOrder+` WHERE id = $1 FOR UPDATE`, id)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadItems(ctx, tx.QueryContext, order); err != nil {
		return nil, err
	}
	return order, nil
}

// UpdateTx writes the mutable columns guarded by the version column. A zero
// row count means another writer bumped the version first.
func (s *PostgresStore) UpdateTx(ctx context.Context, tx *sql.Tx, order *Order) error {
	pickup, err := marshalAddress(order.PickupAddress)
	if err != nil {
		return err
	}

	order.UpdatedAt = time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, courier_id = $2, pickup_address = $3,
		    version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		string(order.Status), order.CourierID, pickup, order.UpdatedAt,
		order.ID, order.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	order.Version++
	return nil
}

const selectOrder = `
	SELECT id, customer_id, store_id, courier_id, total_price, status,
	       shipping_address, pickup_address, version, created_at, updated_at
	FROM orders`

func scanOrder(row *sql.Row) (*Order, error) {
	var (
		order         Order
		total, status string
		shipping      []byte
		pickup        []byte
	)
	err := row.Scan(&order.ID, &order.CustomerID, &order.StoreID, &order.CourierID,
		&total, &status, &shipping, &pickup, &order.Version,
		&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	order.TotalPrice, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("invalid total_price for order %s: %w", order.ID, err)
	}
	order.Status = OrderStatus(status)

	if order.ShippingAddress, err = unmarshalAddress(shipping); err != nil {
		return nil, err
	}
	if order.PickupAddress, err = unmarshalAddress(pickup); err != nil {
		return nil, err
	}
	return &order, nil
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (s *PostgresStore) loadItems(ctx context.Context, query queryFunc, order *Order) error {
	rows, err := query(ctx, `
		SELECT product_id, product_name, quantity, unit_price
		FROM order_items WHERE order_id = $1
		ORDER BY product_id`, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item  OrderItem
			price string
		)
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &price); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		if item.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return fmt.Errorf("invalid unit_price for product %s: %w", item.ProductID, err)
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

func marshalAddress(addr *broker.Address) ([]byte, error) {
	if addr == nil {
		return nil, nil
	}
	data, err := json.Marshal(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal address: %w", err)
	}
	return data, nil
}

func unmarshalAddress(data []byte) (*broker.Address, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var addr broker.Address
	if err := json.Unmarshal(data, &addr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal address: %w", err)
	}
	return &addr, nil
}

// PostgresSnapshotStore maintains the product projection the order service
// prices against.
//
// Schema:
//
//	product_snapshots(product_id PRIMARY KEY, store_id, name, price,
//	                  stock, is_available, updated_at)
type PostgresSnapshotStore struct {
	db *sql.DB
}

func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) GetByIDs(ctx context.Context, ids []string) (map[string]ProductSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, store_id, name, price, stock, is_available, updated_at
		FROM product_snapshots WHERE product_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load product snapshots: %w", err)
	}
	defer rows.Close()

	snaps := make(map[string]ProductSnapshot, len(ids))
	for rows.Next() {
		var (
			snap  ProductSnapshot
			price string
		)
		err := rows.Scan(&snap.ProductID, &snap.StoreID, &snap.Name, &price,
			&snap.Stock, &snap.IsAvailable, &snap.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product snapshot: %w", err)
		}
		if snap.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid price for product %s: %w", snap.ProductID, err)
		}
		snaps[snap.ProductID] = snap
	}
	return snaps, rows.Err()
}

func (s *PostgresSnapshotStore) Upsert(ctx context.Context, snap ProductSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_snapshots (product_id, store_id, name, price, stock, is_available, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (product_id) DO UPDATE
		SET store_id = EXCLUDED.store_id, name = EXCLUDED.name,
		    price = EXCLUDED.price, stock = EXCLUDED.stock,
		    is_available = EXCLUDED.is_available, updated_at = EXCLUDED.updated_at`,
		snap.ProductID, snap.StoreID, snap.Name, snap.Price.String(),
		snap.Stock, snap.IsAvailable, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) Delete(ctx context.Context, productID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM product_snapshots WHERE product_id = $1`, productID)
	if err != nil {
		return fmt.Errorf("failed to delete product snapshot: %w", err)
	}
	return nil
}
