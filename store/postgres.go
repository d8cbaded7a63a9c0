package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quickbite/delivery-microservices/common/broker"
)

// PostgresStore persists products and stores.
//
// Schema:
//
//	stores(id PRIMARY KEY, owner_id, name, address_line, latitude, longitude)
//	products(id PRIMARY KEY, store_id REFERENCES stores, name, description,
//	         price, stock, is_available, version, created_at, updated_at)
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

const selectProduct = `
	SELECT id, store_id, name, description, price, stock, is_available,
	       version, created_at, updated_at
	FROM products`

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx, selectProduct+` WHERE id = $1`, id)
	return scanProduct(row.Scan)
}

func (s *PostgresStore) ListByStore(ctx context.Context, storeID string) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx, selectProduct+` WHERE store_id = $1 ORDER BY name`, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows.Scan)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *PostgresStore) CreateProductTx(ctx context.Context, tx *sql.Tx, p *Product) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Version = 1

	_, err := tx.ExecContext(ctx, `
		INSERT INTO products (id, store_id, name, description, price, stock,
		                      is_available, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.StoreID, p.Name, p.Description, p.Price.String(), p.Stock,
		p.IsAvailable, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// UpdateProductTx writes all mutable columns guarded by the version column.
func (s *PostgresStore) UpdateProductTx(ctx context.Context, tx *sql.Tx, p *Product) error {
	p.UpdatedAt = time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		UPDATE products
		SET name = $1, description = $2, price = $3, stock = $4,
		    is_available = $5, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8`,
		p.Name, p.Description, p.Price.String(), p.Stock, p.IsAvailable,
		p.UpdatedAt, p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

func (s *PostgresStore) DeleteProductTx(ctx context.Context, tx *sql.Tx, id string) error {
	result, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProductNotFound
	}
	return nil
}

// LockProductsTx takes FOR UPDATE locks in ascending id order. Every
// reservation and restore path sorts the same way, so two transactions over
// an overlapping product set always queue instead of deadlocking.
func (s *PostgresStore) LockProductsTx(ctx context.Context, tx *sql.Tx, ids []string) (map[string]*Product, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	products := make(map[string]*Product, len(sorted))
	for _, id := range sorted {
		row := tx.QueryRowContext(ctx, selectProduct+` WHERE id = $1 FOR UPDATE`, id)
		p, err := scanProduct(row.Scan)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				continue
			}
			return nil, err
		}
		products[p.ID] = p
	}
	return products, nil
}

// AdjustStockTx applies a stock delta on an already-locked row. A negative
// delta that would go below zero affects no rows and reports
// ErrInsufficientStock.
func (s *PostgresStore) AdjustStockTx(ctx context.Context, tx *sql.Tx, productID string, delta int32) (*Product, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND stock + $1 >= 0
		RETURNING id, store_id, name, description, price, stock, is_available,
		          version, created_at, updated_at`,
		delta, time.Now().UTC(), productID,
	)
	p, err := scanProduct(row.Scan)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, fmt.Errorf("%w: product %s", ErrInsufficientStock, productID)
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) GetStore(ctx context.Context, id string) (*StoreRecord, error) {
	var (
		record   StoreRecord
		lat, lon sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, address_line, latitude, longitude
		FROM stores WHERE id = $1`, id).
		Scan(&record.ID, &record.OwnerID, &record.Name, &record.Address.Line, &lat, &lon)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	if lat.Valid && lon.Valid {
		record.Address.Latitude = &lat.Float64
		record.Address.Longitude = &lon.Float64
	}
	return &record, nil
}

func scanProduct(scan func(dest ...any) error) (*Product, error) {
	var (
		p     Product
		price string
	)
	err := scan(&p.ID, &p.StoreID, &p.Name, &p.Description, &price, &p.Stock,
		&p.IsAvailable, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to scan product: %w", err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price for product %s: %w", p.ID, err)
	}
	return &p, nil
}

// productChanged builds the product.* payload broadcast to snapshot
// consumers.
func productChanged(p *Product) broker.ProductChanged {
	return broker.ProductChanged{
		ProductID:   p.ID,
		StoreID:     p.StoreID,
		Name:        p.Name,
		Price:       p.Price,
		Stock:       p.Stock,
		IsAvailable: p.IsAvailable,
	}
}
