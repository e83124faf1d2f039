package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrProductNotFound = errors.New("product not found")

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so reads can run either
// standalone or inside a caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository exposes catalog reads and product creation. Stock mutation is
// deliberately absent: stock_quantity is written only by the stock ledger.
type Repository interface {
	CreateProduct(ctx context.Context, product *Product) (*Product, error)
	GetProductByID(ctx context.Context, id uuid.UUID) (*Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*Product, error)
}

type repository struct {
	db DBTX
}

func NewRepository(db DBTX) Repository {
	return &repository{db: db}
}

func (r *repository) CreateProduct(ctx context.Context, product *Product) (*Product, error) {
	if product.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("repository: failed to generate product ID: %w", err)
		}
		product.ID = id
	}

	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	query := `
		INSERT INTO products (id, name, sku, description, price, stock_quantity, attributes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		product.ID,
		product.Name,
		product.SKU,
		product.Description,
		product.Price,
		product.StockQuantity,
		product.Attributes,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to insert product: %w", err)
	}

	return product, nil
}

func (r *repository) GetProductByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	return r.getProduct(ctx, "id = $1", id)
}

func (r *repository) GetProductBySKU(ctx context.Context, sku string) (*Product, error) {
	return r.getProduct(ctx, "sku = $1", sku)
}

func (r *repository) getProduct(ctx context.Context, where string, arg any) (*Product, error) {
	query := `
		SELECT id, name, sku, description, price, stock_quantity, attributes, created_at, updated_at
		FROM products
		WHERE ` + where

	var product Product
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&product.ID,
		&product.Name,
		&product.SKU,
		&product.Description,
		&product.Price,
		&product.StockQuantity,
		&product.Attributes,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("repository: failed to select product: %w", err)
	}

	return &product, nil
}
