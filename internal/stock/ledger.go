// Package stock is the single entry point for stock_quantity mutation. Every
// reservation and release goes through the conditional updates here; no other
// code writes to products.stock_quantity.
package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInvalidQuantity   = errors.New("quantity must be greater than zero")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError reports which product lacked stock and how many units
// were actually available, so callers can resubmit with corrected quantities.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx. Reservations made as part
// of an order must be passed the order's open transaction so that the whole
// unit commits or rolls back together.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve decrements available stock for a product. The decrement is a single
// conditional UPDATE; zero affected rows means either the product does not
// exist or it lacks stock, which a follow-up read distinguishes. The read
// happens in the same transaction as the failed update, so the reported
// available quantity is consistent with the refusal.
func (l *Ledger) Reserve(ctx context.Context, db DBTX, productID uuid.UUID, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("ledger: reserve %d of %s: %w", quantity, productID, ErrInvalidQuantity)
	}

	query := `
		UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND stock_quantity >= $2
	`
	cmdTag, err := db.Exec(ctx, query, productID, quantity)
	if err != nil {
		return fmt.Errorf("ledger: failed to reserve stock for product %s: %w", productID, err)
	}
	if cmdTag.RowsAffected() > 0 {
		return nil
	}

	var available int
	err = db.QueryRow(ctx, `SELECT stock_quantity FROM products WHERE id = $1`, productID).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("ledger: reserve for product %s: %w", productID, ErrProductNotFound)
		}
		return fmt.Errorf("ledger: failed to check stock for product %s: %w", productID, err)
	}

	log.Warn().
		Stringer("product_id", productID).
		Int("requested", quantity).
		Int("available", available).
		Msg("ledger: reservation refused, insufficient stock")

	return &InsufficientStockError{ProductID: productID, Requested: quantity, Available: available}
}

// Release adds reserved stock back, used when a cancellable order is cancelled.
func (l *Ledger) Release(ctx context.Context, db DBTX, productID uuid.UUID, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("ledger: release %d of %s: %w", quantity, productID, ErrInvalidQuantity)
	}

	query := `
		UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1
	`
	cmdTag, err := db.Exec(ctx, query, productID, quantity)
	if err != nil {
		return fmt.Errorf("ledger: failed to release stock for product %s: %w", productID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: release for product %s: %w", productID, ErrProductNotFound)
	}

	return nil
}
