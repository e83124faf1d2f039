package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/daksndt/order-engine/internal/catalog"
	"github.com/daksndt/order-engine/internal/config"
	"github.com/daksndt/order-engine/internal/stock"
)

// orderNumberAttempts bounds regeneration when an order number collides.
const orderNumberAttempts = 3

// ListFilter narrows ListOrders. Zero values mean "no filter".
type ListFilter struct {
	Status        OrderStatus
	PaymentStatus PaymentStatus
	CustomerEmail string
	DateFrom      *time.Time
	DateTo        *time.Time
	Page          int
	Limit         int
}

type Repository interface {
	CreateOrder(ctx context.Context, candidate *Order, pricing config.PricingConfig) (*Order, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error)
	GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error)
	UpdateOrder(ctx context.Context, o *Order) (*Order, error)
	CancelOrder(ctx context.Context, o *Order) (*Order, error)
	ApplyPaymentEvent(ctx context.Context, o *Order, event PaymentEvent, mutate func(*Order) error) (*Order, bool, error)
}

type postgresRepository struct {
	db     *pgxpool.Pool
	ledger *stock.Ledger
}

func NewRepository(db *pgxpool.Pool, ledger *stock.Ledger) Repository {
	return &postgresRepository{db: db, ledger: ledger}
}

// CreateOrder persists a candidate order as one atomic unit: product snapshots,
// stock reservations for every line item, pricing, and the order + items
// inserts all commit or roll back together. A colliding order number is
// regenerated and the whole unit retried; a repeated client token returns the
// order the first attempt already created.
func (r *postgresRepository) CreateOrder(ctx context.Context, candidate *Order, pricing config.PricingConfig) (*Order, error) {
	for attempt := 1; attempt <= orderNumberAttempts; attempt++ {
		orderNumber, err := newOrderNumber()
		if err != nil {
			return nil, err
		}

		created, err := r.tryCreateOrder(ctx, candidate, pricing, orderNumber)
		if err == nil {
			return created, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "client_token") {
				log.Info().Str("client_token", candidate.ClientToken).
					Msg("repository: duplicate client token, returning existing order")
				return r.getOrderByClientToken(ctx, candidate.ClientToken)
			}
			if strings.Contains(pgErr.ConstraintName, "order_number") {
				log.Warn().Str("order_number", orderNumber).Int("attempt", attempt).
					Msg("repository: order number collision, regenerating")
				continue
			}
		}
		return nil, err
	}
	return nil, fmt.Errorf("repository: failed to allocate a unique order number after %d attempts", orderNumberAttempts)
}

func (r *postgresRepository) tryCreateOrder(ctx context.Context, candidate *Order, pricing config.PricingConfig, orderNumber string) (created *Order, err error) {
	orderID := candidate.ID
	if orderID == uuid.Nil {
		orderID, err = uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("repository: failed to generate order ID: %w", err)
		}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Stringer("order_id", orderID).Msg("repository: failed to rollback transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			created = nil
		}
	}()

	now := time.Now().UTC()
	products := catalog.NewRepository(tx)

	items := make([]OrderItem, 0, len(candidate.Items))
	for _, in := range candidate.Items {
		product, perr := products.GetProductByID(ctx, in.ProductID)
		if perr != nil {
			err = fmt.Errorf("repository: product %s: %w", in.ProductID, perr)
			return nil, err
		}

		if err = r.ledger.Reserve(ctx, tx, in.ProductID, in.Quantity); err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}

		itemID, gerr := uuid.NewV4()
		if gerr != nil {
			err = fmt.Errorf("repository: failed to generate order item ID: %w", gerr)
			return nil, err
		}

		items = append(items, OrderItem{
			ID:             itemID,
			OrderID:        orderID,
			ProductID:      product.ID,
			ProductName:    product.Name,
			ProductSKU:     product.SKU,
			Quantity:       in.Quantity,
			UnitPrice:      product.Price,
			TotalPrice:     product.Price.Mul(decimal.NewFromInt(int64(in.Quantity))),
			Specifications: in.Specifications,
			CreatedAt:      now,
		})
	}

	totals := CalculateTotals(pricing, items, candidate.DiscountAmount)

	o := &Order{
		ID:              orderID,
		OrderNumber:     orderNumber,
		UserID:          candidate.UserID,
		Customer:        candidate.Customer,
		ShippingAddress: candidate.ShippingAddress,
		BillingAddress:  candidate.BillingAddress,
		Items:           items,
		Subtotal:        totals.Subtotal,
		TaxAmount:       totals.TaxAmount,
		ShippingAmount:  totals.ShippingAmount,
		DiscountAmount:  totals.DiscountAmount,
		TotalAmount:     totals.TotalAmount,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		RefundAmount:    decimal.Zero,
		Notes:           candidate.Notes,
		ClientToken:     candidate.ClientToken,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err = o.VerifyTotals(); err != nil {
		return nil, fmt.Errorf("repository: refusing to persist order %s: %w", orderID, err)
	}

	queryOrder := `
		INSERT INTO orders (id, order_number, user_id, customer_name, customer_email, customer_phone,
			customer_company, shipping_address, billing_address, subtotal, tax_amount, shipping_amount,
			discount_amount, total_amount, status, payment_status, refund_amount, notes, client_token,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`
	_, err = tx.Exec(ctx, queryOrder,
		o.ID, o.OrderNumber, o.UserID, o.Customer.Name, o.Customer.Email, o.Customer.Phone,
		o.Customer.Company, o.ShippingAddress, o.BillingAddress, o.Subtotal, o.TaxAmount, o.ShippingAmount,
		o.DiscountAmount, o.TotalAmount, o.Status.String(), o.PaymentStatus.String(), o.RefundAmount, o.Notes,
		nullString(o.ClientToken), o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to insert order: %w", err)
	}

	queryItem := `
		INSERT INTO order_items (id, order_id, product_id, product_name, product_sku, quantity,
			unit_price, total_price, specifications, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, item := range o.Items {
		_, err = tx.Exec(ctx, queryItem,
			item.ID, item.OrderID, item.ProductID, item.ProductName, item.ProductSKU, item.Quantity,
			item.UnitPrice, item.TotalPrice, item.Specifications, item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to insert order item for order %s: %w", orderID, err)
		}
	}

	return o, nil
}

const orderColumns = `id, order_number, user_id, customer_name, customer_email, customer_phone,
	customer_company, shipping_address, billing_address, subtotal, tax_amount, shipping_amount,
	discount_amount, total_amount, status, payment_status, tracking_number, carrier,
	estimated_delivery, shipped_at, refund_amount, refund_reason, refunded_at, notes,
	client_token, version, created_at, updated_at`

func (r *postgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.getOrder(ctx, "id = $1", id)
}

func (r *postgresRepository) GetOrderByNumber(ctx context.Context, number string) (*Order, error) {
	return r.getOrder(ctx, "order_number = $1", number)
}

func (r *postgresRepository) getOrderByClientToken(ctx context.Context, token string) (*Order, error) {
	return r.getOrder(ctx, "client_token = $1", token)
}

func (r *postgresRepository) getOrder(ctx context.Context, where string, arg any) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where

	o, err := scanOrder(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order: %w", err)
	}

	items, err := r.loadItems(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

func (r *postgresRepository) loadItems(ctx context.Context, orderID uuid.UUID) ([]OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, product_name, product_sku, quantity,
			unit_price, total_price, specifications, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for order %s: %w", orderID, err)
	}
	defer rows.Close()

	items := make([]OrderItem, 0)
	for rows.Next() {
		var item OrderItem
		err := rows.Scan(
			&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.ProductSKU,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.Specifications, &item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item for order %s: %w", orderID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items for order %s: %w", orderID, err)
	}

	return items, nil
}

// ListOrders returns one page of orders (without line items) plus the total
// match count. Items are loaded only on single-order reads.
func (r *postgresRepository) ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	conditions := []string{"1=1"}
	args := []any{}

	addCondition := func(expr string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(expr, len(args)))
	}

	if filter.Status != "" {
		addCondition("status = $%d", filter.Status.String())
	}
	if filter.PaymentStatus != "" {
		addCondition("payment_status = $%d", filter.PaymentStatus.String())
	}
	if filter.CustomerEmail != "" {
		addCondition("customer_email ILIKE $%d", "%"+filter.CustomerEmail+"%")
	}
	if filter.DateFrom != nil {
		addCondition("created_at >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		addCondition("created_at <= $%d", *filter.DateTo)
	}

	where := strings.Join(conditions, " AND ")

	var total int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM orders WHERE `+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: failed to count orders: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	query := fmt.Sprintf(`SELECT %s FROM orders WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		orderColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("repository: failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("repository: error iterating orders: %w", err)
	}

	return orders, total, nil
}

func (r *postgresRepository) GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders for user %s: %w", userID, err)
	}
	defer rows.Close()

	ordersMap := make(map[uuid.UUID]*Order)
	var orderIDs []uuid.UUID
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order for user %s: %w", userID, err)
		}
		o.Items = make([]OrderItem, 0)
		ordersMap[o.ID] = o
		orderIDs = append(orderIDs, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating orders for user %s: %w", userID, err)
	}

	if len(orderIDs) == 0 {
		return []Order{}, nil
	}

	itemsQuery := `
		SELECT id, order_id, product_id, product_name, product_sku, quantity,
			unit_price, total_price, specifications, created_at
		FROM order_items
		WHERE order_id = ANY($1)
	`
	itemRows, err := r.db.Query(ctx, itemsQuery, orderIDs)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for user %s: %w", userID, err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var item OrderItem
		err := itemRows.Scan(
			&item.ID, &item.OrderID, &item.ProductID, &item.ProductName, &item.ProductSKU,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.Specifications, &item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item for user %s: %w", userID, err)
		}
		if o, ok := ordersMap[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items for user %s: %w", userID, err)
	}

	result := make([]Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		result = append(result, *ordersMap[id])
	}

	return result, nil
}

// UpdateOrder persists order-level state with optimistic concurrency: the
// UPDATE is conditioned on the version the caller read, and zero affected rows
// surfaces as ErrConflict (or ErrOrderNotFound when the row is gone). Line
// items are immutable and never written here.
func (r *postgresRepository) UpdateOrder(ctx context.Context, o *Order) (*Order, error) {
	updated, err := r.updateOrderTx(ctx, r.db, o)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type execQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *postgresRepository) updateOrderTx(ctx context.Context, db execQuerier, o *Order) (*Order, error) {
	if err := o.VerifyTotals(); err != nil {
		return nil, fmt.Errorf("repository: refusing to persist order %s: %w", o.ID, err)
	}

	var (
		trackingNumber, carrier *string
		estimatedDelivery       *time.Time
		shippedAt               *time.Time
	)
	if o.Tracking != nil {
		trackingNumber = &o.Tracking.TrackingNumber
		carrier = &o.Tracking.Carrier
		estimatedDelivery = o.Tracking.EstimatedDelivery
		shippedAt = o.Tracking.ShippedAt
	}

	now := time.Now().UTC()
	query := `
		UPDATE orders
		SET status = $1, payment_status = $2, tracking_number = $3, carrier = $4,
			estimated_delivery = $5, shipped_at = $6, refund_amount = $7, refund_reason = $8,
			refunded_at = $9, notes = $10, version = version + 1, updated_at = $11
		WHERE id = $12 AND version = $13
	`
	cmdTag, err := db.Exec(ctx, query,
		o.Status.String(), o.PaymentStatus.String(), trackingNumber, carrier,
		estimatedDelivery, shippedAt, o.RefundAmount, nullString(o.RefundReason),
		o.RefundedAt, o.Notes, now, o.ID, o.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to update order %s: %w", o.ID, err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("repository: failed to check order %s: %w", o.ID, err)
		}
		if !exists {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: order %s version %d: %w", o.ID, o.Version, ErrConflict)
	}

	o.Version++
	o.UpdatedAt = now
	return o, nil
}

// CancelOrder persists the cancelled order and releases the stock of every line
// item in the same transaction, so a failed release leaves the order
// uncancelled and a failed cancel returns no stock.
func (r *postgresRepository) CancelOrder(ctx context.Context, o *Order) (cancelled *Order, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Stringer("order_id", o.ID).Msg("repository: failed to rollback transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			cancelled = nil
		}
	}()

	cancelled, err = r.updateOrderTx(ctx, tx, o)
	if err != nil {
		return nil, err
	}

	for _, item := range o.Items {
		if err = r.ledger.Release(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
	}

	return cancelled, nil
}

// ApplyPaymentEvent records the event's idempotency key and, only when the key
// is new, runs mutate over the order and persists it, all in one transaction.
// A repeated key short-circuits before mutate ever runs: the transaction is
// abandoned and the currently persisted order is returned with applied=false.
func (r *postgresRepository) ApplyPaymentEvent(ctx context.Context, o *Order, event PaymentEvent, mutate func(*Order) error) (applied *Order, ok bool, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil || !ok {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Str("event_id", event.EventID).Msg("repository: failed to rollback transaction")
			}
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			applied = nil
			ok = false
		}
	}()

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO payment_events (event_id, order_id, event_type) VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, o.ID, string(event.Type),
	)
	if err != nil {
		return nil, false, fmt.Errorf("repository: failed to record payment event %s: %w", event.EventID, err)
	}

	if cmdTag.RowsAffected() == 0 {
		current, gerr := r.GetOrderByID(ctx, o.ID)
		if gerr != nil {
			err = gerr
			return nil, false, err
		}
		return current, false, nil
	}

	if err = mutate(o); err != nil {
		return nil, false, err
	}

	applied, err = r.updateOrderTx(ctx, tx, o)
	if err != nil {
		return nil, false, err
	}

	return applied, true, nil
}

func newOrderNumber() (string, error) {
	suffix, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("repository: failed to generate order number suffix: %w", err)
	}
	return fmt.Sprintf("ORD-%d-%X", time.Now().UnixMilli(), suffix.Bytes()[:2]), nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o                       Order
		trackingNumber, carrier *string
		estimatedDelivery       *time.Time
		shippedAt               *time.Time
		refundReason            *string
		clientToken             *string
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
		&o.Customer.Company, &o.ShippingAddress, &o.BillingAddress, &o.Subtotal, &o.TaxAmount,
		&o.ShippingAmount, &o.DiscountAmount, &o.TotalAmount, &o.Status, &o.PaymentStatus,
		&trackingNumber, &carrier, &estimatedDelivery, &shippedAt, &o.RefundAmount, &refundReason,
		&o.RefundedAt, &o.Notes, &clientToken, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if trackingNumber != nil {
		o.Tracking = &TrackingInfo{
			TrackingNumber:    *trackingNumber,
			EstimatedDelivery: estimatedDelivery,
			ShippedAt:         shippedAt,
		}
		if carrier != nil {
			o.Tracking.Carrier = *carrier
		}
	}
	if refundReason != nil {
		o.RefundReason = *refundReason
	}
	if clientToken != nil {
		o.ClientToken = *clientToken
	}

	return &o, nil
}
