package order

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) String() string {
	return string(s)
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) String() string {
	return string(s)
}

var allowedTransitions = map[OrderStatus]map[OrderStatus]bool{
	StatusPending: {
		StatusConfirmed: true,
		StatusCancelled: true,
	},
	StatusConfirmed: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusShipped:   true,
		StatusCancelled: true,
	},
	StatusShipped: {
		StatusDelivered: true,
	},
	StatusDelivered: {},
	StatusCancelled: {},
}

var allowedPaymentTransitions = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending: {
		PaymentPaid:   true,
		PaymentFailed: true,
	},
	PaymentFailed: {
		PaymentPaid: true,
	},
	PaymentPaid: {
		PaymentRefunded: true,
	},
	PaymentRefunded: {},
}

// Address is a snapshot stored on the order; later edits to a user's saved
// addresses never alter historical orders.
type Address struct {
	Line1   string `json:"line1,omitempty"`
	Line2   string `json:"line2,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
	Country string `json:"country,omitempty"`
}

// Customer is the contact snapshot captured at checkout. Guest checkout is
// allowed, so there may be no user reference at all.
type Customer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

type TrackingInfo struct {
	TrackingNumber    string     `json:"tracking_number"`
	Carrier           string     `json:"carrier"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	ShippedAt         *time.Time `json:"shipped_at,omitempty"`
}

// OrderItem snapshots the product at order-creation time. Items are written
// once with the order and never mutated afterwards; quantity changes require a
// new order.
type OrderItem struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	OrderID        uuid.UUID       `json:"order_id" db:"order_id"`
	ProductID      uuid.UUID       `json:"product_id" db:"product_id"`
	ProductName    string          `json:"product_name" db:"product_name"`
	ProductSKU     string          `json:"product_sku" db:"product_sku"`
	Quantity       int             `json:"quantity" db:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalPrice     decimal.Decimal `json:"total_price" db:"total_price"`
	Specifications map[string]any  `json:"specifications,omitempty" db:"specifications"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

type Order struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	OrderNumber     string          `json:"order_number" db:"order_number"`
	UserID          uuid.NullUUID   `json:"user_id,omitempty" db:"user_id"`
	Customer        Customer        `json:"customer"`
	ShippingAddress *Address        `json:"shipping_address,omitempty" db:"shipping_address"`
	BillingAddress  *Address        `json:"billing_address,omitempty" db:"billing_address"`
	Items           []OrderItem     `json:"items" db:"-"`
	Subtotal        decimal.Decimal `json:"subtotal" db:"subtotal"`
	TaxAmount       decimal.Decimal `json:"tax_amount" db:"tax_amount"`
	ShippingAmount  decimal.Decimal `json:"shipping_amount" db:"shipping_amount"`
	DiscountAmount  decimal.Decimal `json:"discount_amount" db:"discount_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount" db:"total_amount"`
	Status          OrderStatus     `json:"status" db:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status" db:"payment_status"`
	Tracking        *TrackingInfo   `json:"tracking,omitempty"`
	RefundAmount    decimal.Decimal `json:"refund_amount" db:"refund_amount"`
	RefundReason    string          `json:"refund_reason,omitempty" db:"refund_reason"`
	RefundedAt      *time.Time      `json:"refunded_at,omitempty" db:"refunded_at"`
	Notes           string          `json:"notes,omitempty" db:"notes"`
	ClientToken     string          `json:"-" db:"client_token"`
	Version         int             `json:"-" db:"version"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// RefundRecord is what a refund call returns to the caller.
type RefundRecord struct {
	OrderID    uuid.UUID       `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
	Cumulative decimal.Decimal `json:"cumulative_amount"`
	Reason     string          `json:"reason"`
	RefundedAt time.Time       `json:"refunded_at"`
	Full       bool            `json:"full"`
}

// CanTransitionTo reports whether the order status graph allows the move.
func (o *Order) CanTransitionTo(newStatus OrderStatus) bool {
	transitions, ok := allowedTransitions[o.Status]
	return ok && transitions[newStatus]
}

// TransitionTo applies one order-status transition, cross-validating the
// payment dimension: an order cannot become shipped while unpaid. The note, if
// any, is appended to the audit trail, never overwriting it.
func (o *Order) TransitionTo(newStatus OrderStatus, note string, now time.Time) error {
	if !newStatus.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, newStatus)
	}
	if !o.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, o.Status, newStatus)
	}
	if newStatus == StatusShipped && o.PaymentStatus != PaymentPaid {
		return fmt.Errorf("%w: payment status is %s", ErrShippingUnpaidOrder, o.PaymentStatus)
	}

	o.Status = newStatus
	o.appendNote(newStatus, note, now)
	return nil
}

// Ship marks the order shipped and records tracking metadata. Tracking fields
// are populated only here, once the order actually ships.
func (o *Order) Ship(trackingNumber, carrier string, estimatedDelivery *time.Time, note string, now time.Time) error {
	if trackingNumber == "" {
		return fmt.Errorf("%w: tracking number is required", ErrValidation)
	}
	if err := o.TransitionTo(StatusShipped, note, now); err != nil {
		return err
	}

	shippedAt := now
	o.Tracking = &TrackingInfo{
		TrackingNumber:    trackingNumber,
		Carrier:           carrier,
		EstimatedDelivery: estimatedDelivery,
		ShippedAt:         &shippedAt,
	}
	return nil
}

// Cancel transitions the order to cancelled. It does not touch payment status:
// releasing money is an explicit refund call, only stock comes back. The stock
// release itself is done by the repository inside the same transaction as this
// status write.
func (o *Order) Cancel(note string, now time.Time) error {
	if !o.CanTransitionTo(StatusCancelled) {
		return fmt.Errorf("%w: status is %s", ErrOrderNotCancellable, o.Status)
	}
	return o.TransitionTo(StatusCancelled, note, now)
}

// ApplyRefund records a refund against the order. Partial refunds are allowed;
// the cumulative refunded amount may never exceed the order total. Payment
// status flips to refunded only when the order is fully refunded, otherwise it
// stays paid with the partial amount recorded.
func (o *Order) ApplyRefund(amount decimal.Decimal, reason string, now time.Time) (*RefundRecord, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrValidation)
	}
	if o.PaymentStatus != PaymentPaid {
		return nil, fmt.Errorf("%w: payment status is %s", ErrRefundNotPaid, o.PaymentStatus)
	}

	cumulative := o.RefundAmount.Add(amount)
	if cumulative.GreaterThan(o.TotalAmount) {
		return nil, fmt.Errorf("%w: %s refunded so far, %s requested, order total %s",
			ErrRefundExceedsTotal, o.RefundAmount, amount, o.TotalAmount)
	}

	full := cumulative.Equal(o.TotalAmount)
	if full {
		if err := o.markPayment(PaymentRefunded); err != nil {
			return nil, err
		}
	}

	o.RefundAmount = cumulative
	o.RefundReason = reason
	refundedAt := now
	o.RefundedAt = &refundedAt

	return &RefundRecord{
		OrderID:    o.ID,
		Amount:     amount,
		Cumulative: cumulative,
		Reason:     reason,
		RefundedAt: refundedAt,
		Full:       full,
	}, nil
}

// MarkPaid applies the pending->paid or failed->paid payment transition.
func (o *Order) MarkPaid() error {
	return o.markPayment(PaymentPaid)
}

// MarkPaymentFailed applies the pending->failed payment transition. Order
// status is untouched; a failed charge may be retried.
func (o *Order) MarkPaymentFailed() error {
	return o.markPayment(PaymentFailed)
}

func (o *Order) markPayment(newStatus PaymentStatus) error {
	transitions, ok := allowedPaymentTransitions[o.PaymentStatus]
	if !ok || !transitions[newStatus] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPaymentStatus, o.PaymentStatus, newStatus)
	}
	o.PaymentStatus = newStatus
	return nil
}

// VerifyTotals checks the money invariant before any write:
// total = subtotal + tax + shipping - discount, and every line total equals
// quantity x unit price.
func (o *Order) VerifyTotals() error {
	expected := o.Subtotal.Add(o.TaxAmount).Add(o.ShippingAmount).Sub(o.DiscountAmount)
	if !o.TotalAmount.Equal(expected) {
		return fmt.Errorf("%w: total %s, expected %s", ErrTotalsMismatch, o.TotalAmount, expected)
	}
	for _, item := range o.Items {
		lineTotal := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if !item.TotalPrice.Equal(lineTotal) {
			return fmt.Errorf("%w: item %s line total %s, expected %s",
				ErrTotalsMismatch, item.ProductID, item.TotalPrice, lineTotal)
		}
	}
	return nil
}

func (o *Order) appendNote(status OrderStatus, note string, now time.Time) {
	if note == "" {
		return
	}
	o.Notes += fmt.Sprintf("\n[%s] Status: %s - %s", now.UTC().Format(time.RFC3339), status, note)
}
