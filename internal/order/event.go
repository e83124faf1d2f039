package order

import "github.com/gofrs/uuid"

// PaymentEventType mirrors the payment provider's event envelope.
type PaymentEventType string

const (
	EventPaymentSucceeded PaymentEventType = "payment.succeeded"
	EventPaymentFailed    PaymentEventType = "payment.failed"
	EventRefundProcessed  PaymentEventType = "refund.processed"
)

func (t PaymentEventType) Valid() bool {
	switch t {
	case EventPaymentSucceeded, EventPaymentFailed, EventRefundProcessed:
		return true
	}
	return false
}

// PaymentEvent is an externally-sourced payment notification. EventID is the
// provider's identifier and doubles as the idempotency key: the same event
// delivered twice must not double-transition state.
type PaymentEvent struct {
	EventID string           `json:"event_id"`
	Type    PaymentEventType `json:"type"`
	OrderID uuid.UUID        `json:"order_id"`
}
