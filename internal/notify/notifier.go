// Package notify is the boundary to the notification collaborator. Delivery is
// best-effort: a failed notification is logged and never rolls back the order
// transition that triggered it.
package notify

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

type EventKind string

const (
	OrderCreated    EventKind = "order.created"
	OrderConfirmed  EventKind = "order.confirmed"
	OrderStatusSet  EventKind = "order.status_updated"
	OrderShipped    EventKind = "order.shipped"
	OrderCancelled  EventKind = "order.cancelled"
	OrderRefunded   EventKind = "order.refunded"
	PaymentReceived EventKind = "payment.received"
	PaymentFailed   EventKind = "payment.failed"
)

type Notifier interface {
	Notify(ctx context.Context, orderID uuid.UUID, kind EventKind)
}

// LogNotifier is the default implementation; it only records the event. A real
// email/webhook sender plugs in behind the same interface.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(_ context.Context, orderID uuid.UUID, kind EventKind) {
	log.Info().Stringer("order_id", orderID).Str("event", string(kind)).Msg("notify: order event")
}
