package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/daksndt/order-engine/internal/config"
	"github.com/daksndt/order-engine/internal/notify"
)

// conflictRetries bounds optimistic-concurrency retries on read-modify-write
// operations before ErrConflict reaches the caller. Status updates are
// low-contention, so a small bound suffices.
const conflictRetries = 3

type Service interface {
	CreateOrder(ctx context.Context, candidate *Order) (*Order, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*Order, error)
	ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error)
	GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, newStatus OrderStatus, notes string) (*Order, error)
	ShipOrder(ctx context.Context, orderID uuid.UUID, trackingNumber, carrier string, estimatedDelivery *time.Time) (*Order, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, notes string) (*Order, error)
	Refund(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, reason string) (*RefundRecord, error)
	ApplyPaymentEvent(ctx context.Context, event PaymentEvent) (*Order, error)
	TrackingInfo(ctx context.Context, orderID uuid.UUID) (*TrackingInfo, error)
}

type service struct {
	repo     Repository
	pricing  config.PricingConfig
	notifier notify.Notifier
}

func NewService(repo Repository, pricing config.PricingConfig, notifier notify.Notifier) Service {
	return &service{
		repo:     repo,
		pricing:  pricing,
		notifier: notifier,
	}
}

func (s *service) CreateOrder(ctx context.Context, candidate *Order) (*Order, error) {
	if len(candidate.Items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrValidation)
	}
	if candidate.Customer.Email == "" {
		return nil, fmt.Errorf("%w: customer email is required", ErrValidation)
	}
	if err := ValidateDiscount(candidate.DiscountAmount); err != nil {
		return nil, err
	}

	for i := range candidate.Items {
		item := &candidate.Items[i]
		if item.ProductID == uuid.Nil {
			return nil, fmt.Errorf("%w: product id in order item cannot be nil", ErrValidation)
		}
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for product %s must be greater than zero",
				ErrValidation, item.ProductID)
		}
		item.ID = uuid.Nil
		item.OrderID = uuid.Nil
	}
	candidate.ID = uuid.Nil

	created, err := s.repo.CreateOrder(ctx, candidate, s.pricing)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to create order in repository")
		return nil, fmt.Errorf("service: failed to create order: %w", err)
	}

	log.Info().
		Stringer("order_id", created.ID).
		Str("order_number", created.OrderNumber).
		Str("total", created.TotalAmount.String()).
		Msg("service: order created")
	s.notifier.Notify(ctx, created.ID, notify.OrderCreated)

	return created, nil
}

func (s *service) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.repo.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Stringer("order_id", id).Msg("service: failed to fetch order by id")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}
	return o, nil
}

func (s *service) GetOrderByNumber(ctx context.Context, number string) (*Order, error) {
	o, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_number", number).Msg("service: failed to fetch order by number")
		return nil, fmt.Errorf("service: failed to fetch order by number: %w", err)
	}
	return o, nil
}

func (s *service) ListOrders(ctx context.Context, filter ListFilter) ([]Order, int, error) {
	orders, total, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to list orders")
		return nil, 0, fmt.Errorf("service: failed to list orders: %w", err)
	}
	return orders, total, nil
}

func (s *service) GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	orders, err := s.repo.GetOrdersByUserID(ctx, userID)
	if err != nil {
		log.Error().Err(err).Stringer("user_id", userID).Msg("service: failed to fetch user orders")
		return nil, fmt.Errorf("service: failed to fetch user orders: %w", err)
	}
	return orders, nil
}

func (s *service) UpdateStatus(ctx context.Context, orderID uuid.UUID, newStatus OrderStatus, notes string) (*Order, error) {
	updated, err := s.retryOnConflict(ctx, orderID, func(o *Order) (*Order, error) {
		if o.Status == newStatus {
			return nil, fmt.Errorf("%w: %s", ErrStatusAlreadySet, newStatus)
		}
		if err := o.TransitionTo(newStatus, notes, time.Now().UTC()); err != nil {
			return nil, err
		}
		return s.repo.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Stringer("order_id", orderID).Stringer("new_status", newStatus).
		Msg("service: order status updated")
	s.notifier.Notify(ctx, orderID, notify.OrderStatusSet)

	return updated, nil
}

func (s *service) ShipOrder(ctx context.Context, orderID uuid.UUID, trackingNumber, carrier string, estimatedDelivery *time.Time) (*Order, error) {
	updated, err := s.retryOnConflict(ctx, orderID, func(o *Order) (*Order, error) {
		if err := o.Ship(trackingNumber, carrier, estimatedDelivery, "shipped via "+carrier, time.Now().UTC()); err != nil {
			return nil, err
		}
		return s.repo.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Stringer("order_id", orderID).Str("tracking_number", trackingNumber).
		Msg("service: order shipped")
	s.notifier.Notify(ctx, orderID, notify.OrderShipped)

	return updated, nil
}

// CancelOrder cancels a still-cancellable order and returns its reserved stock.
// Payment is untouched: money, if any was taken, comes back through an explicit
// refund call.
func (s *service) CancelOrder(ctx context.Context, orderID uuid.UUID, notes string) (*Order, error) {
	updated, err := s.retryOnConflict(ctx, orderID, func(o *Order) (*Order, error) {
		if err := o.Cancel(notes, time.Now().UTC()); err != nil {
			return nil, err
		}
		return s.repo.CancelOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Stringer("order_id", orderID).Msg("service: order cancelled, stock released")
	s.notifier.Notify(ctx, orderID, notify.OrderCancelled)

	return updated, nil
}

func (s *service) Refund(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, reason string) (*RefundRecord, error) {
	var record *RefundRecord
	_, err := s.retryOnConflict(ctx, orderID, func(o *Order) (*Order, error) {
		r, err := o.ApplyRefund(amount, reason, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		record = r
		return s.repo.UpdateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	log.Info().Stringer("order_id", orderID).Str("amount", amount.String()).Bool("full", record.Full).
		Msg("service: refund recorded")
	s.notifier.Notify(ctx, orderID, notify.OrderRefunded)

	return record, nil
}

// ApplyPaymentEvent reconciles an externally-sourced payment event with the
// order. The idempotency key is checked before any state is derived, so
// re-delivery of an already-applied event returns the current order and
// ErrAlreadyApplied regardless of event type; callers treat that as success.
func (s *service) ApplyPaymentEvent(ctx context.Context, event PaymentEvent) (*Order, error) {
	if event.EventID == "" {
		return nil, fmt.Errorf("%w: payment event id is required", ErrValidation)
	}
	if !event.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown payment event type %q", ErrValidation, event.Type)
	}

	var alreadyApplied bool
	updated, err := s.retryOnConflict(ctx, event.OrderID, func(o *Order) (*Order, error) {
		current, applied, err := s.repo.ApplyPaymentEvent(ctx, o, event, func(o *Order) error {
			return s.reconcile(o, event)
		})
		if err != nil {
			return nil, err
		}
		alreadyApplied = !applied
		return current, nil
	})
	if err != nil {
		return nil, err
	}

	if alreadyApplied {
		log.Info().Str("event_id", event.EventID).Stringer("order_id", event.OrderID).
			Msg("service: payment event already applied, skipping")
		return updated, ErrAlreadyApplied
	}

	log.Info().Str("event_id", event.EventID).Str("event_type", string(event.Type)).
		Stringer("order_id", event.OrderID).Msg("service: payment event applied")
	switch event.Type {
	case EventPaymentSucceeded:
		s.notifier.Notify(ctx, event.OrderID, notify.PaymentReceived)
	case EventPaymentFailed:
		s.notifier.Notify(ctx, event.OrderID, notify.PaymentFailed)
	case EventRefundProcessed:
		s.notifier.Notify(ctx, event.OrderID, notify.OrderRefunded)
	}

	return updated, nil
}

// reconcile re-derives order state from one payment event. Transitions are
// written to be convergent: an event that finds its effect already in place
// leaves the order as is instead of failing, so distinct-but-equivalent
// provider events cannot wedge an order.
func (s *service) reconcile(o *Order, event PaymentEvent) error {
	now := time.Now().UTC()

	switch event.Type {
	case EventPaymentSucceeded:
		if o.PaymentStatus != PaymentPaid {
			if err := o.MarkPaid(); err != nil {
				return err
			}
		}
		if o.Status == StatusPending {
			if err := o.TransitionTo(StatusConfirmed, "payment received", now); err != nil {
				return err
			}
		}
	case EventPaymentFailed:
		if o.PaymentStatus != PaymentFailed {
			if err := o.MarkPaymentFailed(); err != nil {
				return err
			}
		}
	case EventRefundProcessed:
		remaining := o.TotalAmount.Sub(o.RefundAmount)
		if _, err := o.ApplyRefund(remaining, "refund processed by payment provider", now); err != nil {
			return err
		}
	}

	return nil
}

// TrackingInfo returns shipping metadata for an order that has shipped.
func (s *service) TrackingInfo(ctx context.Context, orderID uuid.UUID) (*TrackingInfo, error) {
	o, err := s.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Tracking == nil {
		return nil, ErrNoTrackingInfo
	}
	return o.Tracking, nil
}

// retryOnConflict runs one optimistic read-modify-write attempt at a time:
// load the current order, let op mutate and persist it, and on a version
// conflict reload and try again, up to conflictRetries attempts.
func (s *service) retryOnConflict(ctx context.Context, orderID uuid.UUID, op func(*Order) (*Order, error)) (*Order, error) {
	var lastErr error
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		o, err := s.repo.GetOrderByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				return nil, ErrOrderNotFound
			}
			return nil, fmt.Errorf("service: failed to load order for update: %w", err)
		}

		updated, err := op(o)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				log.Warn().Stringer("order_id", orderID).Int("attempt", attempt).
					Msg("service: optimistic concurrency conflict, retrying")
				lastErr = err
				continue
			}
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("service: giving up after %d attempts: %w", conflictRetries, lastErr)
}
