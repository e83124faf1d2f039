package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daksndt/order-engine/internal/config"
	"github.com/daksndt/order-engine/internal/notify"
	"github.com/daksndt/order-engine/internal/order"
)

var decimalComparer = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

type mockOrderRepository struct {
	createFunc     func(ctx context.Context, candidate *order.Order, pricing config.PricingConfig) (*order.Order, error)
	getByIDFunc    func(ctx context.Context, id uuid.UUID) (*order.Order, error)
	updateFunc     func(ctx context.Context, o *order.Order) (*order.Order, error)
	cancelFunc     func(ctx context.Context, o *order.Order) (*order.Order, error)
	applyEventFunc func(ctx context.Context, o *order.Order, event order.PaymentEvent, mutate func(*order.Order) error) (*order.Order, bool, error)
}

func (m *mockOrderRepository) CreateOrder(ctx context.Context, candidate *order.Order, pricing config.PricingConfig) (*order.Order, error) {
	return m.createFunc(ctx, candidate, pricing)
}

func (m *mockOrderRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return m.getByIDFunc(ctx, id)
}

func (m *mockOrderRepository) GetOrderByNumber(ctx context.Context, number string) (*order.Order, error) {
	return nil, order.ErrOrderNotFound
}

func (m *mockOrderRepository) ListOrders(ctx context.Context, filter order.ListFilter) ([]order.Order, int, error) {
	return []order.Order{}, 0, nil
}

func (m *mockOrderRepository) GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]order.Order, error) {
	return []order.Order{}, nil
}

func (m *mockOrderRepository) UpdateOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	return m.updateFunc(ctx, o)
}

func (m *mockOrderRepository) CancelOrder(ctx context.Context, o *order.Order) (*order.Order, error) {
	return m.cancelFunc(ctx, o)
}

func (m *mockOrderRepository) ApplyPaymentEvent(ctx context.Context, o *order.Order, event order.PaymentEvent, mutate func(*order.Order) error) (*order.Order, bool, error) {
	return m.applyEventFunc(ctx, o, event, mutate)
}

func newTestService(repo order.Repository) order.Service {
	return order.NewService(repo, testPricing(), notify.NewLogNotifier())
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id
}

func storedOrder(id uuid.UUID) *order.Order {
	return &order.Order{
		ID:             id,
		OrderNumber:    "ORD-1700000000000-AB12",
		Status:         order.StatusPending,
		PaymentStatus:  order.PaymentPending,
		Subtotal:       decimal.RequireFromString("250.00"),
		TaxAmount:      decimal.RequireFromString("45.00"),
		ShippingAmount: decimal.RequireFromString("200.00"),
		DiscountAmount: decimal.Zero,
		TotalAmount:    decimal.RequireFromString("495.00"),
		RefundAmount:   decimal.Zero,
		Version:        1,
		CreatedAt:      time.Date(2025, 4, 16, 12, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2025, 4, 16, 12, 0, 0, 0, time.UTC),
	}
}

func TestOrderService_CreateOrder_Validation(t *testing.T) {
	productID := uuid.Must(uuid.FromString("550e8400-e29b-41d4-a716-446655440000"))

	tests := []struct {
		name      string
		candidate *order.Order
	}{
		{
			name: "no_items",
			candidate: &order.Order{
				Customer: order.Customer{Name: "Test", Email: "test@example.com"},
			},
		},
		{
			name: "nil_product_id",
			candidate: &order.Order{
				Customer: order.Customer{Name: "Test", Email: "test@example.com"},
				Items:    []order.OrderItem{{ProductID: uuid.Nil, Quantity: 1}},
			},
		},
		{
			name: "zero_quantity",
			candidate: &order.Order{
				Customer: order.Customer{Name: "Test", Email: "test@example.com"},
				Items:    []order.OrderItem{{ProductID: productID, Quantity: 0}},
			},
		},
		{
			name: "negative_quantity",
			candidate: &order.Order{
				Customer: order.Customer{Name: "Test", Email: "test@example.com"},
				Items:    []order.OrderItem{{ProductID: productID, Quantity: -3}},
			},
		},
		{
			name: "missing_email",
			candidate: &order.Order{
				Customer: order.Customer{Name: "Test"},
				Items:    []order.OrderItem{{ProductID: productID, Quantity: 1}},
			},
		},
		{
			name: "negative_discount",
			candidate: &order.Order{
				Customer:       order.Customer{Name: "Test", Email: "test@example.com"},
				Items:          []order.OrderItem{{ProductID: productID, Quantity: 1}},
				DiscountAmount: decimal.RequireFromString("-5"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockOrderRepository{
				createFunc: func(ctx context.Context, candidate *order.Order, pricing config.PricingConfig) (*order.Order, error) {
					t.Fatal("repository must not be called for invalid input")
					return nil, nil
				},
			}
			svc := newTestService(repo)

			_, err := svc.CreateOrder(context.Background(), tt.candidate)
			assert.ErrorIs(t, err, order.ErrValidation)
		})
	}
}

func TestOrderService_CreateOrder_Success(t *testing.T) {
	productID := mustUUID(t)
	created := storedOrder(mustUUID(t))

	var gotPricing config.PricingConfig
	repo := &mockOrderRepository{
		createFunc: func(ctx context.Context, candidate *order.Order, pricing config.PricingConfig) (*order.Order, error) {
			gotPricing = pricing
			return created, nil
		},
	}
	svc := newTestService(repo)

	got, err := svc.CreateOrder(context.Background(), &order.Order{
		Customer: order.Customer{Name: "Test Buyer", Email: "buyer@example.com"},
		Items:    []order.OrderItem{{ProductID: productID, Quantity: 2}},
	})

	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(created, got, decimalComparer))
	assert.True(t, gotPricing.TaxRate.Equal(decimal.RequireFromString("0.18")),
		"service must pass its pricing config through to the repository")
}

func TestOrderService_UpdateStatus(t *testing.T) {
	orderID := uuid.Must(uuid.FromString("550e8400-e29b-41d4-a716-446655440000"))

	t.Run("valid_transition_persists", func(t *testing.T) {
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return storedOrder(orderID), nil
			},
			updateFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				o.Version++
				return o, nil
			},
		}
		svc := newTestService(repo)

		updated, err := svc.UpdateStatus(context.Background(), orderID, order.StatusConfirmed, "looks good")

		require.NoError(t, err)
		assert.Equal(t, order.StatusConfirmed, updated.Status)
		assert.Contains(t, updated.Notes, "looks good")
	})

	t.Run("invalid_transition_rejected_without_persisting", func(t *testing.T) {
		stored := storedOrder(orderID)
		stored.Status = order.StatusShipped
		stored.PaymentStatus = order.PaymentPaid

		updateCalls := 0
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return stored, nil
			},
			updateFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				updateCalls++
				return o, nil
			},
		}
		svc := newTestService(repo)

		_, err := svc.UpdateStatus(context.Background(), orderID, order.StatusPending, "")

		assert.ErrorIs(t, err, order.ErrInvalidStatusTransition)
		assert.Zero(t, updateCalls)
	})

	t.Run("same_status_rejected", func(t *testing.T) {
		updateCalls := 0
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return storedOrder(orderID), nil
			},
			updateFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				updateCalls++
				return o, nil
			},
		}
		svc := newTestService(repo)

		_, err := svc.UpdateStatus(context.Background(), orderID, order.StatusPending, "")

		assert.ErrorIs(t, err, order.ErrStatusAlreadySet)
		assert.Zero(t, updateCalls)
	})

	t.Run("not_found", func(t *testing.T) {
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return nil, order.ErrOrderNotFound
			},
		}
		svc := newTestService(repo)

		_, err := svc.UpdateStatus(context.Background(), orderID, order.StatusConfirmed, "")
		assert.ErrorIs(t, err, order.ErrOrderNotFound)
	})

	t.Run("conflict_retried_then_succeeds", func(t *testing.T) {
		loads := 0
		updates := 0
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				loads++
				return storedOrder(orderID), nil
			},
			updateFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				updates++
				if updates < 3 {
					return nil, order.ErrConflict
				}
				return o, nil
			},
		}
		svc := newTestService(repo)

		updated, err := svc.UpdateStatus(context.Background(), orderID, order.StatusConfirmed, "")

		require.NoError(t, err)
		assert.Equal(t, order.StatusConfirmed, updated.Status)
		assert.Equal(t, 3, loads, "each retry must reload current state")
	})

	t.Run("conflict_retries_exhausted", func(t *testing.T) {
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return storedOrder(orderID), nil
			},
			updateFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				return nil, order.ErrConflict
			},
		}
		svc := newTestService(repo)

		_, err := svc.UpdateStatus(context.Background(), orderID, order.StatusConfirmed, "")
		assert.ErrorIs(t, err, order.ErrConflict)
	})
}

func TestOrderService_CancelOrder(t *testing.T) {
	orderID := uuid.Must(uuid.FromString("550e8400-e29b-41d4-a716-446655440000"))

	t.Run("cancellable_order_released_through_repository", func(t *testing.T) {
		cancelCalls := 0
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return storedOrder(orderID), nil
			},
			cancelFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				cancelCalls++
				assert.Equal(t, order.StatusCancelled, o.Status)
				return o, nil
			},
		}
		svc := newTestService(repo)

		updated, err := svc.CancelOrder(context.Background(), orderID, "customer changed mind")

		require.NoError(t, err)
		assert.Equal(t, order.StatusCancelled, updated.Status)
		assert.Equal(t, 1, cancelCalls)
	})

	t.Run("shipped_order_rejected", func(t *testing.T) {
		stored := storedOrder(orderID)
		stored.Status = order.StatusShipped
		stored.PaymentStatus = order.PaymentPaid

		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return stored, nil
			},
			cancelFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				t.Fatal("repository must not be called for a non-cancellable order")
				return nil, nil
			},
		}
		svc := newTestService(repo)

		_, err := svc.CancelOrder(context.Background(), orderID, "")
		assert.ErrorIs(t, err, order.ErrOrderNotCancellable)
	})
}

func TestOrderService_Refund(t *testing.T) {
	orderID := uuid.Must(uuid.FromString("550e8400-e29b-41d4-a716-446655440000"))

	paidStored := func() *order.Order {
		o := storedOrder(orderID)
		o.Status = order.StatusConfirmed
		o.PaymentStatus = order.PaymentPaid
		o.TotalAmount = decimal.RequireFromString("100.00")
		o.Subtotal = decimal.RequireFromString("100.00")
		o.TaxAmount = decimal.Zero
		o.ShippingAmount = decimal.Zero
		return o
	}

	t.Run("partial_refund", func(t *testing.T) {
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return paidStored(), nil
			},
			updateFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				return o, nil
			},
		}
		svc := newTestService(repo)

		record, err := svc.Refund(context.Background(), orderID, decimal.RequireFromString("40.00"), "damaged")

		require.NoError(t, err)
		assert.False(t, record.Full)
		assert.True(t, record.Amount.Equal(decimal.RequireFromString("40.00")))
	})

	t.Run("cumulative_exceeds_total", func(t *testing.T) {
		stored := paidStored()
		stored.RefundAmount = decimal.RequireFromString("40.00")

		updateCalls := 0
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return stored, nil
			},
			updateFunc: func(ctx context.Context, o *order.Order) (*order.Order, error) {
				updateCalls++
				return o, nil
			},
		}
		svc := newTestService(repo)

		_, err := svc.Refund(context.Background(), orderID, decimal.RequireFromString("70.00"), "damaged")

		assert.ErrorIs(t, err, order.ErrRefundExceedsTotal)
		assert.Zero(t, updateCalls, "rejected refund must not be persisted")
	})
}

// statefulEventRepo mimics the persistence behaviour the reconciler relies on:
// the stored order survives between calls and a repeated event id
// short-circuits instead of re-applying.
type statefulEventRepo struct {
	mockOrderRepository
	stored  *order.Order
	applied map[string]bool
}

func newStatefulEventRepo(stored *order.Order) *statefulEventRepo {
	r := &statefulEventRepo{stored: stored, applied: map[string]bool{}}
	r.getByIDFunc = func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
		if id != r.stored.ID {
			return nil, order.ErrOrderNotFound
		}
		copied := *r.stored
		return &copied, nil
	}
	r.applyEventFunc = func(ctx context.Context, o *order.Order, event order.PaymentEvent, mutate func(*order.Order) error) (*order.Order, bool, error) {
		if r.applied[event.EventID] {
			copied := *r.stored
			return &copied, false, nil
		}
		if err := mutate(o); err != nil {
			return nil, false, err
		}
		r.applied[event.EventID] = true
		copied := *o
		copied.Version++
		r.stored = &copied
		result := copied
		return &result, true, nil
	}
	r.updateFunc = func(ctx context.Context, o *order.Order) (*order.Order, error) {
		copied := *o
		copied.Version++
		r.stored = &copied
		result := copied
		return &result, nil
	}
	return r
}

func TestOrderService_ApplyPaymentEvent(t *testing.T) {
	orderID := uuid.Must(uuid.FromString("550e8400-e29b-41d4-a716-446655440000"))

	t.Run("succeeded_confirms_pending_order", func(t *testing.T) {
		repo := newStatefulEventRepo(storedOrder(orderID))
		svc := newTestService(repo)

		updated, err := svc.ApplyPaymentEvent(context.Background(), order.PaymentEvent{
			EventID: "evt1", Type: order.EventPaymentSucceeded, OrderID: orderID,
		})

		require.NoError(t, err)
		assert.Equal(t, order.PaymentPaid, updated.PaymentStatus)
		assert.Equal(t, order.StatusConfirmed, updated.Status)
	})

	t.Run("same_event_twice_is_idempotent", func(t *testing.T) {
		repo := newStatefulEventRepo(storedOrder(orderID))
		svc := newTestService(repo)
		event := order.PaymentEvent{EventID: "evt1", Type: order.EventPaymentSucceeded, OrderID: orderID}

		first, err := svc.ApplyPaymentEvent(context.Background(), event)
		require.NoError(t, err)

		second, err := svc.ApplyPaymentEvent(context.Background(), event)

		assert.ErrorIs(t, err, order.ErrAlreadyApplied)
		assert.Empty(t, cmp.Diff(first, second, decimalComparer),
			"state after the second delivery must be identical to the first")
		assert.Equal(t, order.StatusConfirmed, second.Status)
		assert.Equal(t, order.PaymentPaid, second.PaymentStatus)
	})

	t.Run("failed_leaves_order_status_untouched", func(t *testing.T) {
		repo := newStatefulEventRepo(storedOrder(orderID))
		svc := newTestService(repo)

		updated, err := svc.ApplyPaymentEvent(context.Background(), order.PaymentEvent{
			EventID: "evt2", Type: order.EventPaymentFailed, OrderID: orderID,
		})

		require.NoError(t, err)
		assert.Equal(t, order.PaymentFailed, updated.PaymentStatus)
		assert.Equal(t, order.StatusPending, updated.Status)
	})

	t.Run("failed_then_succeeded_retried_payment", func(t *testing.T) {
		repo := newStatefulEventRepo(storedOrder(orderID))
		svc := newTestService(repo)

		_, err := svc.ApplyPaymentEvent(context.Background(), order.PaymentEvent{
			EventID: "evt3", Type: order.EventPaymentFailed, OrderID: orderID,
		})
		require.NoError(t, err)

		updated, err := svc.ApplyPaymentEvent(context.Background(), order.PaymentEvent{
			EventID: "evt4", Type: order.EventPaymentSucceeded, OrderID: orderID,
		})

		require.NoError(t, err)
		assert.Equal(t, order.PaymentPaid, updated.PaymentStatus)
		assert.Equal(t, order.StatusConfirmed, updated.Status)
	})

	t.Run("stale_failed_event_after_retried_payment", func(t *testing.T) {
		repo := newStatefulEventRepo(storedOrder(orderID))
		svc := newTestService(repo)
		failedEvent := order.PaymentEvent{EventID: "evt3", Type: order.EventPaymentFailed, OrderID: orderID}

		_, err := svc.ApplyPaymentEvent(context.Background(), failedEvent)
		require.NoError(t, err)
		_, err = svc.ApplyPaymentEvent(context.Background(), order.PaymentEvent{
			EventID: "evt4", Type: order.EventPaymentSucceeded, OrderID: orderID,
		})
		require.NoError(t, err)

		// The provider re-delivers the old failure. Its key is already recorded,
		// so it must not be reapplied against the now-paid order.
		current, err := svc.ApplyPaymentEvent(context.Background(), failedEvent)

		assert.ErrorIs(t, err, order.ErrAlreadyApplied)
		assert.Equal(t, order.PaymentPaid, current.PaymentStatus)
		assert.Equal(t, order.StatusConfirmed, current.Status)
	})

	t.Run("refund_processed_refunds_remaining_amount", func(t *testing.T) {
		stored := storedOrder(orderID)
		stored.Status = order.StatusConfirmed
		stored.PaymentStatus = order.PaymentPaid
		repo := newStatefulEventRepo(stored)
		svc := newTestService(repo)

		updated, err := svc.ApplyPaymentEvent(context.Background(), order.PaymentEvent{
			EventID: "evt5", Type: order.EventRefundProcessed, OrderID: orderID,
		})

		require.NoError(t, err)
		assert.Equal(t, order.PaymentRefunded, updated.PaymentStatus)
		assert.True(t, updated.RefundAmount.Equal(updated.TotalAmount))
	})

	t.Run("duplicate_refund_event_is_idempotent", func(t *testing.T) {
		stored := storedOrder(orderID)
		stored.Status = order.StatusConfirmed
		stored.PaymentStatus = order.PaymentPaid
		repo := newStatefulEventRepo(stored)
		svc := newTestService(repo)
		refundEvent := order.PaymentEvent{EventID: "evt5", Type: order.EventRefundProcessed, OrderID: orderID}

		first, err := svc.ApplyPaymentEvent(context.Background(), refundEvent)
		require.NoError(t, err)
		require.Equal(t, order.PaymentRefunded, first.PaymentStatus)

		// The order is already fully refunded; a re-derived refund of the
		// remaining zero would be rejected, so the key check must come first.
		second, err := svc.ApplyPaymentEvent(context.Background(), refundEvent)

		assert.ErrorIs(t, err, order.ErrAlreadyApplied)
		assert.Empty(t, cmp.Diff(first, second, decimalComparer))
	})

	t.Run("unknown_event_type_rejected", func(t *testing.T) {
		repo := newStatefulEventRepo(storedOrder(orderID))
		svc := newTestService(repo)

		_, err := svc.ApplyPaymentEvent(context.Background(), order.PaymentEvent{
			EventID: "evt6", Type: "payment.teleported", OrderID: orderID,
		})
		assert.ErrorIs(t, err, order.ErrValidation)
	})

	t.Run("missing_event_id_rejected", func(t *testing.T) {
		repo := newStatefulEventRepo(storedOrder(orderID))
		svc := newTestService(repo)

		_, err := svc.ApplyPaymentEvent(context.Background(), order.PaymentEvent{
			Type: order.EventPaymentSucceeded, OrderID: orderID,
		})
		assert.ErrorIs(t, err, order.ErrValidation)
	})
}

func TestOrderService_TrackingInfo(t *testing.T) {
	orderID := uuid.Must(uuid.FromString("550e8400-e29b-41d4-a716-446655440000"))

	t.Run("no_tracking_before_shipment", func(t *testing.T) {
		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return storedOrder(orderID), nil
			},
		}
		svc := newTestService(repo)

		_, err := svc.TrackingInfo(context.Background(), orderID)
		assert.ErrorIs(t, err, order.ErrNoTrackingInfo)
	})

	t.Run("tracking_after_shipment", func(t *testing.T) {
		stored := storedOrder(orderID)
		stored.Status = order.StatusShipped
		stored.PaymentStatus = order.PaymentPaid
		shippedAt := time.Now().UTC()
		stored.Tracking = &order.TrackingInfo{TrackingNumber: "TRK-9", Carrier: "DHL", ShippedAt: &shippedAt}

		repo := &mockOrderRepository{
			getByIDFunc: func(ctx context.Context, id uuid.UUID) (*order.Order, error) {
				return stored, nil
			},
		}
		svc := newTestService(repo)

		tracking, err := svc.TrackingInfo(context.Background(), orderID)

		require.NoError(t, err)
		assert.Equal(t, "TRK-9", tracking.TrackingNumber)
	})
}
