package order

import "errors"

var (
	ErrOrderNotFound           = errors.New("order not found")
	ErrValidation              = errors.New("validation failed")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrStatusAlreadySet        = errors.New("order already has this status")
	ErrInvalidPaymentStatus    = errors.New("invalid payment status transition")
	ErrShippingUnpaidOrder     = errors.New("cannot ship an unpaid order")
	ErrOrderNotCancellable     = errors.New("order can no longer be cancelled")
	ErrRefundExceedsTotal      = errors.New("refund amount exceeds order total")
	ErrRefundNotPaid           = errors.New("cannot refund an order that was never paid")
	ErrConflict                = errors.New("concurrent update conflict")
	ErrAlreadyApplied          = errors.New("payment event already applied")
	ErrTotalsMismatch          = errors.New("order totals do not add up")
	ErrNoTrackingInfo          = errors.New("order has no tracking information")
)
