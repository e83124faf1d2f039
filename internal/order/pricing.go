package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/daksndt/order-engine/internal/config"
)

// Totals is the result of running the pricing calculator over a set of line
// items. The stored order must always be reproducible by re-running the
// calculator over the stored items and discount.
type Totals struct {
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	ShippingAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
}

// CalculateTotals is a pure function of the line items, the discount, and the
// pricing policy. Tax is a flat rate on the subtotal; shipping is free above
// the configured threshold, else a flat fee; the discount is an input, not
// derived. Computed charges are rounded half-up to the currency's minor unit
// before summing, so repeated additions cannot drift.
func CalculateTotals(cfg config.PricingConfig, items []OrderItem, discount decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	subtotal = subtotal.Round(2)

	tax := subtotal.Mul(cfg.TaxRate).Round(2)

	shipping := decimal.Zero
	if subtotal.LessThanOrEqual(cfg.FreeShippingThreshold) {
		shipping = cfg.ShippingFlatFee.Round(2)
	}

	discount = discount.Round(2)

	return Totals{
		Subtotal:       subtotal,
		TaxAmount:      tax,
		ShippingAmount: shipping,
		DiscountAmount: discount,
		TotalAmount:    subtotal.Add(tax).Add(shipping).Sub(discount),
	}
}

// ValidateDiscount rejects discounts the calculator cannot honour.
func ValidateDiscount(discount decimal.Decimal) error {
	if discount.IsNegative() {
		return fmt.Errorf("%w: discount cannot be negative", ErrValidation)
	}
	return nil
}
