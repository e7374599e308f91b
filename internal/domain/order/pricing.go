package order

import "github.com/shopspring/decimal"

// PricingPolicy computes the frozen unit price of an order line from the
// current catalogue price and the buyer classification. It runs exactly once
// per commodity, at order creation; the result is persisted and never
// recomputed, so orders stay auditable against the price the buyer agreed to.
type PricingPolicy struct {
	// VendorFactor applies to authenticated buyers flagged as vendors.
	VendorFactor decimal.Decimal
	// RetailFactor applies to everyone else, anonymous sessions included.
	RetailFactor decimal.Decimal
}

// DefaultPricingPolicy returns the standard wholesale/retail split.
func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{
		VendorFactor: decimal.RequireFromString("0.5"),
		RetailFactor: decimal.RequireFromString("0.8"),
	}
}

// UnitPrice returns the frozen unit price: catalogue price times the
// classification factor, rounded to 2 decimal places.
func (p PricingPolicy) UnitPrice(cataloguePrice decimal.Decimal, vendor bool) decimal.Decimal {
	factor := p.RetailFactor
	if vendor {
		factor = p.VendorFactor
	}
	return cataloguePrice.Mul(factor).Round(2)
}
