package domain

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of fractional digits kept for stored amounts.
const MoneyPlaces = 2

// PricingBreakdown captures the totals shown on the cart and frozen on an order.
type PricingBreakdown struct {
	Subtotal           decimal.Decimal
	Discount           decimal.Decimal
	DiscountedSubtotal decimal.Decimal
	Tax                decimal.Decimal
	Total              decimal.Decimal
}

// Price computes the breakdown for a subtotal, a discount and a flat tax rate.
// The discount is capped at the subtotal and every component is rounded half-up to cents.
func Price(subtotal, discount, taxRate decimal.Decimal) PricingBreakdown {
	subtotal = RoundMoney(subtotal)
	discount = RoundMoney(decimal.Min(discount, subtotal))
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	discounted := subtotal.Sub(discount)
	tax := RoundMoney(discounted.Mul(taxRate))
	return PricingBreakdown{
		Subtotal:           subtotal,
		Discount:           discount,
		DiscountedSubtotal: discounted,
		Tax:                tax,
		Total:              discounted.Add(tax),
	}
}

// RoundMoney rounds half away from zero to cents.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyPlaces)
}

// MinorUnits converts an amount to an integer count of 1/100 units, rounding half-up.
func MinorUnits(v decimal.Decimal) int64 {
	return v.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
