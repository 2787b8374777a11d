package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundToTick aligns a price to the nearest multiple of the instrument tick.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	ticks := price.Div(tick).Round(0)
	return ticks.Mul(tick)
}

// TicksBetween returns the signed, possibly fractional distance from one
// price to another expressed in ticks.
func TicksBetween(from, to, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return decimal.Zero
	}
	return to.Sub(from).Div(tick)
}

// PriceFromTicks shifts a price by a whole number of ticks.
func PriceFromTicks(base decimal.Decimal, ticks int64, tick decimal.Decimal) decimal.Decimal {
	return base.Add(tick.Mul(decimal.NewFromInt(ticks)))
}

// RoundToLot aligns a quantity down to the instrument lot step. Quantities
// are never rounded up: an oversized order is worse than an undersized one.
func RoundToLot(qty, lotStep decimal.Decimal) decimal.Decimal {
	if lotStep.IsZero() {
		return qty
	}
	lots := qty.Div(lotStep).Floor()
	return lots.Mul(lotStep)
}

// WithinTicks reports whether two prices sit within the given tick tolerance
// of each other.
func WithinTicks(a, b, tick, tolerance decimal.Decimal) bool {
	if tick.IsZero() {
		return a.Equal(b)
	}
	return a.Sub(b).Abs().LessThanOrEqual(tick.Mul(tolerance))
}

// CalculateNetProfit computes profit after trading fees for one round trip.
func CalculateNetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}
