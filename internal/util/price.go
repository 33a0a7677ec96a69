// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// RoundToIncrement rounds x to the nearest multiple of inc.
// Ties go to the even multiple, so 102.5 with inc=5 becomes 100 and 107.5 becomes 110.
func RoundToIncrement(x, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return x
	}
	return x.Div(inc).RoundBank(0).Mul(inc)
}

// FloorQuantity returns floor(amount / price), or zero when price is not positive.
func FloorQuantity(amount, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return amount.Div(price).Floor()
}
