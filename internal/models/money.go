package models

import "github.com/shopspring/decimal"

// DefaultMinimumAmount is the smallest pledge the platform accepts.
var DefaultMinimumAmount = decimal.NewFromInt(25)

// ToCents converts a currency amount to integer minor units.
func ToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// HasCentPrecision reports whether amount has no more than two decimal places.
func HasCentPrecision(amount decimal.Decimal) bool {
	return amount.Equal(amount.Round(2))
}
