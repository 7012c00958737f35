package models

import "github.com/shopspring/decimal"

// MicrosPerUnit is the fixed-point scale of every stored cost: 1 unit = 10^-6 of the currency.
const MicrosPerUnit = 1_000_000

// MicrosToDecimal converts a stored fixed-point amount to a decimal currency value.
func MicrosToDecimal(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}

// DecimalToMicros rounds a currency value to the nearest micro unit.
func DecimalToMicros(d decimal.Decimal) int64 {
	return d.Round(6).Shift(6).IntPart()
}
