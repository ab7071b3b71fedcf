// Package costengine implements C4: rate resolution and cost/refund
// computation for metered provider usage, in fixed-point money (never
// float for currency, per spec §4.4).
package costengine

import (
	"fmt"
	"strconv"
)

// moneyScale is the number of fractional digits Money carries internally:
// at least 8 fractional digits of precision, scaled into an int64 rather
// than carried as a float so repeated Mul/Add never accumulate rounding
// error.
const moneyScale = 100_000_000 // 1e8

// Money is a fixed-point amount scaled by moneyScale. Zero value is $0.
type Money int64

// NewMoneyFromFloat builds a Money from a float64 rate literal, the form
// built-in rate cards are defined in, by rounding to the nearest scale
// unit.
func NewMoneyFromFloat(f float64) Money {
	return Money(f*moneyScale + sign(f)*0.5)
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// Mul multiplies Money by a plain float64 unit count (durations, character
// counts) and rounds to the nearest internal unit.
func (m Money) Mul(units float64) Money {
	scaled := float64(m) * units
	if scaled < 0 {
		return Money(scaled - 0.5)
	}
	return Money(scaled + 0.5)
}

func (m Money) Add(other Money) Money { return m + other }
func (m Money) Sub(other Money) Money { return m - other }

func (m Money) IsNegative() bool { return m < 0 }

// Clamp returns m bounded to [0, max]; used by refund validation to enforce
// refund <= original per component.
func (m Money) Clamp(max Money) Money {
	if m > max {
		return max
	}
	if m < 0 {
		return 0
	}
	return m
}

// Float64 renders the amount as a float for JSON/logging purposes only.
// Never use the result for further arithmetic.
func (m Money) Float64() float64 {
	return float64(m) / moneyScale
}

func (m Money) String() string {
	return strconv.FormatFloat(m.Float64(), 'f', 8, 64)
}

// MarshalJSON encodes Money as a decimal number with full precision,
// avoiding float64's binary-rounding surprises at marshal time by
// formatting the fixed-point value directly rather than round-tripping
// through Float64 and json's own float encoder.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("costengine: parse money: %w", err)
	}
	*m = NewMoneyFromFloat(f)
	return nil
}
