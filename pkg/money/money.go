// Package money converts caller-supplied amounts into processor minor units.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/giftpipe-backend/pkg/enums"
)

// MinimumChargeCents is the smallest charge the processor accepts in USD.
// Unit-less integers below it cannot be minor units and are read as major.
const MinimumChargeCents = 50

// Normalized is the outcome of Normalize.
type Normalized struct {
	Cents int64
	// Unit is the unit actually applied, after inference when the caller gave none.
	Unit     enums.AmountUnit
	Inferred bool
}

var (
	ErrNonPositive   = errors.New("amount must be positive")
	ErrFractionCents = errors.New("minor-unit amount must be a whole number")
	ErrSubCent       = errors.New("major-unit amount has more than two decimal places")
)

// Normalize converts amount into minor units. An explicit unit always wins.
// Without one, values written with a decimal point are major units, whole
// numbers below MinimumChargeCents are major units, and other whole numbers
// are minor units.
func Normalize(amount decimal.Decimal, unit enums.AmountUnit) (Normalized, error) {
	if !amount.IsPositive() {
		return Normalized{}, ErrNonPositive
	}
	if !unit.IsValid() {
		return Normalized{}, fmt.Errorf("unknown amount unit %q", unit)
	}

	inferred := false
	if unit == enums.AmountUnitUnspecified {
		unit = infer(amount)
		inferred = true
	}

	var cents decimal.Decimal
	switch unit {
	case enums.AmountUnitMajor:
		cents = amount.Shift(2)
		if !cents.Equal(cents.Truncate(0)) {
			return Normalized{}, ErrSubCent
		}
	default:
		cents = amount
		if !cents.Equal(cents.Truncate(0)) {
			return Normalized{}, ErrFractionCents
		}
	}

	return Normalized{Cents: cents.IntPart(), Unit: unit, Inferred: inferred}, nil
}

func infer(amount decimal.Decimal) enums.AmountUnit {
	if amount.Exponent() < 0 {
		return enums.AmountUnitMajor
	}
	if amount.LessThan(decimal.NewFromInt(MinimumChargeCents)) {
		return enums.AmountUnitMajor
	}
	return enums.AmountUnitMinor
}

// FromCents renders minor units as a major-unit decimal, e.g. 2500 -> 25.00.
func FromCents(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Shift(-2)
}

// Format renders minor units for logs and alert details.
func Format(cents int64, currency enums.Currency) string {
	return fmt.Sprintf("%s %s", FromCents(cents).StringFixed(2), currency)
}

// CeilToMajor rounds minor units up to the next whole major unit.
func CeilToMajor(cents int64) int64 {
	return FromCents(cents).Ceil().Shift(2).IntPart()
}
