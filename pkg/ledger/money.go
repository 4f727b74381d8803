package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const centsExponent = 2

// AmountFromDecimal converts a currency value into cents, rejecting sub-cent precision.
func AmountFromDecimal(value decimal.Decimal) (AmountCents, error) {
	scaled := value.Shift(centsExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmountCents, value.String(), centsExponent)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmountCents, value.String())
	}
	return AmountCents(scaled.IntPart()), nil
}

// PositiveAmountFromDecimal converts a currency value into strictly positive cents.
func PositiveAmountFromDecimal(value decimal.Decimal) (PositiveAmountCents, error) {
	amount, err := AmountFromDecimal(value)
	if err != nil {
		return 0, err
	}
	return NewPositiveAmountCents(amount.Int64())
}

// Decimal renders the amount as a two-digit currency value.
func (amount AmountCents) Decimal() decimal.Decimal {
	return decimal.New(amount.Int64(), -centsExponent)
}

// Decimal renders the amount as a two-digit currency value.
func (amount PositiveAmountCents) Decimal() decimal.Decimal {
	return decimal.New(amount.Int64(), -centsExponent)
}
