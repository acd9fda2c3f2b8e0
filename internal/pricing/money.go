package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units (cents).
// It encodes to JSON as a plain decimal dollar number, e.g. 1050 <-> 10.50.
type Money int64

// FromDollars converts a decimal dollar amount into cents, rounding half away from zero.
func FromDollars(d decimal.Decimal) Money {
	return Money(d.Shift(2).Round(0).IntPart())
}

// ParseDollars parses a textual dollar amount such as "4.99".
func ParseDollars(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDollars(d), nil
}

// Dollars returns the amount as a decimal number of dollars.
func (m Money) Dollars() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// String formats the amount with two decimal places.
func (m Money) String() string {
	return m.Dollars().StringFixed(2)
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Dollars().StringFixed(2)), nil
}

// UnmarshalJSON implements json.Unmarshaler. Both numbers and quoted numbers are accepted.
func (m *Money) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return fmt.Errorf("pricing: invalid amount: %w", err)
	}
	*m = FromDollars(d)
	return nil
}
