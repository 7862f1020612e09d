package store

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Decimal is a base-10, arbitrary-precision unsigned integer stored as a
// plain decimal string. Every amount column in the schema (token_amount,
// val, max_fee_per_gas, priority_fee, allowance, fee_paid) uses it, always
// representable in 256 bits.
type Decimal string

// ZeroDecimal is the canonical zero value, used for fee_paid on failed rows.
const ZeroDecimal Decimal = "0"

// Int parses the decimal string into a uint256.Int. An empty string is
// treated as zero so nilable-by-convention columns decode cleanly.
func (d Decimal) Int() (*uint256.Int, error) {
	if d == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(string(d))
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", string(d), err)
	}
	return v, nil
}

// FromInt renders a uint256.Int as a Decimal.
func FromInt(v *uint256.Int) Decimal {
	if v == nil {
		return ZeroDecimal
	}
	return Decimal(v.Dec())
}
