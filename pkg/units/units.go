// Package units converts human-readable decimal amounts to base units and back.
package units

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// EtherDecimals number of wei in one ether, as a power of ten.
const EtherDecimals = 18

// Ether parses an ether amount such as "1.5" into wei.
func Ether(s string) (*uint256.Int, error) {
	return Tokens(s, EtherDecimals)
}

// Tokens parses s into base units of a token with the given decimals.
func Tokens(s string, decimals int32) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse amount %q", s)
	}
	return FromDecimal(d, decimals)
}

// FromDecimal converts d to base units. Fractions below one base unit are rejected.
func FromDecimal(d decimal.Decimal, decimals int32) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, errors.Errorf("amount must not be negative, got %s", d.String())
	}
	if decimals < 0 {
		return nil, errors.Errorf("decimals must not be negative, got %d", decimals)
	}

	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, errors.Errorf("amount %s has more than %d decimal places", d.String(), decimals)
	}

	v, overflow := uint256.FromBig(shifted.BigInt())
	if overflow {
		return nil, errors.Errorf("amount %s does not fit in 256 bits", d.String())
	}

	return v, nil
}

// ToDecimal converts base units to a decimal amount.
func ToDecimal(amount *uint256.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount.ToBig(), -decimals)
}

// Format renders base units as a decimal string without trailing zeros.
func Format(amount *uint256.Int, decimals int32) string {
	return ToDecimal(amount, decimals).String()
}
