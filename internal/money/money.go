// Package money implements the fixed-point boundary described in spec §3/§9:
// Unit converts a decimal string to an arbitrary-precision integer of
// minimal units (rounding per the coin's mode) and back, for chain values
// and threshold checks. Ledger amounts themselves are stored as decimal
// strings in the coin's unit, which Add/Sub/Cmp operate on exactly.
// shopspring/decimal supplies the arbitrary-precision arithmetic the
// same way every teacher chain adapter already carries amounts.
package money

import (
	"math/big"

	"github.com/shopspring/decimal"
	"gopherex.com/pkg/xerr"
)

// Rounding is the single configurable rounding mode a coin may use when a
// user-supplied decimal string does not divide evenly into minimal units.
type Rounding string

const (
	Truncate Rounding = "truncate"
	HalfUp   Rounding = "half_up"
)

// Unit is a fixed-point codec for one coin's precision. It is safe for
// concurrent use: it holds no mutable state.
type Unit struct {
	Decimals int32
	Rounding Rounding
	scale    decimal.Decimal
}

func NewUnit(decimals int32, rounding Rounding) *Unit {
	if rounding == "" {
		rounding = Truncate
	}
	return &Unit{
		Decimals: decimals,
		Rounding: rounding,
		scale:    decimal.New(1, decimals),
	}
}

// Minimal converts a decimal-string amount (e.g. "0.00005000") into the
// coin's minimal-unit integer, applying the unit's rounding mode.
func (u *Unit) Minimal(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, xerr.Newf(xerr.InputValidation, "invalid amount %q: %v", amount, err)
	}
	if d.IsNegative() {
		return nil, xerr.Newf(xerr.InputValidation, "amount %q must not be negative", amount)
	}
	scaled := d.Mul(u.scale)
	switch u.Rounding {
	case HalfUp:
		scaled = scaled.Round(0)
	default:
		scaled = scaled.Truncate(0)
	}
	return scaled.BigInt(), nil
}

// Decimal renders a minimal-unit integer back to the coin's decimal string
// representation, e.g. Decimal(5000, 8 decimals) -> "0.00005000".
func (u *Unit) Decimal(minimal *big.Int) string {
	return decimal.NewFromBigInt(minimal, -u.Decimals).StringFixed(u.Decimals)
}

// Add sums two decimal-string amounts as stored at rest (§3: "serialised as
// decimal strings"). decimal.Decimal is exact arbitrary-precision, so this
// never rounds regardless of how many fractional digits either side carries.
func Add(a, b string) string {
	return parse(a).Add(parse(b)).String()
}

func Sub(a, b string) string {
	return parse(a).Sub(parse(b)).String()
}

func Cmp(a, b string) int {
	return parse(a).Cmp(parse(b))
}

func IsZero(a string) bool {
	if a == "" {
		return true
	}
	return parse(a).IsZero()
}

func FromInt64(v int64) string {
	return decimal.NewFromInt(v).String()
}

func parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
