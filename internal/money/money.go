// Package money implements fixed-point monetary arithmetic for the exchange
// core. Every price, amount and fee in the system is a Money: an int64 scaled
// to eight decimal places. Binary floating point never touches the monetary
// path; shopspring/decimal is used only to parse and format values at the API
// boundary.
package money

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places carried by every Money value.
const Scale = 8

// UnitsPerWhole is the scaled representation of 1.0.
const UnitsPerWhole = int64(100_000_000)

// BpsDenominator converts basis points to a fraction (1 bps = 1/10000).
const BpsDenominator = 10_000

// Money is an amount in the smallest representable unit (10^-8).
type Money int64

// Zero is the zero amount.
const Zero Money = 0

var bpsDenom = big.NewInt(BpsDenominator)

// FromUnits builds a Money directly from scaled units.
func FromUnits(units int64) Money { return Money(units) }

// FromDecimal converts a decimal amount into Money. Amounts with more than
// Scale fractional digits are rejected rather than silently rounded.
func FromDecimal(d decimal.Decimal) (Money, error) {
	shifted := d.Shift(Scale)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s exceeds %d decimal places", d.String(), Scale)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return Money(shifted.IntPart()), nil
}

// Parse converts a decimal string ("17.00") into Money.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for compile-time constants in tests and config defaults.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the exact decimal representation.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -Scale)
}

// String renders the amount as a plain decimal string.
func (m Money) String() string { return m.Decimal().String() }

// Units returns the raw scaled integer.
func (m Money) Units() int64 { return int64(m) }

// MarshalJSON renders the amount as a decimal string, never as a raw scaled
// integer or a float.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string.
func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Money) Add(o Money) Money { return m + o }
func (m Money) Sub(o Money) Money { return m - o }
func (m Money) Neg() Money        { return -m }

func (m Money) IsZero() bool     { return m == 0 }
func (m Money) IsPositive() bool { return m > 0 }
func (m Money) IsNegative() bool { return m < 0 }

func (m Money) LessThan(o Money) bool    { return m < o }
func (m Money) GreaterThan(o Money) bool { return m > o }

// MulUnits multiplies a per-unit price by a whole-unit quantity. Overflow of
// the int64 range indicates a malformed order far beyond any configured
// market limit and panics, matching the invariant-violation contract of the
// matching path.
func (m Money) MulUnits(qty int64) Money {
	if qty < 0 {
		panic(fmt.Sprintf("money: negative quantity %d", qty))
	}
	if m == 0 || qty == 0 {
		return 0
	}
	r := int64(m) * qty
	if r/qty != int64(m) {
		panic(fmt.Sprintf("money: overflow multiplying %d units by qty %d", int64(m), qty))
	}
	return Money(r)
}

// ApplyBps returns round(m * bps / 10000) using banker's rounding on the
// half remainder. The intermediate product is computed in arbitrary
// precision so no magnitude of m can overflow.
func ApplyBps(m Money, bps int64) Money {
	if bps == 0 || m == 0 {
		return 0
	}
	n := big.NewInt(int64(m))
	n.Mul(n, big.NewInt(bps))
	q, r := new(big.Int).QuoRem(n, bpsDenom, new(big.Int))
	// r in (-10000, 10000); fee math only ever sees non-negative inputs but
	// keep the rounding symmetric anyway.
	twice := new(big.Int).Lsh(new(big.Int).Abs(r), 1)
	cmp := twice.Cmp(bpsDenom)
	roundAway := cmp > 0 || (cmp == 0 && q.Bit(0) == 1)
	if roundAway {
		if n.Sign() >= 0 {
			q.Add(q, big.NewInt(1))
		} else {
			q.Sub(q, big.NewInt(1))
		}
	}
	return Money(q.Int64())
}

// SplitBps carves a gross amount into platform fee, royalty fee and the net
// residual. Each fee is independently rounded; the net is defined as
// gross - platformFee - royaltyFee so the three always sum back to gross
// exactly, by construction.
func SplitBps(gross Money, platformBps, royaltyBps int64) (platformFee, royaltyFee, net Money) {
	platformFee = ApplyBps(gross, platformBps)
	royaltyFee = ApplyBps(gross, royaltyBps)
	net = gross - platformFee - royaltyFee
	return platformFee, royaltyFee, net
}
