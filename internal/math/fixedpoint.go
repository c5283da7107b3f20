package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Precision defines a fixed-point scale
type Precision struct {
	Decimals int32        // Number of decimal places
	Scale    *uint256.Int // 10^Decimals
}

// NewPrecision builds a Precision for the given number of decimals.
func NewPrecision(decimals int32) Precision {
	return Precision{
		Decimals: decimals,
		Scale:    new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals))),
	}
}

var (
	// USD values: 18 decimals
	USDPrecision = NewPrecision(18)
	// Prices are USD per whole token: 18 decimals ($2,500 = 2500e18)
	PricePrecision = NewPrecision(18)
	// Pool share token: 18 decimals
	SharePrecision = NewPrecision(18)
)

var ErrOverflow = errors.New("fixed-point overflow")

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncate toward zero (default for payouts)
	RoundUp
	RoundHalfEven
)

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// MulDiv computes a * b / d with the requested rounding. The intermediate
// product is 512-bit so only the final quotient can overflow.
func MulDiv(a, b, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("mulDiv: division by zero")
	}

	quotient, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}

	if mode == RoundDown {
		return quotient, nil
	}

	// remainder = a*b - quotient*d, computed on big.Int to stay exact
	product := new(big.Int).Mul(a.ToBig(), b.ToBig())
	remainder := new(big.Int).Sub(product, new(big.Int).Mul(quotient.ToBig(), d.ToBig()))
	if remainder.Sign() == 0 {
		return quotient, nil
	}

	switch mode {
	case RoundUp:
		return addOne(quotient)
	case RoundHalfEven:
		// Banker's rounding: compare 2*remainder with d
		twice := new(big.Int).Lsh(remainder, 1)
		cmp := twice.Cmp(d.ToBig())
		if cmp > 0 || (cmp == 0 && quotient.Uint64()%2 == 1) {
			return addOne(quotient)
		}
	}
	return quotient, nil
}

func addOne(v *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(v, uint256.NewInt(1))
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// ComputeUSDValue converts a token amount to USD: amount * price / baseUnit.
func ComputeUSDValue(amount, price, baseUnit *uint256.Int) (*uint256.Int, error) {
	return MulDiv(amount, price, baseUnit, RoundDown)
}

// ComputeTokenAmount converts USD to a token amount: usd * baseUnit / price.
func ComputeTokenAmount(usd, price, baseUnit *uint256.Int) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, fmt.Errorf("token amount: zero price")
	}
	return MulDiv(usd, baseUnit, price, RoundDown)
}

// ToDecimal lifts an integer amount into decimal space (no scaling).
func ToDecimal(v *uint256.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.ToBig(), 0)
}

// FromDecimal truncates a non-negative decimal back to an integer amount.
func FromDecimal(d decimal.Decimal, mode RoundingMode) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, fmt.Errorf("fromDecimal: negative value %s", d.String())
	}

	switch mode {
	case RoundUp:
		d = d.Ceil()
	case RoundHalfEven:
		d = d.RoundBank(0)
	default:
		d = d.Floor()
	}

	out, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// MulFraction computes v * f for a non-negative fraction f.
func MulFraction(v *uint256.Int, f decimal.Decimal, mode RoundingMode) (*uint256.Int, error) {
	return FromDecimal(ToDecimal(v).Mul(f), mode)
}

// Ratio returns num / den as a decimal with 18 digits of precision.
// A zero denominator yields zero.
func Ratio(num, den *uint256.Int) decimal.Decimal {
	if den == nil || den.IsZero() {
		return decimal.Zero
	}
	return ToDecimal(num).DivRound(ToDecimal(den), 18)
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) >= 0 {
		return new(uint256.Int).Sub(a, b)
	}
	return new(uint256.Int).Sub(b, a)
}

// ParseAmount parses a base-10 integer string into an amount.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse amount: empty string")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}
