// Package pricing applies price impact to single-sided pool flow.
//
// The impact fraction follows a power curve of flow size relative to pool
// depth and only applies when the flow worsens skew. Money stays in decimal
// and uint256; float64 is used for the non-integer power only, and its result
// is converted back immediately.
package pricing

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/valuation"
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrSlippageExceeded is returned when the impacted price leaves the
	// caller's declared tolerance band around the reference price.
	ErrSlippageExceeded = errors.New("pricing: impacted price exceeds max slippage")

	// ErrInvalidCurve is returned for a negative factor or non-positive exponent.
	ErrInvalidCurve = errors.New("pricing: invalid impact curve")
)

var one = decimal.NewFromInt(1)

// Curve is the impact power curve: factor * (flowUsd / depthUsd)^exponent
type Curve struct {
	Factor   decimal.Decimal
	Exponent decimal.Decimal
}

// NewCurve validates and builds a curve.
func NewCurve(factor, exponent decimal.Decimal) (Curve, error) {
	if factor.IsNegative() {
		return Curve{}, fmt.Errorf("%w: factor %s < 0", ErrInvalidCurve, factor)
	}
	if !exponent.IsPositive() {
		return Curve{}, fmt.Errorf("%w: exponent %s <= 0", ErrInvalidCurve, exponent)
	}
	return Curve{Factor: factor, Exponent: exponent}, nil
}

// CurveFromParams builds the curve configured for a pool.
func CurveFromParams(p *pool.Params) (Curve, error) {
	return NewCurve(p.ImpactFactor, p.ImpactExponent)
}

// Fraction returns the impact fraction for flowUSD against depthUSD,
// clamped to [MinSlippage, MaxSlippage]. Zero factor, zero flow or an empty
// pool yield zero impact.
func (c Curve) Fraction(flowUSD, depthUSD *uint256.Int) decimal.Decimal {
	if c.Factor.IsZero() || flowUSD.IsZero() || depthUSD.IsZero() {
		return decimal.Zero
	}

	ratio := fpmath.ToDecimal(flowUSD).DivRound(fpmath.ToDecimal(depthUSD), 18)
	f := c.Factor.Mul(pow(ratio, c.Exponent))

	if f.LessThan(pool.MinSlippage) {
		return pool.MinSlippage
	}
	if f.GreaterThan(pool.MaxSlippage) {
		return pool.MaxSlippage
	}
	return f
}

// pow keeps integer exponents exact; non-integer exponents go through float64.
func pow(base, exp decimal.Decimal) decimal.Decimal {
	if exp.IsInteger() {
		return base.Pow(exp)
	}
	b, _ := base.Float64()
	e, _ := exp.Float64()
	r := math.Pow(b, e)
	if math.IsInf(r, 0) || math.IsNaN(r) {
		return pool.MaxSlippage.Add(one)
	}
	return decimal.NewFromFloat(r)
}

// Flow describes one deposit or withdrawal valued at reference prices
type Flow struct {
	Asset     pool.Asset
	USD       *uint256.Int // Flow size in USD at the reference price
	IsDeposit bool
}

// ImpactedPrice returns the execution price of flow's asset.
//
// When the flow worsens skew the price moves against the caller: deposits get
// ref*(1-f) (their tokens are worth less), withdrawals pay ref*(1+f) (each
// token out costs more). Otherwise the reference price is returned; there is
// no bonus for balancing flow.
//
// The result must stay within ref*(1 +/- maxSlippage); a larger move fails
// with ErrSlippageExceeded instead of being clamped.
func ImpactedPrice(c Curve, flow Flow, depth valuation.Depth, ref *uint256.Int, maxSlippage decimal.Decimal) (*uint256.Int, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("pricing: zero reference price")
	}

	f := Impact(c, flow, depth)
	if f.IsZero() {
		return ref.Clone(), nil
	}

	if f.GreaterThan(maxSlippage) {
		return nil, fmt.Errorf("%w: impact=%s max=%s", ErrSlippageExceeded, f.StringFixed(6), maxSlippage)
	}

	var (
		price *uint256.Int
		err   error
	)
	if flow.IsDeposit {
		price, err = fpmath.MulFraction(ref, one.Sub(f), fpmath.RoundDown)
	} else {
		price, err = fpmath.MulFraction(ref, one.Add(f), fpmath.RoundUp)
	}
	if err != nil {
		return nil, fmt.Errorf("impacted price: %w", err)
	}

	// The guard is on the realized integer price, not only the fraction
	band, err := fpmath.MulFraction(ref, maxSlippage, fpmath.RoundUp)
	if err != nil {
		return nil, fmt.Errorf("slippage band: %w", err)
	}
	if fpmath.AbsDiff(price, ref).Cmp(band) > 0 {
		return nil, fmt.Errorf("%w: ref=%s impacted=%s", ErrSlippageExceeded, ref.Dec(), price.Dec())
	}
	return price, nil
}

// Impact returns the impact fraction applied to flow, zero when the flow does
// not worsen skew.
func Impact(c Curve, flow Flow, depth valuation.Depth) decimal.Decimal {
	if depth.SkewIncrease(flow.Asset, flow.USD, flow.IsDeposit).IsZero() {
		return decimal.Zero
	}
	total, err := depth.Total()
	if err != nil {
		return pool.MaxSlippage
	}
	return c.Fraction(flow.USD, total)
}
