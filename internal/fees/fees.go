// Package fees computes the protocol fee charged on pool deposits and
// withdrawals.
package fees

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/valuation"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var ErrInvalidSchedule = errors.New("fees: invalid fee schedule")

// Schedule is a base rate plus a skew bonus of up to FeeScale
type Schedule struct {
	BaseRate decimal.Decimal
	FeeScale decimal.Decimal
}

func NewSchedule(baseRate, feeScale decimal.Decimal) (Schedule, error) {
	if baseRate.IsNegative() || feeScale.IsNegative() {
		return Schedule{}, fmt.Errorf("%w: negative rate", ErrInvalidSchedule)
	}
	if baseRate.Add(feeScale).GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Schedule{}, fmt.Errorf("%w: base %s + scale %s >= 1", ErrInvalidSchedule, baseRate, feeScale)
	}
	return Schedule{BaseRate: baseRate, FeeScale: feeScale}, nil
}

func ScheduleFromParams(p *pool.Params) (Schedule, error) {
	return NewSchedule(p.BaseFeeRate, p.FeeScale)
}

// Rate returns the fee rate for a flow of flowUSD on side a:
// baseRate + feeScale * max(0, imbalanceAfter - imbalanceBefore).
// The bonus is waived while the pool is empty.
func (s Schedule) Rate(depth valuation.Depth, a pool.Asset, flowUSD *uint256.Int, isDeposit bool) decimal.Decimal {
	if depth.IsEmpty() || s.FeeScale.IsZero() {
		return s.BaseRate
	}
	return s.BaseRate.Add(s.FeeScale.Mul(depth.SkewIncrease(a, flowUSD, isDeposit)))
}

// Fee returns floor(amount * rate) where rate is the skew-adjusted fee rate.
// Zero amount returns zero. The result is always < amount for amount > 0.
func (s Schedule) Fee(amount *uint256.Int, depth valuation.Depth, a pool.Asset, flowUSD *uint256.Int, isDeposit bool) (*uint256.Int, error) {
	if amount.IsZero() {
		return new(uint256.Int), nil
	}

	fee, err := fpmath.MulFraction(amount, s.Rate(depth, a, flowUSD, isDeposit), fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("fee: %w", err)
	}
	if fee.Cmp(amount) >= 0 {
		return nil, fmt.Errorf("%w: fee %s >= amount %s", ErrInvalidSchedule, fee.Dec(), amount.Dec())
	}
	return fee, nil
}
