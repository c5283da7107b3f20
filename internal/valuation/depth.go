package valuation

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Depth is the USD value held on each side of the pool
type Depth struct {
	Long  *uint256.Int
	Short *uint256.Int
}

// Side returns the USD value of one side.
func (d Depth) Side(a pool.Asset) *uint256.Int {
	if a == pool.AssetLong {
		return d.Long
	}
	return d.Short
}

// Total returns long + short.
func (d Depth) Total() (*uint256.Int, error) {
	total, overflow := new(uint256.Int).AddOverflow(d.Long, d.Short)
	if overflow {
		return nil, fpmath.ErrOverflow
	}
	return total, nil
}

// IsEmpty reports whether both sides are zero.
func (d Depth) IsEmpty() bool {
	return d.Long.IsZero() && d.Short.IsZero()
}

// Imbalance returns |long - short| / (long + short) in [0, 1]. An empty pool
// is balanced.
func (d Depth) Imbalance() decimal.Decimal {
	total, err := d.Total()
	if err != nil || total.IsZero() {
		return decimal.Zero
	}
	return fpmath.Ratio(fpmath.AbsDiff(d.Long, d.Short), total)
}

// After returns the depth once flowUSD is added to (deposit) or removed from
// (withdrawal) side a. Removal saturates at zero.
func (d Depth) After(a pool.Asset, flowUSD *uint256.Int, isDeposit bool) Depth {
	side := d.Side(a)
	var next *uint256.Int
	if isDeposit {
		var overflow bool
		next, overflow = new(uint256.Int).AddOverflow(side, flowUSD)
		if overflow {
			next = new(uint256.Int).SetAllOne()
		}
	} else if flowUSD.Cmp(side) >= 0 {
		next = new(uint256.Int)
	} else {
		next = new(uint256.Int).Sub(side, flowUSD)
	}

	out := Depth{Long: d.Long.Clone(), Short: d.Short.Clone()}
	if a == pool.AssetLong {
		out.Long = next
	} else {
		out.Short = next
	}
	return out
}

// SkewIncrease returns max(0, imbalanceAfter - imbalanceBefore) for a flow.
func (d Depth) SkewIncrease(a pool.Asset, flowUSD *uint256.Int, isDeposit bool) decimal.Decimal {
	delta := d.After(a, flowUSD, isDeposit).Imbalance().Sub(d.Imbalance())
	if delta.IsNegative() {
		return decimal.Zero
	}
	return delta
}
