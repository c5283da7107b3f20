// Package valuation prices the pool: USD value of its holdings, AUM after
// trader PnL, per-share price, and share/USD conversions.
//
// Shares and USD both carry 18 decimals, so an initial share price of 1.0
// mints one share unit per USD unit.
package valuation

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrCannotPrice is returned when shares exist but the pool has no value.
	// Callers must fail the enclosing operation rather than mint at price 0.
	ErrCannotPrice = errors.New("valuation: cannot price pool shares")

	// ErrRedeemExceedsSupply is returned when redeeming more shares than exist.
	ErrRedeemExceedsSupply = errors.New("valuation: redeem exceeds share supply")

	// InitialSharePrice is the price of the first share minted (1.0)
	InitialSharePrice = fpmath.SharePrecision.Scale
)

// Prices holds reference prices (USD per whole token, 18 decimals)
type Prices struct {
	Long  *uint256.Int
	Short *uint256.Int
}

// Of returns the reference price for one side.
func (p Prices) Of(a pool.Asset) *uint256.Int {
	if a == pool.AssetLong {
		return p.Long
	}
	return p.Short
}

// AssetUSD values amount of asset a at its reference price.
func AssetUSD(params *pool.Params, a pool.Asset, amount, price *uint256.Int) (*uint256.Int, error) {
	return fpmath.ComputeUSDValue(amount, price, params.AssetConfig(a).BaseUnit())
}

// AssetAmount converts a USD value into native units of asset a at price.
func AssetAmount(params *pool.Params, a pool.Asset, usd, price *uint256.Int) (*uint256.Int, error) {
	return fpmath.ComputeTokenAmount(usd, price, params.AssetConfig(a).BaseUnit())
}

// PoolDepth returns the USD value of each side's balance at reference prices.
func PoolDepth(l *pool.Ledger, params *pool.Params, prices Prices) (Depth, error) {
	longUSD, err := AssetUSD(params, pool.AssetLong, l.Balance(pool.AssetLong), prices.Long)
	if err != nil {
		return Depth{}, fmt.Errorf("long value: %w", err)
	}
	shortUSD, err := AssetUSD(params, pool.AssetShort, l.Balance(pool.AssetShort), prices.Short)
	if err != nil {
		return Depth{}, fmt.Errorf("short value: %w", err)
	}
	return Depth{Long: longUSD, Short: shortUSD}, nil
}

// PoolValue returns longBalance*longPrice/longBase + shortBalance*shortPrice/shortBase.
func PoolValue(l *pool.Ledger, params *pool.Params, prices Prices) (*uint256.Int, error) {
	depth, err := PoolDepth(l, params, prices)
	if err != nil {
		return nil, err
	}
	return depth.Total()
}

// AUM returns the pool value adjusted by aggregate trader PnL. Trader profit
// is owed by the pool and reduces AUM; trader loss increases it. AUM never
// goes below zero.
func AUM(l *pool.Ledger, params *pool.Params, prices Prices, netPnl fpmath.Signed) (*uint256.Int, error) {
	value, err := PoolValue(l, params, prices)
	if err != nil {
		return nil, err
	}
	aum, err := netPnl.ApplyTo(value)
	if err != nil {
		return nil, fmt.Errorf("apply net pnl: %w", err)
	}
	return aum, nil
}

// SharePrice returns aum * SCALE / supply, or 0 for a degenerate pool
// (zero AUM or zero supply). Overflow is an error, not a zero price.
func SharePrice(aum, supply *uint256.Int) (*uint256.Int, error) {
	if aum.IsZero() || supply.IsZero() {
		return new(uint256.Int), nil
	}
	price, err := fpmath.MulDiv(aum, fpmath.SharePrecision.Scale, supply, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("share price: %w", err)
	}
	return price, nil
}

// MintAmount converts a deposit's USD value into shares. aum and supply are
// the values before the deposit is added.
//
// With no shares outstanding the first depositor defines the price (1.0).
// With shares outstanding and zero AUM the pool cannot be priced.
func MintAmount(usd, aum, supply *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() {
		return fpmath.MulDiv(usd, fpmath.SharePrecision.Scale, InitialSharePrice, fpmath.RoundDown)
	}
	if aum.IsZero() {
		return nil, ErrCannotPrice
	}
	return fpmath.MulDiv(usd, supply, aum, fpmath.RoundDown)
}

// RedeemUSD converts shares into their USD claim. aum and supply are the
// values before the shares are burned.
func RedeemUSD(shares, aum, supply *uint256.Int) (*uint256.Int, error) {
	if supply.IsZero() || aum.IsZero() {
		return nil, ErrCannotPrice
	}
	if shares.Cmp(supply) > 0 {
		return nil, fmt.Errorf("%w: shares=%s supply=%s", ErrRedeemExceedsSupply, shares.Dec(), supply.Dec())
	}
	return fpmath.MulDiv(shares, aum, supply, fpmath.RoundDown)
}
