package core_test

import (
	"PoolLedger/internal/core"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// balancedState holds $2.5M per side against 5M shares
func balancedState(t *testing.T) core.QuoteState {
	t.Helper()
	l, err := pool.ImportLedger(pool.LedgerExport{
		MarketID: marketID,
		Long:     pool.AssetExport{Balance: "1000000000000000000000", Reserved: "0", AccumulatedFees: "0", ClaimableFunding: "0"},
		Short:    pool.AssetExport{Balance: "2500000000000", Reserved: "0", AccumulatedFees: "0", ClaimableFunding: "0"},
	})
	if err != nil {
		t.Fatalf("ImportLedger: %v", err)
	}
	return core.QuoteState{Ledger: l, Supply: amt("5000000000000000000000000")}
}

func snapshotAt(pnl fpmath.Signed) core.MarketSnapshot {
	return core.MarketSnapshot{
		Block: 100,
		Prices: oracle.Prices{
			Long:  oracle.Price{Mid: amt(ethPrice), Confidence: new(uint256.Int)},
			Short: oracle.Price{Mid: amt(usdPrice), Confidence: new(uint256.Int)},
		},
		NetPnl: pnl,
	}
}

func mustQuoter(t *testing.T, p *pool.Params) *core.Quoter {
	t.Helper()
	q, err := core.NewQuoter(p)
	if err != nil {
		t.Fatalf("NewQuoter: %v", err)
	}
	return q
}

var wide = decimal.RequireFromString("0.5")

// ===== Test: Impact =====

func TestQuoteDeposit_ImpactGrowsWithSize(t *testing.T) {
	q := mustQuoter(t, pool.DefaultParams(marketID))
	st := balancedState(t)
	snap := snapshotAt(fpmath.Signed{Abs: new(uint256.Int)})

	var prev *uint256.Int
	for _, size := range []string{"10000000000000000000", "100000000000000000000", "400000000000000000000"} {
		quote, err := q.QuoteDeposit(st, snap, pool.AssetLong, amt(size), wide)
		if err != nil {
			t.Fatalf("QuoteDeposit(%s): %v", size, err)
		}
		if quote.ImpactedPrice.Cmp(quote.ReferencePrice) >= 0 {
			t.Errorf("size %s: skew-worsening deposit not discounted: %s", size, quote.ImpactedPrice.Dec())
		}
		if prev != nil && quote.ImpactedPrice.Cmp(prev) > 0 {
			t.Errorf("size %s: impacted price %s rose above %s", size, quote.ImpactedPrice.Dec(), prev.Dec())
		}
		prev = quote.ImpactedPrice
	}
}

func TestQuoteDeposit_BalancingFlowHasNoImpact(t *testing.T) {
	q := mustQuoter(t, pool.DefaultParams(marketID))
	l, err := pool.ImportLedger(pool.LedgerExport{
		MarketID: marketID,
		Long:     pool.AssetExport{Balance: "2000000000000000000000", Reserved: "0", AccumulatedFees: "0", ClaimableFunding: "0"},
		Short:    pool.AssetExport{Balance: "1000000000000", Reserved: "0", AccumulatedFees: "0", ClaimableFunding: "0"},
	})
	if err != nil {
		t.Fatalf("ImportLedger: %v", err)
	}
	st := core.QuoteState{Ledger: l, Supply: amt("6000000000000000000000000")}

	// 100k USDC into a long-heavy pool
	quote, err := q.QuoteDeposit(st, snapshotAt(fpmath.Signed{Abs: new(uint256.Int)}), pool.AssetShort, amt("100000000000"), decimal.Zero)
	if err != nil {
		t.Fatalf("QuoteDeposit: %v", err)
	}
	if !quote.ImpactedPrice.Eq(quote.ReferencePrice) {
		t.Errorf("impacted %s, want reference %s", quote.ImpactedPrice.Dec(), quote.ReferencePrice.Dec())
	}
	// Base rate only: 5 bps of 100k USDC
	if want := amt("50000000"); !quote.Fee.Eq(want) {
		t.Errorf("fee: got %s, want %s", quote.Fee.Dec(), want.Dec())
	}
}

// ===== Test: Fees =====

func TestQuoteDeposit_SkewingFlowPaysMore(t *testing.T) {
	q := mustQuoter(t, pool.DefaultParams(marketID))
	st := balancedState(t)
	snap := snapshotAt(fpmath.Signed{Abs: new(uint256.Int)})

	amount := amt("100000000000000000000")
	quote, err := q.QuoteDeposit(st, snap, pool.AssetLong, amount, wide)
	if err != nil {
		t.Fatalf("QuoteDeposit: %v", err)
	}
	base, _ := fpmath.MulFraction(amount, decimal.RequireFromString("0.0005"), fpmath.RoundDown)
	if quote.Fee.Cmp(base) <= 0 {
		t.Errorf("fee %s should exceed base fee %s", quote.Fee.Dec(), base.Dec())
	}
	if new(uint256.Int).Add(quote.Remaining, quote.Fee).Cmp(amount) != 0 {
		t.Error("remaining + fee != amount")
	}
}

func TestQuoteWithdrawal_FeeOnGross(t *testing.T) {
	q := mustQuoter(t, pool.DefaultParams(marketID))
	st := balancedState(t)
	snap := snapshotAt(fpmath.Signed{Abs: new(uint256.Int)})

	quote, err := q.QuoteWithdrawal(st, snap, pool.AssetShort, amt("100000000000000000000000"), wide)
	if err != nil {
		t.Fatalf("QuoteWithdrawal: %v", err)
	}
	// 100k of 5M shares over $5M AUM
	if want := amt("100000000000000000000000"); !quote.RedeemUSD.Eq(want) {
		t.Errorf("redeem usd: got %s, want %s", quote.RedeemUSD.Dec(), want.Dec())
	}
	if new(uint256.Int).Add(quote.AmountOut, quote.Fee).Cmp(quote.GrossAmount) != 0 {
		t.Error("amount out + fee != gross")
	}
	if quote.ImpactedPrice.Cmp(quote.ReferencePrice) <= 0 {
		t.Errorf("skew-worsening withdrawal should pay a premium: %s", quote.ImpactedPrice.Dec())
	}
}

// ===== Test: Valuation =====

func TestValuation_TraderProfitLowersSharePrice(t *testing.T) {
	q := mustQuoter(t, pool.DefaultParams(marketID))
	st := balancedState(t)

	_, flat, err := q.Valuation(st, snapshotAt(fpmath.Signed{Abs: new(uint256.Int)}))
	if err != nil {
		t.Fatalf("Valuation: %v", err)
	}
	if want := amt("1000000000000000000"); !flat.Eq(want) {
		t.Fatalf("flat price: got %s, want %s", flat.Dec(), want.Dec())
	}

	// Traders up $1M: AUM $4M over 5M shares
	aum, price, err := q.Valuation(st, snapshotAt(fpmath.NewSigned(amt("1000000000000000000000000"), false)))
	if err != nil {
		t.Fatalf("Valuation: %v", err)
	}
	if want := amt("4000000000000000000000000"); !aum.Eq(want) {
		t.Errorf("aum: got %s, want %s", aum.Dec(), want.Dec())
	}
	if want := amt("800000000000000000"); !price.Eq(want) {
		t.Errorf("price: got %s, want %s", price.Dec(), want.Dec())
	}
}

func TestQuoteDeposit_ZeroAmountRejected(t *testing.T) {
	q := mustQuoter(t, pool.DefaultParams(marketID))
	_, err := q.QuoteDeposit(balancedState(t), snapshotAt(fpmath.Signed{Abs: new(uint256.Int)}), pool.AssetLong, new(uint256.Int), wide)
	if !errors.Is(err, core.ErrValidation) {
		t.Fatalf("got %v, want validation error", err)
	}
}
