package core

import (
	"PoolLedger/internal/fees"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/pricing"
	"PoolLedger/internal/valuation"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// MarketSnapshot is the external state an execution is priced against:
// oracle prices and trader PnL at one binding block.
type MarketSnapshot struct {
	Block  uint64
	Prices oracle.Prices
	NetPnl fpmath.Signed
}

func (s MarketSnapshot) reference() valuation.Prices {
	return valuation.Prices{Long: s.Prices.Long.Mid, Short: s.Prices.Short.Mid}
}

// QuoteState is the pool state a quote reads. It is never written.
type QuoteState struct {
	Ledger *pool.Ledger
	Supply *uint256.Int
}

// Quoter prices deposits and withdrawals. Quotes are pure functions of
// (QuoteState, MarketSnapshot, input) so commit can apply them separately.
type Quoter struct {
	params *pool.Params
	curve  pricing.Curve
	fees   fees.Schedule
}

func NewQuoter(params *pool.Params) (*Quoter, error) {
	if err := pool.ValidateParams(params); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	curve, err := pricing.CurveFromParams(params)
	if err != nil {
		return nil, err
	}
	schedule, err := fees.ScheduleFromParams(params)
	if err != nil {
		return nil, err
	}
	return &Quoter{params: params, curve: curve, fees: schedule}, nil
}

// DepositQuote is everything executeDeposit commits
type DepositQuote struct {
	ReferencePrice *uint256.Int
	ImpactedPrice  *uint256.Int
	FlowUSD        *uint256.Int
	Fee            *uint256.Int
	Remaining      *uint256.Int
	MintUSD        *uint256.Int
	MintAmount     *uint256.Int
	AUM            *uint256.Int // Before the deposit
	Supply         *uint256.Int // Before the mint
}

// QuoteDeposit prices a deposit of amount on asset against the pre-deposit
// pool so the depositor does not dilute itself.
func (q *Quoter) QuoteDeposit(st QuoteState, snap MarketSnapshot, asset pool.Asset, amount *uint256.Int, maxSlippage decimal.Decimal) (*DepositQuote, error) {
	if amount == nil || amount.IsZero() {
		return nil, invalid("amount", "must be > 0")
	}

	refs := snap.reference()
	ref := refs.Of(asset)

	depth, err := valuation.PoolDepth(st.Ledger, q.params, refs)
	if err != nil {
		return nil, err
	}
	aum, err := valuation.AUM(st.Ledger, q.params, refs, snap.NetPnl)
	if err != nil {
		return nil, err
	}
	flowUSD, err := valuation.AssetUSD(q.params, asset, amount, ref)
	if err != nil {
		return nil, fmt.Errorf("flow value: %w", err)
	}

	impacted, err := pricing.ImpactedPrice(q.curve, pricing.Flow{Asset: asset, USD: flowUSD, IsDeposit: true}, depth, ref, maxSlippage)
	if err != nil {
		if errors.Is(err, pricing.ErrSlippageExceeded) {
			return nil, invalidErr("max_slippage", err)
		}
		return nil, err
	}

	fee, err := q.fees.Fee(amount, depth, asset, flowUSD, true)
	if err != nil {
		return nil, err
	}
	remaining := new(uint256.Int).Sub(amount, fee)

	mintUSD, err := valuation.AssetUSD(q.params, asset, remaining, impacted)
	if err != nil {
		return nil, fmt.Errorf("mint value: %w", err)
	}
	mint, err := valuation.MintAmount(mintUSD, aum, st.Supply)
	if err != nil {
		return nil, err
	}
	if mint.IsZero() {
		return nil, invalid("amount", "deposit too small to mint shares")
	}

	return &DepositQuote{
		ReferencePrice: ref.Clone(),
		ImpactedPrice:  impacted,
		FlowUSD:        flowUSD,
		Fee:            fee,
		Remaining:      remaining,
		MintUSD:        mintUSD,
		MintAmount:     mint,
		AUM:            aum,
		Supply:         st.Supply.Clone(),
	}, nil
}

// WithdrawalQuote is everything executeWithdrawal commits
type WithdrawalQuote struct {
	ReferencePrice *uint256.Int
	ImpactedPrice  *uint256.Int
	Shares         *uint256.Int
	RedeemUSD      *uint256.Int
	GrossAmount    *uint256.Int
	Fee            *uint256.Int
	AmountOut      *uint256.Int
	AUM            *uint256.Int // Before the withdrawal
	Supply         *uint256.Int // Before the burn
}

// QuoteWithdrawal prices redeeming shares for asset at the pre-burn supply.
func (q *Quoter) QuoteWithdrawal(st QuoteState, snap MarketSnapshot, asset pool.Asset, shares *uint256.Int, maxSlippage decimal.Decimal) (*WithdrawalQuote, error) {
	if shares == nil || shares.IsZero() {
		return nil, invalid("amount", "must be > 0")
	}

	refs := snap.reference()
	ref := refs.Of(asset)

	depth, err := valuation.PoolDepth(st.Ledger, q.params, refs)
	if err != nil {
		return nil, err
	}
	aum, err := valuation.AUM(st.Ledger, q.params, refs, snap.NetPnl)
	if err != nil {
		return nil, err
	}
	redeemUSD, err := valuation.RedeemUSD(shares, aum, st.Supply)
	if err != nil {
		if errors.Is(err, valuation.ErrRedeemExceedsSupply) {
			return nil, invalidErr("amount", err)
		}
		return nil, err
	}

	impacted, err := pricing.ImpactedPrice(q.curve, pricing.Flow{Asset: asset, USD: redeemUSD, IsDeposit: false}, depth, ref, maxSlippage)
	if err != nil {
		if errors.Is(err, pricing.ErrSlippageExceeded) {
			return nil, invalidErr("max_slippage", err)
		}
		return nil, err
	}

	gross, err := valuation.AssetAmount(q.params, asset, redeemUSD, impacted)
	if err != nil {
		return nil, fmt.Errorf("gross amount: %w", err)
	}
	if gross.IsZero() {
		return nil, invalid("amount", "withdrawal too small to pay out")
	}

	fee, err := q.fees.Fee(gross, depth, asset, redeemUSD, false)
	if err != nil {
		return nil, err
	}

	return &WithdrawalQuote{
		ReferencePrice: ref.Clone(),
		ImpactedPrice:  impacted,
		Shares:         shares.Clone(),
		RedeemUSD:      redeemUSD,
		GrossAmount:    gross,
		Fee:            fee,
		AmountOut:      new(uint256.Int).Sub(gross, fee),
		AUM:            aum,
		Supply:         st.Supply.Clone(),
	}, nil
}

// Valuation returns AUM and share price for st at snap
func (q *Quoter) Valuation(st QuoteState, snap MarketSnapshot) (aum, sharePrice *uint256.Int, err error) {
	aum, err = valuation.AUM(st.Ledger, q.params, snap.reference(), snap.NetPnl)
	if err != nil {
		return nil, nil, err
	}
	sharePrice, err = valuation.SharePrice(aum, st.Supply)
	if err != nil {
		return nil, nil, err
	}
	return aum, sharePrice, nil
}
