package core

import (
	"PoolLedger/internal/access"
	"PoolLedger/internal/custody"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/request"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// authorizeFor lets owners act for themselves and routers act for anyone
func (e *PoolEngine) authorizeFor(caller, owner common.Address) error {
	if caller == owner {
		return nil
	}
	return e.access.RequireRole(caller, access.RoleRouter)
}

// requirePriced rejects binding a request to a block that can never be
// priced. PnL may still lag the price feed, so it is checked at execution.
func (e *PoolEngine) requirePriced(ctx context.Context, block uint64) error {
	prices, err := e.oracle.PricesAt(ctx, block)
	if err == nil {
		err = prices.Attest(e.params.MaxPriceConfidence)
	}
	if err != nil {
		return fmt.Errorf("%w: block %d: %w", ErrUnpricedBlock, block, err)
	}
	return nil
}

func (e *PoolEngine) createRequest(ctx context.Context, cmd Command, kind request.Kind) (*applied, error) {
	p := cmd.Create
	p.Kind = kind
	if err := p.Validate(); err != nil {
		return nil, invalidErr("params", err)
	}
	if err := e.authorizeFor(cmd.Caller, p.Owner); err != nil {
		return nil, err
	}

	// Withdrawals lock the shares being redeemed
	shares := e.shares
	if kind == request.KindWithdrawal {
		shares = e.shares.Clone()
		if err := shares.Escrow(p.Owner, p.Amount); err != nil {
			return nil, err
		}
	}

	block := e.clock.CurrentBlock()
	if err := e.requirePriced(ctx, block); err != nil {
		return nil, err
	}

	req, err := e.registry.Create(p, block, e.clock.Now())
	if err != nil {
		return nil, err
	}

	legs := []custody.Leg{{Account: p.Owner, Token: custody.TokenNative, Amount: req.ExecutionFee}}
	if kind == request.KindDeposit {
		legs = append(legs, custody.Leg{Account: p.Owner, Token: custody.TokenOf(p.Asset), Amount: req.Amount})
	}
	if _, err := e.custody.Escrow(ctx, req.Key.Hex(), legs...); err != nil {
		e.registry.Abort(req.Key)
		return nil, fmt.Errorf("escrow %s: %w", req.Key.Hex(), err)
	}
	e.shares = shares

	x := request.ExportRequest(req)
	ev := &event.RequestCreated{
		Key:                 x.Key,
		Kind:                x.Kind,
		Owner:               x.Owner,
		Asset:               x.Asset,
		Amount:              x.Amount,
		MaxSlippage:         x.MaxSlippage,
		ExecutionFee:        x.ExecutionFee,
		BindingBlock:        x.BindingBlock,
		ExpirationTimestamp: x.ExpirationTimestamp,
		Nonce:               x.Nonce,
		CreatedAt:           x.CreatedAt,
	}

	e.logger.Debug().
		Str("key", x.Key).
		Str("kind", x.Kind).
		Str("owner", x.Owner).
		Uint64("binding_block", x.BindingBlock).
		Msg("request created")

	return &applied{ev: ev, result: &Result{Key: req.Key}}, nil
}

func (e *PoolEngine) cancelRequest(ctx context.Context, cmd Command, kind request.Kind) (*applied, error) {
	// A router cancels on the owner's behalf; everyone else must be the owner
	canceller := cmd.Caller
	if cur, err := e.registry.Get(cmd.Key); err == nil && cur.Owner != cmd.Caller {
		if e.access.RequireRole(cmd.Caller, access.RoleRouter) == nil {
			canceller = cur.Owner
		}
	}

	req, err := e.registry.Cancel(cmd.Key, kind, canceller, e.clock.Now())
	if err != nil {
		return nil, err
	}

	shares := e.shares
	legs := []custody.Leg{{Account: req.Owner, Token: custody.TokenNative, Amount: req.ExecutionFee}}
	if kind == request.KindDeposit {
		legs = append(legs, custody.Leg{Account: req.Owner, Token: custody.TokenOf(req.Asset), Amount: req.Amount})
	} else {
		shares = e.shares.Clone()
		if err := shares.Release(req.Owner, req.Amount); err != nil {
			e.mustRestore(req)
			return nil, err
		}
	}

	if _, err := e.custody.Release(ctx, req.Key.Hex(), legs...); err != nil {
		e.mustRestore(req)
		return nil, fmt.Errorf("release escrow %s: %w", req.Key.Hex(), err)
	}
	e.shares = shares

	ev := &event.RequestCancelled{
		Key:          req.Key.Hex(),
		Kind:         req.Kind.String(),
		Owner:        req.Owner.Hex(),
		Asset:        req.Asset.String(),
		Amount:       req.Amount.Dec(),
		ExecutionFee: req.ExecutionFee.Dec(),
	}
	return &applied{ev: ev, result: &Result{Key: req.Key}}, nil
}

// mustRestore puts back a request this call removed
func (e *PoolEngine) mustRestore(req *request.Request) {
	if err := e.registry.Restore(req); err != nil {
		panic(fmt.Sprintf("FATAL: restore request %s: %v", req.Key.Hex(), err))
	}
}

// executeDeposit removes the request first; on any failure it is restored
// so another executor can retry.
func (e *PoolEngine) executeDeposit(ctx context.Context, cmd Command) (*applied, error) {
	if err := e.access.RequireRole(cmd.Caller, access.RoleExecutor); err != nil {
		return nil, err
	}
	req, err := e.registry.Take(cmd.Key, request.KindDeposit)
	if err != nil {
		return nil, err
	}

	out, err := e.commitDeposit(ctx, req, cmd.Caller)
	if err != nil {
		e.mustRestore(req)
		return nil, err
	}
	return out, nil
}

func (e *PoolEngine) commitDeposit(ctx context.Context, req *request.Request, executor common.Address) (*applied, error) {
	// Quote against one snapshot of external and pool state
	snap, err := e.marketAt(ctx, req.BindingBlock)
	if err != nil {
		return nil, err
	}
	q, err := e.quoter.QuoteDeposit(e.quoteState(), snap, req.Asset, req.Amount, req.MaxSlippage)
	if err != nil {
		return nil, err
	}

	m, err := pool.NewMutationGenerator(e.ledger).GenerateDeposit(req.Key.Hex(), req.Asset, q.Remaining, q.Fee)
	if err != nil {
		return nil, err
	}
	ledger, err := e.ledger.Preview(m)
	if err != nil {
		return nil, err
	}
	shares := e.shares.Clone()
	if err := shares.Mint(req.Owner, q.MintAmount); err != nil {
		return nil, err
	}

	// Only fallible external step, so nothing is committed before it
	if _, err := e.custody.Release(ctx, req.Key.Hex(), custody.Leg{Account: executor, Token: custody.TokenNative, Amount: req.ExecutionFee}); err != nil {
		return nil, fmt.Errorf("pay execution fee: %w", err)
	}
	e.ledger = ledger
	e.shares = shares

	if e.metrics != nil {
		cfg := e.params.AssetConfig(req.Asset)
		e.metrics.FeesCollected.WithLabelValues(req.Asset.String(), "deposit").Add(observability.Tokens(q.Fee, cfg.Decimals))
		if _, price, err := e.quoter.Valuation(e.quoteState(), snap); err == nil {
			e.metrics.PoolSharePrice.Set(observability.Tokens(price, 18))
		}
	}
	e.logger.Info().
		Str("key", req.Key.Hex()).
		Str("kind", "deposit").
		Str("asset", req.Asset.String()).
		Str("amount", req.Amount.Dec()).
		Str("fee", q.Fee.Dec()).
		Str("minted", q.MintAmount.Dec()).
		Msg("deposit executed")

	ev := &event.DepositExecuted{
		Key:            req.Key.Hex(),
		Owner:          req.Owner.Hex(),
		Executor:       executor.Hex(),
		Asset:          req.Asset.String(),
		Amount:         req.Amount.Dec(),
		Fee:            q.Fee.Dec(),
		Remaining:      q.Remaining.Dec(),
		MintAmount:     q.MintAmount.Dec(),
		ReferencePrice: q.ReferencePrice.Dec(),
		ImpactedPrice:  q.ImpactedPrice.Dec(),
		AUM:            q.AUM.Dec(),
		Supply:         q.Supply.Dec(),
		ExecutionFee:   req.ExecutionFee.Dec(),
		BindingBlock:   req.BindingBlock,
	}
	return &applied{
		ev:       ev,
		mutation: m,
		result:   &Result{Key: req.Key, Amount: q.MintAmount, Fee: q.Fee},
	}, nil
}

func (e *PoolEngine) executeWithdrawal(ctx context.Context, cmd Command) (*applied, error) {
	if err := e.access.RequireRole(cmd.Caller, access.RoleExecutor); err != nil {
		return nil, err
	}
	req, err := e.registry.Take(cmd.Key, request.KindWithdrawal)
	if err != nil {
		return nil, err
	}

	out, err := e.commitWithdrawal(ctx, req, cmd.Caller)
	if err != nil {
		e.mustRestore(req)
		return nil, err
	}
	return out, nil
}

func (e *PoolEngine) commitWithdrawal(ctx context.Context, req *request.Request, executor common.Address) (*applied, error) {
	snap, err := e.marketAt(ctx, req.BindingBlock)
	if err != nil {
		return nil, err
	}
	// Supply still includes the escrowed shares: pre-burn pricing
	q, err := e.quoter.QuoteWithdrawal(e.quoteState(), snap, req.Asset, req.Amount, req.MaxSlippage)
	if err != nil {
		return nil, err
	}

	// Checks gross against balance - reserved
	m, err := pool.NewMutationGenerator(e.ledger).GenerateWithdrawal(req.Key.Hex(), req.Asset, q.GrossAmount, q.Fee)
	if err != nil {
		return nil, err
	}
	ledger, err := e.ledger.Preview(m)
	if err != nil {
		return nil, err
	}
	shares := e.shares.Clone()
	if err := shares.BurnEscrowed(req.Owner, req.Amount); err != nil {
		return nil, err
	}

	_, err = e.custody.Release(ctx, req.Key.Hex(),
		custody.Leg{Account: req.Owner, Token: custody.TokenOf(req.Asset), Amount: q.AmountOut},
		custody.Leg{Account: executor, Token: custody.TokenNative, Amount: req.ExecutionFee},
	)
	if err != nil {
		return nil, fmt.Errorf("pay out withdrawal: %w", err)
	}
	e.ledger = ledger
	e.shares = shares

	if e.metrics != nil {
		cfg := e.params.AssetConfig(req.Asset)
		e.metrics.FeesCollected.WithLabelValues(req.Asset.String(), "withdrawal").Add(observability.Tokens(q.Fee, cfg.Decimals))
		if _, price, err := e.quoter.Valuation(e.quoteState(), snap); err == nil {
			e.metrics.PoolSharePrice.Set(observability.Tokens(price, 18))
		}
	}
	e.logger.Info().
		Str("key", req.Key.Hex()).
		Str("kind", "withdrawal").
		Str("asset", req.Asset.String()).
		Str("shares", req.Amount.Dec()).
		Str("fee", q.Fee.Dec()).
		Str("amount_out", q.AmountOut.Dec()).
		Msg("withdrawal executed")

	ev := &event.WithdrawalExecuted{
		Key:            req.Key.Hex(),
		Owner:          req.Owner.Hex(),
		Executor:       executor.Hex(),
		Asset:          req.Asset.String(),
		Shares:         req.Amount.Dec(),
		RedeemUSD:      q.RedeemUSD.Dec(),
		GrossAmount:    q.GrossAmount.Dec(),
		Fee:            q.Fee.Dec(),
		AmountOut:      q.AmountOut.Dec(),
		ReferencePrice: q.ReferencePrice.Dec(),
		ImpactedPrice:  q.ImpactedPrice.Dec(),
		AUM:            q.AUM.Dec(),
		Supply:         q.Supply.Dec(),
		ExecutionFee:   req.ExecutionFee.Dec(),
		BindingBlock:   req.BindingBlock,
	}
	return &applied{
		ev:       ev,
		mutation: m,
		result:   &Result{Key: req.Key, Amount: q.AmountOut, Fee: q.Fee},
	}, nil
}
