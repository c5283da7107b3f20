package core

import (
	"PoolLedger/internal/access"
	"PoolLedger/internal/custody"
	"PoolLedger/internal/event"
	"PoolLedger/internal/pool"
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func requireAmount(asset pool.Asset, amount *uint256.Int) error {
	if !asset.Valid() {
		return invalid("asset", fmt.Sprintf("unknown asset %d", asset))
	}
	if amount == nil || amount.IsZero() {
		return invalid("amount", "must be > 0")
	}
	return nil
}

// changeReserved earmarks (or releases) pool liquidity for open positions
func (e *PoolEngine) changeReserved(cmd Command, reserve bool) (*applied, error) {
	if err := e.access.RequireRole(cmd.Caller, access.RolePositionEngine); err != nil {
		return nil, err
	}
	if err := requireAmount(cmd.Asset, cmd.Amount); err != nil {
		return nil, err
	}

	gen := pool.NewMutationGenerator(e.ledger)
	var (
		m   *pool.Mutation
		err error
	)
	if reserve {
		m, err = gen.GenerateReserve(cmd.ID, cmd.Asset, cmd.Amount)
	} else {
		m, err = gen.GenerateUnreserve(cmd.ID, cmd.Asset, cmd.Amount)
		if errors.Is(err, pool.ErrUnreserveExceedsReserved) {
			err = invalidErr("amount", err)
		}
	}
	if err != nil {
		return nil, err
	}
	next, err := e.ledger.Preview(m)
	if err != nil {
		return nil, err
	}
	e.ledger = next

	reserved := e.ledger.Reserved(cmd.Asset)
	ev := &event.LiquidityChanged{
		Reserve:  reserve,
		Asset:    cmd.Asset.String(),
		Amount:   cmd.Amount.Dec(),
		Reserved: reserved.Dec(),
	}
	return &applied{ev: ev, mutation: m, result: &Result{Amount: reserved}}, nil
}

// accrueFunding books funding owed to a user. The position engine pays the
// tokens into custody with the same call.
func (e *PoolEngine) accrueFunding(ctx context.Context, cmd Command) (*applied, error) {
	if err := e.access.RequireRole(cmd.Caller, access.RolePositionEngine); err != nil {
		return nil, err
	}
	if err := requireAmount(cmd.Asset, cmd.Amount); err != nil {
		return nil, err
	}
	if cmd.Account == (common.Address{}) {
		return nil, invalid("user", "must be set")
	}

	m, err := pool.NewMutationGenerator(e.ledger).GenerateFundingAccrual(cmd.ID, cmd.Account, cmd.Asset, cmd.Amount)
	if err != nil {
		return nil, err
	}
	next, err := e.ledger.Preview(m)
	if err != nil {
		return nil, err
	}
	if _, err := e.custody.Escrow(ctx, cmd.ID, custody.Leg{Account: cmd.Caller, Token: custody.TokenOf(cmd.Asset), Amount: cmd.Amount}); err != nil {
		return nil, fmt.Errorf("escrow funding: %w", err)
	}
	e.ledger = next

	ev := &event.FundingMoved{
		User:   cmd.Account.Hex(),
		Asset:  cmd.Asset.String(),
		Amount: cmd.Amount.Dec(),
	}
	return &applied{ev: ev, mutation: m, result: &Result{Amount: cmd.Amount.Clone()}}, nil
}

// claimFunding pays the caller everything it is owed on asset. Nothing owed
// is a no-op that emits no event.
func (e *PoolEngine) claimFunding(ctx context.Context, cmd Command) (*applied, error) {
	if !cmd.Asset.Valid() {
		return nil, invalid("asset", fmt.Sprintf("unknown asset %d", cmd.Asset))
	}

	m, amount, err := pool.NewMutationGenerator(e.ledger).GenerateFundingClaim(cmd.ID, cmd.Caller, cmd.Asset)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &applied{result: &Result{Amount: new(uint256.Int)}}, nil
	}
	next, err := e.ledger.Preview(m)
	if err != nil {
		return nil, err
	}
	if _, err := e.custody.Release(ctx, cmd.ID, custody.Leg{Account: cmd.Caller, Token: custody.TokenOf(cmd.Asset), Amount: amount}); err != nil {
		return nil, fmt.Errorf("release funding: %w", err)
	}
	e.ledger = next

	ev := &event.FundingMoved{
		Claim:  true,
		User:   cmd.Caller.Hex(),
		Asset:  cmd.Asset.String(),
		Amount: amount.Dec(),
	}
	return &applied{ev: ev, mutation: m, result: &Result{Amount: amount}}, nil
}

// withdrawFees zeroes accumulated fees of an asset and pays them to the receiver
func (e *PoolEngine) withdrawFees(ctx context.Context, cmd Command) (*applied, error) {
	if err := e.access.RequireRole(cmd.Caller, access.RoleFeeKeeper); err != nil {
		return nil, err
	}
	if !cmd.Asset.Valid() {
		return nil, invalid("asset", fmt.Sprintf("unknown asset %d", cmd.Asset))
	}
	if cmd.Account == (common.Address{}) {
		return nil, invalid("receiver", "must be set")
	}

	m, amount, err := pool.NewMutationGenerator(e.ledger).GenerateFeeClaim(cmd.ID, cmd.Asset)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &applied{result: &Result{Amount: new(uint256.Int)}}, nil
	}
	next, err := e.ledger.Preview(m)
	if err != nil {
		return nil, err
	}
	if _, err := e.custody.Release(ctx, cmd.ID, custody.Leg{Account: cmd.Account, Token: custody.TokenOf(cmd.Asset), Amount: amount}); err != nil {
		return nil, fmt.Errorf("release fees: %w", err)
	}
	e.ledger = next

	ev := &event.FeesWithdrawn{
		Asset:    cmd.Asset.String(),
		Receiver: cmd.Account.Hex(),
		Amount:   amount.Dec(),
	}
	return &applied{ev: ev, mutation: m, result: &Result{Amount: amount}}, nil
}
