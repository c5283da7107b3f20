package pool

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrUnreserveExceedsReserved is returned when releasing more than is reserved
var ErrUnreserveExceedsReserved = errors.New("unreserve exceeds reserved amount")

// MutationGenerator builds ledger mutations for each pool operation.
// Pre-checks run against the ledger passed at construction; the engine must
// build and apply a mutation against the same, freshest ledger.
type MutationGenerator struct {
	ledger *Ledger
}

func NewMutationGenerator(ledger *Ledger) *MutationGenerator {
	return &MutationGenerator{ledger: ledger}
}

// GenerateDeposit credits the deposited asset with the post-fee amount and
// books the fee.
// balance[asset] += remaining, accumulatedFees[asset] += fee
func (g *MutationGenerator) GenerateDeposit(ref string, asset Asset, remaining, fee *uint256.Int) (*Mutation, error) {
	m := NewMutation(ref)
	m.Add(Entry{
		Field:     FieldBalance,
		Asset:     asset,
		Direction: Increase,
		Amount:    remaining,
		Type:      EntryTypeDeposit,
	})
	m.Add(Entry{
		Field:     FieldAccumulatedFees,
		Asset:     asset,
		Direction: Increase,
		Amount:    fee,
		Type:      EntryTypeDepositFee,
	})
	if len(m.Entries) == 0 {
		return nil, fmt.Errorf("deposit %s: zero amount", ref)
	}
	return m, nil
}

// GenerateWithdrawal removes the gross amount from the pool balance and books
// the fee out of it. The owner receives gross - fee.
// Pre-check: gross must not touch reserved liquidity.
func (g *MutationGenerator) GenerateWithdrawal(ref string, asset Asset, gross, fee *uint256.Int) (*Mutation, error) {
	if gross.IsZero() {
		return nil, fmt.Errorf("withdrawal %s: zero amount", ref)
	}
	if fee.Cmp(gross) > 0 {
		return nil, fmt.Errorf("withdrawal %s: fee %s exceeds gross %s", ref, fee.Dec(), gross.Dec())
	}
	if err := g.ledger.RequireUnreserved(asset, gross); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	m := NewMutation(ref)
	m.Add(Entry{
		Field:     FieldBalance,
		Asset:     asset,
		Direction: Decrease,
		Amount:    gross,
		Type:      EntryTypeWithdrawal,
	})
	m.Add(Entry{
		Field:     FieldAccumulatedFees,
		Asset:     asset,
		Direction: Increase,
		Amount:    fee,
		Type:      EntryTypeWithdrawalFee,
	})
	return m, nil
}

// GenerateReserve earmarks liquidity for open positions.
// Pre-check: reserved + amount <= balance.
func (g *MutationGenerator) GenerateReserve(ref string, asset Asset, amount *uint256.Int) (*Mutation, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("reserve %s: zero amount", ref)
	}
	if err := g.ledger.RequireUnreserved(asset, amount); err != nil {
		return nil, fmt.Errorf("reserve pre-check failed: %w", err)
	}

	m := NewMutation(ref)
	m.Add(Entry{
		Field:     FieldReserved,
		Asset:     asset,
		Direction: Increase,
		Amount:    amount,
		Type:      EntryTypeReserve,
	})
	return m, nil
}

// GenerateUnreserve releases previously reserved liquidity
func (g *MutationGenerator) GenerateUnreserve(ref string, asset Asset, amount *uint256.Int) (*Mutation, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("unreserve %s: zero amount", ref)
	}
	if reserved := g.ledger.Reserved(asset); amount.Cmp(reserved) > 0 {
		return nil, fmt.Errorf("%w: asset=%s amount=%s reserved=%s",
			ErrUnreserveExceedsReserved, asset, amount.Dec(), reserved.Dec())
	}

	m := NewMutation(ref)
	m.Add(Entry{
		Field:     FieldReserved,
		Asset:     asset,
		Direction: Decrease,
		Amount:    amount,
		Type:      EntryTypeUnreserve,
	})
	return m, nil
}

// GenerateFundingAccrual credits funding to a liquidity provider. Pool and
// user slots move together so the funding invariant holds.
func (g *MutationGenerator) GenerateFundingAccrual(ref string, user common.Address, asset Asset, amount *uint256.Int) (*Mutation, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("funding accrual %s: zero amount", ref)
	}
	if user == (common.Address{}) {
		return nil, fmt.Errorf("funding accrual %s: zero user address", ref)
	}

	m := NewMutation(ref)
	m.Add(Entry{
		Field:     FieldClaimableFunding,
		Asset:     asset,
		Direction: Increase,
		Amount:    amount,
		Type:      EntryTypeFundingAccrual,
	})
	m.Add(Entry{
		Field:     FieldUserClaimableFunding,
		Asset:     asset,
		Account:   user,
		Direction: Increase,
		Amount:    amount,
		Type:      EntryTypeFundingAccrual,
	})
	return m, nil
}

// GenerateFundingClaim drains a user's claimable funding for one asset.
// Returns a nil mutation when nothing is owed.
func (g *MutationGenerator) GenerateFundingClaim(ref string, user common.Address, asset Asset) (*Mutation, *uint256.Int, error) {
	owed := g.ledger.UserClaimableFunding(user, asset)
	if owed.IsZero() {
		return nil, owed, nil
	}

	m := NewMutation(ref)
	m.Add(Entry{
		Field:     FieldClaimableFunding,
		Asset:     asset,
		Direction: Decrease,
		Amount:    owed,
		Type:      EntryTypeFundingClaim,
	})
	m.Add(Entry{
		Field:     FieldUserClaimableFunding,
		Asset:     asset,
		Account:   user,
		Direction: Decrease,
		Amount:    owed,
		Type:      EntryTypeFundingClaim,
	})
	return m, owed, nil
}

// GenerateFeeClaim zeroes accumulated fees for one asset.
// Returns a nil mutation when no fees are held.
func (g *MutationGenerator) GenerateFeeClaim(ref string, asset Asset) (*Mutation, *uint256.Int, error) {
	fees := g.ledger.AccumulatedFees(asset)
	if fees.IsZero() {
		return nil, fees, nil
	}

	m := NewMutation(ref)
	m.Add(Entry{
		Field:     FieldAccumulatedFees,
		Asset:     asset,
		Direction: Decrease,
		Amount:    fees,
		Type:      EntryTypeFeeClaim,
	})
	return m, fees, nil
}
