package pool

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrInvariantViolation marks a ledger state that must never be committed
var ErrInvariantViolation = errors.New("ledger invariant violated")

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(ledger *Ledger) *InvariantValidator {
	return &InvariantValidator{
		ledger: ledger,
	}
}

// ValidateReservedWithinBalance verifies reserved <= balance for every asset
func (v *InvariantValidator) ValidateReservedWithinBalance() error {
	for _, a := range Assets {
		s := v.ledger.assets[a]
		if s.Reserved.Cmp(s.Balance) > 0 {
			return fmt.Errorf("%w: %s reserved %s exceeds balance %s",
				ErrInvariantViolation, a, s.Reserved.Dec(), s.Balance.Dec())
		}
	}
	return nil
}

// ValidateFundingAccounted verifies the pool-level claimable funding equals
// the sum of every user's claimable funding
func (v *InvariantValidator) ValidateFundingAccounted() error {
	for _, a := range Assets {
		sum := new(uint256.Int)
		for _, slots := range v.ledger.userFunding {
			if _, overflow := sum.AddOverflow(sum, slots[a]); overflow {
				return fmt.Errorf("%w: %s user funding overflows", ErrInvariantViolation, a)
			}
		}
		if !sum.Eq(v.ledger.assets[a].ClaimableFunding) {
			return fmt.Errorf("%w: %s claimable funding %s != sum of users %s",
				ErrInvariantViolation, a, v.ledger.assets[a].ClaimableFunding.Dec(), sum.Dec())
		}
	}
	return nil
}

// ValidateAll runs every check
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateReservedWithinBalance(); err != nil {
		return err
	}
	return v.ValidateFundingAccounted()
}
