package request

import (
	"PoolLedger/internal/pool"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Kind distinguishes deposits from withdrawals
type Kind uint8

const (
	KindDeposit Kind = iota + 1
	KindWithdrawal
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "deposit":
		return KindDeposit, nil
	case "withdrawal":
		return KindWithdrawal, nil
	default:
		return 0, fmt.Errorf("unknown request kind: %q", s)
	}
}

// Request is a pending deposit or withdrawal.
//
// For a deposit, Asset is the token paid in and Amount is in its native
// units. For a withdrawal, Asset is the token paid out and Amount is the
// number of pool shares to redeem.
type Request struct {
	Key                 common.Hash
	Kind                Kind
	Owner               common.Address
	Asset               pool.Asset
	Amount              *uint256.Int
	MaxSlippage         decimal.Decimal
	ExecutionFee        *uint256.Int
	BindingBlock        uint64
	ExpirationTimestamp time.Time
	Nonce               uint64
	CreatedAt           time.Time
}

// Clone returns a deep copy
func (r *Request) Clone() *Request {
	out := *r
	out.Amount = r.Amount.Clone()
	out.ExecutionFee = r.ExecutionFee.Clone()
	return &out
}

// Expired reports whether the owner may cancel at now
func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpirationTimestamp)
}

// CreateParams is the caller-supplied part of a request
type CreateParams struct {
	Kind         Kind
	Owner        common.Address
	Asset        pool.Asset
	Amount       *uint256.Int
	MaxSlippage  decimal.Decimal
	ExecutionFee *uint256.Int
}

// Validate rejects malformed params before any state is touched
func (p CreateParams) Validate() error {
	if p.Kind != KindDeposit && p.Kind != KindWithdrawal {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidRequest, p.Kind)
	}
	if p.Owner == (common.Address{}) {
		return fmt.Errorf("%w: owner must be set", ErrInvalidRequest)
	}
	if !p.Asset.Valid() {
		return fmt.Errorf("%w: unknown asset %d", ErrInvalidRequest, p.Asset)
	}
	if p.Amount == nil || p.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	if p.MaxSlippage.IsNegative() || p.MaxSlippage.GreaterThan(pool.MaxSlippage) {
		return fmt.Errorf("%w: max_slippage must be in [0, %s], got %s", ErrInvalidRequest, pool.MaxSlippage, p.MaxSlippage)
	}
	return nil
}
