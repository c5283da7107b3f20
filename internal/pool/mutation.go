package pool

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Field names a mutable PoolLedger field
type Field uint8

const (
	FieldBalance Field = iota
	FieldReserved
	FieldAccumulatedFees
	FieldClaimableFunding
	FieldUserClaimableFunding
)

func (f Field) String() string {
	switch f {
	case FieldBalance:
		return "balance"
	case FieldReserved:
		return "reserved"
	case FieldAccumulatedFees:
		return "accumulated_fees"
	case FieldClaimableFunding:
		return "claimable_funding"
	case FieldUserClaimableFunding:
		return "user_claimable_funding"
	default:
		return "unknown"
	}
}

// Direction is the sign of an entry
type Direction uint8

const (
	Increase Direction = iota
	Decrease
)

func (d Direction) String() string {
	if d == Increase {
		return "increase"
	}
	return "decrease"
}

// EntryType represents the purpose of a ledger entry
type EntryType int32

const (
	EntryTypeDeposit EntryType = iota
	EntryTypeDepositFee
	EntryTypeWithdrawal
	EntryTypeWithdrawalFee
	EntryTypeReserve
	EntryTypeUnreserve
	EntryTypeFundingAccrual
	EntryTypeFundingClaim
	EntryTypeFeeClaim
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeDeposit:
		return "deposit"
	case EntryTypeDepositFee:
		return "deposit_fee"
	case EntryTypeWithdrawal:
		return "withdrawal"
	case EntryTypeWithdrawalFee:
		return "withdrawal_fee"
	case EntryTypeReserve:
		return "reserve"
	case EntryTypeUnreserve:
		return "unreserve"
	case EntryTypeFundingAccrual:
		return "funding_accrual"
	case EntryTypeFundingClaim:
		return "funding_claim"
	case EntryTypeFeeClaim:
		return "fee_claim"
	default:
		return "unknown"
	}
}

// Entry is a single signed change to one ledger field
type Entry struct {
	Field     Field
	Asset     Asset
	Account   common.Address // Only set for FieldUserClaimableFunding
	Direction Direction
	Amount    *uint256.Int // ALWAYS positive
	Type      EntryType
}

// FieldKey identifies the storage slot an entry writes
type FieldKey struct {
	Field   Field
	Asset   Asset
	Account common.Address
}

// Key returns the storage slot written by the entry.
func (e Entry) Key() FieldKey {
	return FieldKey{Field: e.Field, Asset: e.Asset, Account: e.Account}
}

// Path returns the string representation for storage/logging
func (k FieldKey) Path() string {
	if k.Field == FieldUserClaimableFunding {
		return fmt.Sprintf("user:%s:%s:%s", k.Account.Hex(), k.Field, k.Asset)
	}
	return fmt.Sprintf("pool:%s:%s", k.Field, k.Asset)
}

// Mutation groups the entries produced by one operation. It is applied to
// the ledger all-or-nothing.
type Mutation struct {
	MutationID uuid.UUID
	EventRef   string // Request key or command id that produced it
	Entries    []Entry
}

// NewMutation creates an empty mutation for the given event reference.
func NewMutation(eventRef string) *Mutation {
	return &Mutation{
		MutationID: uuid.New(),
		EventRef:   eventRef,
		Entries:    make([]Entry, 0, 2),
	}
}

// Add appends an entry. Zero amounts are skipped so callers can add
// optional legs (e.g. a zero fee) unconditionally.
func (m *Mutation) Add(e Entry) {
	if e.Amount == nil || e.Amount.IsZero() {
		return
	}
	e.Amount = e.Amount.Clone()
	m.Entries = append(m.Entries, e)
}

// Validate ensures the mutation is well-formed.
// Every entry must carry a positive amount and a known asset, and no slot may
// be written twice within one mutation (single writer per field per call).
func (m *Mutation) Validate() error {
	if len(m.Entries) == 0 {
		return fmt.Errorf("mutation %s is empty", m.MutationID)
	}

	seen := make(map[FieldKey]struct{}, len(m.Entries))
	for i, e := range m.Entries {
		if e.Amount == nil || e.Amount.IsZero() {
			return fmt.Errorf("mutation %s entry %d has non-positive amount", m.MutationID, i)
		}
		if !e.Asset.Valid() {
			return fmt.Errorf("mutation %s entry %d has unknown asset %d", m.MutationID, i, e.Asset)
		}
		if e.Field != FieldUserClaimableFunding && e.Account != (common.Address{}) {
			return fmt.Errorf("mutation %s entry %d sets account on pool field %s", m.MutationID, i, e.Field)
		}

		key := e.Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("mutation %s writes %s twice", m.MutationID, key.Path())
		}
		seen[key] = struct{}{}
	}

	return nil
}
