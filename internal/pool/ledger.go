package pool

import (
	fpmath "PoolLedger/internal/math"
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInsufficientUnreservedLiquidity is returned when an operation would need
// liquidity that is earmarked for open positions.
var ErrInsufficientUnreservedLiquidity = errors.New("insufficient unreserved liquidity")

// AssetState holds the per-asset fields of the ledger
type AssetState struct {
	Balance          *uint256.Int
	Reserved         *uint256.Int
	AccumulatedFees  *uint256.Int
	ClaimableFunding *uint256.Int
}

func newAssetState() AssetState {
	return AssetState{
		Balance:          new(uint256.Int),
		Reserved:         new(uint256.Int),
		AccumulatedFees:  new(uint256.Int),
		ClaimableFunding: new(uint256.Int),
	}
}

func (s AssetState) clone() AssetState {
	return AssetState{
		Balance:          s.Balance.Clone(),
		Reserved:         s.Reserved.Clone(),
		AccumulatedFees:  s.AccumulatedFees.Clone(),
		ClaimableFunding: s.ClaimableFunding.Clone(),
	}
}

// Ledger is the single source of truth for pool size. One instance per
// market, owned by the engine and passed explicitly. Not thread-safe; the
// engine serializes access.
type Ledger struct {
	marketID    string
	assets      [2]AssetState
	userFunding map[common.Address]*[2]*uint256.Int
}

func NewLedger(marketID string) *Ledger {
	return &Ledger{
		marketID:    marketID,
		assets:      [2]AssetState{newAssetState(), newAssetState()},
		userFunding: make(map[common.Address]*[2]*uint256.Int),
	}
}

// MarketID returns the market this ledger belongs to
func (l *Ledger) MarketID() string {
	return l.marketID
}

// Asset returns a copy of the per-asset state
func (l *Ledger) Asset(a Asset) AssetState {
	return l.assets[a].clone()
}

func (l *Ledger) Balance(a Asset) *uint256.Int {
	return l.assets[a].Balance.Clone()
}

func (l *Ledger) Reserved(a Asset) *uint256.Int {
	return l.assets[a].Reserved.Clone()
}

func (l *Ledger) AccumulatedFees(a Asset) *uint256.Int {
	return l.assets[a].AccumulatedFees.Clone()
}

func (l *Ledger) ClaimableFunding(a Asset) *uint256.Int {
	return l.assets[a].ClaimableFunding.Clone()
}

// UserClaimableFunding returns funding owed to a single liquidity provider
func (l *Ledger) UserClaimableFunding(user common.Address, a Asset) *uint256.Int {
	slots, ok := l.userFunding[user]
	if !ok {
		return new(uint256.Int)
	}
	return slots[a].Clone()
}

// Available returns balance - reserved (liquidity free for withdrawal)
func (l *Ledger) Available(a Asset) *uint256.Int {
	s := l.assets[a]
	if s.Reserved.Cmp(s.Balance) >= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(s.Balance, s.Reserved)
}

// RequireUnreserved checks that amount can leave the pool without touching
// reserved liquidity. Must be called against the freshest ledger state.
func (l *Ledger) RequireUnreserved(a Asset, amount *uint256.Int) error {
	available := l.Available(a)
	if amount.Cmp(available) > 0 {
		return fmt.Errorf("%w: asset=%s need=%s available=%s",
			ErrInsufficientUnreservedLiquidity, a, amount.Dec(), available.Dec())
	}
	return nil
}

// Clone returns a deep copy of the ledger
func (l *Ledger) Clone() *Ledger {
	out := &Ledger{
		marketID:    l.marketID,
		assets:      [2]AssetState{l.assets[0].clone(), l.assets[1].clone()},
		userFunding: make(map[common.Address]*[2]*uint256.Int, len(l.userFunding)),
	}
	for user, slots := range l.userFunding {
		out.userFunding[user] = &[2]*uint256.Int{slots[0].Clone(), slots[1].Clone()}
	}
	return out
}

// Preview returns the ledger that would result from applying m, without
// touching l. Fails on malformed mutations, underflow, or a violated invariant.
func (l *Ledger) Preview(m *Mutation) (*Ledger, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}

	next := l.Clone()
	for _, e := range m.Entries {
		slot := next.slot(e.Key())
		updated, err := applyDelta(slot, e)
		if err != nil {
			return nil, fmt.Errorf("entry %s on %s: %w", e.Type, e.Key().Path(), err)
		}
		slot.Set(updated)
	}

	if err := NewInvariantValidator(next).ValidateAll(); err != nil {
		return nil, err
	}

	return next, nil
}

// Apply applies m all-or-nothing. On error the ledger is unchanged.
func (l *Ledger) Apply(m *Mutation) error {
	next, err := l.Preview(m)
	if err != nil {
		return err
	}
	l.assets = next.assets
	l.userFunding = next.userFunding
	return nil
}

func applyDelta(current *uint256.Int, e Entry) (*uint256.Int, error) {
	if e.Direction == Increase {
		out, overflow := new(uint256.Int).AddOverflow(current, e.Amount)
		if overflow {
			return nil, fpmath.ErrOverflow
		}
		return out, nil
	}
	if e.Amount.Cmp(current) > 0 {
		return nil, fmt.Errorf("underflow: have=%s, decrease=%s", current.Dec(), e.Amount.Dec())
	}
	return new(uint256.Int).Sub(current, e.Amount), nil
}

// slot returns the live pointer for a field key (creating user slots lazily)
func (l *Ledger) slot(k FieldKey) *uint256.Int {
	s := &l.assets[k.Asset]
	switch k.Field {
	case FieldBalance:
		return s.Balance
	case FieldReserved:
		return s.Reserved
	case FieldAccumulatedFees:
		return s.AccumulatedFees
	case FieldClaimableFunding:
		return s.ClaimableFunding
	case FieldUserClaimableFunding:
		slots, ok := l.userFunding[k.Account]
		if !ok {
			slots = &[2]*uint256.Int{new(uint256.Int), new(uint256.Int)}
			l.userFunding[k.Account] = slots
		}
		return slots[k.Asset]
	}
	panic(fmt.Sprintf("unknown ledger field %d", k.Field))
}

// Users returns every account with a funding slot, sorted by address bytes
func (l *Ledger) Users() []common.Address {
	users := make([]common.Address, 0, len(l.userFunding))
	for user := range l.userFunding {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return bytes.Compare(users[i][:], users[j][:]) < 0
	})
	return users
}

// Digest returns canonical bytes of the full ledger (for state hashing)
func (l *Ledger) Digest() []byte {
	digest := make([]byte, 0, 256)
	digest = append(digest, byte(len(l.marketID)))
	digest = append(digest, []byte(l.marketID)...)

	for _, a := range Assets {
		s := l.assets[a]
		for _, v := range []*uint256.Int{s.Balance, s.Reserved, s.AccumulatedFees, s.ClaimableFunding} {
			b := v.Bytes32()
			digest = append(digest, b[:]...)
		}
	}

	for _, user := range l.Users() {
		slots := l.userFunding[user]
		if slots[0].IsZero() && slots[1].IsZero() {
			continue
		}
		digest = append(digest, user[:]...)
		for _, v := range slots {
			b := v.Bytes32()
			digest = append(digest, b[:]...)
		}
	}

	return digest
}

// === Export / Import (snapshots) ===

// AssetExport is the serializable form of AssetState
type AssetExport struct {
	Balance          string `json:"balance"`
	Reserved         string `json:"reserved"`
	AccumulatedFees  string `json:"accumulated_fees"`
	ClaimableFunding string `json:"claimable_funding"`
}

// LedgerExport is the serializable form of the ledger
type LedgerExport struct {
	MarketID    string                       `json:"market_id"`
	Long        AssetExport                  `json:"long"`
	Short       AssetExport                  `json:"short"`
	UserFunding map[string]map[string]string `json:"user_funding"` // address -> asset -> amount
}

func exportAsset(s AssetState) AssetExport {
	return AssetExport{
		Balance:          s.Balance.Dec(),
		Reserved:         s.Reserved.Dec(),
		AccumulatedFees:  s.AccumulatedFees.Dec(),
		ClaimableFunding: s.ClaimableFunding.Dec(),
	}
}

func importAsset(e AssetExport) (AssetState, error) {
	var s AssetState
	var err error
	if s.Balance, err = fpmath.ParseAmount(e.Balance); err != nil {
		return s, err
	}
	if s.Reserved, err = fpmath.ParseAmount(e.Reserved); err != nil {
		return s, err
	}
	if s.AccumulatedFees, err = fpmath.ParseAmount(e.AccumulatedFees); err != nil {
		return s, err
	}
	if s.ClaimableFunding, err = fpmath.ParseAmount(e.ClaimableFunding); err != nil {
		return s, err
	}
	return s, nil
}

// Export returns a serializable copy of the ledger
func (l *Ledger) Export() LedgerExport {
	out := LedgerExport{
		MarketID:    l.marketID,
		Long:        exportAsset(l.assets[AssetLong]),
		Short:       exportAsset(l.assets[AssetShort]),
		UserFunding: make(map[string]map[string]string, len(l.userFunding)),
	}
	for user, slots := range l.userFunding {
		out.UserFunding[user.Hex()] = map[string]string{
			AssetLong.String():  slots[AssetLong].Dec(),
			AssetShort.String(): slots[AssetShort].Dec(),
		}
	}
	return out
}

// ImportLedger rebuilds a ledger from an export and verifies invariants
func ImportLedger(e LedgerExport) (*Ledger, error) {
	l := NewLedger(e.MarketID)

	long, err := importAsset(e.Long)
	if err != nil {
		return nil, fmt.Errorf("import long: %w", err)
	}
	short, err := importAsset(e.Short)
	if err != nil {
		return nil, fmt.Errorf("import short: %w", err)
	}
	l.assets = [2]AssetState{long, short}

	for addr, byAsset := range e.UserFunding {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("import user funding: invalid address %q", addr)
		}
		slots := &[2]*uint256.Int{new(uint256.Int), new(uint256.Int)}
		for name, amount := range byAsset {
			asset, err := ParseAsset(name)
			if err != nil {
				return nil, err
			}
			if slots[asset], err = fpmath.ParseAmount(amount); err != nil {
				return nil, err
			}
		}
		l.userFunding[common.HexToAddress(addr)] = slots
	}

	if err := NewInvariantValidator(l).ValidateAll(); err != nil {
		return nil, fmt.Errorf("imported ledger: %w", err)
	}
	return l, nil
}
