// Package token tracks the pool-share token: total supply, holder balances,
// and shares escrowed behind pending withdrawals.
package token

import (
	fpmath "PoolLedger/internal/math"
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrInsufficientShares = errors.New("insufficient shares")

// Shares is the share-token book. Not thread-safe; the engine serializes access.
type Shares struct {
	supply   *uint256.Int
	balances map[common.Address]*uint256.Int
	escrowed map[common.Address]*uint256.Int
}

func NewShares() *Shares {
	return &Shares{
		supply:   new(uint256.Int),
		balances: make(map[common.Address]*uint256.Int),
		escrowed: make(map[common.Address]*uint256.Int),
	}
}

// Supply includes escrowed shares; they are burned only on execution.
func (s *Shares) Supply() *uint256.Int {
	return s.supply.Clone()
}

func (s *Shares) BalanceOf(holder common.Address) *uint256.Int {
	return fpmath.OrZero(s.balances[holder]).Clone()
}

func (s *Shares) EscrowedOf(holder common.Address) *uint256.Int {
	return fpmath.OrZero(s.escrowed[holder]).Clone()
}

func (s *Shares) Mint(to common.Address, amount *uint256.Int) error {
	supply, overflow := new(uint256.Int).AddOverflow(s.supply, amount)
	if overflow {
		return fmt.Errorf("mint: %w", fpmath.ErrOverflow)
	}
	s.supply = supply
	s.balances[to] = new(uint256.Int).Add(fpmath.OrZero(s.balances[to]), amount)
	return nil
}

// Escrow moves shares from a holder's balance into escrow
func (s *Shares) Escrow(holder common.Address, amount *uint256.Int) error {
	if err := move(s.balances, s.escrowed, holder, amount); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	return nil
}

// Release returns escrowed shares to the holder's balance
func (s *Shares) Release(holder common.Address, amount *uint256.Int) error {
	if err := move(s.escrowed, s.balances, holder, amount); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// BurnEscrowed destroys escrowed shares and reduces supply
func (s *Shares) BurnEscrowed(holder common.Address, amount *uint256.Int) error {
	have := fpmath.OrZero(s.escrowed[holder])
	if amount.Cmp(have) > 0 || amount.Cmp(s.supply) > 0 {
		return fmt.Errorf("burn: %w: holder=%s escrowed=%s amount=%s",
			ErrInsufficientShares, holder.Hex(), have.Dec(), amount.Dec())
	}
	setOrDelete(s.escrowed, holder, new(uint256.Int).Sub(have, amount))
	s.supply = new(uint256.Int).Sub(s.supply, amount)
	return nil
}

func move(from, to map[common.Address]*uint256.Int, holder common.Address, amount *uint256.Int) error {
	have := fpmath.OrZero(from[holder])
	if amount.Cmp(have) > 0 {
		return fmt.Errorf("%w: holder=%s have=%s amount=%s", ErrInsufficientShares, holder.Hex(), have.Dec(), amount.Dec())
	}
	setOrDelete(from, holder, new(uint256.Int).Sub(have, amount))
	to[holder] = new(uint256.Int).Add(fpmath.OrZero(to[holder]), amount)
	return nil
}

func setOrDelete(m map[common.Address]*uint256.Int, holder common.Address, v *uint256.Int) {
	if v.IsZero() {
		delete(m, holder)
		return
	}
	m[holder] = v
}

// Clone returns a deep copy
func (s *Shares) Clone() *Shares {
	out := NewShares()
	out.supply = s.supply.Clone()
	for h, v := range s.balances {
		out.balances[h] = v.Clone()
	}
	for h, v := range s.escrowed {
		out.escrowed[h] = v.Clone()
	}
	return out
}

// Digest returns canonical bytes of the book (for state hashing)
func (s *Shares) Digest() []byte {
	b := s.supply.Bytes32()
	digest := append([]byte{}, b[:]...)
	for _, m := range []map[common.Address]*uint256.Int{s.balances, s.escrowed} {
		for _, h := range sortedHolders(m) {
			v := m[h].Bytes32()
			digest = append(digest, h[:]...)
			digest = append(digest, v[:]...)
		}
	}
	return digest
}

func sortedHolders(m map[common.Address]*uint256.Int) []common.Address {
	out := make([]common.Address, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// === Export / Import (snapshots) ===

type SharesExport struct {
	Supply   string            `json:"supply"`
	Balances map[string]string `json:"balances"`
	Escrowed map[string]string `json:"escrowed"`
}

func (s *Shares) Export() SharesExport {
	out := SharesExport{
		Supply:   s.supply.Dec(),
		Balances: make(map[string]string, len(s.balances)),
		Escrowed: make(map[string]string, len(s.escrowed)),
	}
	for h, v := range s.balances {
		out.Balances[h.Hex()] = v.Dec()
	}
	for h, v := range s.escrowed {
		out.Escrowed[h.Hex()] = v.Dec()
	}
	return out
}

// ImportShares rebuilds the book and checks that holdings sum to supply
func ImportShares(e SharesExport) (*Shares, error) {
	s := NewShares()
	supply, err := fpmath.ParseAmount(e.Supply)
	if err != nil {
		return nil, fmt.Errorf("supply: %w", err)
	}
	s.supply = supply

	sum := new(uint256.Int)
	for _, pair := range []struct {
		src map[string]string
		dst map[common.Address]*uint256.Int
	}{{e.Balances, s.balances}, {e.Escrowed, s.escrowed}} {
		for addr, amount := range pair.src {
			if !common.IsHexAddress(addr) {
				return nil, fmt.Errorf("invalid holder %q", addr)
			}
			v, err := fpmath.ParseAmount(amount)
			if err != nil {
				return nil, err
			}
			if _, overflow := sum.AddOverflow(sum, v); overflow {
				return nil, fpmath.ErrOverflow
			}
			setOrDelete(pair.dst, common.HexToAddress(addr), v)
		}
	}
	if !sum.Eq(supply) {
		return nil, fmt.Errorf("holdings %s != supply %s", sum.Dec(), supply.Dec())
	}
	return s, nil
}
