// Package custody is the token-movement boundary. The pool decides amounts;
// custody moves the tokens.
package custody

import (
	"PoolLedger/internal/pool"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrInsufficientCustody = errors.New("custody: insufficient held balance")

// Token identifies what custody moves
type Token uint8

const (
	TokenLong Token = iota
	TokenShort
	TokenNative // Execution fees
)

func (t Token) String() string {
	switch t {
	case TokenLong:
		return "long"
	case TokenShort:
		return "short"
	case TokenNative:
		return "native"
	default:
		return "unknown"
	}
}

// TokenOf maps a pool asset to its custody token
func TokenOf(a pool.Asset) Token {
	if a == pool.AssetLong {
		return TokenLong
	}
	return TokenShort
}

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Leg is one token movement between the vault and an account.
// Zero-amount legs are skipped.
type Leg struct {
	Account common.Address
	Token   Token
	Amount  *uint256.Int
}

// Transfer is a completed token movement
type Transfer struct {
	ID        uuid.UUID
	Direction Direction
	Account   common.Address
	Token     Token
	Amount    *uint256.Int
	Ref       string
}

// Custody escrows tokens into the vault and releases them out of it.
// Each call is all-or-nothing across its legs.
type Custody interface {
	Escrow(ctx context.Context, ref string, legs ...Leg) ([]Transfer, error)
	Release(ctx context.Context, ref string, legs ...Leg) ([]Transfer, error)
}

// Recorder is an in-process vault: it tracks held totals per token and keeps
// a transfer log. Used by the standalone binary and tests.
type Recorder struct {
	mu        sync.Mutex
	held      map[Token]*uint256.Int
	transfers []Transfer
	failNext  error
}

func NewRecorder() *Recorder {
	return &Recorder{held: make(map[Token]*uint256.Int)}
}

// FailNext makes the next Escrow or Release return err
func (r *Recorder) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

func (r *Recorder) takeFailure() error {
	err := r.failNext
	r.failNext = nil
	return err
}

func (r *Recorder) Escrow(_ context.Context, ref string, legs ...Leg) ([]Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return nil, err
	}

	var out []Transfer
	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.IsZero() {
			continue
		}
		held := r.heldLocked(leg.Token)
		held.Add(held, leg.Amount)
		out = append(out, r.recordLocked(DirectionIn, leg, ref))
	}
	return out, nil
}

func (r *Recorder) Release(_ context.Context, ref string, legs ...Leg) ([]Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeFailure(); err != nil {
		return nil, err
	}

	// Check every leg against the held totals before moving anything
	need := make(map[Token]*uint256.Int)
	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.IsZero() {
			continue
		}
		n, ok := need[leg.Token]
		if !ok {
			n = new(uint256.Int)
			need[leg.Token] = n
		}
		n.Add(n, leg.Amount)
	}
	for token, n := range need {
		if held := r.heldLocked(token); n.Cmp(held) > 0 {
			return nil, fmt.Errorf("%w: %s held=%s release=%s", ErrInsufficientCustody, token, held.Dec(), n.Dec())
		}
	}

	var out []Transfer
	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.IsZero() {
			continue
		}
		held := r.heldLocked(leg.Token)
		held.Sub(held, leg.Amount)
		out = append(out, r.recordLocked(DirectionOut, leg, ref))
	}
	return out, nil
}

func (r *Recorder) heldLocked(token Token) *uint256.Int {
	held, ok := r.held[token]
	if !ok {
		held = new(uint256.Int)
		r.held[token] = held
	}
	return held
}

func (r *Recorder) recordLocked(dir Direction, leg Leg, ref string) Transfer {
	t := Transfer{
		ID:        uuid.New(),
		Direction: dir,
		Account:   leg.Account,
		Token:     leg.Token,
		Amount:    leg.Amount.Clone(),
		Ref:       ref,
	}
	r.transfers = append(r.transfers, t)
	return t
}

// Held returns the vault total for a token
func (r *Recorder) Held(token Token) *uint256.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heldLocked(token).Clone()
}

// Transfers returns a copy of the transfer log
func (r *Recorder) Transfers() []Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transfer(nil), r.transfers...)
}

var _ Custody = (*Recorder)(nil)
