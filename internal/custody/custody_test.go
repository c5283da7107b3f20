package custody_test

import (
	"PoolLedger/internal/custody"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	executor = common.HexToAddress("0x00000000000000000000000000000000000000d2")
)

func leg(acct common.Address, tok custody.Token, n uint64) custody.Leg {
	return custody.Leg{Account: acct, Token: tok, Amount: uint256.NewInt(n)}
}

func TestRecorder_EscrowRelease(t *testing.T) {
	r := custody.NewRecorder()
	ctx := context.Background()

	if _, err := r.Escrow(ctx, "k1", leg(owner, custody.TokenLong, 100)); err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if _, err := r.Release(ctx, "k1", leg(owner, custody.TokenLong, 101)); !errors.Is(err, custody.ErrInsufficientCustody) {
		t.Fatalf("over-release: got %v, want ErrInsufficientCustody", err)
	}
	trs, err := r.Release(ctx, "k1", leg(owner, custody.TokenLong, 60))
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(trs) != 1 || trs[0].Direction != custody.DirectionOut || trs[0].Amount.Uint64() != 60 {
		t.Errorf("unexpected transfers: %+v", trs)
	}
	if got := r.Held(custody.TokenLong).Uint64(); got != 40 {
		t.Errorf("held: got %d, want 40", got)
	}
	if n := len(r.Transfers()); n != 2 {
		t.Errorf("transfers: got %d, want 2", n)
	}
}

func TestRecorder_ReleaseIsAllOrNothing(t *testing.T) {
	r := custody.NewRecorder()
	ctx := context.Background()

	if _, err := r.Escrow(ctx, "k", leg(owner, custody.TokenShort, 50), leg(owner, custody.TokenNative, 3)); err != nil {
		t.Fatalf("escrow: %v", err)
	}

	// Second leg cannot be covered, first must not move either
	_, err := r.Release(ctx, "k", leg(owner, custody.TokenShort, 50), leg(executor, custody.TokenNative, 4))
	if !errors.Is(err, custody.ErrInsufficientCustody) {
		t.Fatalf("got %v, want ErrInsufficientCustody", err)
	}
	if got := r.Held(custody.TokenShort).Uint64(); got != 50 {
		t.Errorf("short held changed on failed batch: %d", got)
	}

	// Same token across legs is summed
	_, err = r.Release(ctx, "k", leg(owner, custody.TokenShort, 30), leg(executor, custody.TokenShort, 21))
	if !errors.Is(err, custody.ErrInsufficientCustody) {
		t.Fatalf("got %v, want ErrInsufficientCustody for summed legs", err)
	}
}

func TestRecorder_SkipsZeroLegs(t *testing.T) {
	r := custody.NewRecorder()
	trs, err := r.Escrow(context.Background(), "k", leg(owner, custody.TokenLong, 7), leg(owner, custody.TokenNative, 0))
	if err != nil {
		t.Fatalf("escrow: %v", err)
	}
	if len(trs) != 1 {
		t.Errorf("got %d transfers, want 1", len(trs))
	}
}

func TestRecorder_FailNext(t *testing.T) {
	r := custody.NewRecorder()
	boom := errors.New("boom")
	r.FailNext(boom)

	if _, err := r.Escrow(context.Background(), "k", leg(owner, custody.TokenShort, 1)); !errors.Is(err, boom) {
		t.Fatalf("got %v, want injected failure", err)
	}
	if _, err := r.Escrow(context.Background(), "k", leg(owner, custody.TokenShort, 1)); err != nil {
		t.Fatalf("failure should apply once: %v", err)
	}
}
