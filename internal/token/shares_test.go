package token_test

import (
	"PoolLedger/internal/token"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var holder = common.HexToAddress("0x00000000000000000000000000000000000000c1")

func TestShares_MintEscrowBurn(t *testing.T) {
	s := token.NewShares()
	if err := s.Mint(holder, uint256.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := s.Escrow(holder, uint256.NewInt(40)); err != nil {
		t.Fatalf("escrow: %v", err)
	}

	if got := s.BalanceOf(holder).Uint64(); got != 60 {
		t.Errorf("balance: got %d, want 60", got)
	}
	if got := s.Supply().Uint64(); got != 100 {
		t.Errorf("escrow must not change supply: got %d", got)
	}

	if err := s.BurnEscrowed(holder, uint256.NewInt(40)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := s.Supply().Uint64(); got != 60 {
		t.Errorf("supply after burn: got %d, want 60", got)
	}
	if !s.EscrowedOf(holder).IsZero() {
		t.Error("escrow should be empty")
	}
}

func TestShares_EscrowBeyondBalance(t *testing.T) {
	s := token.NewShares()
	_ = s.Mint(holder, uint256.NewInt(10))
	if err := s.Escrow(holder, uint256.NewInt(11)); !errors.Is(err, token.ErrInsufficientShares) {
		t.Fatalf("got %v, want ErrInsufficientShares", err)
	}
	if s.BalanceOf(holder).Uint64() != 10 {
		t.Error("balance changed by failed escrow")
	}
}

func TestShares_Release(t *testing.T) {
	s := token.NewShares()
	_ = s.Mint(holder, uint256.NewInt(10))
	_ = s.Escrow(holder, uint256.NewInt(10))
	if err := s.Release(holder, uint256.NewInt(10)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if s.BalanceOf(holder).Uint64() != 10 {
		t.Error("release should restore balance")
	}
}

func TestShares_ExportImport(t *testing.T) {
	s := token.NewShares()
	_ = s.Mint(holder, uint256.NewInt(10))
	_ = s.Escrow(holder, uint256.NewInt(3))

	restored, err := token.ImportShares(s.Export())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if string(restored.Digest()) != string(s.Digest()) {
		t.Error("digest differs after round trip")
	}

	bad := s.Export()
	bad.Supply = "11"
	if _, err := token.ImportShares(bad); err == nil {
		t.Error("expected supply mismatch error")
	}
}
