package persistence_test

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/position"
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

type failingPruner struct{}

func (failingPruner) Prune(context.Context, uint64) (int, error) {
	return 0, errors.New("redis down")
}

// ===== Test: Market Data Pruning =====

func TestPruneBelow_KeepsFloor(t *testing.T) {
	ctx := context.Background()
	prices := oracle.NewMemoryStore()
	pnl := position.NewMemoryStore()
	for b := uint64(10); b <= 14; b++ {
		prices.Set(b, oracle.Prices{
			Long:  oracle.Price{Mid: uint256.NewInt(1), Confidence: new(uint256.Int)},
			Short: oracle.Price{Mid: uint256.NewInt(1), Confidence: new(uint256.Int)},
		})
		pnl.Set(b, fpmath.NewSigned(uint256.NewInt(b), false))
	}

	n := persistence.PruneBelow(ctx, 12, zerolog.Nop(), prices, failingPruner{}, pnl)
	if n != 4 {
		t.Errorf("removed: got %d, want 4", n)
	}
	if _, err := prices.PricesAt(ctx, 12); err != nil {
		t.Errorf("floor price pruned: %v", err)
	}
	if _, err := pnl.NetPnlAt(ctx, 12); err != nil {
		t.Errorf("floor pnl pruned: %v", err)
	}
	if _, err := prices.PricesAt(ctx, 11); !errors.Is(err, oracle.ErrStalePrice) {
		t.Errorf("block 11 should be gone: %v", err)
	}
}
