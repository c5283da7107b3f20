package position_test

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/position"
	"PoolLedger/internal/testutil"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func TestMemoryStore_UnavailableBlock(t *testing.T) {
	s := position.NewMemoryStore()
	if _, err := s.NetPnlAt(context.Background(), 3); !errors.Is(err, position.ErrPnlUnavailable) {
		t.Fatalf("got %v, want ErrPnlUnavailable", err)
	}
}

func TestMemoryStore_FirstWriteWins(t *testing.T) {
	s := position.NewMemoryStore()
	s.Set(3, fpmath.NewSigned(uint256.NewInt(5), true))
	if s.Set(3, fpmath.NewSigned(uint256.NewInt(9), false)) {
		t.Error("second write should be ignored")
	}

	got, err := s.NetPnlAt(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.String() != "-5" {
		t.Errorf("got %s, want -5", got)
	}
	if latest, _ := s.LatestBlock(context.Background()); latest != 3 {
		t.Errorf("latest: got %d, want 3", latest)
	}
}

func TestMemoryStore_Prune(t *testing.T) {
	s := position.NewMemoryStore()
	for b := uint64(1); b <= 4; b++ {
		s.Set(b, fpmath.NewSigned(uint256.NewInt(b), false))
	}
	if n, err := s.Prune(context.Background(), 3); err != nil || n != 2 {
		t.Errorf("pruned: got %d, %v, want 2", n, err)
	}
	if _, err := s.NetPnlAt(context.Background(), 3); err != nil {
		t.Errorf("block 3 should survive: %v", err)
	}
}

// ===== Test: RedisStore =====

func TestRedisStore_SurvivesRestart(t *testing.T) {
	rdb, mr := testutil.MiniRedis(t)
	ctx := context.Background()

	s := position.NewRedisStore(rdb, "ETH-USD", 0)
	if err := s.Store(ctx, 12, fpmath.NewSigned(uint256.NewInt(250), true)); err != nil {
		t.Fatalf("store: %v", err)
	}
	if created, err := s.Set(ctx, 12, fpmath.NewSigned(uint256.NewInt(1), false)); err != nil || created {
		t.Errorf("second write: created=%v err=%v", created, err)
	}
	mr.FastForward(48 * time.Hour)

	reopened := position.NewRedisStore(rdb, "ETH-USD", 0)
	got, err := reopened.NetPnlAt(ctx, 12)
	if err != nil {
		t.Fatalf("NetPnlAt: %v", err)
	}
	if got.String() != "-250" {
		t.Errorf("got %s, want -250", got)
	}
	if latest, _ := reopened.LatestBlock(ctx); latest != 12 {
		t.Errorf("latest: got %d, want 12", latest)
	}
}

func TestRedisStore_MissingBlockUnavailable(t *testing.T) {
	rdb, mr := testutil.MiniRedis(t)
	s := position.NewRedisStore(rdb, "ETH-USD", 0)

	if _, err := s.NetPnlAt(context.Background(), 3); !errors.Is(err, position.ErrPnlUnavailable) {
		t.Fatalf("missing: got %v, want ErrPnlUnavailable", err)
	}
	mr.Close()
	if _, err := s.NetPnlAt(context.Background(), 3); !errors.Is(err, position.ErrPnlUnavailable) {
		t.Fatalf("redis down: got %v, want ErrPnlUnavailable", err)
	}
}

func TestRedisStore_Prune(t *testing.T) {
	rdb, _ := testutil.MiniRedis(t)
	s := position.NewRedisStore(rdb, "ETH-USD", 0)
	ctx := context.Background()
	for b := uint64(1); b <= 4; b++ {
		s.Store(ctx, b, fpmath.NewSigned(uint256.NewInt(b), false))
	}
	if n, err := s.Prune(ctx, 3); err != nil || n != 2 {
		t.Fatalf("pruned: got %d, %v, want 2", n, err)
	}
	if _, err := s.NetPnlAt(ctx, 2); !errors.Is(err, position.ErrPnlUnavailable) {
		t.Errorf("block 2 should be gone: %v", err)
	}
}
