package blockstore_test

import (
	"PoolLedger/internal/blockstore"
	"PoolLedger/internal/testutil"
	"context"
	"testing"
	"time"
)

func fields(v string) map[string]string {
	return map[string]string{"a": v, "b": v}
}

// ===== Test: Set =====

func TestSet_WriteOnce(t *testing.T) {
	rdb, _ := testutil.MiniRedis(t)
	h := blockstore.New(rdb, "test:{m}", 0)
	ctx := context.Background()

	res, err := h.Set(ctx, 7, fields("1"))
	if err != nil || res != blockstore.Written {
		t.Fatalf("first set: %v, %v", res, err)
	}
	res, err = h.Set(ctx, 7, fields("2"))
	if err != nil || res != blockstore.Exists {
		t.Fatalf("second set: %v, %v", res, err)
	}

	got, err := h.Get(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["a"] != "1" || got["b"] != "1" || got["block"] != "7" {
		t.Errorf("hash: %v", got)
	}
}

func TestSet_RepairsIncompleteHash(t *testing.T) {
	rdb, mr := testutil.MiniRedis(t)
	h := blockstore.New(rdb, "test:{m}", 0)
	ctx := context.Background()

	// A guard field left behind by an interrupted writer
	mr.HSet(h.Key(7), "block", "7")

	res, err := h.Set(ctx, 7, fields("1"))
	if err != nil || res != blockstore.Repaired {
		t.Fatalf("set: %v, %v", res, err)
	}
	got, _ := h.Get(ctx, 7)
	if got["a"] != "1" || got["b"] != "1" {
		t.Errorf("hash not repaired: %v", got)
	}
}

func TestSet_NoFieldsIsError(t *testing.T) {
	rdb, _ := testutil.MiniRedis(t)
	h := blockstore.New(rdb, "test:{m}", 0)
	if _, err := h.Set(context.Background(), 1, nil); err == nil {
		t.Fatal("expected error")
	}
}

// ===== Test: Expiry =====

func TestSet_ZeroTTLNeverExpires(t *testing.T) {
	rdb, mr := testutil.MiniRedis(t)
	h := blockstore.New(rdb, "test:{m}", 0)
	ctx := context.Background()

	if _, err := h.Set(ctx, 7, fields("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(25 * time.Hour)

	got, _ := h.Get(ctx, 7)
	if len(got) == 0 {
		t.Fatal("block expired with ttl 0")
	}
}

func TestSet_TTLExpires(t *testing.T) {
	rdb, mr := testutil.MiniRedis(t)
	h := blockstore.New(rdb, "test:{m}", time.Minute)
	ctx := context.Background()

	if _, err := h.Set(ctx, 7, fields("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	got, _ := h.Get(ctx, 7)
	if len(got) != 0 {
		t.Errorf("block should have expired: %v", got)
	}
}

// ===== Test: Latest =====

func TestLatest_TracksHighestBlock(t *testing.T) {
	rdb, _ := testutil.MiniRedis(t)
	h := blockstore.New(rdb, "test:{m}", 0)
	ctx := context.Background()

	if latest, err := h.Latest(ctx); err != nil || latest != 0 {
		t.Fatalf("empty store: %d, %v", latest, err)
	}
	for _, b := range []uint64{5, 9, 3} {
		if _, err := h.Set(ctx, b, fields("1")); err != nil {
			t.Fatalf("set %d: %v", b, err)
		}
	}
	if latest, err := h.Latest(ctx); err != nil || latest != 9 {
		t.Errorf("latest: got %d, %v, want 9", latest, err)
	}
}

// ===== Test: Prune =====

func TestPrune_KeepsFloorAndLatest(t *testing.T) {
	rdb, _ := testutil.MiniRedis(t)
	h := blockstore.New(rdb, "test:{m}", 0)
	other := blockstore.New(rdb, "test:{n}", 0)
	ctx := context.Background()

	for b := uint64(1); b <= 5; b++ {
		h.Set(ctx, b, fields("1"))
	}
	other.Set(ctx, 1, fields("1"))

	n, err := h.Prune(ctx, 4)
	if err != nil || n != 3 {
		t.Fatalf("prune: got %d, %v, want 3", n, err)
	}
	for b := uint64(1); b <= 5; b++ {
		got, _ := h.Get(ctx, b)
		if kept := len(got) > 0; kept != (b >= 4) {
			t.Errorf("block %d kept=%v", b, kept)
		}
	}
	if latest, _ := h.Latest(ctx); latest != 5 {
		t.Errorf("latest pointer lost: %d", latest)
	}
	if got, _ := other.Get(ctx, 1); len(got) == 0 {
		t.Error("prune crossed into another prefix")
	}
}
