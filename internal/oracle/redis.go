package oracle

import (
	"PoolLedger/internal/blockstore"
	fpmath "PoolLedger/internal/math"
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisView reads block-versioned prices from Redis hashes at
// "pool:prices:{market}:{block}" with fields long_mid, long_conf, short_mid
// and short_conf (base-10 integers, 18 decimals).
type RedisView struct {
	hashes *blockstore.Hashes
}

// NewRedisView returns a view for marketID. ttl 0 keeps prices until pruned.
func NewRedisView(rdb *redis.Client, marketID string, ttl time.Duration) *RedisView {
	return &RedisView{hashes: blockstore.New(rdb, "pool:prices:{"+marketID+"}", ttl)}
}

// Set writes prices for block unless the block already has them.
func (v *RedisView) Set(ctx context.Context, block uint64, p Prices) (bool, error) {
	res, err := v.hashes.Set(ctx, block, map[string]string{
		"long_mid":   fpmath.OrZero(p.Long.Mid).Dec(),
		"long_conf":  fpmath.OrZero(p.Long.Confidence).Dec(),
		"short_mid":  fpmath.OrZero(p.Short.Mid).Dec(),
		"short_conf": fpmath.OrZero(p.Short.Confidence).Dec(),
	})
	if err != nil {
		return false, fmt.Errorf("redis: set prices: %w", err)
	}
	return res != blockstore.Exists, nil
}

func (v *RedisView) PricesAt(ctx context.Context, block uint64) (Prices, error) {
	vals, err := v.hashes.Get(ctx, block)
	if err != nil {
		return Prices{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(vals) == 0 {
		return Prices{}, fmt.Errorf("%w: no price for block %d", ErrStalePrice, block)
	}

	parse := func(field string) (Price, error) {
		mid, err := fpmath.ParseAmount(vals[field+"_mid"])
		if err != nil {
			return Price{}, fmt.Errorf("%w: block %d %s_mid: %v", ErrStalePrice, block, field, err)
		}
		conf, err := fpmath.ParseAmount(vals[field+"_conf"])
		if err != nil {
			return Price{}, fmt.Errorf("%w: block %d %s_conf: %v", ErrStalePrice, block, field, err)
		}
		return Price{Mid: mid, Confidence: conf}, nil
	}

	long, err := parse("long")
	if err != nil {
		return Prices{}, err
	}
	short, err := parse("short")
	if err != nil {
		return Prices{}, err
	}
	return Prices{Long: long, Short: short}, nil
}

// LatestBlock returns the highest block with a stored price
func (v *RedisView) LatestBlock(ctx context.Context) (uint64, error) {
	return v.hashes.Latest(ctx)
}

// Prune drops prices older than keepFrom
func (v *RedisView) Prune(ctx context.Context, keepFrom uint64) (int, error) {
	return v.hashes.Prune(ctx, keepFrom)
}

// Store implements Sink
func (v *RedisView) Store(ctx context.Context, block uint64, p Prices) error {
	_, err := v.Set(ctx, block, p)
	return err
}

// Compile-time interface checks.
var (
	_ View = (*RedisView)(nil)
	_ View = (*MemoryStore)(nil)
	_ Sink = (*RedisView)(nil)
	_ Sink = (*MemoryStore)(nil)
)
