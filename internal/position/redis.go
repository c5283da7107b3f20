package position

import (
	"PoolLedger/internal/blockstore"
	fpmath "PoolLedger/internal/math"
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps PnL snapshots at "pool:pnl:{market}:{block}" with a
// signed base-10 net_pnl field, so they survive a restart.
type RedisStore struct {
	hashes *blockstore.Hashes
}

// NewRedisStore returns a store for marketID. ttl 0 keeps snapshots until pruned.
func NewRedisStore(rdb *redis.Client, marketID string, ttl time.Duration) *RedisStore {
	return &RedisStore{hashes: blockstore.New(rdb, "pool:pnl:{"+marketID+"}", ttl)}
}

// Set records the snapshot for block; the first write wins.
func (s *RedisStore) Set(ctx context.Context, block uint64, pnl fpmath.Signed) (bool, error) {
	res, err := s.hashes.Set(ctx, block, map[string]string{"net_pnl": pnl.String()})
	if err != nil {
		return false, fmt.Errorf("redis: set pnl: %w", err)
	}
	return res != blockstore.Exists, nil
}

func (s *RedisStore) NetPnlAt(ctx context.Context, block uint64) (fpmath.Signed, error) {
	vals, err := s.hashes.Get(ctx, block)
	if err != nil {
		return fpmath.Signed{}, fmt.Errorf("%w: %v", ErrPnlUnavailable, err)
	}
	raw, ok := vals["net_pnl"]
	if !ok {
		return fpmath.Signed{}, fmt.Errorf("%w: block %d", ErrPnlUnavailable, block)
	}
	pnl, err := fpmath.ParseSigned(raw)
	if err != nil {
		return fpmath.Signed{}, fmt.Errorf("%w: block %d: %v", ErrPnlUnavailable, block, err)
	}
	return pnl, nil
}

func (s *RedisStore) LatestBlock(ctx context.Context) (uint64, error) {
	return s.hashes.Latest(ctx)
}

// Prune drops snapshots older than keepFrom
func (s *RedisStore) Prune(ctx context.Context, keepFrom uint64) (int, error) {
	return s.hashes.Prune(ctx, keepFrom)
}

// Store implements Sink
func (s *RedisStore) Store(ctx context.Context, block uint64, pnl fpmath.Signed) error {
	_, err := s.Set(ctx, block, pnl)
	return err
}

var (
	_ PnlSource = (*RedisStore)(nil)
	_ Sink      = (*RedisStore)(nil)
)
