// Package blockstore keeps write-once, block-versioned hashes in Redis.
// Market data (oracle prices, trader PnL) is keyed by the block it was
// attested at; a block's hash never changes once it is complete.
package blockstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result of a Set call
type Result int

const (
	Exists   Result = iota // block already complete, nothing written
	Written                // new block written
	Repaired               // incomplete hash replaced
)

// setScript writes KEYS[1] unless it already holds every field.
// ARGV: block, ttl in ms (0 = none), expected field count, then field/value pairs.
// KEYS[2] tracks the highest block written.
var setScript = redis.NewScript(`
local expected = tonumber(ARGV[3])
local n = redis.call('HLEN', KEYS[1])
if n >= expected then
	return 0
end
local result = 1
if n > 0 then
	redis.call('DEL', KEYS[1])
	result = 2
end
redis.call('HSET', KEYS[1], 'block', ARGV[1], unpack(ARGV, 4))
local ttl = tonumber(ARGV[2])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
local latest = tonumber(redis.call('GET', KEYS[2]) or '0')
if tonumber(ARGV[1]) > latest then
	redis.call('SET', KEYS[2], ARGV[1])
end
return result
`)

const latestSuffix = "latest"

// Hashes stores one hash per block at "{prefix}:{block}".
type Hashes struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New returns a store rooted at prefix. ttl 0 keeps blocks until pruned.
func New(rdb *redis.Client, prefix string, ttl time.Duration) *Hashes {
	return &Hashes{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (h *Hashes) Key(block uint64) string {
	return h.prefix + ":" + strconv.FormatUint(block, 10)
}

func (h *Hashes) latestKey() string {
	return h.prefix + ":" + latestSuffix
}

// Set writes fields for block in one atomic step. A complete block is never
// overwritten.
func (h *Hashes) Set(ctx context.Context, block uint64, fields map[string]string) (Result, error) {
	if len(fields) == 0 {
		return Exists, errors.New("blockstore: no fields")
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]interface{}, 0, 3+2*len(names))
	args = append(args, block, h.ttl.Milliseconds(), len(fields)+1)
	for _, name := range names {
		args = append(args, name, fields[name])
	}

	key := h.Key(block)
	res, err := setScript.Run(ctx, h.rdb, []string{key, h.latestKey()}, args...).Int()
	if err != nil {
		return Exists, fmt.Errorf("blockstore: set %s: %w", key, err)
	}
	return Result(res), nil
}

// Get returns the hash for block; empty when the block was never written.
func (h *Hashes) Get(ctx context.Context, block uint64) (map[string]string, error) {
	key := h.Key(block)
	vals, err := h.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("blockstore: get %s: %w", key, err)
	}
	return vals, nil
}

// Latest returns the highest block written, 0 if none.
func (h *Hashes) Latest(ctx context.Context) (uint64, error) {
	raw, err := h.rdb.Get(ctx, h.latestKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("blockstore: latest %s: %w", h.prefix, err)
	}
	block, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("blockstore: latest %s: %w", h.prefix, err)
	}
	return block, nil
}

// Prune deletes blocks below keepFrom. Returns the number removed.
func (h *Hashes) Prune(ctx context.Context, keepFrom uint64) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	match := h.prefix + ":*"
	for {
		keys, next, err := h.rdb.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return removed, fmt.Errorf("blockstore: scan %s: %w", h.prefix, err)
		}

		stale := make([]string, 0, len(keys))
		for _, key := range keys {
			block, err := strconv.ParseUint(strings.TrimPrefix(key, h.prefix+":"), 10, 64)
			if err != nil {
				continue // latest pointer
			}
			if block < keepFrom {
				stale = append(stale, key)
			}
		}
		if len(stale) > 0 {
			n, err := h.rdb.Del(ctx, stale...).Result()
			if err != nil {
				return removed, fmt.Errorf("blockstore: prune %s: %w", h.prefix, err)
			}
			removed += int(n)
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
