package core

import (
	"sync"
	"time"
)

// Clock supplies the binding version for new requests and the wall time
// used for expiration. The engine never reads time.Now directly.
type Clock interface {
	CurrentBlock() uint64
	Now() time.Time
}

// BlockClock tracks the highest block observed on the oracle feed. Blocks
// never move backwards.
type BlockClock struct {
	mu    sync.RWMutex
	block uint64
	now   func() time.Time
}

func NewBlockClock(now func() time.Time) *BlockClock {
	if now == nil {
		now = time.Now
	}
	return &BlockClock{now: now}
}

// Observe advances the current block to b if it is newer
func (c *BlockClock) Observe(b uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b > c.block {
		c.block = b
	}
}

func (c *BlockClock) CurrentBlock() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.block
}

func (c *BlockClock) Now() time.Time {
	return c.now().UTC()
}

// ManualClock is a settable clock for tests and tools
type ManualClock struct {
	mu    sync.Mutex
	block uint64
	now   time.Time
}

func NewManualClock(block uint64, now time.Time) *ManualClock {
	return &ManualClock{block: block, now: now}
}

func (c *ManualClock) SetBlock(b uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.block = b
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *ManualClock) CurrentBlock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.block
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

var (
	_ Clock = (*BlockClock)(nil)
	_ Clock = (*ManualClock)(nil)
)
