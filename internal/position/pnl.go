// Package position is the pool's view of the trading engine: aggregate trader
// PnL at a given block.
package position

import (
	fpmath "PoolLedger/internal/math"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPnlUnavailable is returned when no PnL snapshot exists for a block.
// Callers must fail rather than assume zero.
var ErrPnlUnavailable = errors.New("position: net pnl unavailable")

// PnlSource reports aggregate trader PnL (positive = traders in profit)
type PnlSource interface {
	NetPnlAt(ctx context.Context, block uint64) (fpmath.Signed, error)
}

// MemoryStore keeps block-versioned PnL snapshots published by the position engine
type MemoryStore struct {
	mu     sync.RWMutex
	pnl    map[uint64]fpmath.Signed
	latest uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pnl: make(map[uint64]fpmath.Signed)}
}

// Set records the snapshot for block; the first write wins.
func (s *MemoryStore) Set(block uint64, pnl fpmath.Signed) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pnl[block]; exists {
		return false
	}
	s.pnl[block] = fpmath.NewSigned(pnl.Abs, pnl.Negative)
	if block > s.latest {
		s.latest = block
	}
	return true
}

func (s *MemoryStore) NetPnlAt(_ context.Context, block uint64) (fpmath.Signed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pnl, ok := s.pnl[block]
	if !ok {
		return fpmath.Signed{}, fmt.Errorf("%w: block %d", ErrPnlUnavailable, block)
	}
	return pnl, nil
}

func (s *MemoryStore) LatestBlock(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, nil
}

// Prune drops snapshots older than keepFrom
func (s *MemoryStore) Prune(_ context.Context, keepFrom uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for block := range s.pnl {
		if block < keepFrom {
			delete(s.pnl, block)
			removed++
		}
	}
	return removed, nil
}

// Sink accepts PnL snapshots published by the position engine
type Sink interface {
	Store(ctx context.Context, block uint64, pnl fpmath.Signed) error
}

// Store implements Sink. A repeated block is not an error.
func (s *MemoryStore) Store(_ context.Context, block uint64, pnl fpmath.Signed) error {
	s.Set(block, pnl)
	return nil
}

var (
	_ PnlSource = (*MemoryStore)(nil)
	_ Sink      = (*MemoryStore)(nil)
)
