package oracle

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps block-versioned prices in process. Ingestion writes to it
// while the engine reads.
type MemoryStore struct {
	mu     sync.RWMutex
	prices map[uint64]Prices
	latest uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prices: make(map[uint64]Prices)}
}

// Set records the prices attested for block. A block is written once; later
// writes for the same block are ignored so a binding price cannot change.
func (s *MemoryStore) Set(block uint64, p Prices) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.prices[block]; exists {
		return false
	}
	s.prices[block] = p
	if block > s.latest {
		s.latest = block
	}
	return true
}

func (s *MemoryStore) PricesAt(_ context.Context, block uint64) (Prices, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[block]
	if !ok {
		return Prices{}, fmt.Errorf("%w: no price for block %d", ErrStalePrice, block)
	}
	return p, nil
}

// LatestBlock returns the highest block with a price
func (s *MemoryStore) LatestBlock(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, nil
}

// Prune drops prices older than keepFrom. Returns the number removed.
func (s *MemoryStore) Prune(_ context.Context, keepFrom uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for block := range s.prices {
		if block < keepFrom {
			delete(s.prices, block)
			removed++
		}
	}
	return removed, nil
}

// Store implements Sink. A repeated block is not an error.
func (s *MemoryStore) Store(_ context.Context, block uint64, p Prices) error {
	s.Set(block, p)
	return nil
}
