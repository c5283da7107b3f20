package ingestion

import (
	"PoolLedger/internal/observability"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/position"
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// BlockObserver learns the latest oracle block (the engine's clock)
type BlockObserver interface {
	Observe(block uint64)
}

// Feed stores oracle prices and PnL snapshots for one market. NATS messages
// and admin RPC injections both go through it.
type Feed struct {
	marketID string
	prices   oracle.Sink
	pnl      position.Sink
	clock    BlockObserver
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewFeed(marketID string, prices oracle.Sink, pnl position.Sink, clock BlockObserver, metrics *observability.Metrics, logger zerolog.Logger) *Feed {
	return &Feed{
		marketID: marketID,
		prices:   prices,
		pnl:      pnl,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

// ApplyPrices stores an attestation and advances the clock to its block.
// The clock moves only after the price is stored, so a new request never
// binds to a block without one.
func (f *Feed) ApplyPrices(ctx context.Context, u *PriceUpdate) error {
	if u.MarketID != f.marketID {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongMarket, u.MarketID, f.marketID)
	}
	if err := f.prices.Store(ctx, u.Block, u.Prices); err != nil {
		return fmt.Errorf("%w: store prices block %d: %v", oracle.ErrUnavailable, u.Block, err)
	}
	if f.clock != nil {
		f.clock.Observe(u.Block)
	}
	if f.metrics != nil {
		f.metrics.OracleUpdates.Inc()
	}
	f.logger.Debug().Uint64("block", u.Block).Str("long_mid", u.Prices.Long.Mid.Dec()).Str("short_mid", u.Prices.Short.Mid.Dec()).Msg("prices stored")
	return nil
}

// ApplyPnl stores a PnL snapshot
func (f *Feed) ApplyPnl(ctx context.Context, u *PnlUpdate) error {
	if u.MarketID != f.marketID {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongMarket, u.MarketID, f.marketID)
	}
	if err := f.pnl.Store(ctx, u.Block, u.NetPnl); err != nil {
		return fmt.Errorf("store pnl block %d: %w", u.Block, err)
	}
	if f.metrics != nil {
		f.metrics.PnlUpdates.Inc()
	}
	return nil
}
