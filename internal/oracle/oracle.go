// Package oracle defines the price view consumed by the pool and two
// implementations: an in-process versioned store and a Redis-backed view.
package oracle

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrStalePrice is returned when a block's price cannot be attested
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrUnavailable is returned when the oracle cannot be reached
	ErrUnavailable = errors.New("oracle: unavailable")
)

// Price is a reference price with its confidence interval (USD, 18 decimals)
type Price struct {
	Mid        *uint256.Int
	Confidence *uint256.Int
}

// Prices holds both sides of the pool at one block
type Prices struct {
	Long  Price
	Short Price
}

// Of returns the price for one side.
func (p Prices) Of(a pool.Asset) Price {
	if a == pool.AssetLong {
		return p.Long
	}
	return p.Short
}

// View returns the prices attested for a block
type View interface {
	PricesAt(ctx context.Context, block uint64) (Prices, error)
}

// Attest rejects a price that is zero or whose confidence/mid exceeds
// maxConfidence.
func (p Price) Attest(maxConfidence decimal.Decimal) error {
	if p.Mid == nil || p.Mid.IsZero() {
		return fmt.Errorf("%w: zero mid price", ErrStalePrice)
	}
	ratio := fpmath.Ratio(fpmath.OrZero(p.Confidence), p.Mid)
	if ratio.GreaterThan(maxConfidence) {
		return fmt.Errorf("%w: confidence ratio %s exceeds %s", ErrStalePrice, ratio.StringFixed(6), maxConfidence)
	}
	return nil
}

// Attest checks both sides.
func (p Prices) Attest(maxConfidence decimal.Decimal) error {
	for _, a := range pool.Assets {
		if err := p.Of(a).Attest(maxConfidence); err != nil {
			return fmt.Errorf("%s: %w", a, err)
		}
	}
	return nil
}

// Sink accepts attested prices from the feed
type Sink interface {
	Store(ctx context.Context, block uint64, p Prices) error
}
