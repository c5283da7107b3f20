package pool

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Protocol-level bounds on the impact fraction applied to a reference price
var (
	MinSlippage = decimal.RequireFromString("0.0001") // 0.01%
	MaxSlippage = decimal.RequireFromString("0.9999") // 99.99%
)

// Params defines the pricing and lifecycle configuration of one market pool
type Params struct {
	MarketID            string
	Long                AssetConfig
	Short               AssetConfig
	BaseFeeRate         decimal.Decimal // Fixed fee charged on every flow (e.g. 0.0003 = 3 bps)
	FeeScale            decimal.Decimal // Max bonus fee charged on skew-worsening flow
	ImpactFactor        decimal.Decimal
	ImpactExponent      decimal.Decimal
	MinTimeToExpiration time.Duration
	MaxPriceConfidence  decimal.Decimal // Max confidence/mid ratio accepted from the oracle
}

// DefaultParams returns the MVP configuration for a market
func DefaultParams(marketID string) *Params {
	return &Params{
		MarketID:            marketID,
		Long:                AssetConfig{Symbol: "WETH", Decimals: 18},
		Short:               AssetConfig{Symbol: "USDC", Decimals: 6},
		BaseFeeRate:         decimal.RequireFromString("0.0005"),
		FeeScale:            decimal.RequireFromString("0.002"),
		ImpactFactor:        decimal.RequireFromString("0.01"),
		ImpactExponent:      decimal.NewFromInt(2),
		MinTimeToExpiration: 10 * time.Minute,
		MaxPriceConfidence:  decimal.RequireFromString("0.01"),
	}
}

// AssetConfig returns the token config for one side
func (p *Params) AssetConfig(a Asset) AssetConfig {
	if a == AssetLong {
		return p.Long
	}
	return p.Short
}

// ValidateParams checks that pool parameters are within valid ranges:
// 0 <= base_fee_rate, 0 <= fee_scale, base_fee_rate + fee_scale < 1,
// impact_factor >= 0, impact_exponent > 0, decimals in [0, 36].
func ValidateParams(p *Params) error {
	if p.MarketID == "" {
		return fmt.Errorf("market_id must be set")
	}
	for _, a := range Assets {
		cfg := p.AssetConfig(a)
		if cfg.Decimals < 0 || cfg.Decimals > 36 {
			return fmt.Errorf("%s decimals must be in [0, 36], got %d", a, cfg.Decimals)
		}
	}
	if p.BaseFeeRate.IsNegative() {
		return fmt.Errorf("base_fee_rate must be >= 0, got %s", p.BaseFeeRate)
	}
	if p.FeeScale.IsNegative() {
		return fmt.Errorf("fee_scale must be >= 0, got %s", p.FeeScale)
	}
	if p.BaseFeeRate.Add(p.FeeScale).GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("base_fee_rate + fee_scale must be < 1, got %s", p.BaseFeeRate.Add(p.FeeScale))
	}
	if p.ImpactFactor.IsNegative() {
		return fmt.Errorf("impact_factor must be >= 0, got %s", p.ImpactFactor)
	}
	if !p.ImpactExponent.IsPositive() {
		return fmt.Errorf("impact_exponent must be > 0, got %s", p.ImpactExponent)
	}
	if p.MinTimeToExpiration < 0 {
		return fmt.Errorf("min_time_to_expiration must be >= 0, got %s", p.MinTimeToExpiration)
	}
	if !p.MaxPriceConfidence.IsPositive() {
		return fmt.Errorf("max_price_confidence must be > 0, got %s", p.MaxPriceConfidence)
	}
	return nil
}
