package pool

import (
	fpmath "PoolLedger/internal/math"
	"fmt"

	"github.com/holiman/uint256"
)

// Asset identifies one side of the two-asset reserve
type Asset uint8

const (
	AssetLong Asset = iota
	AssetShort
)

// Assets lists both sides in canonical order (used for deterministic iteration)
var Assets = [2]Asset{AssetLong, AssetShort}

func (a Asset) String() string {
	switch a {
	case AssetLong:
		return "long"
	case AssetShort:
		return "short"
	default:
		return "unknown"
	}
}

// Valid reports whether a is one of the two pool assets.
func (a Asset) Valid() bool {
	return a == AssetLong || a == AssetShort
}

// IsLong reports whether a is the long collateral asset.
func (a Asset) IsLong() bool {
	return a == AssetLong
}

// Other returns the opposite side.
func (a Asset) Other() Asset {
	if a == AssetLong {
		return AssetShort
	}
	return AssetLong
}

// ParseAsset maps "long"/"short" to an Asset.
func ParseAsset(s string) (Asset, error) {
	switch s {
	case "long":
		return AssetLong, nil
	case "short":
		return AssetShort, nil
	default:
		return 0, fmt.Errorf("unknown pool asset: %q", s)
	}
}

// AssetConfig describes the token backing one side of the pool
type AssetConfig struct {
	Symbol   string `toml:"symbol"`
	Decimals int32  `toml:"decimals"`
}

// BaseUnit returns 10^Decimals (one whole token in native units).
func (c AssetConfig) BaseUnit() *uint256.Int {
	return fpmath.NewPrecision(c.Decimals).Scale
}
