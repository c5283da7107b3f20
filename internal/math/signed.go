package math

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// Signed is a signed fixed-point quantity stored as magnitude plus sign.
// Used for aggregate trader PnL, which the pool only ever adds to or
// subtracts from an unsigned value.
type Signed struct {
	Abs      *uint256.Int
	Negative bool
}

// NewSigned builds a Signed from a magnitude and sign. Zero is never negative.
func NewSigned(abs *uint256.Int, negative bool) Signed {
	abs = OrZero(abs).Clone()
	return Signed{Abs: abs, Negative: negative && !abs.IsZero()}
}

// IsZero reports whether the value is zero.
func (s Signed) IsZero() bool {
	return s.Abs == nil || s.Abs.IsZero()
}

// Sign returns -1, 0 or +1.
func (s Signed) Sign() int {
	if s.IsZero() {
		return 0
	}
	if s.Negative {
		return -1
	}
	return 1
}

// String renders the value in base 10 with a leading '-' when negative.
func (s Signed) String() string {
	if s.IsZero() {
		return "0"
	}
	if s.Negative {
		return "-" + s.Abs.Dec()
	}
	return s.Abs.Dec()
}

// ParseSigned parses a base-10 integer string with optional sign.
func ParseSigned(str string) (Signed, error) {
	negative := false
	switch {
	case strings.HasPrefix(str, "-"):
		negative = true
		str = str[1:]
	case strings.HasPrefix(str, "+"):
		str = str[1:]
	}
	abs, err := ParseAmount(str)
	if err != nil {
		return Signed{}, fmt.Errorf("parse signed: %w", err)
	}
	return NewSigned(abs, negative), nil
}

// ApplyTo returns base - s, clamped at zero. A positive s (traders in profit)
// reduces base; a negative s (traders in loss) increases it.
func (s Signed) ApplyTo(base *uint256.Int) (*uint256.Int, error) {
	if s.IsZero() {
		return base.Clone(), nil
	}
	if s.Negative {
		out, overflow := new(uint256.Int).AddOverflow(base, s.Abs)
		if overflow {
			return nil, ErrOverflow
		}
		return out, nil
	}
	if s.Abs.Cmp(base) >= 0 {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Sub(base, s.Abs), nil
}
