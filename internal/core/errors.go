package core

import (
	"PoolLedger/internal/access"
	"PoolLedger/internal/custody"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/position"
	"PoolLedger/internal/pricing"
	"PoolLedger/internal/request"
	"PoolLedger/internal/token"
	"PoolLedger/internal/valuation"
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError through errors.Is
	ErrValidation = errors.New("validation error")

	// ErrDuplicateCommand is returned for a command ID that was already applied
	ErrDuplicateCommand = errors.New("duplicate command")

	// ErrUnpricedBlock rejects a create while the current block has no
	// attested price. Retry once the oracle feed catches up.
	ErrUnpricedBlock = errors.New("no attested price at current block")
)

// ValidationError rejects malformed input before any state change.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // Optional underlying sentinel
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func invalidErr(field string, err error) error {
	return &ValidationError{Field: field, Reason: err.Error(), Err: err}
}

// Reason maps an engine error to a short metric/log label.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateCommand):
		return "duplicate"
	case errors.Is(err, ErrUnpricedBlock):
		return "unpriced_block"
	case errors.Is(err, pricing.ErrSlippageExceeded):
		return "slippage_exceeded"
	case errors.Is(err, ErrValidation), errors.Is(err, request.ErrInvalidRequest):
		return "validation"
	case errors.Is(err, request.ErrUnknownRequest):
		return "unknown_request"
	case errors.Is(err, request.ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, request.ErrNotYetExpired):
		return "not_yet_expired"
	case errors.Is(err, request.ErrNotOwner), errors.Is(err, access.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, oracle.ErrUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, position.ErrPnlUnavailable):
		return "pnl_unavailable"
	case errors.Is(err, pool.ErrInsufficientUnreservedLiquidity):
		return "insufficient_unreserved_liquidity"
	case errors.Is(err, valuation.ErrCannotPrice):
		return "cannot_price"
	case errors.Is(err, token.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, custody.ErrInsufficientCustody):
		return "custody"
	default:
		return "internal"
	}
}
