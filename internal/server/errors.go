package server

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/query"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const errorDomain = "poolledger"

// reasonCodes maps core.Reason labels to gRPC codes
var reasonCodes = map[string]codes.Code{
	"duplicate":                         codes.AlreadyExists,
	"duplicate_request":                 codes.AlreadyExists,
	"validation":                        codes.InvalidArgument,
	"slippage_exceeded":                 codes.InvalidArgument,
	"unknown_request":                   codes.NotFound,
	"unauthorized":                      codes.PermissionDenied,
	"not_yet_expired":                   codes.FailedPrecondition,
	"insufficient_unreserved_liquidity": codes.FailedPrecondition,
	"insufficient_shares":               codes.FailedPrecondition,
	"cannot_price":                      codes.FailedPrecondition,
	"custody":                           codes.FailedPrecondition,
	"unpriced_block":                    codes.Unavailable,
	"stale_price":                       codes.Unavailable,
	"oracle_unavailable":                codes.Unavailable,
	"pnl_unavailable":                   codes.Unavailable,
	"internal":                          codes.Internal,
}

// toStatus converts an engine or query error to a gRPC status carrying the
// reason label as ErrorInfo.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	reason := core.Reason(err)
	code, ok := reasonCodes[reason]
	if !ok {
		code = codes.Internal
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		reason, code = "not_found", codes.NotFound
	case errors.Is(err, ingestion.ErrWrongMarket):
		reason, code = "wrong_market", codes.InvalidArgument
	}

	st := status.New(code, err.Error())
	if withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: errorDomain}); derr == nil {
		st = withInfo
	}
	return st.Err()
}

// reasonOf returns the ErrorInfo reason attached by toStatus, if any
func reasonOf(st *status.Status) string {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errorDomain {
			return info.Reason
		}
	}
	return ""
}
