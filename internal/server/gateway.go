package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// route binds an HTTP method and path pattern to a PoolService method.
// Path parameters are decoded onto the request by their JSON field name.
type route struct {
	verb    string
	pattern string
	method  string
}

var routes = []route{
	{"POST", "/v1/deposits", "CreateDeposit"},
	{"POST", "/v1/deposits/{key}/cancel", "CancelDeposit"},
	{"POST", "/v1/deposits/{key}/execute", "ExecuteDeposit"},
	{"POST", "/v1/withdrawals", "CreateWithdrawal"},
	{"POST", "/v1/withdrawals/{key}/cancel", "CancelWithdrawal"},
	{"POST", "/v1/withdrawals/{key}/execute", "ExecuteWithdrawal"},
	{"POST", "/v1/liquidity/reserve", "Reserve"},
	{"POST", "/v1/liquidity/unreserve", "Unreserve"},
	{"POST", "/v1/funding/accrue", "AccrueFunding"},
	{"POST", "/v1/funding/claim", "ClaimFunding"},
	{"POST", "/v1/fees/withdraw", "WithdrawFees"},
	{"GET", "/v1/pool", "PoolInfo"},
	{"GET", "/v1/requests/{key}", "GetRequest"},
	{"GET", "/v1/owners/{owner}/requests", "ListRequests"},
	{"GET", "/v1/history/pool", "GetPoolState"},
	{"POST", "/v1/history/requests", "ListRequestHistory"},
	{"POST", "/v1/history/mutations", "GetMutationHistory"},
	{"POST", "/v1/admin/prices", "SubmitPrices"},
	{"POST", "/v1/admin/pnl", "SubmitPnl"},
	{"POST", "/v1/admin/snapshot", "TakeSnapshot"},
	{"GET", "/v1/admin/integrity", "VerifyIntegrity"},
}

// forwardedHeaders become incoming gRPC metadata
var forwardedHeaders = []string{mdCaller, mdSignature, mdIdempotencyKey, mdAdminToken}

// NewGateway serves PoolService over HTTP/JSON in process. Calls run through
// the same method handlers and interceptor as gRPC.
func NewGateway(svc *PoolService, interceptor grpc.UnaryServerInterceptor) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, rt := range routes {
		desc, ok := method(rt.method)
		if !ok {
			return nil, fmt.Errorf("route %s %s: unknown method %s", rt.verb, rt.pattern, rt.method)
		}
		if err := mux.HandlePath(rt.verb, rt.pattern, handle(svc, desc, interceptor)); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.verb, rt.pattern, err)
		}
	}
	return mux, nil
}

func handle(svc *PoolService, desc grpc.MethodDesc, interceptor grpc.UnaryServerInterceptor) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		md := metadata.MD{}
		for _, h := range forwardedHeaders {
			if v := r.Header.Get(h); v != "" {
				md.Set(h, v)
			}
		}
		ctx := metadata.NewIncomingContext(r.Context(), md)

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
			return
		}
		dec := func(v interface{}) error {
			if len(strings.TrimSpace(string(body))) > 0 {
				if err := json.Unmarshal(body, v); err != nil {
					return err
				}
			}
			if len(params) == 0 {
				return nil
			}
			raw, err := json.Marshal(params)
			if err != nil {
				return err
			}
			return json.Unmarshal(raw, v)
		}

		resp, err := desc.Handler(svc, ctx, dec, interceptor)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(errorBody{
		Code:    st.Code().String(),
		Reason:  reasonOf(st),
		Message: st.Message(),
	})
}
