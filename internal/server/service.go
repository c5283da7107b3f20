package server

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/query"
	"PoolLedger/internal/request"
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const serviceName = "poolledger.v1.PoolService"

// Metadata keys. The gateway maps HTTP headers of the same name onto them.
const (
	mdCaller         = "x-caller-address"
	mdIdempotencyKey = "x-idempotency-key"
	mdAdminToken     = "x-admin-token"
)

// Engine is the part of the pool engine the service drives
type Engine interface {
	ingestion.Submitter
	PoolInfo(ctx context.Context) core.PoolInfo
	GetRequest(key common.Hash) (*request.Request, error)
	ListRequests(owner common.Address) []*request.Request
}

// SnapshotTaker writes a snapshot of the engine on demand
type SnapshotTaker interface {
	Take(ctx context.Context) (int64, error)
}

// PoolService serves one market. Mutating calls go to the engine with the
// caller taken from request metadata; history reads go to the projections.
type PoolService struct {
	marketID   string
	engine     Engine
	feed       *ingestion.Feed
	queries    *query.QueryService // nil disables history reads
	snapshots  SnapshotTaker       // nil disables TakeSnapshot
	adminToken string              // empty disables admin calls
	logger     zerolog.Logger

	trustCallerHeader bool
}

type ServiceDeps struct {
	MarketID   string
	Engine     Engine
	Feed       *ingestion.Feed
	Queries    *query.QueryService
	Snapshots  SnapshotTaker
	AdminToken string
	Logger     zerolog.Logger

	// TrustCallerHeader skips signature checks. Only behind a trusted router.
	TrustCallerHeader bool
}

func NewPoolService(deps ServiceDeps) *PoolService {
	return &PoolService{
		marketID:   deps.MarketID,
		engine:     deps.Engine,
		feed:       deps.Feed,
		queries:    deps.Queries,
		snapshots:  deps.Snapshots,
		adminToken: deps.AdminToken,
		logger:     deps.Logger,

		trustCallerHeader: deps.TrustCallerHeader,
	}
}

// ============================================================================
// Commands
// ============================================================================

func (s *PoolService) CreateDeposit(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "create_deposit", in)
}

func (s *PoolService) CreateWithdrawal(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "create_withdrawal", in)
}

func (s *PoolService) CancelDeposit(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "cancel_deposit", in)
}

func (s *PoolService) CancelWithdrawal(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "cancel_withdrawal", in)
}

func (s *PoolService) ExecuteDeposit(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "execute_deposit", in)
}

func (s *PoolService) ExecuteWithdrawal(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "execute_withdrawal", in)
}

func (s *PoolService) Reserve(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "reserve", in)
}

func (s *PoolService) Unreserve(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "unreserve", in)
}

func (s *PoolService) AccrueFunding(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "accrue_funding", in)
}

func (s *PoolService) ClaimFunding(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "claim_funding", in)
}

func (s *PoolService) WithdrawFees(ctx context.Context, in *ingestion.CommandJSON) (*CommandResponse, error) {
	return s.submit(ctx, "withdraw_fees", in)
}

// submit fills the command name, caller and command ID, then hands the
// command to the engine. Unsigned commands with a trusted caller header may
// omit the idempotency key, which means no dedup.
func (s *PoolService) submit(ctx context.Context, command string, in *ingestion.CommandJSON) (*CommandResponse, error) {
	if in.MarketID != "" && in.MarketID != s.marketID {
		return nil, status.Errorf(codes.InvalidArgument, "market %q is not served here", in.MarketID)
	}
	commandID := firstMetadata(ctx, mdIdempotencyKey)
	caller, err := s.authenticate(ctx, command, commandID, in)
	if err != nil {
		return nil, err
	}

	j := *in
	j.Command = command
	j.Caller = caller
	j.CommandID = commandID

	cmd, err := j.ToCommand()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.engine.Submit(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	return commandResponse(res), nil
}

// ============================================================================
// Live reads
// ============================================================================

func (s *PoolService) PoolInfo(ctx context.Context, _ *Empty) (*PoolInfoResponse, error) {
	return poolInfoResponse(s.engine.PoolInfo(ctx)), nil
}

func (s *PoolService) GetRequest(_ context.Context, in *KeyRequest) (*request.RequestExport, error) {
	key, err := parseKey(in.Key)
	if err != nil {
		return nil, err
	}
	req, err := s.engine.GetRequest(key)
	if err != nil {
		return nil, toStatus(err)
	}
	out := request.ExportRequest(req)
	return &out, nil
}

func (s *PoolService) ListRequests(_ context.Context, in *OwnerRequest) (*ListRequestsResponse, error) {
	if !common.IsHexAddress(in.Owner) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid owner %q", in.Owner)
	}
	reqs := s.engine.ListRequests(common.HexToAddress(in.Owner))
	out := &ListRequestsResponse{Requests: make([]request.RequestExport, 0, len(reqs))}
	for _, r := range reqs {
		out.Requests = append(out.Requests, request.ExportRequest(r))
	}
	return out, nil
}

// ============================================================================
// Projection reads
// ============================================================================

func (s *PoolService) GetPoolState(ctx context.Context, _ *Empty) (*query.PoolStateResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projections disabled")
	}
	st, err := s.queries.GetPoolState(ctx, s.marketID)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

func (s *PoolService) ListRequestHistory(ctx context.Context, in *query.RequestFilter) (*RequestHistoryResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projections disabled")
	}
	f := *in
	f.MarketID = s.marketID
	reqs, err := s.queries.ListRequests(ctx, f)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RequestHistoryResponse{Requests: reqs}, nil
}

func (s *PoolService) GetMutationHistory(ctx context.Context, in *MutationHistoryRequest) (*MutationHistoryResponse, error) {
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projections disabled")
	}
	account := ""
	if in.Account != "" {
		if !common.IsHexAddress(in.Account) {
			return nil, status.Errorf(codes.InvalidArgument, "invalid account %q", in.Account)
		}
		account = common.HexToAddress(in.Account).Hex()
	}
	entries, err := s.queries.GetMutationHistory(ctx, s.marketID, account, in.Limit, in.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &MutationHistoryResponse{Entries: entries}, nil
}

// ============================================================================
// Admin
// ============================================================================

// SubmitPrices injects an oracle attestation, the same path as a NATS price message
func (s *PoolService) SubmitPrices(ctx context.Context, in *ingestion.PriceUpdateJSON) (*AckResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	u, err := in.ToUpdate()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.feed.ApplyPrices(ctx, u); err != nil {
		return nil, toStatus(err)
	}
	return &AckResponse{Accepted: true}, nil
}

func (s *PoolService) SubmitPnl(ctx context.Context, in *ingestion.PnlUpdateJSON) (*AckResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	u, err := in.ToUpdate()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.feed.ApplyPnl(ctx, u); err != nil {
		return nil, toStatus(err)
	}
	return &AckResponse{Accepted: true}, nil
}

func (s *PoolService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if s.snapshots == nil {
		return nil, status.Error(codes.Unavailable, "snapshots disabled")
	}
	seq, err := s.snapshots.Take(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "take snapshot: %v", err)
	}
	s.logger.Info().Int64("sequence", seq).Msg("snapshot taken on request")
	return &SnapshotResponse{Sequence: seq}, nil
}

func (s *PoolService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if s.queries == nil {
		return nil, status.Error(codes.Unavailable, "projections disabled")
	}
	report, err := s.queries.VerifyIntegrity(ctx, s.marketID)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *PoolService) requireAdmin(ctx context.Context) error {
	if s.adminToken == "" {
		return status.Error(codes.PermissionDenied, "admin calls disabled")
	}
	token := firstMetadata(ctx, mdAdminToken)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return status.Error(codes.PermissionDenied, "invalid admin token")
	}
	return nil
}

// ============================================================================
// Service descriptor
// ============================================================================

// unary adapts a typed method to a grpc.MethodDesc
func unary[Req, Resp any](name string, call func(*PoolService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			svc := srv.(*PoolService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/%s", serviceName, name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes PoolService for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateDeposit", (*PoolService).CreateDeposit),
		unary("CreateWithdrawal", (*PoolService).CreateWithdrawal),
		unary("CancelDeposit", (*PoolService).CancelDeposit),
		unary("CancelWithdrawal", (*PoolService).CancelWithdrawal),
		unary("ExecuteDeposit", (*PoolService).ExecuteDeposit),
		unary("ExecuteWithdrawal", (*PoolService).ExecuteWithdrawal),
		unary("Reserve", (*PoolService).Reserve),
		unary("Unreserve", (*PoolService).Unreserve),
		unary("AccrueFunding", (*PoolService).AccrueFunding),
		unary("ClaimFunding", (*PoolService).ClaimFunding),
		unary("WithdrawFees", (*PoolService).WithdrawFees),
		unary("PoolInfo", (*PoolService).PoolInfo),
		unary("GetRequest", (*PoolService).GetRequest),
		unary("ListRequests", (*PoolService).ListRequests),
		unary("GetPoolState", (*PoolService).GetPoolState),
		unary("ListRequestHistory", (*PoolService).ListRequestHistory),
		unary("GetMutationHistory", (*PoolService).GetMutationHistory),
		unary("SubmitPrices", (*PoolService).SubmitPrices),
		unary("SubmitPnl", (*PoolService).SubmitPnl),
		unary("TakeSnapshot", (*PoolService).TakeSnapshot),
		unary("VerifyIntegrity", (*PoolService).VerifyIntegrity),
	},
	Metadata: "poolledger/v1/pool.json",
}

func method(name string) (grpc.MethodDesc, bool) {
	for _, m := range ServiceDesc.Methods {
		if m.MethodName == name {
			return m, true
		}
	}
	return grpc.MethodDesc{}, false
}

// --- helpers ---

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func parseKey(s string) (common.Hash, error) {
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, status.Errorf(codes.InvalidArgument, "invalid request key %q", s)
	}
	return common.BytesToHash(b), nil
}
