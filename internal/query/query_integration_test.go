package query_test

import (
	"PoolLedger/internal/access"
	"PoolLedger/internal/core"
	"PoolLedger/internal/custody"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/position"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/request"
	"PoolLedger/internal/testutil"
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	lp       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	other    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	executor = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

// populate runs two deposits (one executed, one cancelled) through the
// engine and drains both output channels into Postgres.
func populate(t *testing.T, db *sql.DB) common.Hash {
	t.Helper()
	ctx := context.Background()

	prices := oracle.NewMemoryStore()
	prices.Set(100, oracle.Prices{
		Long:  oracle.Price{Mid: uint256.MustFromDecimal("2500000000000000000000"), Confidence: new(uint256.Int)},
		Short: oracle.Price{Mid: uint256.MustFromDecimal("1000000000000000000"), Confidence: new(uint256.Int)},
	})
	pnl := position.NewMemoryStore()
	pnl.Set(100, fpmath.NewSigned(new(uint256.Int), false))
	roles := access.NewTable()
	roles.Grant(access.RoleExecutor, executor)

	persist := make(chan core.CoreOutput, 16)
	proj := make(chan core.CoreOutput, 16)
	engine, err := core.NewPoolEngine(core.Config{
		Params:         pool.DefaultParams("ETH-USD"),
		Oracle:         prices,
		Positions:      pnl,
		Custody:        custody.NewRecorder(),
		Access:         roles,
		Clock:          core.NewManualClock(100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger:         zerolog.Nop(),
		PersistChan:    persist,
		ProjectionChan: proj,
	})
	if err != nil {
		t.Fatalf("NewPoolEngine: %v", err)
	}

	params := func(owner common.Address) request.CreateParams {
		return request.CreateParams{
			Owner:        owner,
			Asset:        pool.AssetLong,
			Amount:       uint256.MustFromDecimal("1000000000000000000"),
			MaxSlippage:  decimal.RequireFromString("0.05"),
			ExecutionFee: uint256.NewInt(1000),
		}
	}
	executed, err := engine.CreateDeposit(ctx, lp, params(lp))
	if err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	if _, _, err := engine.ExecuteDeposit(ctx, executed, executor); err != nil {
		t.Fatalf("ExecuteDeposit: %v", err)
	}
	cancelled, err := engine.CreateDeposit(ctx, other, params(other))
	if err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	if err := engine.CancelDeposit(ctx, cancelled, other); err != nil {
		t.Fatalf("CancelDeposit: %v", err)
	}

	close(persist)
	close(proj)
	if err := persistence.NewPersistenceWorker(db, persist, 10, 10*time.Millisecond, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("persistence worker: %v", err)
	}
	if err := projection.NewProjectionWorker(db, proj, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("projection worker: %v", err)
	}
	return executed
}

func setup(t *testing.T) (*query.QueryService, *sql.DB, common.Hash, func()) {
	t.Helper()
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	key := populate(t, db)
	return query.NewQueryService(db), db, key, cleanup
}

// ===== Test: Pool State =====

func TestQuery_PoolStateMatchesProjection(t *testing.T) {
	qs, _, _, cleanup := setup(t)
	defer cleanup()

	state, err := qs.GetPoolState(context.Background(), "ETH-USD")
	if err != nil {
		t.Fatalf("GetPoolState: %v", err)
	}
	if state.AsOfSequence != 4 {
		t.Errorf("as_of_sequence: got %d, want 4", state.AsOfSequence)
	}
	if state.Long.Balance == "0" || state.ShareSupply == "0" {
		t.Errorf("executed deposit not projected: %+v", state)
	}
	if state.PendingDeposits != 0 {
		t.Errorf("pending deposits: got %d, want 0", state.PendingDeposits)
	}

	if _, err := qs.GetPoolState(context.Background(), "BTC-USD"); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("unknown market: got %v, want ErrNotFound", err)
	}
}

// ===== Test: Requests =====

func TestQuery_ListRequestsFilters(t *testing.T) {
	qs, _, key, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	all, err := qs.ListRequests(ctx, query.RequestFilter{MarketID: "ETH-USD"})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("requests: got %d, want 2", len(all))
	}
	if all[0].Nonce >= all[1].Nonce {
		t.Errorf("requests not ordered by nonce: %d, %d", all[0].Nonce, all[1].Nonce)
	}

	cancelled, err := qs.ListRequests(ctx, query.RequestFilter{MarketID: "ETH-USD", Status: projection.StatusCancelled})
	if err != nil {
		t.Fatalf("ListRequests(cancelled): %v", err)
	}
	if len(cancelled) != 1 || cancelled[0].Owner != other.Hex() {
		t.Errorf("cancelled filter: got %+v", cancelled)
	}

	after := all[0].Nonce
	page, err := qs.ListRequests(ctx, query.RequestFilter{MarketID: "ETH-USD", AfterNonce: &after})
	if err != nil {
		t.Fatalf("ListRequests(after): %v", err)
	}
	if len(page) != 1 || page[0].Key != all[1].Key {
		t.Errorf("cursor page: got %+v", page)
	}

	req, err := qs.GetRequest(ctx, key.Hex())
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if req.Status != projection.StatusExecuted || req.Executor != executor.Hex() || req.ResultAmount == "0" {
		t.Errorf("executed request: got %+v", req)
	}
	if req.ClosedSequence != 2 {
		t.Errorf("closed_sequence: got %d, want 2", req.ClosedSequence)
	}
}

func TestQuery_RebuildRequestsMatchesLive(t *testing.T) {
	qs, db, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	n, err := projection.RebuildRequests(ctx, db, "ETH-USD", zerolog.Nop())
	if err != nil {
		t.Fatalf("RebuildRequests: %v", err)
	}
	if n != 4 {
		t.Errorf("rebuilt events: got %d, want 4", n)
	}
	all, err := qs.ListRequests(ctx, query.RequestFilter{MarketID: "ETH-USD"})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("requests after rebuild: got %d, want 2", len(all))
	}
}

// ===== Test: Mutations and Integrity =====

func TestQuery_MutationHistoryNewestFirst(t *testing.T) {
	qs, _, _, cleanup := setup(t)
	defer cleanup()

	entries, err := qs.GetMutationHistory(context.Background(), "ETH-USD", "", 0, nil)
	if err != nil {
		t.Fatalf("GetMutationHistory: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected deposit entries")
	}
	for _, e := range entries {
		if e.Sequence != 2 {
			t.Errorf("only the executed deposit mutates the ledger, got sequence %d", e.Sequence)
		}
	}
}

func TestQuery_VerifyIntegrityHealthy(t *testing.T) {
	qs, _, _, cleanup := setup(t)
	defer cleanup()

	report, err := qs.VerifyIntegrity(context.Background(), "ETH-USD")
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("expected healthy report, got %+v", report)
	}
}

func TestQuery_VerifyIntegrityDetectsBrokenChain(t *testing.T) {
	qs, db, _, cleanup := setup(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := db.ExecContext(ctx,
		`UPDATE event_log.events SET prev_hash = $1 WHERE market_id = 'ETH-USD' AND sequence = 3`,
		make([]byte, 32)); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err := qs.VerifyIntegrity(ctx, "ETH-USD")
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if report.IsHealthy || len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != 3 {
		t.Errorf("expected break at 3, got %+v", report)
	}
}
