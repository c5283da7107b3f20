package persistence_test

import (
	"PoolLedger/internal/access"
	"PoolLedger/internal/core"
	"PoolLedger/internal/custody"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/position"
	"PoolLedger/internal/request"
	"PoolLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	lp       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	executor = common.HexToAddress("0x00000000000000000000000000000000000000e1")
)

func newEngine(t *testing.T, persist chan core.CoreOutput) *core.PoolEngine {
	t.Helper()
	prices := oracle.NewMemoryStore()
	prices.Set(100, oracle.Prices{
		Long:  oracle.Price{Mid: uint256.MustFromDecimal("2500000000000000000000"), Confidence: new(uint256.Int)},
		Short: oracle.Price{Mid: uint256.MustFromDecimal("1000000000000000000"), Confidence: new(uint256.Int)},
	})
	pnl := position.NewMemoryStore()
	pnl.Set(100, fpmath.NewSigned(new(uint256.Int), false))
	roles := access.NewTable()
	roles.Grant(access.RoleExecutor, executor)

	cfg := core.Config{
		Params:    pool.DefaultParams("ETH-USD"),
		Oracle:    prices,
		Positions: pnl,
		Custody:   custody.NewRecorder(),
		Access:    roles,
		Clock:     core.NewManualClock(100, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Logger:    zerolog.Nop(),
	}
	if persist != nil {
		cfg.PersistChan = persist
	}
	engine, err := core.NewPoolEngine(cfg)
	if err != nil {
		t.Fatalf("NewPoolEngine: %v", err)
	}
	return engine
}

// ===== Test: Persist and Recover =====

func TestPersistence_RecoverReproducesState(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	persist := make(chan core.CoreOutput, 16)
	live := newEngine(t, persist)

	key, err := live.CreateDeposit(ctx, lp, request.CreateParams{
		Owner:        lp,
		Asset:        pool.AssetLong,
		Amount:       uint256.MustFromDecimal("1000000000000000000"),
		MaxSlippage:  decimal.RequireFromString("0.05"),
		ExecutionFee: uint256.NewInt(1000),
	})
	if err != nil {
		t.Fatalf("CreateDeposit: %v", err)
	}
	if _, _, err := live.ExecuteDeposit(ctx, key, executor); err != nil {
		t.Fatalf("ExecuteDeposit: %v", err)
	}

	close(persist)
	worker := persistence.NewPersistenceWorker(db, persist, 10, 10*time.Millisecond, nil, zerolog.Nop())
	if err := worker.Run(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx, "ETH-USD")
	if err != nil || latest != 2 {
		t.Fatalf("latest sequence: got %d (%v), want 2", latest, err)
	}

	// Cold start: replay the whole log
	cold := newEngine(t, nil)
	replayed, err := persistence.Recover(ctx, cold, sm, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if replayed != 2 || cold.GetStateHash() != live.GetStateHash() {
		t.Fatalf("cold recovery: replayed=%d hash=%x want %x", replayed, cold.GetStateHash(), live.GetStateHash())
	}

	// Warm start: snapshot at the tip, nothing to replay
	if _, err := sm.SaveSnapshot(ctx, live.CreateSnapshotState(), time.Now().UTC()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	n, err := sm.VerifyPending(ctx, "ETH-USD")
	if err != nil || n != 1 {
		t.Fatalf("VerifyPending: got %d (%v), want 1", n, err)
	}

	warm := newEngine(t, nil)
	replayed, err = persistence.Recover(ctx, warm, sm, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover from snapshot: %v", err)
	}
	if replayed != 0 || warm.GetSequence() != 2 || warm.GetStateHash() != live.GetStateHash() {
		t.Fatalf("warm recovery: replayed=%d seq=%d", replayed, warm.GetSequence())
	}
	if _, err := warm.GetRequest(key); err == nil {
		t.Error("executed request should not be pending after recovery")
	}
}

func TestPostgresIdempotencyChecker_FindsPersistedCommand(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	row, _ := persistence.RowsFromOutput(depositOutput(t))
	if err := persistence.NewEventLogWriter(db).WriteEventBatch(ctx, []persistence.EventRow{row}, nil); err != nil {
		t.Fatalf("WriteEventBatch: %v", err)
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(ctx, "DepositExecuted", "cmd-7")
	if err != nil || !dup {
		t.Fatalf("persisted command: dup=%v err=%v", dup, err)
	}
	dup, err = checker.IsDuplicate(ctx, "DepositExecuted", "cmd-8")
	if err != nil || dup {
		t.Fatalf("unknown command: dup=%v err=%v", dup, err)
	}
}
