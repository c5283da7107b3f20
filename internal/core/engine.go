package core

import (
	"PoolLedger/internal/access"
	"PoolLedger/internal/custody"
	"PoolLedger/internal/event"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/position"
	"PoolLedger/internal/request"
	"PoolLedger/internal/token"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const defaultLRUCapacity = 100_000

// PoolEngine owns one market pool: its ledger, share book and pending
// requests. Every mutating call goes through Submit and runs to completion
// under a single lock, so calls never interleave.
type PoolEngine struct {
	mu sync.Mutex

	params *pool.Params
	quoter *Quoter

	ledger   *pool.Ledger
	shares   *token.Shares
	registry *request.Registry

	oracle    oracle.View
	positions position.PnlSource
	custody   custody.Custody
	access    access.Control
	clock     Clock

	sequence    int64  // Last applied
	lastBlock   uint64 // Block of the last applied envelope
	hasher      *StateHasher
	idempotency *IdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is emitted once per applied command
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Mutation *pool.Mutation // nil when only escrow moved
	State    PoolView
}

// PoolView is the post-apply pool state carried to projections
type PoolView struct {
	MarketID           string
	Ledger             pool.LedgerExport
	Supply             *uint256.Int
	PendingDeposits    int
	PendingWithdrawals int
}

// Config wires the engine to its collaborators. Metrics, channels and the
// idempotency DB checker may be nil.
type Config struct {
	Params    *pool.Params
	Oracle    oracle.View
	Positions position.PnlSource
	Custody   custody.Custody
	Access    access.Control
	Clock     Clock

	DBChecker   DBIdempotencyChecker
	LRUCapacity int

	Metrics *observability.Metrics
	Logger  zerolog.Logger

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewPoolEngine(cfg Config) (*PoolEngine, error) {
	if cfg.Params == nil {
		return nil, fmt.Errorf("pool params required")
	}
	if cfg.Oracle == nil || cfg.Positions == nil || cfg.Custody == nil || cfg.Access == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("oracle, positions, custody, access and clock are required")
	}
	quoter, err := NewQuoter(cfg.Params)
	if err != nil {
		return nil, err
	}
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = defaultLRUCapacity
	}

	return &PoolEngine{
		params:         cfg.Params,
		quoter:         quoter,
		ledger:         pool.NewLedger(cfg.Params.MarketID),
		shares:         token.NewShares(),
		registry:       request.NewRegistry(cfg.Params.MinTimeToExpiration),
		oracle:         cfg.Oracle,
		positions:      cfg.Positions,
		custody:        cfg.Custody,
		access:         cfg.Access,
		clock:          cfg.Clock,
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With().Str("market_id", cfg.Params.MarketID).Logger(),
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}, nil
}

// Command is one mutating call. Type names the event it produces on
// success. ID is the caller's idempotency key; a repeated ID is rejected
// with ErrDuplicateCommand. Empty IDs are not deduplicated.
type Command struct {
	ID     string
	Type   event.EventType
	Caller common.Address

	Key    common.Hash          // Cancel and execute
	Create request.CreateParams // Create

	Asset   pool.Asset
	Amount  *uint256.Int
	Account common.Address // Funding user or fee receiver
}

// Result is what a command returns to its caller
type Result struct {
	Key      common.Hash
	Amount   *uint256.Int // Minted shares, amount out, reserved after, or claimed amount
	Fee      *uint256.Int
	Sequence int64 // Zero when nothing was emitted
}

// applied is the outcome of a handler before emission
type applied struct {
	ev       event.Event
	mutation *pool.Mutation
	result   *Result
}

// Submit is the single entry point for state changes:
// dedup, dispatch, commit, then emit.
func (e *PoolEngine) Submit(ctx context.Context, cmd Command) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	eventType := cmd.Type.String()

	dedup := cmd.ID != ""
	if !dedup {
		cmd.ID = uuid.NewString()
	} else if e.idempotency.IsDuplicate(ctx, eventType, cmd.ID) {
		e.rejected(eventType, ErrDuplicateCommand)
		return nil, fmt.Errorf("%w: %s %s", ErrDuplicateCommand, eventType, cmd.ID)
	}

	out, err := e.dispatch(ctx, cmd)
	if err != nil {
		e.rejected(eventType, err)
		e.logger.Warn().
			Err(err).
			Str("command", eventType).
			Str("command_id", cmd.ID).
			Str("key", cmd.Key.Hex()).
			Str("reason", Reason(err)).
			Msg("command rejected")
		return nil, err
	}

	if out.ev != nil {
		e.emit(cmd.ID, out)
	}
	if dedup {
		e.idempotency.MarkProcessed(eventType, cmd.ID)
	}

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.publishGauges()
	}
	return out.result, nil
}

func (e *PoolEngine) dispatch(ctx context.Context, cmd Command) (*applied, error) {
	switch cmd.Type {
	case event.EventTypeDepositCreated:
		return e.createRequest(ctx, cmd, request.KindDeposit)
	case event.EventTypeWithdrawalCreated:
		return e.createRequest(ctx, cmd, request.KindWithdrawal)
	case event.EventTypeDepositCancelled:
		return e.cancelRequest(ctx, cmd, request.KindDeposit)
	case event.EventTypeWithdrawalCancelled:
		return e.cancelRequest(ctx, cmd, request.KindWithdrawal)
	case event.EventTypeDepositExecuted:
		return e.executeDeposit(ctx, cmd)
	case event.EventTypeWithdrawalExecuted:
		return e.executeWithdrawal(ctx, cmd)
	case event.EventTypeLiquidityReserved:
		return e.changeReserved(cmd, true)
	case event.EventTypeLiquidityUnreserved:
		return e.changeReserved(cmd, false)
	case event.EventTypeFundingAccrued:
		return e.accrueFunding(ctx, cmd)
	case event.EventTypeFundingClaimed:
		return e.claimFunding(ctx, cmd)
	case event.EventTypeFeesWithdrawn:
		return e.withdrawFees(ctx, cmd)
	default:
		return nil, invalid("type", fmt.Sprintf("unsupported command %s", cmd.Type))
	}
}

// emit seals the applied command into an envelope on the hash chain.
// Persist send is blocking (backpressure), projection send drops on full.
func (e *PoolEngine) emit(commandID string, a *applied) {
	payload, err := event.Encode(a.ev)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", a.ev.EventType(), err))
	}

	seq := e.sequence + 1
	prev := e.hasher.GetPrevHash()
	hashStart := time.Now()
	stateHash := e.hasher.ComputeHash(seq, e.stateDigest())
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}
	e.sequence = seq
	block := e.clock.CurrentBlock()
	if block > e.lastBlock {
		e.lastBlock = block
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: commandID,
		EventType:      a.ev.EventType(),
		MarketID:       e.params.MarketID,
		Timestamp:      e.clock.Now(),
		Block:          block,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prev,
	}
	output := CoreOutput{
		Envelope: envelope,
		Event:    a.ev,
		Mutation: a.mutation,
		State:    e.viewLocked(),
	}
	a.result.Sequence = seq

	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			// Projection rebuilds from the event log
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
	if e.metrics != nil && a.mutation != nil {
		for _, entry := range a.mutation.Entries {
			e.metrics.CoreMutations.WithLabelValues(entry.Type.String()).Inc()
		}
	}
}

// stateDigest = ledger || shares || registry, all canonical
func (e *PoolEngine) stateDigest() []byte {
	digest := e.ledger.Digest()
	digest = append(digest, e.shares.Digest()...)
	return append(digest, e.registry.Digest()...)
}

func (e *PoolEngine) viewLocked() PoolView {
	v := PoolView{
		MarketID: e.params.MarketID,
		Ledger:   e.ledger.Export(),
		Supply:   e.shares.Supply(),
	}
	for _, req := range e.registry.List(common.Address{}) {
		if req.Kind == request.KindDeposit {
			v.PendingDeposits++
		} else {
			v.PendingWithdrawals++
		}
	}
	return v
}

func (e *PoolEngine) rejected(eventType string, err error) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, Reason(err)).Inc()
	}
}

func (e *PoolEngine) publishGauges() {
	for _, a := range pool.Assets {
		cfg := e.params.AssetConfig(a)
		e.metrics.SetAssetGauges(a.String(), cfg.Decimals, e.ledger.Balance(a), e.ledger.Reserved(a), e.ledger.AccumulatedFees(a))
	}
	e.metrics.PoolShareSupply.Set(observability.Tokens(e.shares.Supply(), 18))
	v := e.viewLocked()
	e.metrics.PendingRequests.WithLabelValues(request.KindDeposit.String()).Set(float64(v.PendingDeposits))
	e.metrics.PendingRequests.WithLabelValues(request.KindWithdrawal.String()).Set(float64(v.PendingWithdrawals))
}

// marketAt reads the external state a request is priced against. Any
// failure leaves the request pending.
func (e *PoolEngine) marketAt(ctx context.Context, block uint64) (MarketSnapshot, error) {
	prices, err := e.oracle.PricesAt(ctx, block)
	if err != nil {
		return MarketSnapshot{}, fmt.Errorf("prices at block %d: %w", block, err)
	}
	if err := prices.Attest(e.params.MaxPriceConfidence); err != nil {
		return MarketSnapshot{}, fmt.Errorf("prices at block %d: %w", block, err)
	}
	pnl, err := e.positions.NetPnlAt(ctx, block)
	if err != nil {
		if !errors.Is(err, position.ErrPnlUnavailable) {
			err = fmt.Errorf("%w: %v", position.ErrPnlUnavailable, err)
		}
		return MarketSnapshot{}, fmt.Errorf("net pnl at block %d: %w", block, err)
	}
	return MarketSnapshot{Block: block, Prices: prices, NetPnl: pnl}, nil
}

func (e *PoolEngine) quoteState() QuoteState {
	return QuoteState{Ledger: e.ledger, Supply: e.shares.Supply()}
}

// === Typed entry points ===

func (e *PoolEngine) CreateDeposit(ctx context.Context, caller common.Address, p request.CreateParams) (common.Hash, error) {
	res, err := e.Submit(ctx, Command{Type: event.EventTypeDepositCreated, Caller: caller, Create: p})
	if err != nil {
		return common.Hash{}, err
	}
	return res.Key, nil
}

func (e *PoolEngine) CreateWithdrawal(ctx context.Context, caller common.Address, p request.CreateParams) (common.Hash, error) {
	res, err := e.Submit(ctx, Command{Type: event.EventTypeWithdrawalCreated, Caller: caller, Create: p})
	if err != nil {
		return common.Hash{}, err
	}
	return res.Key, nil
}

func (e *PoolEngine) CancelDeposit(ctx context.Context, key common.Hash, caller common.Address) error {
	_, err := e.Submit(ctx, Command{Type: event.EventTypeDepositCancelled, Caller: caller, Key: key})
	return err
}

func (e *PoolEngine) CancelWithdrawal(ctx context.Context, key common.Hash, caller common.Address) error {
	_, err := e.Submit(ctx, Command{Type: event.EventTypeWithdrawalCancelled, Caller: caller, Key: key})
	return err
}

// ExecuteDeposit returns (mintAmount, fee)
func (e *PoolEngine) ExecuteDeposit(ctx context.Context, key common.Hash, executor common.Address) (*uint256.Int, *uint256.Int, error) {
	res, err := e.Submit(ctx, Command{Type: event.EventTypeDepositExecuted, Caller: executor, Key: key})
	if err != nil {
		return nil, nil, err
	}
	return res.Amount, res.Fee, nil
}

// ExecuteWithdrawal returns (amountOut, fee)
func (e *PoolEngine) ExecuteWithdrawal(ctx context.Context, key common.Hash, executor common.Address) (*uint256.Int, *uint256.Int, error) {
	res, err := e.Submit(ctx, Command{Type: event.EventTypeWithdrawalExecuted, Caller: executor, Key: key})
	if err != nil {
		return nil, nil, err
	}
	return res.Amount, res.Fee, nil
}

func (e *PoolEngine) Reserve(ctx context.Context, caller common.Address, asset pool.Asset, amount *uint256.Int) error {
	_, err := e.Submit(ctx, Command{Type: event.EventTypeLiquidityReserved, Caller: caller, Asset: asset, Amount: amount})
	return err
}

func (e *PoolEngine) Unreserve(ctx context.Context, caller common.Address, asset pool.Asset, amount *uint256.Int) error {
	_, err := e.Submit(ctx, Command{Type: event.EventTypeLiquidityUnreserved, Caller: caller, Asset: asset, Amount: amount})
	return err
}

func (e *PoolEngine) AccrueFunding(ctx context.Context, caller, user common.Address, asset pool.Asset, amount *uint256.Int) error {
	_, err := e.Submit(ctx, Command{Type: event.EventTypeFundingAccrued, Caller: caller, Account: user, Asset: asset, Amount: amount})
	return err
}

// ClaimFunding pays the caller's claimable funding and returns the amount
func (e *PoolEngine) ClaimFunding(ctx context.Context, caller common.Address, asset pool.Asset) (*uint256.Int, error) {
	res, err := e.Submit(ctx, Command{Type: event.EventTypeFundingClaimed, Caller: caller, Asset: asset})
	if err != nil {
		return nil, err
	}
	return res.Amount, nil
}

// WithdrawFees pays accumulated fees of asset to receiver
func (e *PoolEngine) WithdrawFees(ctx context.Context, caller common.Address, asset pool.Asset, receiver common.Address) (*uint256.Int, error) {
	res, err := e.Submit(ctx, Command{Type: event.EventTypeFeesWithdrawn, Caller: caller, Asset: asset, Account: receiver})
	if err != nil {
		return nil, err
	}
	return res.Amount, nil
}

// === Reads ===

func (e *PoolEngine) GetRequest(key common.Hash) (*request.Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Get(key)
}

// ListRequests returns pending requests by creation order; zero owner lists all
func (e *PoolEngine) ListRequests(owner common.Address) []*request.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.List(owner)
}

// TotalAvailableLiquidity returns balance - reserved
func (e *PoolEngine) TotalAvailableLiquidity(asset pool.Asset) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Available(asset)
}

// SharePrice prices one share at the current block; zero for a degenerate pool
func (e *PoolEngine) SharePrice(ctx context.Context) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.marketAt(ctx, e.clock.CurrentBlock())
	if err != nil {
		return nil, err
	}
	_, price, err := e.quoter.Valuation(e.quoteState(), snap)
	return price, err
}

// ShareBalance returns (free, escrowed) shares of holder
func (e *PoolEngine) ShareBalance(holder common.Address) (*uint256.Int, *uint256.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shares.BalanceOf(holder), e.shares.EscrowedOf(holder)
}

func (e *PoolEngine) ClaimableFunding(user common.Address, asset pool.Asset) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.UserClaimableFunding(user, asset)
}

// PoolInfo is a read-only summary. AUM and SharePrice are nil when the
// current block cannot be priced; PricingError says why.
type PoolInfo struct {
	MarketID     string
	Block        uint64
	Long         pool.AssetState
	Short        pool.AssetState
	Supply       *uint256.Int
	Pending      int
	AUM          *uint256.Int
	SharePrice   *uint256.Int
	PricingError string
	Sequence     int64
	StateHash    [32]byte
}

func (e *PoolEngine) PoolInfo(ctx context.Context) PoolInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	info := PoolInfo{
		MarketID:  e.params.MarketID,
		Block:     e.clock.CurrentBlock(),
		Long:      e.ledger.Asset(pool.AssetLong),
		Short:     e.ledger.Asset(pool.AssetShort),
		Supply:    e.shares.Supply(),
		Pending:   e.registry.Len(),
		Sequence:  e.sequence,
		StateHash: e.hasher.GetPrevHash(),
	}
	snap, err := e.marketAt(ctx, info.Block)
	if err == nil {
		info.AUM, info.SharePrice, err = e.quoter.Valuation(e.quoteState(), snap)
	}
	if err != nil {
		info.PricingError = err.Error()
	}
	return info
}

func (e *PoolEngine) Params() *pool.Params {
	return e.params
}

// LastBlock returns the highest block stamped on an applied or replayed
// envelope. Recovery seeds the block clock from it.
func (e *PoolEngine) LastBlock() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBlock
}

// MarketDataFloor is the lowest block whose market data may still be read:
// the oldest pending binding block, or the current block when none are
// pending. Data below it can be pruned.
func (e *PoolEngine) MarketDataFloor() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	floor := e.clock.CurrentBlock()
	for _, req := range e.registry.List(common.Address{}) {
		if req.BindingBlock < floor {
			floor = req.BindingBlock
		}
	}
	return floor
}

// CurrentBlockPriced reports whether a create submitted now would bind to an
// attested price.
func (e *PoolEngine) CurrentBlockPriced(ctx context.Context) error {
	return e.requirePriced(ctx, e.clock.CurrentBlock())
}

// GetSequence returns the last applied sequence
func (e *PoolEngine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip)
func (e *PoolEngine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.GetPrevHash()
}
