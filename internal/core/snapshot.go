package core

import (
	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/request"
	"PoolLedger/internal/token"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SnapshotState is the full engine state at one sequence
type SnapshotState struct {
	Sequence        int64                  `json:"sequence"`
	Block           uint64                 `json:"block,omitempty"` // Last envelope block
	StateHash       string                 `json:"state_hash"` // Hex chain tip
	Ledger          pool.LedgerExport      `json:"ledger"`
	Shares          token.SharesExport     `json:"shares"`
	Registry        request.RegistryExport `json:"registry"`
	IdempotencyKeys []string               `json:"idempotency_keys,omitempty"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *PoolEngine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	tip := e.hasher.GetPrevHash()
	return &SnapshotState{
		Sequence:        e.sequence,
		Block:           e.lastBlock,
		StateHash:       hex.EncodeToString(tip[:]),
		Ledger:          e.ledger.Export(),
		Shares:          e.shares.Export(),
		Registry:        e.registry.Export(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the engine state. Everything is decoded
// before anything is swapped in.
func (e *PoolEngine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if snap.Ledger.MarketID != e.params.MarketID {
		return fmt.Errorf("snapshot market %q does not match engine market %q", snap.Ledger.MarketID, e.params.MarketID)
	}
	raw, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("snapshot state hash %q is not 32 hex bytes", snap.StateHash)
	}

	ledger, err := pool.ImportLedger(snap.Ledger)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	shares, err := token.ImportShares(snap.Shares)
	if err != nil {
		return fmt.Errorf("restore shares: %w", err)
	}
	registry := request.NewRegistry(e.params.MinTimeToExpiration)
	if err := registry.Import(snap.Registry); err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}

	var tip [32]byte
	copy(tip[:], raw)

	e.ledger = ledger
	e.shares = shares
	e.registry = registry
	e.sequence = snap.Sequence
	e.lastBlock = snap.Block
	e.hasher.SetPrevHash(tip)
	e.idempotency.Warm(snap.IdempotencyKeys)
	return nil
}

// Replay re-applies a persisted envelope without touching collaborators
// and verifies the hash chain. A mismatch means the log and the engine
// disagree and recovery must stop.
func (e *PoolEngine) Replay(env *event.EventEnvelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence+1 {
		return fmt.Errorf("replay: sequence %d does not follow %d", env.Sequence, e.sequence)
	}
	if env.PrevHash != e.hasher.GetPrevHash() {
		return fmt.Errorf("replay: sequence %d prev hash does not match chain tip", env.Sequence)
	}
	ev, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	// Work on copies so a bad record leaves the engine untouched
	ledger := e.ledger
	shares := e.shares.Clone()
	registry := request.NewRegistry(e.params.MinTimeToExpiration)
	if err := registry.Import(e.registry.Export()); err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	if ledger, err = replayEvent(env.IdempotencyKey, ev, ledger, shares, registry); err != nil {
		return fmt.Errorf("replay sequence %d (%s): %w", env.Sequence, env.EventType, err)
	}

	digest := ledger.Digest()
	digest = append(digest, shares.Digest()...)
	digest = append(digest, registry.Digest()...)
	if got := e.hasher.Peek(env.Sequence, digest); got != env.StateHash {
		return fmt.Errorf("replay: sequence %d state hash mismatch: got %x want %x", env.Sequence, got, env.StateHash)
	}

	e.hasher.ComputeHash(env.Sequence, digest)
	e.ledger = ledger
	e.shares = shares
	e.registry = registry
	e.sequence = env.Sequence
	if env.Block > e.lastBlock {
		e.lastBlock = env.Block
	}
	e.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
	return nil
}

func replayEvent(ref string, ev event.Event, ledger *pool.Ledger, shares *token.Shares, registry *request.Registry) (*pool.Ledger, error) {
	gen := pool.NewMutationGenerator(ledger)
	apply := func(m *pool.Mutation, err error) (*pool.Ledger, error) {
		if err != nil {
			return nil, err
		}
		if m == nil {
			return ledger, nil
		}
		return ledger.Preview(m)
	}

	switch ev := ev.(type) {
	case *event.RequestCreated:
		x := request.RequestExport{
			Key:                 ev.Key,
			Kind:                ev.Kind,
			Owner:               ev.Owner,
			Asset:               ev.Asset,
			Amount:              ev.Amount,
			MaxSlippage:         ev.MaxSlippage,
			ExecutionFee:        ev.ExecutionFee,
			BindingBlock:        ev.BindingBlock,
			ExpirationTimestamp: ev.ExpirationTimestamp,
			Nonce:               ev.Nonce,
			CreatedAt:           ev.CreatedAt,
		}
		if err := registry.Replay(x); err != nil {
			return nil, err
		}
		if ev.Kind == request.KindWithdrawal.String() {
			amount, err := fpmath.ParseAmount(ev.Amount)
			if err != nil {
				return nil, err
			}
			if err := shares.Escrow(common.HexToAddress(ev.Owner), amount); err != nil {
				return nil, err
			}
		}
		return ledger, nil

	case *event.RequestCancelled:
		kind, err := request.ParseKind(ev.Kind)
		if err != nil {
			return nil, err
		}
		if _, err := registry.Take(common.HexToHash(ev.Key), kind); err != nil {
			return nil, err
		}
		if kind == request.KindWithdrawal {
			amount, err := fpmath.ParseAmount(ev.Amount)
			if err != nil {
				return nil, err
			}
			if err := shares.Release(common.HexToAddress(ev.Owner), amount); err != nil {
				return nil, err
			}
		}
		return ledger, nil

	case *event.DepositExecuted:
		asset, amounts, err := parseAssetAmounts(ev.Asset, ev.Remaining, ev.Fee, ev.MintAmount)
		if err != nil {
			return nil, err
		}
		if _, err := registry.Take(common.HexToHash(ev.Key), request.KindDeposit); err != nil {
			return nil, err
		}
		if err := shares.Mint(common.HexToAddress(ev.Owner), amounts[2]); err != nil {
			return nil, err
		}
		return apply(gen.GenerateDeposit(ev.Key, asset, amounts[0], amounts[1]))

	case *event.WithdrawalExecuted:
		asset, amounts, err := parseAssetAmounts(ev.Asset, ev.GrossAmount, ev.Fee, ev.Shares)
		if err != nil {
			return nil, err
		}
		if _, err := registry.Take(common.HexToHash(ev.Key), request.KindWithdrawal); err != nil {
			return nil, err
		}
		if err := shares.BurnEscrowed(common.HexToAddress(ev.Owner), amounts[2]); err != nil {
			return nil, err
		}
		return apply(gen.GenerateWithdrawal(ev.Key, asset, amounts[0], amounts[1]))

	case *event.LiquidityChanged:
		asset, amounts, err := parseAssetAmounts(ev.Asset, ev.Amount)
		if err != nil {
			return nil, err
		}
		if ev.Reserve {
			return apply(gen.GenerateReserve(ref, asset, amounts[0]))
		}
		return apply(gen.GenerateUnreserve(ref, asset, amounts[0]))

	case *event.FundingMoved:
		asset, amounts, err := parseAssetAmounts(ev.Asset, ev.Amount)
		if err != nil {
			return nil, err
		}
		user := common.HexToAddress(ev.User)
		if ev.Claim {
			m, _, err := gen.GenerateFundingClaim(ref, user, asset)
			return apply(m, err)
		}
		return apply(gen.GenerateFundingAccrual(ref, user, asset, amounts[0]))

	case *event.FeesWithdrawn:
		asset, err := pool.ParseAsset(ev.Asset)
		if err != nil {
			return nil, err
		}
		m, _, err := gen.GenerateFeeClaim(ref, asset)
		return apply(m, err)

	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
}

func parseAssetAmounts(assetName string, amounts ...string) (pool.Asset, []*uint256.Int, error) {
	asset, err := pool.ParseAsset(assetName)
	if err != nil {
		return 0, nil, err
	}
	out := make([]*uint256.Int, len(amounts))
	for i, s := range amounts {
		if out[i], err = fpmath.ParseAmount(s); err != nil {
			return 0, nil, err
		}
	}
	return asset, out, nil
}
