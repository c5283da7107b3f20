package ingestion

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/oracle"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/request"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// commandTypes maps wire command names to the event each produces
var commandTypes = map[string]event.EventType{
	"create_deposit":     event.EventTypeDepositCreated,
	"create_withdrawal":  event.EventTypeWithdrawalCreated,
	"cancel_deposit":     event.EventTypeDepositCancelled,
	"cancel_withdrawal":  event.EventTypeWithdrawalCancelled,
	"execute_deposit":    event.EventTypeDepositExecuted,
	"execute_withdrawal": event.EventTypeWithdrawalExecuted,
	"reserve":            event.EventTypeLiquidityReserved,
	"unreserve":          event.EventTypeLiquidityUnreserved,
	"accrue_funding":     event.EventTypeFundingAccrued,
	"claim_funding":      event.EventTypeFundingClaimed,
	"withdraw_fees":      event.EventTypeFeesWithdrawn,
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Amounts are
// base-10 integer strings in native units.

// CommandJSON is one command from a router, executor or position engine.
// Fields not used by the command are ignored.
type CommandJSON struct {
	CommandID    string `json:"command_id"`
	Command      string `json:"command"`
	MarketID     string `json:"market_id"`
	Caller       string `json:"caller"`
	Key          string `json:"key,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Asset        string `json:"asset,omitempty"`
	Amount       string `json:"amount,omitempty"`
	MaxSlippage  string `json:"max_slippage,omitempty"`
	ExecutionFee string `json:"execution_fee,omitempty"`
	Account      string `json:"account,omitempty"` // Funding user or fee receiver
}

// PriceUpdateJSON is an oracle attestation for one block
type PriceUpdateJSON struct {
	MarketID        string `json:"market_id"`
	Block           uint64 `json:"block"`
	LongMid         string `json:"long_mid"`
	LongConfidence  string `json:"long_confidence"`
	ShortMid        string `json:"short_mid"`
	ShortConfidence string `json:"short_confidence"`
}

// PnlUpdateJSON is the position engine's aggregate trader PnL at a block.
// NetPnl is signed: "-123" means traders are in loss.
type PnlUpdateJSON struct {
	MarketID string `json:"market_id"`
	Block    uint64 `json:"block"`
	NetPnl   string `json:"net_pnl"`
}

// PriceUpdate is a parsed oracle attestation
type PriceUpdate struct {
	MarketID string
	Block    uint64
	Prices   oracle.Prices
}

// PnlUpdate is a parsed PnL snapshot
type PnlUpdate struct {
	MarketID string
	Block    uint64
	NetPnl   fpmath.Signed
}

// ParseCommand decodes a command message into an engine command
func ParseCommand(data []byte) (core.Command, string, error) {
	var j CommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return core.Command{}, "", fmt.Errorf("parse command: %w", err)
	}
	cmd, err := j.ToCommand()
	return cmd, j.MarketID, err
}

// ToCommand validates the wire fields the command needs
func (j CommandJSON) ToCommand() (core.Command, error) {
	et, ok := commandTypes[j.Command]
	if !ok {
		return core.Command{}, fmt.Errorf("unknown command: %q", j.Command)
	}
	caller, err := parseAddress("caller", j.Caller)
	if err != nil {
		return core.Command{}, err
	}
	cmd := core.Command{ID: j.CommandID, Type: et, Caller: caller}

	switch et {
	case event.EventTypeDepositCreated, event.EventTypeWithdrawalCreated:
		p := request.CreateParams{}
		if p.Owner, err = parseAddress("owner", j.Owner); err != nil {
			return core.Command{}, err
		}
		if p.Asset, err = pool.ParseAsset(j.Asset); err != nil {
			return core.Command{}, err
		}
		if p.Amount, err = parseAmount("amount", j.Amount); err != nil {
			return core.Command{}, err
		}
		if p.ExecutionFee, err = parseOptionalAmount("execution_fee", j.ExecutionFee); err != nil {
			return core.Command{}, err
		}
		if j.MaxSlippage != "" {
			if p.MaxSlippage, err = decimal.NewFromString(j.MaxSlippage); err != nil {
				return core.Command{}, fmt.Errorf("parse max_slippage: %w", err)
			}
		}
		cmd.Create = p

	case event.EventTypeDepositCancelled, event.EventTypeWithdrawalCancelled,
		event.EventTypeDepositExecuted, event.EventTypeWithdrawalExecuted:
		if cmd.Key, err = parseKey(j.Key); err != nil {
			return core.Command{}, err
		}

	case event.EventTypeLiquidityReserved, event.EventTypeLiquidityUnreserved:
		if cmd.Asset, err = pool.ParseAsset(j.Asset); err != nil {
			return core.Command{}, err
		}
		if cmd.Amount, err = parseAmount("amount", j.Amount); err != nil {
			return core.Command{}, err
		}

	case event.EventTypeFundingAccrued:
		if cmd.Account, err = parseAddress("account", j.Account); err != nil {
			return core.Command{}, err
		}
		if cmd.Asset, err = pool.ParseAsset(j.Asset); err != nil {
			return core.Command{}, err
		}
		if cmd.Amount, err = parseAmount("amount", j.Amount); err != nil {
			return core.Command{}, err
		}

	case event.EventTypeFundingClaimed:
		if cmd.Asset, err = pool.ParseAsset(j.Asset); err != nil {
			return core.Command{}, err
		}

	case event.EventTypeFeesWithdrawn:
		if cmd.Asset, err = pool.ParseAsset(j.Asset); err != nil {
			return core.Command{}, err
		}
		if cmd.Account, err = parseAddress("account", j.Account); err != nil {
			return core.Command{}, err
		}
	}
	return cmd, nil
}

// ParsePriceUpdate decodes an oracle message. Confidence defaults to zero.
func ParsePriceUpdate(data []byte) (*PriceUpdate, error) {
	var j PriceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse price update: %w", err)
	}
	return j.ToUpdate()
}

// ToUpdate validates the attestation fields
func (j PriceUpdateJSON) ToUpdate() (*PriceUpdate, error) {
	if j.Block == 0 {
		return nil, fmt.Errorf("parse price update: block must be set")
	}

	var (
		p   oracle.Prices
		err error
	)
	if p.Long.Mid, err = parseAmount("long_mid", j.LongMid); err != nil {
		return nil, err
	}
	if p.Long.Confidence, err = parseOptionalAmount("long_confidence", j.LongConfidence); err != nil {
		return nil, err
	}
	if p.Short.Mid, err = parseAmount("short_mid", j.ShortMid); err != nil {
		return nil, err
	}
	if p.Short.Confidence, err = parseOptionalAmount("short_confidence", j.ShortConfidence); err != nil {
		return nil, err
	}
	return &PriceUpdate{MarketID: j.MarketID, Block: j.Block, Prices: p}, nil
}

// ParsePnlUpdate decodes a PnL snapshot message
func ParsePnlUpdate(data []byte) (*PnlUpdate, error) {
	var j PnlUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse pnl update: %w", err)
	}
	return j.ToUpdate()
}

func (j PnlUpdateJSON) ToUpdate() (*PnlUpdate, error) {
	if j.Block == 0 {
		return nil, fmt.Errorf("parse pnl update: block must be set")
	}
	pnl, err := fpmath.ParseSigned(j.NetPnl)
	if err != nil {
		return nil, fmt.Errorf("parse net_pnl: %w", err)
	}
	return &PnlUpdate{MarketID: j.MarketID, Block: j.Block, NetPnl: pnl}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseKey(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("parse key: invalid request key %q", s)
	}
	return common.BytesToHash(b), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parseOptionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return parseAmount(field, s)
}
