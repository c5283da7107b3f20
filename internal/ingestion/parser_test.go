package ingestion_test

import (
	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/pool"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const (
	owner  = "0x00000000000000000000000000000000000000a1"
	caller = "0x00000000000000000000000000000000000000f1"
	reqKey = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseCommand_CreateDeposit(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command_id":    "cmd-42",
		"command":       "create_deposit",
		"market_id":     "ETH-USD",
		"caller":        caller,
		"owner":         owner,
		"asset":         "long",
		"amount":        "1000000000000000000",
		"max_slippage":  "0.01",
		"execution_fee": "5000",
	})

	cmd, market, err := ingestion.ParseCommand(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if market != "ETH-USD" {
		t.Errorf("market: got %s", market)
	}
	if cmd.ID != "cmd-42" || cmd.Type != event.EventTypeDepositCreated {
		t.Errorf("id/type: got %s/%s", cmd.ID, cmd.Type)
	}
	if cmd.Caller != common.HexToAddress(caller) || cmd.Create.Owner != common.HexToAddress(owner) {
		t.Errorf("caller/owner: got %s/%s", cmd.Caller.Hex(), cmd.Create.Owner.Hex())
	}
	if cmd.Create.Asset != pool.AssetLong {
		t.Errorf("asset: got %s", cmd.Create.Asset)
	}
	if cmd.Create.Amount.Dec() != "1000000000000000000" {
		t.Errorf("amount: got %s", cmd.Create.Amount.Dec())
	}
	if cmd.Create.MaxSlippage.String() != "0.01" {
		t.Errorf("max_slippage: got %s", cmd.Create.MaxSlippage)
	}
	if cmd.Create.ExecutionFee.Uint64() != 5000 {
		t.Errorf("execution_fee: got %s", cmd.Create.ExecutionFee.Dec())
	}
}

func TestParseCommand_ExecuteNeedsKey(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command":   "execute_withdrawal",
		"market_id": "ETH-USD",
		"caller":    caller,
		"key":       reqKey,
	})
	cmd, _, err := ingestion.ParseCommand(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Type != event.EventTypeWithdrawalExecuted || cmd.Key != common.HexToHash(reqKey) {
		t.Errorf("got type=%s key=%s", cmd.Type, cmd.Key.Hex())
	}

	data = mustJSON(t, map[string]interface{}{
		"command": "execute_withdrawal",
		"caller":  caller,
		"key":     "0x1234",
	})
	if _, _, err := ingestion.ParseCommand(data); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestParseCommand_WithdrawFeesReceiver(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command": "withdraw_fees",
		"caller":  caller,
		"asset":   "short",
		"account": owner,
	})
	cmd, _, err := ingestion.ParseCommand(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cmd.Asset != pool.AssetShort || cmd.Account != common.HexToAddress(owner) {
		t.Errorf("got asset=%s account=%s", cmd.Asset, cmd.Account.Hex())
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"unknown command":    {"command": "mint_free_shares", "caller": caller},
		"bad caller":         {"command": "claim_funding", "caller": "alice", "asset": "long"},
		"bad asset":          {"command": "claim_funding", "caller": caller, "asset": "btc"},
		"non-numeric amount": {"command": "reserve", "caller": caller, "asset": "long", "amount": "lots"},
		"missing amount":     {"command": "reserve", "caller": caller, "asset": "long"},
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, err := ingestion.ParseCommand(mustJSON(t, payload)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestParsePriceUpdate(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"market_id":       "ETH-USD",
		"block":           uint64(1234),
		"long_mid":        "2500000000000000000000",
		"long_confidence": "1000000000000000000",
		"short_mid":       "1000000000000000000",
	})
	u, err := ingestion.ParsePriceUpdate(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if u.Block != 1234 || u.MarketID != "ETH-USD" {
		t.Errorf("block/market: got %d/%s", u.Block, u.MarketID)
	}
	if u.Prices.Long.Mid.Dec() != "2500000000000000000000" || u.Prices.Long.Confidence.Dec() != "1000000000000000000" {
		t.Errorf("long: %s ± %s", u.Prices.Long.Mid.Dec(), u.Prices.Long.Confidence.Dec())
	}
	if !u.Prices.Short.Confidence.IsZero() {
		t.Errorf("missing confidence should be zero, got %s", u.Prices.Short.Confidence.Dec())
	}
}

func TestParsePriceUpdate_RequiresBlock(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{"market_id": "ETH-USD", "long_mid": "1", "short_mid": "1"})
	_, err := ingestion.ParsePriceUpdate(data)
	if err == nil || !strings.Contains(err.Error(), "block") {
		t.Fatalf("got %v, want block error", err)
	}
}

func TestParsePnlUpdate_Signed(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{"market_id": "ETH-USD", "block": uint64(7), "net_pnl": "-250"})
	u, err := ingestion.ParsePnlUpdate(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !u.NetPnl.Negative || u.NetPnl.Abs.Uint64() != 250 {
		t.Errorf("net pnl: got %s", u.NetPnl)
	}
}

func TestPublishableEvent_Subject(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:  9,
		EventType: event.EventTypeDepositExecuted,
		MarketID:  "ETH-USD",
		Payload:   []byte(`{"key":"0x01"}`),
	}
	evt := ingestion.FromEnvelope(env)
	if got := evt.Subject(); got != "pool.ledger.events.DepositExecuted.ETH-USD" {
		t.Errorf("subject: got %s", got)
	}
	data := mustJSON(t, evt)
	if !strings.Contains(string(data), `"payload":{"key":"0x01"}`) {
		t.Errorf("payload not embedded as JSON: %s", data)
	}
}
