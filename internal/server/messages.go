package server

import (
	"PoolLedger/internal/core"
	"PoolLedger/internal/pool"
	"PoolLedger/internal/query"
	"PoolLedger/internal/request"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Request and response messages of PoolService. Amounts are base-10
// strings in native units.

type Empty struct{}

// CommandResponse is returned by every mutating call
type CommandResponse struct {
	Key      string `json:"key,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Fee      string `json:"fee,omitempty"`
	Sequence int64  `json:"sequence"`
}

type KeyRequest struct {
	Key string `json:"key"`
}

type OwnerRequest struct {
	Owner string `json:"owner"`
}

type ListRequestsResponse struct {
	Requests []request.RequestExport `json:"requests"`
}

type AssetInfo struct {
	Balance          string `json:"balance"`
	Reserved         string `json:"reserved"`
	AccumulatedFees  string `json:"accumulated_fees"`
	ClaimableFunding string `json:"claimable_funding"`
}

type PoolInfoResponse struct {
	MarketID     string    `json:"market_id"`
	Block        uint64    `json:"block"`
	Long         AssetInfo `json:"long"`
	Short        AssetInfo `json:"short"`
	ShareSupply  string    `json:"share_supply"`
	Pending      int       `json:"pending_requests"`
	AUM          string    `json:"aum,omitempty"`
	SharePrice   string    `json:"share_price,omitempty"`
	PricingError string    `json:"pricing_error,omitempty"`
	Sequence     int64     `json:"sequence"`
	StateHash    string    `json:"state_hash"`
}

type MarketRequest struct {
	MarketID string `json:"market_id"`
}

type MutationHistoryRequest struct {
	Account        string `json:"account,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type MutationHistoryResponse struct {
	Entries []query.MutationEntry `json:"entries"`
}

type RequestHistoryResponse struct {
	Requests []query.RequestResponse `json:"requests"`
}

type AckResponse struct {
	Accepted bool `json:"accepted"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

func commandResponse(r *core.Result) *CommandResponse {
	resp := &CommandResponse{Sequence: r.Sequence}
	if r.Key != (common.Hash{}) {
		resp.Key = r.Key.Hex()
	}
	resp.Amount = decOrEmpty(r.Amount)
	resp.Fee = decOrEmpty(r.Fee)
	return resp
}

func poolInfoResponse(info core.PoolInfo) *PoolInfoResponse {
	return &PoolInfoResponse{
		MarketID:     info.MarketID,
		Block:        info.Block,
		Long:         assetInfo(info.Long),
		Short:        assetInfo(info.Short),
		ShareSupply:  decOrEmpty(info.Supply),
		Pending:      info.Pending,
		AUM:          decOrEmpty(info.AUM),
		SharePrice:   decOrEmpty(info.SharePrice),
		PricingError: info.PricingError,
		Sequence:     info.Sequence,
		StateHash:    hex.EncodeToString(info.StateHash[:]),
	}
}

func assetInfo(s pool.AssetState) AssetInfo {
	return AssetInfo{
		Balance:          decOrEmpty(s.Balance),
		Reserved:         decOrEmpty(s.Reserved),
		AccumulatedFees:  decOrEmpty(s.AccumulatedFees),
		ClaimableFunding: decOrEmpty(s.ClaimableFunding),
	}
}

func decOrEmpty(v *uint256.Int) string {
	if v == nil {
		return ""
	}
	return v.Dec()
}
