package query

import "time"

// Amounts are base-10 strings in native token units (shares in 18 decimals).

// AssetStateResponse is one side of the pool
type AssetStateResponse struct {
	Balance          string `json:"balance"`
	Reserved         string `json:"reserved"`
	AccumulatedFees  string `json:"accumulated_fees"`
	ClaimableFunding string `json:"claimable_funding"`
}

// PoolStateResponse is the projected pool ledger for API queries.
type PoolStateResponse struct {
	MarketID           string             `json:"market_id"`
	Long               AssetStateResponse `json:"long"`
	Short              AssetStateResponse `json:"short"`
	ShareSupply        string             `json:"share_supply"`
	PendingDeposits    int                `json:"pending_deposits"`
	PendingWithdrawals int                `json:"pending_withdrawals"`
	UpdatedAt          time.Time          `json:"updated_at"`
	AsOfSequence       int64              `json:"as_of_sequence"`
}

// RequestResponse is a projected deposit or withdrawal request.
type RequestResponse struct {
	Key            string    `json:"key"`
	MarketID       string    `json:"market_id"`
	Kind           string    `json:"kind"`
	Owner          string    `json:"owner"`
	Asset          string    `json:"asset"`
	Amount         string    `json:"amount"`
	ExecutionFee   string    `json:"execution_fee"`
	MaxSlippage    string    `json:"max_slippage"`
	BindingBlock   int64     `json:"binding_block"`
	Nonce          int64     `json:"nonce"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status"`
	Executor       string    `json:"executor,omitempty"`
	Fee            string    `json:"fee"`
	ResultAmount   string    `json:"result_amount"` // Shares minted or tokens paid out
	ImpactedPrice  string    `json:"impacted_price"`
	ClosedSequence int64     `json:"closed_sequence,omitempty"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	MarketID   string `json:"market_id"`
	Owner      string `json:"owner,omitempty"`
	Status     string `json:"status,omitempty"`
	AfterNonce *int64 `json:"after_nonce,omitempty"` // Cursor: nonces strictly greater
	Limit      int    `json:"limit,omitempty"`
}

// MutationEntry is one persisted ledger entry.
type MutationEntry struct {
	MutationID string `json:"mutation_id"`
	Sequence   int64  `json:"sequence"`
	EventRef   string `json:"event_ref"`
	Field      string `json:"field"`
	Asset      string `json:"asset"`
	Account    string `json:"account,omitempty"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	EntryType  string `json:"entry_type"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64         `json:"sequence_gaps,omitempty"`
	FieldMismatches []FieldMismatch `json:"field_mismatches,omitempty"`
}

// FieldMismatch is a pool field whose projected value differs from the sum
// of its mutation entries.
type FieldMismatch struct {
	Field     string `json:"field"`
	Asset     string `json:"asset"`
	Journaled string `json:"journaled"`
	Projected string `json:"projected"`
}
