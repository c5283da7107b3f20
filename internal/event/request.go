package event

// Amounts are decimal strings of raw token units, USD and prices are
// 18-decimal fixed point strings.

type RequestCreated struct {
	Key                 string `json:"key"`
	Kind                string `json:"kind"`
	Owner               string `json:"owner"`
	Asset               string `json:"asset"`
	Amount              string `json:"amount"`
	MaxSlippage         string `json:"max_slippage"`
	ExecutionFee        string `json:"execution_fee"`
	BindingBlock        uint64 `json:"binding_block"`
	ExpirationTimestamp int64  `json:"expiration_timestamp"`
	Nonce               uint64 `json:"nonce"`
	CreatedAt           int64  `json:"created_at"`
}

func (e *RequestCreated) EventType() EventType {
	if e.Kind == "withdrawal" {
		return EventTypeWithdrawalCreated
	}
	return EventTypeDepositCreated
}

type RequestCancelled struct {
	Key          string `json:"key"`
	Kind         string `json:"kind"`
	Owner        string `json:"owner"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	ExecutionFee string `json:"execution_fee"`
}

func (e *RequestCancelled) EventType() EventType {
	if e.Kind == "withdrawal" {
		return EventTypeWithdrawalCancelled
	}
	return EventTypeDepositCancelled
}

type DepositExecuted struct {
	Key            string `json:"key"`
	Owner          string `json:"owner"`
	Executor       string `json:"executor"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
	Fee            string `json:"fee"`
	Remaining      string `json:"remaining"`
	MintAmount     string `json:"mint_amount"`
	ReferencePrice string `json:"reference_price"`
	ImpactedPrice  string `json:"impacted_price"`
	AUM            string `json:"aum"`
	Supply         string `json:"supply"`
	ExecutionFee   string `json:"execution_fee"`
	BindingBlock   uint64 `json:"binding_block"`
}

func (e *DepositExecuted) EventType() EventType { return EventTypeDepositExecuted }

type WithdrawalExecuted struct {
	Key            string `json:"key"`
	Owner          string `json:"owner"`
	Executor       string `json:"executor"`
	Asset          string `json:"asset"`
	Shares         string `json:"shares"`
	RedeemUSD      string `json:"redeem_usd"`
	GrossAmount    string `json:"gross_amount"`
	Fee            string `json:"fee"`
	AmountOut      string `json:"amount_out"`
	ReferencePrice string `json:"reference_price"`
	ImpactedPrice  string `json:"impacted_price"`
	AUM            string `json:"aum"`
	Supply         string `json:"supply"`
	ExecutionFee   string `json:"execution_fee"`
	BindingBlock   uint64 `json:"binding_block"`
}

func (e *WithdrawalExecuted) EventType() EventType { return EventTypeWithdrawalExecuted }
