package event

// LiquidityChanged records a reserve or unreserve by the position engine
type LiquidityChanged struct {
	Reserve  bool   `json:"reserve"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
	Reserved string `json:"reserved"` // After the change
}

func (e *LiquidityChanged) EventType() EventType {
	if e.Reserve {
		return EventTypeLiquidityReserved
	}
	return EventTypeLiquidityUnreserved
}

// FundingMoved records funding accrued to or claimed by a user
type FundingMoved struct {
	Claim  bool   `json:"claim"`
	User   string `json:"user"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (e *FundingMoved) EventType() EventType {
	if e.Claim {
		return EventTypeFundingClaimed
	}
	return EventTypeFundingAccrued
}

type FeesWithdrawn struct {
	Asset    string `json:"asset"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

func (e *FeesWithdrawn) EventType() EventType { return EventTypeFeesWithdrawn }
