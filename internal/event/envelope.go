package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositCreated
	EventTypeWithdrawalCreated
	EventTypeDepositCancelled
	EventTypeWithdrawalCancelled
	EventTypeDepositExecuted
	EventTypeWithdrawalExecuted
	EventTypeLiquidityReserved
	EventTypeLiquidityUnreserved
	EventTypeFundingAccrued
	EventTypeFundingClaimed
	EventTypeFeesWithdrawn
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Command ID supplied by the caller, or generated when absent
	IdempotencyKey string

	EventType EventType

	MarketID string

	// Clock time at apply
	Timestamp time.Time

	// Block the engine read as current when applying
	Block uint64

	// JSON-encoded event payload
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	EventType() EventType
}

var eventTypeNames = map[EventType]string{
	EventTypeDepositCreated:      "DepositCreated",
	EventTypeWithdrawalCreated:   "WithdrawalCreated",
	EventTypeDepositCancelled:    "DepositCancelled",
	EventTypeWithdrawalCancelled: "WithdrawalCancelled",
	EventTypeDepositExecuted:     "DepositExecuted",
	EventTypeWithdrawalExecuted:  "WithdrawalExecuted",
	EventTypeLiquidityReserved:   "LiquidityReserved",
	EventTypeLiquidityUnreserved: "LiquidityUnreserved",
	EventTypeFundingAccrued:      "FundingAccrued",
	EventTypeFundingClaimed:      "FundingClaimed",
	EventTypeFeesWithdrawn:       "FeesWithdrawn",
}

func (et EventType) String() string {
	if s, ok := eventTypeNames[et]; ok {
		return s
	}
	return "Unknown"
}

func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type: %q", s)
}

// Encode serializes a payload for the envelope
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode restores a payload from its envelope type and bytes
func Decode(et EventType, payload []byte) (Event, error) {
	var ev Event
	switch et {
	case EventTypeDepositCreated, EventTypeWithdrawalCreated:
		ev = &RequestCreated{}
	case EventTypeDepositCancelled, EventTypeWithdrawalCancelled:
		ev = &RequestCancelled{}
	case EventTypeDepositExecuted:
		ev = &DepositExecuted{}
	case EventTypeWithdrawalExecuted:
		ev = &WithdrawalExecuted{}
	case EventTypeLiquidityReserved, EventTypeLiquidityUnreserved:
		ev = &LiquidityChanged{}
	case EventTypeFundingAccrued, EventTypeFundingClaimed:
		ev = &FundingMoved{}
	case EventTypeFeesWithdrawn:
		ev = &FeesWithdrawn{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return ev, nil
}
