package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposited
	EventTypeCollateralRedeemed
	EventTypeDebtMinted
	EventTypeDebtBurned
	EventTypeDepositedAndMinted
	EventTypeRedeemedAndBurned
	EventTypeLiquidated
)

// EventEnvelope wraps every committed operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Caller-supplied operation id, or one generated by the engine
	IdempotencyKey string

	EventType EventType

	// Account whose position the operation targeted
	Account common.Address

	Timestamp time.Time

	// JSON-encoded event
	Payload []byte

	// SHA-256 chain hash after applying this operation
	StateHash [32]byte

	// Previous operation's state hash
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Account returns the position the event changed
	Account() common.Address
}

func (et EventType) String() string {
	switch et {
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeCollateralRedeemed:
		return "CollateralRedeemed"
	case EventTypeDebtMinted:
		return "DebtMinted"
	case EventTypeDebtBurned:
		return "DebtBurned"
	case EventTypeDepositedAndMinted:
		return "DepositedAndMinted"
	case EventTypeRedeemedAndBurned:
		return "RedeemedAndBurned"
	case EventTypeLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeCollateralDeposited; et <= EventTypeLiquidated; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
