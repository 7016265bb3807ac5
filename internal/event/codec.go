package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes evt for the envelope payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// Decode restores the event stored in an envelope payload.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeCollateralDeposited:
		evt = &CollateralDeposited{}
	case EventTypeCollateralRedeemed:
		evt = &CollateralRedeemed{}
	case EventTypeDebtMinted:
		evt = &DebtMinted{}
	case EventTypeDebtBurned:
		evt = &DebtBurned{}
	case EventTypeDepositedAndMinted:
		evt = &DepositedAndMinted{}
	case EventTypeRedeemedAndBurned:
		evt = &RedeemedAndBurned{}
	case EventTypeLiquidated:
		evt = &Liquidated{}
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
