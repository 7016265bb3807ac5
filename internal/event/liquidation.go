package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Liquidated records a liquidator covering part of User's debt in exchange
// for CollateralSeized (bonus included) of Asset.
type Liquidated struct {
	OpID               string         `json:"op_id"`
	Liquidator         common.Address `json:"liquidator"`
	User               common.Address `json:"user"`
	Asset              common.Address `json:"asset"`
	DebtCovered        *uint256.Int   `json:"debt_covered"`
	CollateralSeized   *uint256.Int   `json:"collateral_seized"`
	Bonus              *uint256.Int   `json:"bonus"`
	HealthFactorBefore *uint256.Int   `json:"health_factor_before"`
	HealthFactorAfter  *uint256.Int   `json:"health_factor_after"`
}

func (e *Liquidated) IdempotencyKey() string  { return e.OpID }
func (e *Liquidated) EventType() EventType    { return EventTypeLiquidated }
func (e *Liquidated) Account() common.Address { return e.User }
