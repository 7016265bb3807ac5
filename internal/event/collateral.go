package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type CollateralDeposited struct {
	OpID   string         `json:"op_id"`
	User   common.Address `json:"user"`
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *CollateralDeposited) IdempotencyKey() string  { return e.OpID }
func (e *CollateralDeposited) EventType() EventType    { return EventTypeCollateralDeposited }
func (e *CollateralDeposited) Account() common.Address { return e.User }

// CollateralRedeemed records a withdrawal of From's collateral to To.
type CollateralRedeemed struct {
	OpID   string         `json:"op_id"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *CollateralRedeemed) IdempotencyKey() string  { return e.OpID }
func (e *CollateralRedeemed) EventType() EventType    { return EventTypeCollateralRedeemed }
func (e *CollateralRedeemed) Account() common.Address { return e.From }
