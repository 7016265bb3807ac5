package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type DebtMinted struct {
	OpID   string         `json:"op_id"`
	User   common.Address `json:"user"`
	Amount *uint256.Int   `json:"amount"`
}

func (e *DebtMinted) IdempotencyKey() string  { return e.OpID }
func (e *DebtMinted) EventType() EventType    { return EventTypeDebtMinted }
func (e *DebtMinted) Account() common.Address { return e.User }

// DebtBurned records Payer's debt tokens burned against OnBehalfOf's debt.
type DebtBurned struct {
	OpID       string         `json:"op_id"`
	OnBehalfOf common.Address `json:"on_behalf_of"`
	Payer      common.Address `json:"payer"`
	Amount     *uint256.Int   `json:"amount"`
}

func (e *DebtBurned) IdempotencyKey() string  { return e.OpID }
func (e *DebtBurned) EventType() EventType    { return EventTypeDebtBurned }
func (e *DebtBurned) Account() common.Address { return e.OnBehalfOf }

type DepositedAndMinted struct {
	OpID             string         `json:"op_id"`
	User             common.Address `json:"user"`
	Asset            common.Address `json:"asset"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	DebtAmount       *uint256.Int   `json:"debt_amount"`
}

func (e *DepositedAndMinted) IdempotencyKey() string  { return e.OpID }
func (e *DepositedAndMinted) EventType() EventType    { return EventTypeDepositedAndMinted }
func (e *DepositedAndMinted) Account() common.Address { return e.User }

type RedeemedAndBurned struct {
	OpID             string         `json:"op_id"`
	User             common.Address `json:"user"`
	Asset            common.Address `json:"asset"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	DebtAmount       *uint256.Int   `json:"debt_amount"`
}

func (e *RedeemedAndBurned) IdempotencyKey() string  { return e.OpID }
func (e *RedeemedAndBurned) EventType() EventType    { return EventTypeRedeemedAndBurned }
func (e *RedeemedAndBurned) Account() common.Address { return e.User }
