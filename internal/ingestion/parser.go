package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"StableLedger/internal/engine"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInvalidCommand marks payloads that can never succeed. They are acked
// and counted, not redelivered.
var ErrInvalidCommand = errors.New("invalid command")

// Command is a validated request for one engine operation.
// Amount fields are nil when the operation does not take them.
type Command struct {
	Op         string
	OpID       string
	User       common.Address
	Liquidator common.Address
	Asset      common.Address

	CollateralAmount *uint256.Int
	DebtAmount       *uint256.Int
}

// CommandPayload is the wire format received from NATS, gRPC and the HTTP
// gateway. Addresses are 0x-prefixed hex, amounts are base-10 strings in
// 18-decimal units.
type CommandPayload struct {
	OpID             string `json:"op_id"`
	User             string `json:"user"`
	Liquidator       string `json:"liquidator,omitempty"`
	Asset            string `json:"asset,omitempty"`
	Amount           string `json:"amount,omitempty"`
	CollateralAmount string `json:"collateral_amount,omitempty"`
	DebtAmount       string `json:"debt_amount,omitempty"`
	DebtToCover      string `json:"debt_to_cover,omitempty"`
}

// ParseRawCommand converts a RawCommand into a Command for op.
func ParseRawCommand(raw RawCommand, op string) (Command, error) {
	return ParseCommand(raw.Data, op)
}

// ParseCommand decodes and validates the JSON payload of an op command.
// Zero amounts pass; the engine rejects them with its own error class.
func ParseCommand(data []byte, op string) (Command, error) {
	var j CommandPayload
	if err := json.Unmarshal(data, &j); err != nil {
		return Command{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidCommand, op, err)
	}
	return j.Command(op)
}

// Command validates the payload as a command for op.
func (j CommandPayload) Command(op string) (Command, error) {
	p := fieldParser{op: op}
	cmd := Command{Op: op, OpID: j.OpID}
	cmd.User = p.address("user", j.User)

	switch op {
	case engine.OpDeposit, engine.OpRedeem:
		cmd.Asset = p.address("asset", j.Asset)
		cmd.CollateralAmount = p.amount("amount", j.Amount)
	case engine.OpMint, engine.OpBurn:
		cmd.DebtAmount = p.amount("amount", j.Amount)
	case engine.OpDepositAndMint, engine.OpRedeemAndBurn:
		cmd.Asset = p.address("asset", j.Asset)
		cmd.CollateralAmount = p.amount("collateral_amount", j.CollateralAmount)
		cmd.DebtAmount = p.amount("debt_amount", j.DebtAmount)
	case engine.OpLiquidate:
		cmd.Liquidator = p.address("liquidator", j.Liquidator)
		cmd.Asset = p.address("asset", j.Asset)
		cmd.DebtAmount = p.amount("debt_to_cover", j.DebtToCover)
	default:
		return Command{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidCommand, op)
	}

	if p.err != nil {
		return Command{}, p.err
	}
	return cmd, nil
}

// fieldParser keeps the first field error.
type fieldParser struct {
	op  string
	err error
}

func (p *fieldParser) fail(field, format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s %s: %s", ErrInvalidCommand, p.op, field, fmt.Sprintf(format, args...))
	}
}

func (p *fieldParser) address(field, s string) common.Address {
	if s == "" {
		p.fail(field, "missing")
		return common.Address{}
	}
	if !common.IsHexAddress(s) {
		p.fail(field, "not a hex address: %q", s)
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func (p *fieldParser) amount(field, s string) *uint256.Int {
	if s == "" {
		p.fail(field, "missing")
		return nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		p.fail(field, "%v", err)
		return nil
	}
	return v
}
