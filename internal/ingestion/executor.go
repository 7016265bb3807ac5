package ingestion

import (
	"context"
	"errors"
	"fmt"

	"StableLedger/internal/engine"
	"StableLedger/internal/observability"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Executor is the mutating surface of engine.PositionEngine.
type Executor interface {
	DepositCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (engine.Receipt, error)
	MintDebt(ctx context.Context, user common.Address, amount *uint256.Int) (engine.Receipt, error)
	RedeemCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (engine.Receipt, error)
	BurnDebt(ctx context.Context, user common.Address, amount *uint256.Int) (engine.Receipt, error)
	DepositAndMint(ctx context.Context, user, asset common.Address, depositAmount, mintAmount *uint256.Int) (engine.Receipt, error)
	RedeemAndBurn(ctx context.Context, user, asset common.Address, redeemAmount, burnAmount *uint256.Int) (engine.Receipt, error)
	Liquidate(ctx context.Context, liquidator, user, asset common.Address, debtToCover *uint256.Int) (engine.Receipt, error)
}

// Execute runs cmd on e. A non-empty OpID makes the call idempotent.
func Execute(ctx context.Context, e Executor, cmd Command) (engine.Receipt, error) {
	if cmd.OpID != "" {
		ctx = engine.WithOperationID(ctx, cmd.OpID)
	}
	switch cmd.Op {
	case engine.OpDeposit:
		return e.DepositCollateral(ctx, cmd.User, cmd.Asset, cmd.CollateralAmount)
	case engine.OpMint:
		return e.MintDebt(ctx, cmd.User, cmd.DebtAmount)
	case engine.OpRedeem:
		return e.RedeemCollateral(ctx, cmd.User, cmd.Asset, cmd.CollateralAmount)
	case engine.OpBurn:
		return e.BurnDebt(ctx, cmd.User, cmd.DebtAmount)
	case engine.OpDepositAndMint:
		return e.DepositAndMint(ctx, cmd.User, cmd.Asset, cmd.CollateralAmount, cmd.DebtAmount)
	case engine.OpRedeemAndBurn:
		return e.RedeemAndBurn(ctx, cmd.User, cmd.Asset, cmd.CollateralAmount, cmd.DebtAmount)
	case engine.OpLiquidate:
		return e.Liquidate(ctx, cmd.Liquidator, cmd.User, cmd.Asset, cmd.DebtAmount)
	}
	return engine.Receipt{}, fmt.Errorf("%w: unknown operation %q", ErrInvalidCommand, cmd.Op)
}

// Retryable reports whether a failed command may succeed on redelivery.
// Oracle and transfer failures depend on outside state; every other engine
// rejection is final. Duplicates were already applied.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidCommand) {
		return false
	}
	switch engine.ClassOf(err) {
	case engine.ClassOracle, engine.ClassTransfer:
		return true
	case "":
		return !errors.Is(err, context.Canceled)
	}
	return false
}

// CommandProcessor drains the subscriber channel into the engine and settles
// each message: ack when the outcome is final, nak when it may be retried.
type CommandProcessor struct {
	executor  Executor
	inputChan <-chan RawCommand
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewCommandProcessor(executor Executor, inputChan <-chan RawCommand, metrics *observability.Metrics, logger zerolog.Logger) *CommandProcessor {
	return &CommandProcessor{
		executor:  executor,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.ComponentLogger(logger, "ingestion"),
	}
}

// Run blocks until ctx is cancelled or the input closes.
func (cp *CommandProcessor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-cp.inputChan:
			if !ok {
				return nil
			}
			cp.process(ctx, raw)
		}
	}
}

func (cp *CommandProcessor) process(ctx context.Context, raw RawCommand) {
	if cp.metrics != nil {
		cp.metrics.CommandsReceived.WithLabelValues(raw.Op).Inc()
	}

	cmd, err := ParseRawCommand(raw, raw.Op)
	if err != nil {
		if cp.metrics != nil {
			cp.metrics.CommandsInvalid.WithLabelValues(raw.Subject).Inc()
		}
		cp.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping invalid command")
		raw.ack()
		return
	}

	receipt, err := Execute(ctx, cp.executor, cmd)
	switch {
	case err == nil:
		cp.logger.Debug().
			Str("op", cmd.Op).
			Str("op_id", receipt.OpID).
			Int64("sequence", receipt.Sequence).
			Msg("command applied")
		raw.ack()
	case Retryable(err):
		cp.logger.Warn().Err(err).Str("op", cmd.Op).Str("op_id", cmd.OpID).Msg("command failed, requesting redelivery")
		raw.nak()
	default:
		// the engine already logged and counted the rejection
		raw.ack()
	}
}
