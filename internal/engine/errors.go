package engine

import (
	"errors"
	"fmt"

	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Class groups engine errors by how a caller should react to them.
type Class string

const (
	ClassValidation  Class = "validation"
	ClassLedger      Class = "ledger"
	ClassInsolvency  Class = "insolvency"
	ClassTransfer    Class = "transfer"
	ClassLiquidation Class = "liquidation"
	ClassOracle      Class = "oracle"
)

// Error is a classified engine error. A class sentinel (empty Msg) matches
// every error of its class under errors.Is.
type Error struct {
	Class Class
	Msg   string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Class) + " error"
	}
	return e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == "" && t.Class == e.Class
}

// Class sentinels.
var (
	ErrValidationClass  = &Error{Class: ClassValidation}
	ErrLedgerClass      = &Error{Class: ClassLedger}
	ErrInsolvencyClass  = &Error{Class: ClassInsolvency}
	ErrTransferClass    = &Error{Class: ClassTransfer}
	ErrLiquidationClass = &Error{Class: ClassLiquidation}
	ErrOracleClass      = &Error{Class: ClassOracle}
)

var (
	ErrZeroAmount         = &Error{ClassValidation, "amount must be greater than zero"}
	ErrUnsupportedAsset   = &Error{ClassValidation, "unsupported collateral asset"}
	ErrConfiguration      = &Error{ClassValidation, "invalid engine configuration"}
	ErrZeroAddress        = &Error{ClassValidation, "zero address"}
	ErrDuplicateOperation = &Error{ClassValidation, "operation already processed"}

	ErrInsufficientCollateral = &Error{ClassLedger, "insufficient collateral"}
	ErrDebtUnderflow          = &Error{ClassLedger, "debt underflow"}
	ErrArithmetic             = &Error{ClassLedger, "arithmetic overflow"}

	ErrInsolvency = &Error{ClassInsolvency, "health factor below minimum"}

	ErrTransfer = &Error{ClassTransfer, "token transfer failed"}
	ErrMint     = &Error{ClassTransfer, "debt token mint failed"}

	ErrHealthFactorOk          = &Error{ClassLiquidation, "health factor is not below minimum"}
	ErrHealthFactorNotImproved = &Error{ClassLiquidation, "liquidation did not improve health factor"}

	ErrPriceUnavailable = &Error{ClassOracle, "price unavailable"}
)

// ClassOf returns the class of err, or "" for unclassified errors.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// HealthFactorError reports the health factor that broke the minimum.
type HealthFactorError struct {
	User         common.Address
	HealthFactor *uint256.Int
}

func (e *HealthFactorError) Error() string {
	return fmt.Sprintf("%s: %s has %s", ErrInsolvency.Msg, e.User.Hex(), e.HealthFactor.Dec())
}

func (e *HealthFactorError) Unwrap() error { return ErrInsolvency }

// classify maps ledger, math and registry errors onto engine sentinels,
// keeping the cause in the chain.
func classify(err error) error {
	if err == nil || ClassOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		return fmt.Errorf("%w: %w", ErrInsufficientCollateral, err)
	case errors.Is(err, ledger.ErrDebtUnderflow):
		return fmt.Errorf("%w: %w", ErrDebtUnderflow, err)
	case errors.Is(err, fpmath.ErrArithmetic):
		return fmt.Errorf("%w: %w", ErrArithmetic, err)
	case errors.Is(err, registry.ErrUnsupportedAsset):
		return fmt.Errorf("%w: %w", ErrUnsupportedAsset, err)
	}
	return err
}

// classifyValuation is classify for errors raised while pricing a position.
// Anything not recognized (missing, stale or zero prices, RPC failures) is an
// oracle failure.
func classifyValuation(err error) error {
	if err == nil {
		return nil
	}
	if c := classify(err); ClassOf(c) != "" {
		return c
	}
	return fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
}
