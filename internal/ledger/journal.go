package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCollateralDeposit JournalType = iota
	JournalTypeCollateralWithdraw
	JournalTypeDebtMint
	JournalTypeDebtBurn
	JournalTypeLiquidationSeize
	JournalTypeLiquidationRepay
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeCollateralDeposit:
		return "collateral_deposit"
	case JournalTypeCollateralWithdraw:
		return "collateral_withdraw"
	case JournalTypeDebtMint:
		return "debt_mint"
	case JournalTypeDebtBurn:
		return "debt_burn"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // idempotency key of the originating command
	Sequence      int64
	DebitAccount  AccountKey   // balance increases
	CreditAccount AccountKey   // balance decreases
	Amount        *uint256.Int // always positive, 18 decimals
	JournalType   JournalType
	Timestamp     int64 // epoch microseconds
}

// Batch is the set of journal entries produced by one committed operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves a single positive amount between two accounts, so every
// entry is balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.CreditAccount.Asset {
			return fmt.Errorf("journal %s moves between different assets", j.JournalID)
		}
	}

	return nil
}
