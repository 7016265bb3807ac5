package projection

import (
	"context"
	"database/sql"
	"time"

	"StableLedger/internal/event"

	"github.com/holiman/uint256"
)

// LiquidationHistoryEntry is one row of projections.liquidation_history.
// Amounts are decimal strings in the ledger's 18-decimal units.
type LiquidationHistoryEntry struct {
	Sequence         int64
	OpID             string
	Liquidator       string
	User             string
	Asset            string
	DebtCovered      string
	CollateralSeized string // bonus included
	Bonus            string
	HFBefore         string
	HFAfter          string
	Timestamp        time.Time
}

func NewLiquidationHistoryEntry(seq int64, ts time.Time, evt *event.Liquidated) LiquidationHistoryEntry {
	return LiquidationHistoryEntry{
		Sequence:         seq,
		OpID:             evt.OpID,
		Liquidator:       AddressKey(evt.Liquidator),
		User:             AddressKey(evt.User),
		Asset:            AddressKey(evt.Asset),
		DebtCovered:      dec(evt.DebtCovered),
		CollateralSeized: dec(evt.CollateralSeized),
		Bonus:            dec(evt.Bonus),
		HFBefore:         dec(evt.HealthFactorBefore),
		HFAfter:          dec(evt.HealthFactorAfter),
		Timestamp:        ts,
	}
}

func dec(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, e *LiquidationHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, op_id, liquidator, user_addr, asset, debt_covered,
			 collateral_seized, bonus, hf_before, hf_after, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10::numeric, $11)
		ON CONFLICT (sequence) DO NOTHING
	`, e.Sequence, e.OpID, e.Liquidator, e.User, e.Asset, e.DebtCovered,
		e.CollateralSeized, e.Bonus, e.HFBefore, e.HFAfter, e.Timestamp)
	return err
}
