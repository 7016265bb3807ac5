package projection

import (
	"strings"
	"time"

	"StableLedger/internal/event"
	"StableLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between engine.Output and this.
type ProjectionOutput struct {
	Sequence    int64
	OpType      string
	EventType   string
	Timestamp   time.Time
	Deltas      []BalanceDelta
	Liquidation *LiquidationHistoryEntry
}

// BalanceDelta is a signed change of one user position row.
type BalanceDelta struct {
	User    string
	SubType string // "collateral" or "debt"
	Asset   string
	Amount  string // signed decimal
}

// NewProjectionOutput keeps the user-scope effects of a committed batch.
// User accounts are debit-normal: a debit raises the balance, a credit lowers it.
func NewProjectionOutput(op string, env *event.EventEnvelope, evt event.Event, batch *ledger.Batch) ProjectionOutput {
	out := ProjectionOutput{
		Sequence:  env.Sequence,
		OpType:    op,
		EventType: env.EventType.String(),
		Timestamp: env.Timestamp,
	}
	if batch != nil {
		for _, j := range batch.Journals {
			if d, ok := userDelta(j.DebitAccount, j.Amount.Dec()); ok {
				out.Deltas = append(out.Deltas, d)
			}
			if d, ok := userDelta(j.CreditAccount, "-"+j.Amount.Dec()); ok {
				out.Deltas = append(out.Deltas, d)
			}
		}
	}
	if liq, ok := evt.(*event.Liquidated); ok {
		entry := NewLiquidationHistoryEntry(env.Sequence, env.Timestamp, liq)
		out.Liquidation = &entry
	}
	return out
}

func userDelta(k ledger.AccountKey, amount string) (BalanceDelta, bool) {
	if k.Scope != ledger.AccountScopeUser {
		return BalanceDelta{}, false
	}
	var sub string
	switch k.SubType {
	case ledger.SubTypeCollateral:
		sub = "collateral"
	case ledger.SubTypeDebt:
		sub = "debt"
	default:
		return BalanceDelta{}, false
	}
	return BalanceDelta{
		User:    AddressKey(k.Owner),
		SubType: sub,
		Asset:   AddressKey(k.Asset),
		Amount:  amount,
	}, true
}

// AddressKey is the form addresses take in projection tables.
func AddressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
