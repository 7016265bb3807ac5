package persistence

import (
	"fmt"
	"time"

	"StableLedger/internal/event"
	"StableLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	OpType         string
	EventType      string
	IdempotencyKey string
	Account        string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	Idx           int // position inside the batch; replay order
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // NUMERIC(78,0)
	JournalType   int32
	Timestamp     int64
}

// CoreOutput is one committed operation flattened into rows.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// NewCoreOutput flattens a committed envelope and its journal batch.
func NewCoreOutput(op string, env *event.EventEnvelope, batch *ledger.Batch) CoreOutput {
	out := CoreOutput{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			OpType:         op,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Account:        env.Account.Hex(),
			Payload:        env.Payload,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
		},
	}
	if batch == nil {
		return out
	}
	out.JournalRows = make([]JournalRow, 0, len(batch.Journals))
	for i, j := range batch.Journals {
		out.JournalRows = append(out.JournalRows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      batch.Sequence,
			Idx:           i,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.DebitAccount.Asset.Hex(),
			Amount:        j.Amount.Dec(),
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return out
}

// Journal rebuilds the ledger journal stored in r.
func (r JournalRow) Journal() (ledger.Journal, error) {
	journalID, err := uuid.Parse(r.JournalID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal_id: %w", err)
	}
	batchID, err := uuid.Parse(r.BatchID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("batch_id: %w", err)
	}
	debit, err := ledger.ParseAccountPath(r.DebitAccount)
	if err != nil {
		return ledger.Journal{}, err
	}
	credit, err := ledger.ParseAccountPath(r.CreditAccount)
	if err != nil {
		return ledger.Journal{}, err
	}
	amount, err := uint256.FromDecimal(r.Amount)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("amount %q: %w", r.Amount, err)
	}
	return ledger.Journal{
		JournalID:     journalID,
		BatchID:       batchID,
		EventRef:      r.EventRef,
		Sequence:      r.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   ledger.JournalType(r.JournalType),
		Timestamp:     r.Timestamp,
	}, nil
}

// BatchFromRows rebuilds the batch of one sequence. rows must be ordered by Idx.
func BatchFromRows(rows []JournalRow) (*ledger.Batch, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("no journal rows")
	}
	batch := &ledger.Batch{
		Sequence:  rows[0].Sequence,
		EventRef:  rows[0].EventRef,
		Timestamp: rows[0].Timestamp,
		Journals:  make([]ledger.Journal, 0, len(rows)),
	}
	for _, r := range rows {
		if r.Sequence != batch.Sequence {
			return nil, fmt.Errorf("journal %s: sequence %d in batch %d", r.JournalID, r.Sequence, batch.Sequence)
		}
		j, err := r.Journal()
		if err != nil {
			return nil, fmt.Errorf("journal %s: %w", r.JournalID, err)
		}
		batch.BatchID = j.BatchID
		batch.Journals = append(batch.Journals, j)
	}
	return batch, nil
}

// ReplayBatch is a persisted operation ready to be re-applied.
type ReplayBatch struct {
	Batch     *ledger.Batch
	StateHash [32]byte
}
