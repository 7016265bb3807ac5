package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and journals to Postgres using multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events.
// Re-writing a sequence is a no-op.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, ex execer) error {
	if len(events) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	const cols = 9
	query := `INSERT INTO event_log.events
		(sequence, op_type, event_type, idempotency_key, account, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.OpType, e.EventType, e.IdempotencyKey, e.Account,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, journals []JournalRow, ex execer) error {
	if len(journals) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	const cols = 11
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, idx, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.Idx,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
