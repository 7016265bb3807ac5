package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"StableLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on that channel with a blocking send, so a slow worker
// stalls commits instead of losing events.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.ComponentLogger(logger, "persistence"),
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*2)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(eventBatch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("events", len(eventBatch)).Msg("flush failed")
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.WithoutCancel(ctx), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "input closed")
				return nil
			}

			eventBatch = append(eventBatch, output.EventRow)
			journalBatch = append(journalBatch, output.JournalRows...)

			if len(eventBatch) >= pw.batchSize {
				flush(ctx, "batch full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On cancellation it makes one last attempt with a detached context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.WithoutCancel(ctx), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

// flush writes events and journals in a single transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, events, tx); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, journals, tx); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}

func (pw *PersistenceWorker) Writer() *EventLogWriter {
	return pw.writer
}
