package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"StableLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Name of the watermark row owned by ProjectionWorker.
const Name = "main"

// ProjectionWorker updates projection tables from committed operations.
// The projection channel is non-blocking with drop: if projections fall
// behind they are rebuilt from the event log with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.ComponentLogger(logger, "projection"),
	}
}

// LastSequence is the last sequence applied by Run.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run starts the projection worker loop. Outputs at or below the stored
// watermark are skipped, so replays after a restart are harmless.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := LoadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	pw.lastSeq = seq

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Sequence <= pw.lastSeq {
				continue
			}
			if pw.lastSeq > 0 && output.Sequence > pw.lastSeq+1 {
				pw.logger.Warn().
					Int64("last_sequence", pw.lastSeq).
					Int64("sequence", output.Sequence).
					Msg("projection gap, rebuild from the event log to recover")
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output); err != nil {
				// projections are eventually consistent and can be rebuilt
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(Name).Observe(time.Since(start).Seconds())
			}
			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range output.Deltas {
		if err := applyDelta(ctx, tx, output, d); err != nil {
			return fmt.Errorf("%s projection: %w", d.SubType, err)
		}
	}

	if output.Liquidation != nil {
		if err := insertLiquidation(ctx, tx, output.Liquidation); err != nil {
			return fmt.Errorf("liquidation history: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, Name, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func applyDelta(ctx context.Context, tx *sql.Tx, output ProjectionOutput, d BalanceDelta) error {
	switch d.SubType {
	case "collateral":
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.collateral_balances (user_addr, asset, amount, last_sequence, updated_at)
			VALUES ($1, $2, $3::numeric, $4, $5)
			ON CONFLICT (user_addr, asset)
			DO UPDATE SET amount = projections.collateral_balances.amount + EXCLUDED.amount,
			              last_sequence = EXCLUDED.last_sequence,
			              updated_at = EXCLUDED.updated_at
		`, d.User, d.Asset, d.Amount, output.Sequence, output.Timestamp)
		return err
	case "debt":
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.debts (user_addr, amount, last_sequence, updated_at)
			VALUES ($1, $2::numeric, $3, $4)
			ON CONFLICT (user_addr)
			DO UPDATE SET amount = projections.debts.amount + EXCLUDED.amount,
			              last_sequence = EXCLUDED.last_sequence,
			              updated_at = EXCLUDED.updated_at
		`, d.User, d.Amount, output.Sequence, output.Timestamp)
		return err
	}
	return fmt.Errorf("unknown sub-type %q", d.SubType)
}

// LoadWatermark returns the last sequence applied to the projections, zero
// when they were never written.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = $1
	`, Name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildProjections rebuilds all projection tables from the event log.
// Run it with the projection worker stopped.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []struct {
		name string
		sql  string
	}{
		{"truncate", `TRUNCATE projections.collateral_balances, projections.debts, projections.liquidation_history`},
		{"collateral", `
			INSERT INTO projections.collateral_balances (user_addr, asset, amount, last_sequence, updated_at)
			SELECT lower(split_part(acct, ':', 2)), lower(split_part(acct, ':', 4)), SUM(delta), MAX(sequence), NOW()
			FROM (
				SELECT debit_account AS acct, amount AS delta, sequence
				FROM event_log.journal WHERE debit_account LIKE 'user:%:collateral:%'
				UNION ALL
				SELECT credit_account, -amount, sequence
				FROM event_log.journal WHERE credit_account LIKE 'user:%:collateral:%'
			) d
			GROUP BY 1, 2`},
		{"debt", `
			INSERT INTO projections.debts (user_addr, amount, last_sequence, updated_at)
			SELECT lower(split_part(acct, ':', 2)), SUM(delta), MAX(sequence), NOW()
			FROM (
				SELECT debit_account AS acct, amount AS delta, sequence
				FROM event_log.journal WHERE debit_account LIKE 'user:%:debt:%'
				UNION ALL
				SELECT credit_account, -amount, sequence
				FROM event_log.journal WHERE credit_account LIKE 'user:%:debt:%'
			) d
			GROUP BY 1`},
		{"liquidations", `
			INSERT INTO projections.liquidation_history
				(sequence, op_id, liquidator, user_addr, asset, debt_covered,
				 collateral_seized, bonus, hf_before, hf_after, timestamp)
			SELECT sequence,
			       payload->>'op_id',
			       lower(payload->>'liquidator'),
			       lower(payload->>'user'),
			       lower(payload->>'asset'),
			       (payload->>'debt_covered')::numeric,
			       (payload->>'collateral_seized')::numeric,
			       (payload->>'bonus')::numeric,
			       (payload->>'health_factor_before')::numeric,
			       (payload->>'health_factor_after')::numeric,
			       timestamp
			FROM event_log.events
			WHERE event_type = 'Liquidated'`},
		{"watermark", `
			INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
			SELECT '` + Name + `', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
			ON CONFLICT (projection_name) DO UPDATE
				SET last_sequence = EXCLUDED.last_sequence, updated_at = EXCLUDED.updated_at`},
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("rebuild %s: %w", stmt.name, err)
		}
	}
	return tx.Commit()
}
