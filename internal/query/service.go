package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"StableLedger/internal/projection"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Role selects which side of a liquidation a history query matches.
type Role string

const (
	RoleUser       Role = "user"
	RoleLiquidator Role = "liquidator"
)

// QueryService provides read-only access to projection tables and the
// journal. Projection responses carry as_of_sequence, the projection watermark.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetPosition returns a user's projected collateral balances and debt.
func (qs *QueryService) GetPosition(ctx context.Context, user common.Address) (*PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	key := projection.AddressKey(user)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, amount::text, last_sequence
		FROM projections.collateral_balances
		WHERE user_addr = $1 AND amount > 0
		ORDER BY asset
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PositionResponse{User: key, Debt: "0", AsOfSequence: asOfSeq}
	for rows.Next() {
		b := CollateralBalanceResponse{User: key}
		if err := rows.Scan(&b.Asset, &b.Amount, &b.LastSequence); err != nil {
			return nil, err
		}
		resp.Collateral = append(resp.Collateral, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT amount::text FROM projections.debts WHERE user_addr = $1
	`, key).Scan(&resp.Debt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return resp, nil
}

// GetLiquidationHistory returns liquidations where account had the given
// role, newest first. beforeSequence is the cursor from the previous page.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	account common.Address,
	role Role,
	limit int,
	beforeSequence *int64,
) ([]LiquidationResponse, error) {
	column := "user_addr"
	switch role {
	case RoleUser, "":
	case RoleLiquidator:
		column = "liquidator"
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, op_id, liquidator, user_addr, asset, debt_covered::text,
		       collateral_seized::text, bonus::text, hf_before::text, hf_after::text, timestamp
		FROM projections.liquidation_history
		WHERE ` + column + ` = $1`
	args := []interface{}{projection.AddressKey(account)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var (
			r  LiquidationResponse
			ts time.Time
		)
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.Sequence, &r.OpID, &r.Liquidator, &r.User, &r.Asset, &r.DebtCovered,
			&r.CollateralSeized, &r.Bonus, &r.HealthFactorBefore, &r.HealthFactorAfter, &ts,
		); err != nil {
			return nil, err
		}
		r.Timestamp = ts.UnixMicro()
		results = append(results, r)
	}

	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's accounts,
// newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	user common.Address,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", user.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, idx DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the event log and, when the
// projections are caught up, that projected totals match the journal.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM event_log.events
	`).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	breaks, err := qs.hashChainBreaks(ctx)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	report.HashChainBreaks = breaks

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.ProjectionsStale = watermark != report.LastSequence

	if !report.ProjectionsStale {
		if report.Drift, err = qs.projectionDrift(ctx); err != nil {
			return nil, fmt.Errorf("projection drift: %w", err)
		}
		if err := qs.db.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM projections.collateral_balances WHERE amount < 0)
			     + (SELECT COUNT(*) FROM projections.debts WHERE amount < 0)
		`).Scan(&report.NegativeBalances); err != nil {
			return nil, err
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.Drift) == 0 &&
		report.NegativeBalances == 0
	return report, nil
}

func (qs *QueryService) hashChainBreaks(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > (SELECT MIN(sequence) FROM event_log.events)
		  AND (e2.sequence IS NULL OR e1.prev_hash <> e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}

func (qs *QueryService) projectionDrift(ctx context.Context) ([]AssetDrift, error) {
	rows, err := qs.db.QueryContext(ctx, `
		WITH deltas AS (
			SELECT debit_account AS acct, amount AS delta
			FROM event_log.journal WHERE debit_account LIKE 'user:%'
			UNION ALL
			SELECT credit_account, -amount
			FROM event_log.journal WHERE credit_account LIKE 'user:%'
		),
		journaled AS (
			SELECT split_part(acct, ':', 3) AS sub, lower(split_part(acct, ':', 4)) AS asset, SUM(delta) AS total
			FROM deltas GROUP BY 1, 2
		),
		projected AS (
			SELECT 'collateral' AS sub, asset, SUM(amount) AS total
			FROM projections.collateral_balances GROUP BY asset
		)
		SELECT COALESCE(j.asset, p.asset), COALESCE(p.total, 0)::text, COALESCE(j.total, 0)::text
		FROM (SELECT * FROM journaled WHERE sub = 'collateral') j
		FULL OUTER JOIN projected p ON p.asset = j.asset
		WHERE COALESCE(j.total, 0) <> COALESCE(p.total, 0)
		UNION ALL
		SELECT j.asset, d.total::text, j.total::text
		FROM journaled j
		CROSS JOIN (SELECT COALESCE(SUM(amount), 0) AS total FROM projections.debts) d
		WHERE j.sub = 'debt' AND j.total <> d.total
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drift []AssetDrift
	for rows.Next() {
		var d AssetDrift
		if err := rows.Scan(&d.Asset, &d.Projected, &d.Journaled); err != nil {
			return nil, err
		}
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	return projection.LoadWatermark(ctx, qs.db)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
