package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"StableLedger/internal/ledger"

	"github.com/google/uuid"
)

// SnapshotManager stores ledger snapshots and reads the event log back for
// recovery: load the latest verified snapshot, then replay from its sequence.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the persisted form of a snapshot.
type SnapshotData struct {
	Sequence        int64                `json:"sequence"`
	StateHash       string               `json:"state_hash"`
	Ledger          ledger.StoreSnapshot `json:"ledger"`
	IdempotencyKeys []string             `json:"idempotency_keys"`
	CreatedAt       time.Time            `json:"created_at"`
}

// NewSnapshotData wraps a store snapshot.
func NewSnapshotData(snap ledger.StoreSnapshot, keys []string, now time.Time) *SnapshotData {
	return &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       snap.StateHash,
		Ledger:          snap,
		IdempotencyKeys: keys,
		CreatedAt:       now.UTC(),
	}
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists snap unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	const formatVersion = 1 // JSON SnapshotData
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the newest verified snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot usable for recovery. A snapshot is verified
// once its state hash matched the event log at the same sequence.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// VerifyAgainstLog marks the snapshot at sequence verified if its state hash
// equals the hash the event log recorded for that sequence.
func (sm *SnapshotManager) VerifyAgainstLog(ctx context.Context, sequence int64) (bool, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.events e
		WHERE s.sequence = $1 AND e.sequence = s.sequence
		  AND encode(e.state_hash, 'hex') = s.state_hash
	`, sequence)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PruneSnapshots deletes all but the newest keep verified snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence < (
			SELECT COALESCE(MIN(sequence), 0) FROM (
				SELECT sequence FROM event_log.snapshots
				WHERE verified = TRUE
				ORDER BY sequence DESC
				LIMIT $1
			) newest
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadBatchesFrom loads up to limit committed batches with sequence > after,
// in order, together with the state hash the event log recorded for each.
func (sm *SnapshotManager) LoadBatchesFrom(ctx context.Context, after int64, limit int) ([]ReplayBatch, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT e.sequence, e.state_hash,
		       j.journal_id, j.batch_id, j.event_ref, j.idx, j.debit_account,
		       j.credit_account, j.asset, j.amount::text, j.journal_type, j.timestamp
		FROM (
			SELECT sequence, state_hash FROM event_log.events
			WHERE sequence > $1
			ORDER BY sequence ASC
			LIMIT $2
		) e
		JOIN event_log.journal j ON j.sequence = e.sequence
		ORDER BY e.sequence ASC, j.idx ASC
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out     []ReplayBatch
		pending []JournalRow
		hash    []byte
	)
	emit := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch, err := BatchFromRows(pending)
		if err != nil {
			return err
		}
		rb := ReplayBatch{Batch: batch}
		copy(rb.StateHash[:], hash)
		out = append(out, rb)
		pending = pending[:0]
		return nil
	}

	for rows.Next() {
		var (
			seq       int64
			stateHash []byte
			r         JournalRow
		)
		if err := rows.Scan(&seq, &stateHash,
			&r.JournalID, &r.BatchID, &r.EventRef, &r.Idx, &r.DebitAccount,
			&r.CreditAccount, &r.Asset, &r.Amount, &r.JournalType, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		r.Sequence = seq
		if len(pending) > 0 && pending[0].Sequence != seq {
			if err := emit(); err != nil {
				return nil, err
			}
		}
		hash = stateHash
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := emit(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
