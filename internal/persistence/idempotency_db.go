package persistence

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"
)

// PostgresIdempotencyChecker is the second dedup tier: it looks an operation
// id up in the event log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether an operation of opType with idempotencyKey was persisted.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ctx context.Context, opType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE op_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, opType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns up to limit "op:key" pairs of the newest events, oldest
// first, for warming the in-memory tier after a restart.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT op_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var op, key string
		if err := rows.Scan(&op, &key); err != nil {
			return nil, err
		}
		keys = append(keys, op+":"+key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(keys)
	return keys, nil
}
