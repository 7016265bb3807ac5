package engine

import (
	"encoding/hex"
	"fmt"

	"StableLedger/internal/ledger"
	"StableLedger/internal/registry"

	"github.com/holiman/uint256"
)

// Snapshot captures the ledger at a commit boundary.
func (e *PositionEngine) Snapshot() ledger.StoreSnapshot {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.store.Snapshot()
}

// Restore replaces the ledger with snap and moves the hash chain tip to the
// snapshot's state hash. Call it before serving operations.
func (e *PositionEngine) Restore(snap ledger.StoreSnapshot) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.store.Restore(snap); err != nil {
		return fmt.Errorf("restore store: %w", err)
	}
	e.hasher.SetPrevHash(e.store.StateHash())
	if e.metrics != nil {
		e.metrics.Sequence.Set(float64(snap.Sequence))
	}
	e.logger.Info().
		Int64("sequence", snap.Sequence).
		Str("state_hash", snap.StateHash).
		Int("balances", len(snap.Balances)).
		Msg("ledger restored from snapshot")
	return nil
}

// Replay applies an already committed batch and checks that the recomputed
// state hash equals want. A zero want skips the check.
func (e *PositionEngine) Replay(batch *ledger.Batch, want [32]byte) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	tip := e.hasher.GetPrevHash()
	err := e.store.ApplyBatch(batch, func(b *ledger.Batch, balanceOf func(ledger.AccountKey) *uint256.Int) [32]byte {
		return e.hasher.ComputeHash(b.Sequence, StateDigest(b, balanceOf))
	})
	if err != nil {
		e.hasher.SetPrevHash(tip)
		return fmt.Errorf("replay batch %d: %w", batch.Sequence, err)
	}

	got := e.hasher.GetPrevHash()
	if want != ([32]byte{}) && got != want {
		return fmt.Errorf("replay batch %d: state hash %s, event log has %s",
			batch.Sequence, hex.EncodeToString(got[:]), hex.EncodeToString(want[:]))
	}
	if e.metrics != nil {
		e.metrics.Sequence.Set(float64(batch.Sequence))
	}
	return nil
}

// WarmIdempotency preloads recently committed operation keys, formatted as
// "<op>:<id>", into the in-memory dedup tier.
func (e *PositionEngine) WarmIdempotency(keys []string) {
	e.idempotency.Warm(keys)
}

// IdempotencyKeys returns the keys held by the in-memory dedup tier, for
// inclusion in snapshots.
func (e *PositionEngine) IdempotencyKeys() []string {
	return e.idempotency.Keys()
}

// Sequence returns the last committed sequence.
func (e *PositionEngine) Sequence() int64 { return e.store.Sequence() }

// StateHash returns the state hash of the last committed sequence.
func (e *PositionEngine) StateHash() [32]byte { return e.store.StateHash() }

func (e *PositionEngine) Registry() *registry.Registry { return e.registry }

func (e *PositionEngine) Store() *ledger.Store { return e.store }
