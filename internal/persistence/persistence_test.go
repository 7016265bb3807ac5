package persistence_test

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"StableLedger/internal/event"
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/persistence"
	"StableLedger/internal/testutil"
	"StableLedger/migrations"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	dsc   = testutil.Addr(0xD5C)
	weth  = testutil.Addr(0xE1)
	alice = testutil.Addr(1)
	bob   = testutil.Addr(2)
)

// committed builds a short history on a fresh store and returns the rows a
// persist channel would have carried.
func committed(t *testing.T) (*ledger.Store, []persistence.CoreOutput) {
	t.Helper()
	store := ledger.NewStore(dsc)

	ops := []struct {
		op    string
		et    event.EventType
		stage func(*ledger.Txn) error
	}{
		{"deposit", event.EventTypeCollateralDeposited, func(txn *ledger.Txn) error {
			return txn.Collateral().Deposit(alice, weth, fpmath.Units(10))
		}},
		{"mint", event.EventTypeDebtMinted, func(txn *ledger.Txn) error {
			return txn.Debts().Mint(alice, fpmath.Units(500))
		}},
		{"redeem_and_burn", event.EventTypeRedeemedAndBurned, func(txn *ledger.Txn) error {
			if err := txn.Debts().Burn(alice, alice, fpmath.Units(100)); err != nil {
				return err
			}
			return txn.Collateral().Withdraw(alice, bob, weth, fpmath.Units(1))
		}},
	}

	var outs []persistence.CoreOutput
	for i, op := range ops {
		seq := int64(i + 1)
		key := "op-" + op.op
		txn := store.Stage(key, int64(1000+i))
		require.NoError(t, op.stage(txn))
		batch, err := store.Commit(txn, seq, nil)
		require.NoError(t, err)

		env := &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: key,
			EventType:      op.et,
			Account:        alice,
			Timestamp:      time.Unix(1_700_000_000+int64(i), 0).UTC(),
			Payload:        []byte(`{}`),
			StateHash:      [32]byte{byte(seq)},
			PrevHash:       [32]byte{byte(seq - 1)},
		}
		outs = append(outs, persistence.NewCoreOutput(op.op, env, batch))
	}
	return store, outs
}

func TestNewCoreOutput(t *testing.T) {
	_, outs := committed(t)
	require.Len(t, outs, 3)

	ev := outs[2].EventRow
	assert.Equal(t, int64(3), ev.Sequence)
	assert.Equal(t, "redeem_and_burn", ev.OpType)
	assert.Equal(t, event.EventTypeRedeemedAndBurned.String(), ev.EventType)
	assert.Equal(t, alice.Hex(), ev.Account)
	assert.Len(t, ev.StateHash, 32)

	rows := outs[2].JournalRows
	require.Len(t, rows, 2)
	assert.Equal(t, 0, rows[0].Idx)
	assert.Equal(t, 1, rows[1].Idx)
	assert.Equal(t, fpmath.Units(100).Dec(), rows[0].Amount)
	assert.Equal(t, dsc.Hex(), rows[0].Asset)
	assert.Equal(t, int32(ledger.JournalTypeCollateralWithdraw), rows[1].JournalType)
}

func TestBatchFromRows_ReplaysToSameState(t *testing.T) {
	src, outs := committed(t)

	dst := ledger.NewStore(dsc)
	for _, o := range outs {
		batch, err := persistence.BatchFromRows(o.JournalRows)
		require.NoError(t, err)
		require.NoError(t, dst.ApplyBatch(batch, nil))
	}

	assert.Equal(t, src.Sequence(), dst.Sequence())
	assert.Equal(t, src.Snapshot().Balances, dst.Snapshot().Balances)
}

func TestBatchFromRows_Rejects(t *testing.T) {
	_, outs := committed(t)

	_, err := persistence.BatchFromRows(nil)
	assert.Error(t, err)

	mixed := append([]persistence.JournalRow{}, outs[0].JournalRows...)
	mixed = append(mixed, outs[1].JournalRows...)
	_, err = persistence.BatchFromRows(mixed)
	assert.Error(t, err)

	bad := append([]persistence.JournalRow{}, outs[0].JournalRows...)
	bad[0].DebitAccount = "vault:nowhere"
	_, err = persistence.BatchFromRows(bad)
	assert.Error(t, err)
}

func TestPostgresRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, migrations.FS).Up(ctx)
	require.NoError(t, err)

	src, outs := committed(t)
	in := make(chan persistence.CoreOutput, len(outs))
	for _, o := range outs {
		in <- o
	}
	close(in)

	worker := persistence.NewPersistenceWorker(db, in, 2, 50*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	batches, err := sm.LoadBatchesFrom(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, int64(2), batches[0].Batch.Sequence)
	assert.Equal(t, [32]byte{3}, batches[1].StateHash)

	dup := persistence.NewPostgresIdempotencyChecker(db)
	found, err := dup.IsDuplicate(ctx, "mint", "op-mint")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = dup.IsDuplicate(ctx, "deposit", "op-mint")
	require.NoError(t, err)
	assert.False(t, found)

	keys, err := dup.RecentKeys(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"mint:op-mint", "redeem_and_burn:op-redeem_and_burn"}, keys)

	snap := src.Snapshot()
	tip := [32]byte{3}
	snap.StateHash = hex.EncodeToString(tip[:])
	_, err = sm.SaveSnapshot(ctx, persistence.NewSnapshotData(snap, keys, time.Now()))
	require.NoError(t, err)

	none, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "unverified snapshots are not loaded")

	ok, err := sm.VerifyAgainstLog(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap, loaded.Ledger)
	assert.Equal(t, keys, loaded.IdempotencyKeys)
}
