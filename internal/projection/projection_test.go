package projection_test

import (
	"context"
	"testing"
	"time"

	"StableLedger/internal/event"
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/persistence"
	"StableLedger/internal/projection"
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

type committedOp struct {
	op    string
	env   *event.EventEnvelope
	evt   event.Event
	batch *ledger.Batch
}

// history deposits and mints for alice, then has bob liquidate part of it.
func history(t *testing.T) []committedOp {
	t.Helper()
	store := ledger.NewStore(dsc)

	liq := &event.Liquidated{
		OpID:               "op-liquidate",
		Liquidator:         bob,
		User:               alice,
		Asset:              weth,
		DebtCovered:        fpmath.Units(100),
		CollateralSeized:   fpmath.Units(2),
		Bonus:              fpmath.MustFromDecimal("181818181818181818"),
		HealthFactorBefore: fpmath.MustFromDecimal("900000000000000000"),
		HealthFactorAfter:  fpmath.MustFromDecimal("1100000000000000000"),
	}

	steps := []struct {
		op    string
		evt   event.Event
		stage func(*ledger.Txn) error
	}{
		{"deposit", &event.CollateralDeposited{OpID: "op-deposit", User: alice, Asset: weth, Amount: fpmath.Units(10)},
			func(txn *ledger.Txn) error { return txn.Collateral().Deposit(alice, weth, fpmath.Units(10)) }},
		{"mint", &event.DebtMinted{OpID: "op-mint", User: alice, Amount: fpmath.Units(500)},
			func(txn *ledger.Txn) error { return txn.Debts().Mint(alice, fpmath.Units(500)) }},
		{"liquidate", liq, func(txn *ledger.Txn) error {
			if err := txn.Collateral().Seize(alice, bob, weth, fpmath.Units(2)); err != nil {
				return err
			}
			return txn.Debts().Repay(alice, bob, fpmath.Units(100))
		}},
	}

	var ops []committedOp
	for i, s := range steps {
		seq := int64(i + 1)
		txn := store.Stage(s.evt.IdempotencyKey(), int64(1000+i))
		require.NoError(t, s.stage(txn))
		batch, err := store.Commit(txn, seq, nil)
		require.NoError(t, err)

		payload, err := event.Encode(s.evt)
		require.NoError(t, err)
		ops = append(ops, committedOp{
			op: s.op,
			env: &event.EventEnvelope{
				Sequence:       seq,
				IdempotencyKey: s.evt.IdempotencyKey(),
				EventType:      s.evt.EventType(),
				Account:        s.evt.Account(),
				Timestamp:      time.Unix(1_700_000_000+int64(i), 0).UTC(),
				Payload:        payload,
				StateHash:      [32]byte{byte(seq)},
				PrevHash:       [32]byte{byte(seq - 1)},
			},
			evt:   s.evt,
			batch: batch,
		})
	}
	return ops
}

func TestNewProjectionOutput_UserDeltasOnly(t *testing.T) {
	ops := history(t)

	dep := projection.NewProjectionOutput(ops[0].op, ops[0].env, ops[0].evt, ops[0].batch)
	require.Len(t, dep.Deltas, 1)
	assert.Equal(t, projection.BalanceDelta{
		User:    projection.AddressKey(alice),
		SubType: "collateral",
		Asset:   projection.AddressKey(weth),
		Amount:  fpmath.Units(10).Dec(),
	}, dep.Deltas[0])
	assert.Nil(t, dep.Liquidation)
	assert.Equal(t, "CollateralDeposited", dep.EventType)

	liq := projection.NewProjectionOutput(ops[2].op, ops[2].env, ops[2].evt, ops[2].batch)
	require.Len(t, liq.Deltas, 2)
	assert.Equal(t, "collateral", liq.Deltas[0].SubType)
	assert.Equal(t, "-"+fpmath.Units(2).Dec(), liq.Deltas[0].Amount)
	assert.Equal(t, "debt", liq.Deltas[1].SubType)
	assert.Equal(t, "-"+fpmath.Units(100).Dec(), liq.Deltas[1].Amount)

	require.NotNil(t, liq.Liquidation)
	assert.Equal(t, int64(3), liq.Liquidation.Sequence)
	assert.Equal(t, projection.AddressKey(bob), liq.Liquidation.Liquidator)
	assert.Equal(t, "181818181818181818", liq.Liquidation.Bonus)
	assert.Equal(t, "1100000000000000000", liq.Liquidation.HFAfter)
}

func TestProjectionWorker_MatchesRebuild(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, migrations.FS).Up(ctx)
	require.NoError(t, err)

	ops := history(t)
	persistIn := make(chan persistence.CoreOutput, len(ops))
	projIn := make(chan projection.ProjectionOutput, len(ops)+1)
	for _, o := range ops {
		persistIn <- persistence.NewCoreOutput(o.op, o.env, o.batch)
		projIn <- projection.NewProjectionOutput(o.op, o.env, o.evt, o.batch)
	}
	// a redelivered output must not be applied twice
	projIn <- projection.NewProjectionOutput(ops[1].op, ops[1].env, ops[1].evt, ops[1].batch)
	close(persistIn)
	close(projIn)

	require.NoError(t, persistence.NewPersistenceWorker(db, persistIn, 10, 20*time.Millisecond, nil, zerolog.Nop()).Run(ctx))

	worker := projection.NewProjectionWorker(db, projIn, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))
	assert.Equal(t, int64(3), worker.LastSequence())

	type state struct {
		collateral, debt string
		liquidations     int
		watermark        int64
	}
	read := func() state {
		var s state
		require.NoError(t, db.QueryRowContext(ctx, `
			SELECT amount::text FROM projections.collateral_balances WHERE user_addr = $1 AND asset = $2
		`, projection.AddressKey(alice), projection.AddressKey(weth)).Scan(&s.collateral))
		require.NoError(t, db.QueryRowContext(ctx, `
			SELECT amount::text FROM projections.debts WHERE user_addr = $1
		`, projection.AddressKey(alice)).Scan(&s.debt))
		require.NoError(t, db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM projections.liquidation_history WHERE liquidator = $1
		`, projection.AddressKey(bob)).Scan(&s.liquidations))
		wm, err := projection.LoadWatermark(ctx, db)
		require.NoError(t, err)
		s.watermark = wm
		return s
	}

	want := state{
		collateral:   fpmath.Units(8).Dec(),
		debt:         fpmath.Units(400).Dec(),
		liquidations: 1,
		watermark:    3,
	}
	assert.Equal(t, want, read())

	require.NoError(t, projection.RebuildProjections(ctx, db))
	assert.Equal(t, want, read())
}
