package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"StableLedger/internal/engine"
	"StableLedger/internal/event"
	"StableLedger/internal/ingestion"
	"StableLedger/internal/observability"
	"StableLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	op     string
	args   []common.Address
	amount []string
}

// recorder is an Executor that records calls and fails with err.
type recorder struct {
	calls []call
	err   error
}

func (r *recorder) record(_ context.Context, op string, args []common.Address, amounts ...*uint256.Int) (engine.Receipt, error) {
	c := call{op: op, args: args}
	for _, a := range amounts {
		c.amount = append(c.amount, a.Dec())
	}
	r.calls = append(r.calls, c)
	if r.err != nil {
		return engine.Receipt{}, r.err
	}
	return engine.Receipt{OpID: "op", Sequence: int64(len(r.calls))}, nil
}

func (r *recorder) DepositCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (engine.Receipt, error) {
	return r.record(ctx, engine.OpDeposit, []common.Address{user, asset}, amount)
}
func (r *recorder) MintDebt(ctx context.Context, user common.Address, amount *uint256.Int) (engine.Receipt, error) {
	return r.record(ctx, engine.OpMint, []common.Address{user}, amount)
}
func (r *recorder) RedeemCollateral(ctx context.Context, user, asset common.Address, amount *uint256.Int) (engine.Receipt, error) {
	return r.record(ctx, engine.OpRedeem, []common.Address{user, asset}, amount)
}
func (r *recorder) BurnDebt(ctx context.Context, user common.Address, amount *uint256.Int) (engine.Receipt, error) {
	return r.record(ctx, engine.OpBurn, []common.Address{user}, amount)
}
func (r *recorder) DepositAndMint(ctx context.Context, user, asset common.Address, dep, mint *uint256.Int) (engine.Receipt, error) {
	return r.record(ctx, engine.OpDepositAndMint, []common.Address{user, asset}, dep, mint)
}
func (r *recorder) RedeemAndBurn(ctx context.Context, user, asset common.Address, redeem, burn *uint256.Int) (engine.Receipt, error) {
	return r.record(ctx, engine.OpRedeemAndBurn, []common.Address{user, asset}, redeem, burn)
}
func (r *recorder) Liquidate(ctx context.Context, liquidator, user, asset common.Address, debt *uint256.Int) (engine.Receipt, error) {
	return r.record(ctx, engine.OpLiquidate, []common.Address{liquidator, user, asset}, debt)
}

func TestExecute_RoutesEveryOperation(t *testing.T) {
	user, liq, weth := testutil.Addr(1), testutil.Addr(2), testutil.Addr(0xE1)
	one, two := uint256.NewInt(1), uint256.NewInt(2)

	tests := []struct {
		cmd  ingestion.Command
		args []common.Address
		amts []string
	}{
		{ingestion.Command{Op: engine.OpDeposit, User: user, Asset: weth, CollateralAmount: one}, []common.Address{user, weth}, []string{"1"}},
		{ingestion.Command{Op: engine.OpMint, User: user, DebtAmount: two}, []common.Address{user}, []string{"2"}},
		{ingestion.Command{Op: engine.OpRedeem, User: user, Asset: weth, CollateralAmount: one}, []common.Address{user, weth}, []string{"1"}},
		{ingestion.Command{Op: engine.OpBurn, User: user, DebtAmount: two}, []common.Address{user}, []string{"2"}},
		{ingestion.Command{Op: engine.OpDepositAndMint, User: user, Asset: weth, CollateralAmount: one, DebtAmount: two}, []common.Address{user, weth}, []string{"1", "2"}},
		{ingestion.Command{Op: engine.OpRedeemAndBurn, User: user, Asset: weth, CollateralAmount: one, DebtAmount: two}, []common.Address{user, weth}, []string{"1", "2"}},
		{ingestion.Command{Op: engine.OpLiquidate, Liquidator: liq, User: user, Asset: weth, DebtAmount: two}, []common.Address{liq, user, weth}, []string{"2"}},
	}

	for _, tc := range tests {
		t.Run(tc.cmd.Op, func(t *testing.T) {
			r := &recorder{}
			_, err := ingestion.Execute(context.Background(), r, tc.cmd)
			require.NoError(t, err)
			require.Len(t, r.calls, 1)
			assert.Equal(t, tc.cmd.Op, r.calls[0].op)
			assert.Equal(t, tc.args, r.calls[0].args)
			assert.Equal(t, tc.amts, r.calls[0].amount)
		})
	}

	_, err := ingestion.Execute(context.Background(), &recorder{}, ingestion.Command{Op: "swap"})
	assert.ErrorIs(t, err, ingestion.ErrInvalidCommand)
}

func TestRetryable(t *testing.T) {
	assert.False(t, ingestion.Retryable(nil))
	assert.False(t, ingestion.Retryable(engine.ErrInsolvency))
	assert.False(t, ingestion.Retryable(engine.ErrDuplicateOperation))
	assert.False(t, ingestion.Retryable(engine.ErrHealthFactorOk))
	assert.False(t, ingestion.Retryable(fmt.Errorf("wrapped: %w", engine.ErrInsufficientCollateral)))
	assert.False(t, ingestion.Retryable(ingestion.ErrInvalidCommand))
	assert.False(t, ingestion.Retryable(context.Canceled))

	assert.True(t, ingestion.Retryable(fmt.Errorf("%w: feed down", engine.ErrPriceUnavailable)))
	assert.True(t, ingestion.Retryable(engine.ErrTransfer))
	assert.True(t, ingestion.Retryable(errors.New("connection reset")))
}

func TestCommandProcessor_AckNak(t *testing.T) {
	payload, err := json.Marshal(map[string]string{"op_id": "m-1", "user": userHex, "amount": "1"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		data     []byte
		execErr  error
		wantAck  bool
		wantCall bool
	}{
		{"applied", payload, nil, true, true},
		{"final rejection", payload, engine.ErrInsolvency, true, true},
		{"oracle down", payload, engine.ErrPriceUnavailable, false, true},
		{"invalid payload", []byte(`{"user":"nope"}`), nil, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metrics := observability.NewMetricsWith(prometheus.NewRegistry())
			r := &recorder{err: tc.execErr}
			in := make(chan ingestion.RawCommand, 1)

			var acked, naked bool
			in <- ingestion.RawCommand{
				Op:      engine.OpMint,
				Subject: "stable.commands.mint.test",
				Data:    tc.data,
				AckFunc: func() { acked = true },
				NakFunc: func() { naked = true },
			}
			close(in)

			require.NoError(t, ingestion.NewCommandProcessor(r, in, metrics, zerolog.Nop()).Run(context.Background()))
			assert.Equal(t, tc.wantAck, acked)
			assert.Equal(t, !tc.wantAck, naked)
			assert.Equal(t, tc.wantCall, len(r.calls) == 1)
			assert.Equal(t, 1.0, promtest.ToFloat64(metrics.CommandsReceived.WithLabelValues(engine.OpMint)))
			if !tc.wantCall {
				assert.Equal(t, 1.0, promtest.ToFloat64(metrics.CommandsInvalid.WithLabelValues("stable.commands.mint.test")))
			}
		})
	}
}

// fakeJetStream records publishes; every other method panics.
type fakeJetStream struct {
	jetstream.JetStream
	subjects []string
	data     [][]byte
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.subjects = append(f.subjects, subject)
	f.data = append(f.data, data)
	return &jetstream.PubAck{Stream: ingestion.EventStream, Sequence: uint64(len(f.data))}, nil
}

func TestOutboundPublisher(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       7,
		IdempotencyKey: "liq-1",
		EventType:      event.EventTypeLiquidated,
		Account:        testutil.Addr(1),
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
		Payload:        []byte(`{"op_id":"liq-1"}`),
		StateHash:      [32]byte{0xAB},
	}

	js := &fakeJetStream{}
	in := make(chan ingestion.PublishableEvent, 1)
	in <- ingestion.NewPublishableEvent(engine.OpLiquidate, env)
	close(in)

	require.NoError(t, ingestion.NewOutboundPublisher(js, in, zerolog.Nop()).Run(context.Background()))
	require.Len(t, js.subjects, 1)
	assert.Equal(t, "stable.ledger.events.Liquidated", js.subjects[0])

	var got map[string]any
	require.NoError(t, json.Unmarshal(js.data[0], &got))
	assert.Equal(t, float64(7), got["sequence"])
	assert.Equal(t, "liquidate", got["op"])
	assert.Equal(t, map[string]any{"op_id": "liq-1"}, got["payload"])
	assert.Equal(t, "ab"+fmt.Sprintf("%062d", 0), got["state_hash"])
}
