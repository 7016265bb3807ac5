// Package engine orchestrates collateral deposits, debt minting, redemptions,
// burns and liquidations, and enforces the minimum health factor around every
// mutating call.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"StableLedger/internal/event"
	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/observability"
	"StableLedger/internal/registry"
	"StableLedger/internal/risk"
	"StableLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Config holds engine tunables.
type Config struct {
	// Address is the engine's own account: it custodies collateral, owns the
	// debt token and is the spender of user allowances.
	Address common.Address

	// DedupCapacity bounds the in-memory idempotency LRU.
	DedupCapacity int

	// AggregateCheckInterval runs the ledger aggregate check every N commits.
	// Zero disables it.
	AggregateCheckInterval int64

	// Clock stamps journals and envelopes. Defaults to time.Now.
	Clock func() time.Time
}

func DefaultConfig(address common.Address) Config {
	return Config{
		Address:                address,
		DedupCapacity:          100_000,
		AggregateCheckInterval: 1000,
		Clock:                  time.Now,
	}
}

// Deps are the collaborators of the engine. Store, Valuator and Ports are required.
type Deps struct {
	Store     *ledger.Store
	Valuator  *risk.Valuator
	Ports     token.Ports
	DBChecker DBIdempotencyChecker
	Metrics   *observability.Metrics
	Logger    zerolog.Logger

	// PersistChan receives every commit with a blocking send.
	PersistChan chan<- Output
	// ProjectionChan receives commits with a non-blocking send; full means drop.
	ProjectionChan chan<- Output
}

// Output is what the engine emits for each committed operation
type Output struct {
	// Op is the operation kind, the namespace of the envelope's idempotency key.
	Op       string
	Envelope *event.EventEnvelope
	Event    event.Event
	Batch    *ledger.Batch
}

// PositionEngine is the single entry point for mutating positions.
// Mutations are serialized per account; commits are serialized globally.
type PositionEngine struct {
	cfg         Config
	store       *ledger.Store
	registry    *registry.Registry
	valuator    *risk.Valuator
	ports       token.Ports
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker
	hasher      *StateHasher
	metrics     *observability.Metrics
	logger      zerolog.Logger

	locks accountLocks

	// commitMu orders sequence assignment, hashing, store commit and emission.
	commitMu sync.Mutex

	persistChan    chan<- Output
	projectionChan chan<- Output
}

func New(cfg Config, d Deps) (*PositionEngine, error) {
	if d.Store == nil || d.Valuator == nil || d.Ports == nil {
		return nil, fmt.Errorf("%w: store, valuator and ports are required", ErrConfiguration)
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: engine address", ErrConfiguration)
	}
	if d.Ports.DebtToken() != d.Store.DebtToken() {
		return nil, fmt.Errorf("%w: debt token %s does not match store %s",
			ErrConfiguration, d.Ports.DebtToken().Hex(), d.Store.DebtToken().Hex())
	}
	reg := d.Valuator.Registry()
	for _, asset := range reg.AllAssets() {
		if _, ok := d.Ports.Collateral(asset); !ok {
			return nil, fmt.Errorf("%w: no transfer port for %s", ErrConfiguration, asset.Hex())
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 100_000
	}

	return &PositionEngine{
		cfg:            cfg,
		store:          d.Store,
		registry:       reg,
		valuator:       d.Valuator,
		ports:          d.Ports,
		validator:      ledger.NewInvariantValidator(d.Store),
		idempotency:    NewIdempotencyChecker(cfg.DedupCapacity, d.DBChecker, d.Metrics),
		hasher:         NewStateHasher(),
		metrics:        d.Metrics,
		logger:         observability.ComponentLogger(d.Logger, "engine"),
		persistChan:    d.PersistChan,
		projectionChan: d.ProjectionChan,
	}, nil
}

// Receipt identifies a committed operation.
type Receipt struct {
	OpID      string
	Sequence  int64
	StateHash [32]byte
}

type opIDKey struct{}

// WithOperationID attaches a caller-chosen idempotency key to ctx. Operations
// carrying an id that was already committed fail with ErrDuplicateOperation.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

func operationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(opIDKey{}).(string)
	return id, ok && id != ""
}

// operation describes one mutating call for execute.
type operation struct {
	kind     string
	accounts []common.Address

	// stage applies the ledger effects and returns the event to record.
	stage func(ctx context.Context, txn *ledger.Txn) (event.Event, error)
	// verify checks the health invariant against the staged state, before
	// any token moves.
	verify func(ctx context.Context, txn *ledger.Txn) error
	// transfers builds the external movements once staging succeeded.
	// Outgoing steps (mint, push) go last: after them only the commit remains.
	transfers func() []transferStep
}

// execute runs op atomically: lock, stage, verify, transfer, commit. Any
// failure discards the staged effects and aborts executed transfers.
func (e *PositionEngine) execute(ctx context.Context, op operation) (Receipt, error) {
	start := time.Now()
	receipt, err := e.executeWithID(ctx, op)
	if err != nil {
		e.recordRejected(op.kind, err)
		return Receipt{}, err
	}
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op.kind).Inc()
		e.metrics.OpDuration.WithLabelValues(op.kind).Observe(time.Since(start).Seconds())
	}
	return receipt, nil
}

func (e *PositionEngine) executeWithID(ctx context.Context, op operation) (Receipt, error) {
	opID, supplied := operationID(ctx)
	if supplied {
		release, ok := e.idempotency.Reserve(ctx, op.kind, opID)
		if !ok {
			return Receipt{}, fmt.Errorf("%w: %s %s", ErrDuplicateOperation, op.kind, opID)
		}
		committed := false
		defer func() { release(committed) }()
		receipt, err := e.run(ctx, op, opID)
		committed = err == nil
		return receipt, err
	}
	return e.run(ctx, op, uuid.NewString())
}

// run executes op under its account locks. Every valuation reads the same
// pinned prices, so the health checks cannot change their verdict between
// staging and commit.
func (e *PositionEngine) run(ctx context.Context, op operation, opID string) (Receipt, error) {
	lockStart := time.Now()
	unlock := e.locks.lock(op.accounts...)
	defer unlock()
	if e.metrics != nil {
		e.metrics.LockWait.Observe(time.Since(lockStart).Seconds())
	}

	log := observability.OperationLogger(e.logger, op.kind, opID)
	ctx = risk.PinPrices(ctx)
	now := e.cfg.Clock()
	txn := e.store.Stage(opID, now.UnixMicro())

	evt, err := op.stage(ctx, txn)
	if err != nil {
		txn.Discard()
		return Receipt{}, err
	}
	if op.verify != nil {
		if err := op.verify(ctx, txn); err != nil {
			txn.Discard()
			return Receipt{}, err
		}
	}
	if err := txn.Validate(); err != nil {
		txn.Discard()
		return Receipt{}, classify(err)
	}

	var s settlement
	if op.transfers != nil {
		if err := s.run(ctx, op.transfers()); err != nil {
			e.abortTransfers(ctx, log, op.kind, &s)
			txn.Discard()
			return Receipt{}, err
		}
	}

	out, err := e.commit(op.kind, txn, evt, now)
	if err != nil {
		e.abortTransfers(ctx, log, op.kind, &s)
		txn.Discard()
		return Receipt{}, classify(err)
	}

	log.Debug().
		Int64(observability.FieldSequence, out.Envelope.Sequence).
		Str(observability.FieldAccount, out.Envelope.Account.Hex()).
		Msg("operation committed")

	return Receipt{
		OpID:      opID,
		Sequence:  out.Envelope.Sequence,
		StateHash: out.Envelope.StateHash,
	}, nil
}

// abortTransfers runs compensations in reverse. Failures leave the external
// token state diverged from the ledger; they are logged and counted.
func (e *PositionEngine) abortTransfers(ctx context.Context, log zerolog.Logger, kind string, s *settlement) {
	if len(s.done) == 0 {
		return
	}
	// compensation must run even if the caller's context was cancelled
	ctx = context.WithoutCancel(ctx)
	if e.metrics != nil {
		e.metrics.Compensations.WithLabelValues(kind).Inc()
	}
	for step, err := range s.abort(ctx) {
		if e.metrics != nil {
			e.metrics.CompensationFail.WithLabelValues(kind).Inc()
		}
		log.Error().
			Err(err).
			Str("step", step).
			Msg("transfer compensation failed")
	}
}

// commit assigns the next sequence, applies txn, chains the state hash and
// emits the output, all under commitMu so outputs leave in sequence order.
func (e *PositionEngine) commit(kind string, txn *ledger.Txn, evt event.Event, now time.Time) (Output, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	seq := e.store.Sequence() + 1
	prevHash := e.hasher.GetPrevHash()

	hashStart := time.Now()
	batch, err := e.store.Commit(txn, seq, func(b *ledger.Batch, balanceOf func(ledger.AccountKey) *uint256.Int) [32]byte {
		return e.hasher.ComputeHash(b.Sequence, StateDigest(b, balanceOf))
	})
	if err != nil {
		return Output{}, err
	}
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := event.Encode(evt)
	if err != nil {
		// the event types are plain structs; encoding cannot fail
		panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
	}

	out := Output{
		Op:       kind,
		Envelope: &event.EventEnvelope{
			Sequence:       seq,
			IdempotencyKey: evt.IdempotencyKey(),
			EventType:      evt.EventType(),
			Account:        evt.Account(),
			Timestamp:      now.UTC(),
			Payload:        payload,
			StateHash:      e.hasher.GetPrevHash(),
			PrevHash:       prevHash,
		},
		Event: evt,
		Batch: batch,
	}

	if err := e.postCheckInvariants(seq); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.Sequence.Set(float64(seq))
		for _, j := range batch.Journals {
			e.metrics.Journals.WithLabelValues(j.JournalType.String()).Inc()
			if j.JournalType == ledger.JournalTypeDebtBurn || j.JournalType == ledger.JournalTypeLiquidationRepay {
				e.metrics.DebtBurned.Add(fpmath.ToFloat(j.Amount))
			}
		}
	}
	return out, nil
}

// postCheckInvariants periodically verifies that system aggregates match the
// user accounts. A mismatch means the ledger itself is corrupt.
func (e *PositionEngine) postCheckInvariants(seq int64) error {
	if e.cfg.AggregateCheckInterval <= 0 || seq%e.cfg.AggregateCheckInterval != 0 {
		return nil
	}
	return e.validator.ValidateAggregates()
}

func (e *PositionEngine) recordRejected(kind string, err error) {
	class := ClassOf(err)
	if class == "" {
		class = "internal"
	}
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(kind, string(class)).Inc()
	}
	e.logger.Info().
		Err(err).
		Str(observability.FieldOp, kind).
		Str("class", string(class)).
		Msg("operation rejected")
}
