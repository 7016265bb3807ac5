package ledger_test

import (
	"errors"
	"strings"
	"testing"

	"StableLedger/internal/ledger"
	fpmath "StableLedger/internal/math"
	"StableLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	dsc   = testutil.Addr(0xD5C)
	weth  = testutil.Addr(0xE1)
	wbtc  = testutil.Addr(0xB1)
	alice = testutil.Addr(1)
	bob   = testutil.Addr(2)
)

func commit(t *testing.T, s *ledger.Store, txn *ledger.Txn) *ledger.Batch {
	t.Helper()
	batch, err := s.Commit(txn, s.Sequence()+1, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return batch
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth)
	want := "user:" + alice.Hex() + ":collateral:" + weth.Hex()
	if got := key.AccountPath(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeSystemDebtSupply, dsc)
	if got := key.AccountPath(); got != "system:debt_supply:"+dsc.Hex() {
		t.Errorf("got %q", got)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, bob, weth)
	if !strings.HasPrefix(key.AccountPath(), "external:withdrawals:"+bob.Hex()) {
		t.Errorf("got %q", key.AccountPath())
	}
}

// ============================================================================
// Test: Store / Txn
// ============================================================================

func TestStore_InitialBalanceZero(t *testing.T) {
	s := ledger.NewStore(dsc)
	if !s.Collateral().BalanceOf(alice, weth).IsZero() {
		t.Error("initial collateral should be 0")
	}
	if !s.Debts().DebtOf(alice).IsZero() {
		t.Error("initial debt should be 0")
	}
}

func TestTxn_StagedEffectsInvisibleUntilCommit(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)

	if err := txn.Collateral().Deposit(alice, weth, fpmath.Units(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := txn.Debts().Mint(alice, fpmath.Units(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if got := txn.Collateral().BalanceOf(alice, weth); !got.Eq(fpmath.Units(10)) {
		t.Errorf("staged collateral: got %s", got.Dec())
	}
	if !s.Collateral().BalanceOf(alice, weth).IsZero() {
		t.Error("staged deposit leaked into committed state")
	}

	batch := commit(t, s, txn)
	if len(batch.Journals) != 2 {
		t.Fatalf("expected 2 journals, got %d", len(batch.Journals))
	}
	if batch.Journals[0].Sequence != 1 || batch.Journals[0].EventRef != "op-1" {
		t.Errorf("journal not stamped: %+v", batch.Journals[0])
	}
	if got := s.Collateral().BalanceOf(alice, weth); !got.Eq(fpmath.Units(10)) {
		t.Errorf("committed collateral: got %s", got.Dec())
	}
	if got := s.TotalDebt(); !got.Eq(fpmath.Units(100)) {
		t.Errorf("debt supply: got %s", got.Dec())
	}
}

func TestTxn_Discard(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)
	_ = txn.Collateral().Deposit(alice, weth, fpmath.Units(1))
	txn.Discard()

	if _, err := s.Commit(txn, 1, nil); !errors.Is(err, ledger.ErrTxnClosed) {
		t.Errorf("commit after discard: got %v", err)
	}
	if s.Sequence() != 0 {
		t.Error("sequence advanced after discard")
	}
}

func TestTxn_WithdrawInsufficient(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)
	_ = txn.Collateral().Deposit(alice, weth, fpmath.Units(1))
	commit(t, s, txn)

	txn = s.Stage("op-2", 2)
	err := txn.Collateral().Withdraw(alice, alice, weth, fpmath.Units(2))
	if !errors.Is(err, ledger.ErrInsufficientCollateral) {
		t.Fatalf("got %v, want ErrInsufficientCollateral", err)
	}
	// failed entry is not staged
	if !txn.Empty() {
		t.Error("failed withdraw left a staged journal")
	}
	if got := txn.Collateral().BalanceOf(alice, weth); !got.Eq(fpmath.Units(1)) {
		t.Errorf("balance changed by failed withdraw: %s", got.Dec())
	}
}

func TestTxn_BurnUnderflow(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)
	_ = txn.Debts().Mint(alice, fpmath.Units(5))

	err := txn.Debts().Burn(alice, alice, fpmath.Units(6))
	if !errors.Is(err, ledger.ErrDebtUnderflow) {
		t.Fatalf("got %v, want ErrDebtUnderflow", err)
	}
	if err := txn.Debts().Burn(alice, bob, fpmath.Units(5)); err != nil {
		t.Fatalf("exact burn: %v", err)
	}
	if !txn.Debts().DebtOf(alice).IsZero() {
		t.Error("debt should be zero")
	}
}

func TestTxn_DepositOverflow(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)
	_ = txn.Collateral().Deposit(alice, weth, fpmath.MaxHealthFactor)

	err := txn.Collateral().Deposit(alice, weth, uint256.NewInt(1))
	if !errors.Is(err, fpmath.ErrArithmetic) {
		t.Errorf("got %v, want ErrArithmetic", err)
	}
}

func TestStore_ReadOnlyViews(t *testing.T) {
	s := ledger.NewStore(dsc)
	if err := s.Collateral().Deposit(alice, weth, fpmath.Units(1)); !errors.Is(err, ledger.ErrReadOnly) {
		t.Errorf("got %v, want ErrReadOnly", err)
	}
	if err := s.Debts().Mint(alice, fpmath.Units(1)); !errors.Is(err, ledger.ErrReadOnly) {
		t.Errorf("got %v, want ErrReadOnly", err)
	}
}

func TestStore_Position(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)
	_ = txn.Collateral().Deposit(alice, weth, fpmath.Units(3))
	_ = txn.Collateral().Deposit(alice, wbtc, fpmath.Units(1))
	_ = txn.Debts().Mint(alice, fpmath.Units(7))
	commit(t, s, txn)

	pos := s.Position(alice, []common.Address{weth, wbtc})
	if !pos.CollateralOf(weth).Eq(fpmath.Units(3)) || !pos.CollateralOf(wbtc).Eq(fpmath.Units(1)) {
		t.Errorf("unexpected collateral: %v", pos.Collateral)
	}
	if !pos.Debt.Eq(fpmath.Units(7)) {
		t.Errorf("unexpected debt: %s", pos.Debt.Dec())
	}
}

// ============================================================================
// Test: Snapshot / Replay
// ============================================================================

func TestStore_SnapshotRestore(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)
	_ = txn.Collateral().Deposit(alice, weth, fpmath.Units(2))
	_ = txn.Debts().Mint(bob, fpmath.Units(1))
	seal := func(*ledger.Batch, func(ledger.AccountKey) *uint256.Int) [32]byte { return [32]byte{0xAB} }
	if _, err := s.Commit(txn, 7, seal); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	restored := ledger.NewStore(dsc)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Sequence() != 7 || restored.StateHash()[0] != 0xAB {
		t.Errorf("tip not restored: seq=%d", restored.Sequence())
	}
	if !restored.Collateral().BalanceOf(alice, weth).Eq(fpmath.Units(2)) {
		t.Error("collateral not restored")
	}
	if !restored.TotalDebt().Eq(fpmath.Units(1)) {
		t.Error("debt supply not restored")
	}
	if err := ledger.NewInvariantValidator(restored).ValidateAggregates(); err != nil {
		t.Errorf("aggregates after restore: %v", err)
	}
}

func TestStore_ApplyBatchReplays(t *testing.T) {
	src := ledger.NewStore(dsc)
	txn := src.Stage("op-1", 1)
	_ = txn.Collateral().Deposit(alice, weth, fpmath.Units(4))
	_ = txn.Collateral().Withdraw(alice, bob, weth, fpmath.Units(1))
	batch := commit(t, src, txn)

	dst := ledger.NewStore(dsc)
	if err := dst.ApplyBatch(batch, nil); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !dst.Collateral().BalanceOf(alice, weth).Eq(fpmath.Units(3)) {
		t.Errorf("replayed balance: %s", dst.Collateral().BalanceOf(alice, weth).Dec())
	}
	if err := dst.ApplyBatch(batch, nil); err == nil {
		t.Error("replaying the same sequence twice should fail")
	}
}

func TestStore_Users(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)
	_ = txn.Debts().Mint(bob, fpmath.Units(1))
	_ = txn.Collateral().Deposit(alice, weth, fpmath.Units(1))
	commit(t, s, txn)

	users := s.Users()
	if len(users) != 2 || users[0] != alice || users[1] != bob {
		t.Errorf("unexpected users: %v", users)
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatch_Validate_Empty(t *testing.T) {
	b := &ledger.Batch{BatchID: uuid.New()}
	if err := b.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatch_Validate_ZeroAmount(t *testing.T) {
	batchID := uuid.New()
	b := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, alice, weth),
			Amount:        new(uint256.Int),
		}},
	}
	if err := b.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatch_Validate_MismatchedBatchID(t *testing.T) {
	b := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, alice, weth),
			Amount:        fpmath.Units(1),
		}},
	}
	if err := b.Validate(); err == nil {
		t.Error("mismatched batch id should fail validation")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Aggregates(t *testing.T) {
	s := ledger.NewStore(dsc)
	txn := s.Stage("op-1", 1)
	_ = txn.Collateral().Deposit(alice, weth, fpmath.Units(5))
	_ = txn.Collateral().Deposit(bob, weth, fpmath.Units(2))
	_ = txn.Collateral().Seize(alice, bob, weth, fpmath.Units(1))
	_ = txn.Debts().Mint(alice, fpmath.Units(3))
	_ = txn.Debts().Repay(alice, bob, fpmath.Units(1))
	commit(t, s, txn)

	v := ledger.NewInvariantValidator(s)
	if err := v.ValidateAggregates(); err != nil {
		t.Errorf("aggregates: %v", err)
	}
	if !s.TotalCollateral(weth).Eq(fpmath.Units(6)) {
		t.Errorf("custody: %s", s.TotalCollateral(weth).Dec())
	}
	if err := v.ValidateCustody(weth, fpmath.Units(6)); err != nil {
		t.Errorf("custody exact: %v", err)
	}
	if err := v.ValidateCustody(weth, fpmath.Units(5)); err == nil {
		t.Error("under-held custody should fail")
	}
}

func TestStore_ApplyBatchRejectsGap(t *testing.T) {
	src := ledger.NewStore(dsc)
	txn := src.Stage("op-1", 1)
	_ = txn.Collateral().Deposit(alice, weth, fpmath.Units(1))
	batch, err := src.Commit(txn, 2, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	dst := ledger.NewStore(dsc)
	if err := dst.ApplyBatch(batch, nil); !errors.Is(err, ledger.ErrSequenceGap) {
		t.Errorf("expected ErrSequenceGap, got %v", err)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, ledger.SubTypeCollateral, weth),
		ledger.NewUserAccountKey(bob, ledger.SubTypeDebt, dsc),
		ledger.NewSystemAccountKey(ledger.SubTypeSystemCustody, wbtc),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalRepayments, bob, dsc),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("round trip %s: got %+v", k.AccountPath(), got)
		}
	}

	for _, bad := range []string{"", "user:0x01", "system:vault:0x00000000000000000000000000000000000000e1", "market:x:y:z"} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
