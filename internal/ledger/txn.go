package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Txn stages ledger effects over a Store. Reads see committed state plus
// the staged writes; nothing is visible to other readers until Store.Commit.
// A Txn is not safe for concurrent use.
type Txn struct {
	store     *Store
	batchID   uuid.UUID
	eventRef  string
	timestamp int64
	writes    map[AccountKey]*uint256.Int
	journals  []Journal
	closed    bool
}

func (t *Txn) get(k AccountKey) *uint256.Int {
	if v, ok := t.writes[k]; ok {
		return v.Clone()
	}
	return t.store.GetBalance(k)
}

// record validates j against the staged state and, if it applies, stages it.
func (t *Txn) record(j Journal) error {
	if t.closed {
		return ErrTxnClosed
	}
	pending := make(map[AccountKey]*uint256.Int)
	get := func(k AccountKey) *uint256.Int {
		if v, ok := pending[k]; ok {
			return v
		}
		return t.get(k)
	}
	if err := applyJournal(j, get, func(k AccountKey, v *uint256.Int) { pending[k] = v }); err != nil {
		return err
	}
	for k, v := range pending {
		t.writes[k] = v
	}
	j.JournalID = uuid.New()
	j.BatchID = t.batchID
	j.EventRef = t.eventRef
	j.Timestamp = t.timestamp
	t.journals = append(t.journals, j)
	return nil
}

// EventRef returns the idempotency key the transaction was staged under.
func (t *Txn) EventRef() string { return t.eventRef }

// Discard abandons the staged effects.
func (t *Txn) Discard() {
	t.closed = true
	t.writes = nil
	t.journals = nil
}

// Empty reports whether nothing has been staged.
func (t *Txn) Empty() bool { return len(t.journals) == 0 }

// Journals returns the staged entries.
func (t *Txn) Journals() []Journal { return t.journals }

// Position reads the user's staged position.
func (t *Txn) Position(user common.Address, assets []common.Address) Position {
	return positionOf(user, assets, t.store.debtToken, t.get)
}

// Collateral returns a writable collateral view over the staged state.
func (t *Txn) Collateral() CollateralLedger {
	return CollateralLedger{get: t.get, txn: t}
}

// Debts returns a writable debt view over the staged state.
func (t *Txn) Debts() DebtLedger {
	return DebtLedger{get: t.get, txn: t, debtToken: t.store.debtToken}
}

// Validate checks the staged entries the way Commit will, so an operation
// can fail before it moves any tokens.
func (t *Txn) Validate() error {
	if t.closed {
		return ErrTxnClosed
	}
	return t.batch(0).Validate()
}

func (t *Txn) batch(seq int64) *Batch {
	journals := make([]Journal, len(t.journals))
	for i, j := range t.journals {
		j.Sequence = seq
		journals[i] = j
	}
	return &Batch{
		BatchID:   t.batchID,
		EventRef:  t.eventRef,
		Sequence:  seq,
		Timestamp: t.timestamp,
		Journals:  journals,
	}
}

// CollateralLedger is per-user, per-asset collateral accounting.
type CollateralLedger struct {
	get func(AccountKey) *uint256.Int
	txn *Txn
}

// BalanceOf returns the user's balance of asset, zero if never deposited.
func (c CollateralLedger) BalanceOf(user, asset common.Address) *uint256.Int {
	return c.get(NewUserAccountKey(user, SubTypeCollateral, asset))
}

// Deposit credits amount of asset to user. Overflow fails with ErrArithmetic.
func (c CollateralLedger) Deposit(user, asset common.Address, amount *uint256.Int) error {
	return c.move(Journal{
		DebitAccount:  NewUserAccountKey(user, SubTypeCollateral, asset),
		CreditAccount: NewExternalAccountKey(SubTypeExternalDeposits, user, asset),
		Amount:        amount.Clone(),
		JournalType:   JournalTypeCollateralDeposit,
	})
}

// Withdraw debits amount of asset from `from`; `to` is recorded as the destination.
func (c CollateralLedger) Withdraw(from, to, asset common.Address, amount *uint256.Int) error {
	return c.withdraw(from, to, asset, amount, JournalTypeCollateralWithdraw)
}

// Seize is a withdrawal to a liquidator.
func (c CollateralLedger) Seize(from, liquidator, asset common.Address, amount *uint256.Int) error {
	return c.withdraw(from, liquidator, asset, amount, JournalTypeLiquidationSeize)
}

func (c CollateralLedger) withdraw(from, to, asset common.Address, amount *uint256.Int, typ JournalType) error {
	return c.move(Journal{
		DebitAccount:  NewExternalAccountKey(SubTypeExternalWithdrawals, to, asset),
		CreditAccount: NewUserAccountKey(from, SubTypeCollateral, asset),
		Amount:        amount.Clone(),
		JournalType:   typ,
	})
}

func (c CollateralLedger) move(j Journal) error {
	if c.txn == nil {
		return ErrReadOnly
	}
	return c.txn.record(j)
}

// DebtLedger is per-user minted-debt accounting.
type DebtLedger struct {
	get       func(AccountKey) *uint256.Int
	txn       *Txn
	debtToken common.Address
}

// DebtOf returns the user's outstanding debt.
func (d DebtLedger) DebtOf(user common.Address) *uint256.Int {
	return d.get(NewUserAccountKey(user, SubTypeDebt, d.debtToken))
}

// Mint increases user's debt. Overflow fails with ErrArithmetic.
func (d DebtLedger) Mint(user common.Address, amount *uint256.Int) error {
	return d.move(Journal{
		DebitAccount:  NewUserAccountKey(user, SubTypeDebt, d.debtToken),
		CreditAccount: NewExternalAccountKey(SubTypeExternalIssuance, user, d.debtToken),
		Amount:        amount.Clone(),
		JournalType:   JournalTypeDebtMint,
	})
}

// Burn reduces onBehalfOf's debt by amount paid by payer.
// Burning more than the outstanding debt fails with ErrDebtUnderflow.
func (d DebtLedger) Burn(onBehalfOf, payer common.Address, amount *uint256.Int) error {
	return d.burn(onBehalfOf, payer, amount, JournalTypeDebtBurn)
}

// Repay is a burn paid by a liquidator.
func (d DebtLedger) Repay(onBehalfOf, liquidator common.Address, amount *uint256.Int) error {
	return d.burn(onBehalfOf, liquidator, amount, JournalTypeLiquidationRepay)
}

func (d DebtLedger) burn(onBehalfOf, payer common.Address, amount *uint256.Int, typ JournalType) error {
	return d.move(Journal{
		DebitAccount:  NewExternalAccountKey(SubTypeExternalRepayments, payer, d.debtToken),
		CreditAccount: NewUserAccountKey(onBehalfOf, SubTypeDebt, d.debtToken),
		Amount:        amount.Clone(),
		JournalType:   typ,
	})
}

func (d DebtLedger) move(j Journal) error {
	if d.txn == nil {
		return ErrReadOnly
	}
	return d.txn.record(j)
}
