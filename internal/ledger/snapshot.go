package ledger

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BalanceEntry is one non-zero balance in a store snapshot.
type BalanceEntry struct {
	Scope   AccountScope   `json:"scope"`
	SubType AccountSubType `json:"sub_type"`
	Owner   common.Address `json:"owner"`
	Asset   common.Address `json:"asset"`
	Amount  string         `json:"amount"`
}

// StoreSnapshot is the serializable state of a Store.
type StoreSnapshot struct {
	Sequence  int64          `json:"sequence"`
	StateHash string         `json:"state_hash"`
	DebtToken common.Address `json:"debt_token"`
	Balances  []BalanceEntry `json:"balances"`
}

// Snapshot captures all non-zero balances ordered by account path.
func (s *Store) Snapshot() StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := StoreSnapshot{
		Sequence:  s.sequence,
		StateHash: hex.EncodeToString(s.stateHash[:]),
		DebtToken: s.debtToken,
		Balances:  make([]BalanceEntry, 0, len(s.balances)),
	}
	for k, v := range s.balances {
		if v.IsZero() {
			continue
		}
		snap.Balances = append(snap.Balances, BalanceEntry{
			Scope:   k.Scope,
			SubType: k.SubType,
			Owner:   k.Owner,
			Asset:   k.Asset,
			Amount:  v.Dec(),
		})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		return entryKey(snap.Balances[i]).AccountPath() < entryKey(snap.Balances[j]).AccountPath()
	})
	return snap
}

// Restore replaces the store contents with snap.
func (s *Store) Restore(snap StoreSnapshot) error {
	if snap.DebtToken != s.debtToken {
		return fmt.Errorf("snapshot debt token %s does not match %s", snap.DebtToken.Hex(), s.debtToken.Hex())
	}
	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(hash) != 32 {
		return fmt.Errorf("invalid snapshot state hash %q", snap.StateHash)
	}

	balances := make(map[AccountKey]*uint256.Int, len(snap.Balances))
	for _, e := range snap.Balances {
		amount, err := uint256.FromDecimal(e.Amount)
		if err != nil {
			return fmt.Errorf("balance %s: %w", entryKey(e).AccountPath(), err)
		}
		balances[entryKey(e)] = amount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = balances
	s.sequence = snap.Sequence
	copy(s.stateHash[:], hash)
	return nil
}

// Each calls fn for every stored balance under the read lock.
// fn must not call back into the store.
func (s *Store) Each(fn func(AccountKey, *uint256.Int)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.balances {
		fn(k, v.Clone())
	}
}

// Users returns every user holding collateral or debt, in address order.
func (s *Store) Users() []common.Address {
	seen := make(map[common.Address]struct{})
	s.Each(func(k AccountKey, v *uint256.Int) {
		if k.Scope == AccountScopeUser && !v.IsZero() {
			seen[k.Owner] = struct{}{}
		}
	})
	users := make([]common.Address, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Cmp(users[j]) < 0
	})
	return users
}

func entryKey(e BalanceEntry) AccountKey {
	return AccountKey{Scope: e.Scope, Owner: e.Owner, SubType: e.SubType, Asset: e.Asset}
}
