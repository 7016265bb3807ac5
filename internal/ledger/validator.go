package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	store *Store
}

func NewInvariantValidator(store *Store) *InvariantValidator {
	return &InvariantValidator{
		store: store,
	}
}

// ValidateAggregates verifies that every system aggregate equals the sum of
// the user accounts it mirrors: custody per asset and total debt supply.
func (v *InvariantValidator) ValidateAggregates() error {
	sums := make(map[AccountKey]*uint256.Int)
	aggregates := make(map[AccountKey]*uint256.Int)

	var overflow error
	v.store.Each(func(k AccountKey, bal *uint256.Int) {
		if k.Scope == AccountScopeSystem {
			aggregates[k] = bal
			return
		}
		agg, ok := k.aggregate()
		if !ok {
			return
		}
		sum, ok := sums[agg]
		if !ok {
			sum = new(uint256.Int)
		}
		next, of := new(uint256.Int).AddOverflow(sum, bal)
		if of && overflow == nil {
			overflow = fmt.Errorf("sum of %s overflows", agg.AccountPath())
		}
		sums[agg] = next
	})
	if overflow != nil {
		return overflow
	}

	for k, total := range aggregates {
		sum, ok := sums[k]
		if !ok {
			sum = new(uint256.Int)
		}
		if !sum.Eq(total) {
			return fmt.Errorf("%s is %s but user accounts sum to %s", k.AccountPath(), total.Dec(), sum.Dec())
		}
	}
	for k, sum := range sums {
		if _, ok := aggregates[k]; !ok && !sum.IsZero() {
			return fmt.Errorf("%s missing for user total %s", k.AccountPath(), sum.Dec())
		}
	}
	return nil
}

// ValidateCustody compares the recorded custody of asset with the engine's
// token balance. The engine may hold more than it owes (donations), never less.
func (v *InvariantValidator) ValidateCustody(asset common.Address, held *uint256.Int) error {
	owed := v.store.TotalCollateral(asset)
	if held.Lt(owed) {
		return fmt.Errorf("custody of %s is %s but users are owed %s", asset.Hex(), held.Dec(), owed.Dec())
	}
	return nil
}
