package engine

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// accountLocks hands out one mutex per account. Mutexes are never removed;
// the set grows with the number of distinct accounts seen.
type accountLocks struct {
	m sync.Map // common.Address -> *sync.Mutex
}

func (l *accountLocks) get(a common.Address) *sync.Mutex {
	if mu, ok := l.m.Load(a); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := l.m.LoadOrStore(a, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// lock acquires the locks of all accounts in ascending address order,
// once per distinct account, and returns the matching unlock.
func (l *accountLocks) lock(accounts ...common.Address) func() {
	ordered := make([]common.Address, 0, len(accounts))
	seen := make(map[common.Address]struct{}, len(accounts))
	for _, a := range accounts {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		ordered = append(ordered, a)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})

	held := make([]*sync.Mutex, 0, len(ordered))
	for _, a := range ordered {
		mu := l.get(a)
		mu.Lock()
		held = append(held, mu)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
