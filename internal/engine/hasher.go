package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"StableLedger/internal/ledger"

	"github.com/holiman/uint256"
)

const GenesisHashSeed = "StableLedger:genesis:v1"

// StateHasher chains state hashes across committed operations
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first operation.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the chain tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// StateDigest encodes the post-commit balances of every account the batch
// touched, ordered by account path: len(path) || path || balance (32 bytes BE).
func StateDigest(batch *ledger.Batch, balanceOf func(ledger.AccountKey) *uint256.Int) []byte {
	affected := make(map[ledger.AccountKey]struct{})
	for _, j := range batch.Journals {
		for _, k := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if k.Scope == ledger.AccountScopeUser {
				affected[k] = struct{}{}
			}
		}
	}

	paths := make([]string, 0, len(affected))
	byPath := make(map[string]ledger.AccountKey, len(affected))
	for k := range affected {
		p := k.AccountPath()
		paths = append(paths, p)
		byPath[p] = k
	}
	sort.Strings(paths)

	digest := make([]byte, 0, len(paths)*(1+96+32))
	for _, p := range paths {
		digest = append(digest, byte(len(p)))
		digest = append(digest, p...)
		bal := balanceOf(byPath[p]).Bytes32()
		digest = append(digest, bal[:]...)
	}
	return digest
}
