package engine

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"StableLedger/internal/observability"
)

// IdempotencyChecker implements two-tier deduplication of operation ids
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres, optional
	dbChecker DBIdempotencyChecker

	// keys of operations between Reserve and release
	mu       sync.Mutex
	inflight map[string]struct{}

	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, opType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		inflight:  make(map[string]struct{}),
		metrics:   metrics,
	}
}

func compositeKey(opType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", opType, idempotencyKey)
}

// Reserve claims the key for one in-flight operation. It fails when the key
// was already committed or another call holds it. The returned release must
// be called exactly once; a committed key moves to the LRU before the claim
// is dropped, so no second call can slip in between.
func (ic *IdempotencyChecker) Reserve(ctx context.Context, opType string, idempotencyKey string) (release func(committed bool), ok bool) {
	key := compositeKey(opType, idempotencyKey)

	ic.mu.Lock()
	if _, busy := ic.inflight[key]; busy {
		ic.mu.Unlock()
		ic.recordDuplicate(opType, "inflight")
		return nil, false
	}
	ic.inflight[key] = struct{}{}
	ic.mu.Unlock()

	if ic.IsDuplicate(ctx, opType, idempotencyKey) {
		ic.unreserve(key)
		return nil, false
	}
	return func(committed bool) {
		if committed {
			ic.MarkProcessed(opType, idempotencyKey)
		}
		ic.unreserve(key)
	}, true
}

func (ic *IdempotencyChecker) unreserve(key string) {
	ic.mu.Lock()
	delete(ic.inflight, key)
	ic.mu.Unlock()
}

// IsDuplicate checks if the operation has been committed (two-tier lookup).
// A failing tier-2 lookup is counted and treated as not duplicate.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, opType string, idempotencyKey string) bool {
	key := compositeKey(opType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(opType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(ctx, opType, idempotencyKey)
		if err != nil {
			if ic.metrics != nil {
				ic.metrics.IdempotencyTier2Err.Inc()
			}
			return false
		}
		if isDup {
			ic.recordDuplicate(opType, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds the key to the LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(opType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(opType, idempotencyKey))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	}
}

// Warm loads recently committed composite keys ("op:key") into the LRU.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.lru.WarmFromKeys(keys)
}

// Keys returns the cached composite keys, most recent first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.Keys()
}

func (ic *IdempotencyChecker) recordDuplicate(opType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(opType, tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is a bounded LRU set of idempotency keys. Safe for concurrent use.
type IdempotencyLRU struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
	}
	return exists
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	lru.addLocked(key)
}

// WarmFromKeys loads a batch of composite keys into the LRU.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	for _, key := range keys {
		lru.addLocked(key)
	}
}

func (lru *IdempotencyLRU) addLocked(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		lru.lruList.Remove(oldest)
		delete(lru.cache, oldest.Value.(string))
		lru.evictions++
	}
}

// Keys returns the keys from most to least recently used.
func (lru *IdempotencyLRU) Keys() []string {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.evictions
}
