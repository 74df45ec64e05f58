package cache

import (
	"errors"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"tilestream/internal/tile"
)

// maxEntries caps the entry count independently of the byte budget.
const maxEntries = 1 << 24

var ErrInvalidBudget = errors.New("cache budget must be positive")

// Stats is a point-in-time view of the cache.
type Stats struct {
	Count       int   `json:"count"`
	UsedBytes   int64 `json:"used_bytes"`
	BudgetBytes int64 `json:"budget_bytes"`
}

// EvictFunc is called for every entry the cache drops on its own, either to get
// back under budget or at the entry cap. Remove, Clear and replacement do not
// report. It runs with the cache lock held and must not call back into the cache.
type EvictFunc func(key tile.Key, size int64)

// LRU is an in-memory tile cache bounded by the total size of its entries.
// Every entry owns its payload; the payload is released when the entry is
// evicted, replaced, removed or cleared. All methods are safe for concurrent use.
type LRU struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	lru     *simplelru.LRU[tile.Key, *tile.Data]
	onEvict EvictFunc
	// dropping is set while entries leave through Remove, Clear or replacement.
	dropping bool
}

// NewLRU creates a cache that holds at most budgetBytes worth of tiles.
func NewLRU(budgetBytes int64, onEvict EvictFunc) (*LRU, error) {
	return newWithCap(budgetBytes, maxEntries, onEvict)
}

func newWithCap(budgetBytes int64, capEntries int, onEvict EvictFunc) (*LRU, error) {
	if budgetBytes <= 0 {
		return nil, ErrInvalidBudget
	}

	c := &LRU{
		budget:  budgetBytes,
		onEvict: onEvict,
	}

	lru, err := simplelru.NewLRU[tile.Key, *tile.Data](capEntries, c.release)
	if err != nil {
		return nil, err
	}
	c.lru = lru

	return c, nil
}

// release is the single place where an entry leaves the cache.
func (c *LRU) release(key tile.Key, d *tile.Data) {
	c.used -= d.Size
	d.Payload.Release()
	if !c.dropping && c.onEvict != nil {
		c.onEvict(key, d.Size)
	}
}

// drop runs fn with eviction reporting switched off.
func (c *LRU) drop(fn func()) {
	c.dropping = true
	defer func() { c.dropping = false }()
	fn()
}

// evictLocked drops least recently used entries while the cache is over budget.
func (c *LRU) evictLocked() {
	for c.used > c.budget && c.lru.Len() > 0 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			return
		}
	}
}

// Get returns the cached tile and marks it most recently used.
func (c *LRU) Get(key tile.Key) (*tile.Data, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Get(key)
}

// Contains reports whether key is cached without touching recency.
func (c *LRU) Contains(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Contains(key)
}

// Put inserts or replaces the entry for d.Key and then evicts least recently
// used entries while the cache is over budget. A tile larger than the whole
// budget is accepted and evicted in the same call.
//
// Put returns false, and caches nothing, for a nil tile, a nil payload or a
// negative size.
func (c *LRU) Put(d *tile.Data) bool {
	if d == nil || d.Payload == nil || d.Size < 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.lru.Peek(d.Key); ok && cur == d {
		c.lru.Get(d.Key)
		return true
	}

	// Removing first releases the old payload before the new one is linked in.
	c.drop(func() { c.lru.Remove(d.Key) })
	c.lru.Add(d.Key, d)
	c.used += d.Size

	c.evictLocked()

	return true
}

// SetBudget changes the byte budget and evicts least recently used entries
// until the cache fits.
func (c *LRU) SetBudget(budgetBytes int64) error {
	if budgetBytes <= 0 {
		return ErrInvalidBudget
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.budget = budgetBytes
	c.evictLocked()
	return nil
}

// Remove releases and drops the entry for key. It reports whether one existed.
func (c *LRU) Remove(key tile.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed bool
	c.drop(func() { removed = c.lru.Remove(key) })
	return removed
}

// Clear releases every entry.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.drop(c.lru.Purge)
	c.used = 0
}

// Keys returns the cached keys from least to most recently used.
func (c *LRU) Keys() []tile.Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Keys()
}

func (c *LRU) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Count:       c.lru.Len(),
		UsedBytes:   c.used,
		BudgetBytes: c.budget,
	}
}
