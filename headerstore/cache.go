package headerstore

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blockberries/headerberry/types"
)

// DefaultCacheSize is the number of decoded headers kept by CachedStore.
const DefaultCacheSize = 10000

type cacheEntry struct {
	header *types.Header
	height types.Height
}

// CachedStore keeps recently used headers of a durable store decoded in an
// LRU keyed by hash. Entries never go stale because headers are immutable
// and never removed. The tip is always read from the underlying store.
type CachedStore struct {
	Store
	cache *lru.Cache[types.Hash, cacheEntry]
}

// NewCachedStore wraps store with an LRU of the given size.
func NewCachedStore(store Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[types.Hash, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("creating header cache: %w", err)
	}
	return &CachedStore{Store: store, cache: cache}, nil
}

// Insert indexes the header and caches it once the write has succeeded.
func (c *CachedStore) Insert(header *types.Header, height types.Height) (types.Hash, types.Height, error) {
	hash, height, err := c.Store.Insert(header, height)
	if err != nil {
		return hash, height, err
	}
	c.cache.Add(hash, cacheEntry{header: header, height: height})
	return hash, height, nil
}

// Get serves hash queries from the cache when possible.
func (c *CachedStore) Get(q Query) (*types.Header, types.Height, bool, error) {
	hash, byHash := q.Hash()
	if byHash {
		if entry, ok := c.cache.Get(hash); ok {
			return entry.header, entry.height, true, nil
		}
	}

	header, height, found, err := c.Store.Get(q)
	if err != nil || !found {
		return header, height, found, err
	}
	if byHash {
		c.cache.Add(hash, cacheEntry{header: header, height: height})
	}
	return header, height, true, nil
}

// GetHeight serves from the cache when possible.
func (c *CachedStore) GetHeight(hash types.Hash) (types.Height, bool, error) {
	if entry, ok := c.cache.Get(hash); ok {
		return entry.height, true, nil
	}
	return c.Store.GetHeight(hash)
}

// Contains serves from the cache when possible.
func (c *CachedStore) Contains(hash types.Hash) (bool, error) {
	if c.cache.Contains(hash) {
		return true, nil
	}
	return c.Store.Contains(hash)
}

// Depth returns the distance from the given hash to the tip.
func (c *CachedStore) Depth(hash types.Hash) (uint32, bool, error) {
	return depth(c, hash)
}

// CacheLen returns the number of cached headers.
func (c *CachedStore) CacheLen() int {
	return c.cache.Len()
}

var _ Store = (*CachedStore)(nil)
