// Package blockchunkcache is the block-hint filter (spec.md §4.5): an LRU
// of recently-seen block mappings plus a diff cache of block-id deltas
// observed to be productive, letting a chunker reuse a neighboring block's
// addresses without a chunk-index round trip.
package blockchunkcache

import (
	"bytes"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"gastrolog/internal/blockstore"
	"gastrolog/internal/filterchain"
)

type Config struct {
	BlockCacheSize   int
	DiffCacheSize    int
	DiffHitThreshold int
}

func DefaultConfig() Config {
	return Config{BlockCacheSize: 64, DiffCacheSize: 32, DiffHitThreshold: 3}
}

// BlockFetcher resolves a block id to its current persistent mapping, a
// thin wrapper the engine supplies around blockstore.Index.Get.
type BlockFetcher func(blockID uint64) (blockstore.Mapping, bool, error)

type diffStat struct {
	hits int
}

// Cache is shared across all in-flight chunking sessions.
type Cache struct {
	cfg   Config
	fetch BlockFetcher

	mu       sync.Mutex
	blocks   *lru.Cache // uint64 blockID -> blockstore.Mapping
	fpOwners map[string]map[uint64]struct{}
	diffs    *lru.Cache // int64 diff -> *diffStat
}

func New(cfg Config, fetch BlockFetcher) (*Cache, error) {
	c := &Cache{cfg: cfg, fetch: fetch, fpOwners: make(map[string]map[uint64]struct{})}
	blocks, err := lru.NewWithEvict(cfg.BlockCacheSize, c.onBlockEvicted)
	if err != nil {
		return nil, err
	}
	diffs, err := lru.New(cfg.DiffCacheSize)
	if err != nil {
		return nil, err
	}
	c.blocks = blocks
	c.diffs = diffs
	return c, nil
}

// onBlockEvicted cascades eviction (spec.md §4.5 "evicting a block removes
// its fingerprints from the fingerprint map unless another cached block
// still owns them"). Called synchronously by the underlying LRU while c.mu
// is already held by the caller.
func (c *Cache) onBlockEvicted(key, value interface{}) {
	m := value.(blockstore.Mapping)
	blockID := key.(uint64)
	for _, it := range m.Items {
		k := string(it.Fingerprint)
		owners := c.fpOwners[k]
		delete(owners, blockID)
		if len(owners) == 0 {
			delete(c.fpOwners, k)
		}
	}
}

func (c *Cache) addBlockLocked(m blockstore.Mapping) {
	c.blocks.Add(m.BlockID, m)
	for _, it := range m.Items {
		k := string(it.Fingerprint)
		if c.fpOwners[k] == nil {
			c.fpOwners[k] = make(map[uint64]struct{})
		}
		c.fpOwners[k][m.BlockID] = struct{}{}
	}
}

// AddBlock seeds the cache with a known mapping, e.g. once the block's own
// write completes or a neighbor block is read for an unrelated reason.
func (c *Cache) AddBlock(m blockstore.Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addBlockLocked(m)
}

// Check implements the lookup algorithm of spec.md §4.5: a direct hit
// touches every owning block's diff from currentBlockID; a miss tries
// fetching blocks at diffs that have proven productive before re-checking.
func (c *Cache) Check(currentBlockID uint64, fp []byte) (filterchain.Status, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if addr, ok := c.lookupLocked(currentBlockID, fp); ok {
		return filterchain.StrongMaybe, addr, nil
	}

	for _, key := range c.diffs.Keys() {
		diff := key.(int64)
		v, ok := c.diffs.Peek(diff)
		if !ok || v.(*diffStat).hits < c.cfg.DiffHitThreshold {
			continue
		}
		blockID := uint64(int64(currentBlockID) + diff)
		if _, cached := c.blocks.Peek(blockID); cached {
			continue
		}
		m, ok, err := c.fetch(blockID)
		if err != nil {
			return filterchain.Error, 0, err
		}
		if !ok {
			c.diffs.Remove(diff)
			continue
		}
		c.addBlockLocked(m)
	}

	if addr, ok := c.lookupLocked(currentBlockID, fp); ok {
		return filterchain.StrongMaybe, addr, nil
	}
	return filterchain.WeakMaybe, 0, nil
}

func (c *Cache) lookupLocked(currentBlockID uint64, fp []byte) (uint64, bool) {
	owners, ok := c.fpOwners[string(fp)]
	if !ok {
		return 0, false
	}
	var addr uint64
	found := false
	for ownerID := range owners {
		v, ok := c.blocks.Peek(ownerID)
		if !ok {
			continue
		}
		m := v.(blockstore.Mapping)
		for _, it := range m.Items {
			if bytes.Equal(it.Fingerprint, fp) {
				addr = it.ContainerID
				found = true
			}
		}
		c.touchDiff(int64(ownerID) - int64(currentBlockID))
	}
	return addr, found
}

func (c *Cache) touchDiff(diff int64) {
	if diff == 0 {
		return
	}
	v, ok := c.diffs.Get(diff)
	if !ok {
		v = &diffStat{}
		c.diffs.Add(diff, v)
	}
	v.(*diffStat).hits++
}

// Filter adapts Cache to filterchain.Filter for one in-flight block's
// writes. Update/UpdateKnownChunk are no-ops: the cache is populated only
// via AddBlock, once a block's mapping is actually known, and via the
// productive-diff prefetch in Check.
type Filter struct {
	cache          *Cache
	currentBlockID uint64
}

func NewFilter(cache *Cache, currentBlockID uint64) *Filter {
	return &Filter{cache: cache, currentBlockID: currentBlockID}
}

func (f *Filter) Name() string { return "block-hint" }

func (f *Filter) Check(fp []byte) (filterchain.Status, uint64, error) {
	return f.cache.Check(f.currentBlockID, fp)
}

func (f *Filter) Update(fp []byte, address uint64) error { return nil }

func (f *Filter) UpdateKnownChunk(fp []byte, address uint64) error { return nil }
