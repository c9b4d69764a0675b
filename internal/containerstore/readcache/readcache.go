// Package readcache is the set-associative cache of fully materialized
// containers described in spec.md §4.2/§4.5: N lines, xxhash-bucketed by
// container id, each independently RW-locked with its own
// last-use-ordered eviction.
package readcache

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"gastrolog/internal/container"
)

type Config struct {
	Lines        int // default 32
	LineCapacity int // entries per line, default 4
}

func DefaultConfig() Config {
	return Config{Lines: 32, LineCapacity: 4}
}

type line struct {
	mu    sync.RWMutex
	cache *lru.Cache
}

// Cache holds materialized *container.Container values keyed by container
// id. Replacement within a line is oldest-last-used, which golang-lru's
// Add already provides for a capacity-bounded cache.
type Cache struct {
	cfg   Config
	lines []*line
}

func New(cfg Config) (*Cache, error) {
	if cfg.Lines <= 0 {
		cfg.Lines = 32
	}
	if cfg.LineCapacity <= 0 {
		cfg.LineCapacity = 4
	}
	c := &Cache{cfg: cfg, lines: make([]*line, cfg.Lines)}
	for i := range c.lines {
		lc, err := lru.New(cfg.LineCapacity)
		if err != nil {
			return nil, err
		}
		c.lines[i] = &line{cache: lc}
	}
	return c, nil
}

func (c *Cache) lineFor(containerID uint64) *line {
	h := xxhash.Sum64(binary.LittleEndian.AppendUint64(nil, containerID))
	return c.lines[h%uint64(len(c.lines))]
}

// Get returns the cached container for id, if present, under the line's
// shared lock (spec.md §4.2 "consults the read cache").
func (c *Cache) Get(containerID uint64) (*container.Container, bool) {
	l := c.lineFor(containerID)
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.cache.Get(containerID)
	if !ok {
		return nil, false
	}
	return v.(*container.Container), true
}

// Put installs ct under the line's exclusive lock (spec.md §4.2 "Populates
// the read cache under a write lock on the victim cache line").
func (c *Cache) Put(containerID uint64, ct *container.Container) {
	l := c.lineFor(containerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Add(containerID, ct)
}

// Invalidate drops containerID from the cache, e.g. after a merge or move
// changes which address resolves to it.
func (c *Cache) Invalidate(containerID uint64) {
	l := c.lineFor(containerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Remove(containerID)
}
