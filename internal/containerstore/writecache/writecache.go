// Package writecache holds the fixed set of open containers currently being
// filled (spec.md §4.2 "Cache policies"): a small number of slots, an
// "earliest-free" placement strategy falling back to round-robin, and a
// time-based idle flush.
package writecache

import (
	"sync"
	"time"

	"gastrolog/internal/container"
	"gastrolog/internal/errs"
)

// FlushFunc persists a filled or idle-timed-out container. It is called with
// the slot already drained (its container removed from the cache), so the
// callback owns the container from that point on.
type FlushFunc func(ct *container.Container) error

type Config struct {
	Slots        int // default 16
	Capacity     uint32
	IdleTimeout  time.Duration // default 0 (disabled)
	NewPrimaryID func() uint64
}

func DefaultConfig() Config {
	return Config{Slots: 16, IdleTimeout: 0}
}

type slot struct {
	mu        sync.Mutex
	container *container.Container
	lastWrite time.Time
}

// Cache is the write cache: a fixed array of slots, each holding at most one
// open container.
type Cache struct {
	cfg   Config
	slots []*slot

	rrMu   sync.Mutex
	rrNext int

	flush FlushFunc
	now   func() time.Time
}

func New(cfg Config, flush FlushFunc) (*Cache, error) {
	if cfg.Slots <= 0 {
		cfg.Slots = 16
	}
	if cfg.Capacity == 0 {
		return nil, errs.New(errs.ConfigError, "writecache: capacity must be > 0")
	}
	if flush == nil {
		return nil, errs.New(errs.ConfigError, "writecache: flush func required")
	}
	c := &Cache{cfg: cfg, flush: flush, now: time.Now}
	c.slots = make([]*slot, cfg.Slots)
	for i := range c.slots {
		c.slots[i] = &slot{}
	}
	return c, nil
}

// Add places a chunk into the open container of the slot acquireSlot picks.
// If that container is full, it is handed to flush and a fresh container is
// opened in the same slot for the chunk. It returns the address (container
// primary id) the chunk was written under.
func (c *Cache) Add(fp []byte, rawSize uint32, storedPayload []byte) (uint64, error) {
	s, ct, err := c.acquireSlot()
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if _, addErr := ct.Add(fp, rawSize, ct.PrimaryID(), storedPayload); addErr != nil {
		if errs.Is(addErr, errs.Full) {
			if err := c.flushSlotLocked(s); err != nil {
				return 0, err
			}
			newCt := c.openContainer()
			s.container = newCt
			s.lastWrite = c.now()
			if _, err := newCt.Add(fp, rawSize, newCt.PrimaryID(), storedPayload); err != nil {
				return 0, err
			}
			return newCt.PrimaryID(), nil
		}
		return 0, addErr
	}
	s.lastWrite = c.now()
	return ct.PrimaryID(), nil
}

// acquireSlot implements the "earliest-free" strategy: try every slot under a
// non-blocking lock attempt in order, taking the first one whose lock is
// free. If every slot is currently busy, fall back to a blocking round-robin
// acquire so callers never error out under contention (spec.md §4.2).
func (c *Cache) acquireSlot() (*slot, *container.Container, error) {
	for _, s := range c.slots {
		if s.mu.TryLock() {
			if s.container == nil {
				s.container = c.openContainer()
			}
			return s, s.container, nil
		}
	}

	c.rrMu.Lock()
	idx := c.rrNext
	c.rrNext = (c.rrNext + 1) % len(c.slots)
	c.rrMu.Unlock()

	s := c.slots[idx]
	s.mu.Lock()
	if s.container == nil {
		s.container = c.openContainer()
	}
	return s, s.container, nil
}

func (c *Cache) openContainer() *container.Container {
	var id uint64
	if c.cfg.NewPrimaryID != nil {
		id = c.cfg.NewPrimaryID()
	}
	ct := container.New(id, c.cfg.Capacity)
	ct.SetCommitTime(c.now())
	return ct
}

// flushSlotLocked hands the slot's container to flush and clears the slot.
// Caller must hold s.mu.
func (c *Cache) flushSlotLocked(s *slot) error {
	ct := s.container
	s.container = nil
	if ct == nil || ct.ItemCount() == 0 {
		return nil
	}
	return c.flush(ct)
}

// SweepIdle flushes every slot whose container has been idle longer than
// cfg.IdleTimeout (spec.md §4.2 "a time-based flush forces any write-cache
// container idle longer than a threshold"). It runs only when called;
// nothing in this module calls it on a schedule.
func (c *Cache) SweepIdle() error {
	if c.cfg.IdleTimeout <= 0 {
		return nil
	}
	now := c.now()
	for _, s := range c.slots {
		s.mu.Lock()
		if s.container != nil && now.Sub(s.lastWrite) >= c.cfg.IdleTimeout {
			err := c.flushSlotLocked(s)
			s.mu.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		s.mu.Unlock()
	}
	return nil
}

// SyncCache forces every non-empty slot to flush and waits for completion
// (spec.md §4.2 "SyncCache() forces the write cache to hand over all
// non-empty containers and waits for their commit").
func (c *Cache) SyncCache() error {
	for _, s := range c.slots {
		s.mu.Lock()
		err := c.flushSlotLocked(s)
		s.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
