// Package container implements the in-memory representation of a single
// container: a fixed-size, immutable-once-committed object holding many
// content-defined chunks, with a sorted item table for fingerprint lookup
// and a flat data arena (spec.md §2 "Container", §3 "Container item").
package container

import (
	"bytes"
	"sync"
	"time"

	"gastrolog/internal/errs"

	"github.com/google/btree"
)

// Item is one chunk payload's metadata within a container (spec.md §3).
// OriginalContainerID is preserved across merges so that chunk-index
// entries keyed on the current container id can be migrated deterministically.
type Item struct {
	Fingerprint         []byte
	OffsetInContainer   uint32
	RawSize             uint32
	StoredSize          uint32
	OriginalContainerID uint64
	Indexed             bool
	Deleted             bool
}

func (it Item) less(other Item) bool {
	return bytes.Compare(it.Fingerprint, other.Fingerprint) < 0
}

// Container holds one container's full in-memory state: header fields, the
// sorted item table, and the data arena. A Container is mutable only while
// it lives in the write cache; once committed its payload region must not
// change (spec.md §3 invariant "committed containers are immutable in their
// payload region; only deleted flags mutate before the next merge").
type Container struct {
	mu sync.RWMutex

	primaryID    uint64
	secondaryIDs []uint64
	commitTime   time.Time

	items *btree.BTreeG[Item]

	capacity  uint32 // usable arena bytes (container size minus header)
	used      uint32 // payload_size: bytes of arena consumed, deleted or not
	activeUse uint32 // active_payload_size: bytes of non-deleted items

	arena []byte
}

const btreeDegree = 32

// New creates an empty container with the given primary id and usable arena
// capacity (container size minus header size).
func New(primaryID uint64, capacity uint32) *Container {
	return &Container{
		primaryID: primaryID,
		items:     btree.NewG(btreeDegree, func(a, b Item) bool { return a.less(b) }),
		capacity:  capacity,
		arena:     make([]byte, 0, capacity),
	}
}

func (c *Container) PrimaryID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primaryID
}

func (c *Container) SecondaryIDs() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint64, len(c.secondaryIDs))
	copy(out, c.secondaryIDs)
	return out
}

// UsedIDs returns every id (primary + secondary) that currently resolves to
// this container (spec.md §3 "a container id ... resolves through the
// meta-index to exactly one container whose primary or secondary ids
// include it").
func (c *Container) UsedIDs() []uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint64, 0, 1+len(c.secondaryIDs))
	out = append(out, c.primaryID)
	out = append(out, c.secondaryIDs...)
	return out
}

func (c *Container) SetSecondaryIDs(ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secondaryIDs = append([]uint64(nil), ids...)
}

func (c *Container) CommitTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commitTime
}

func (c *Container) SetCommitTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitTime = t
}

func (c *Container) ItemCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items.Len()
}

func (c *Container) PayloadSize() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.used
}

func (c *Container) ActivePayloadSize() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeUse
}

// Remaining reports how many arena bytes (including the per-item CRC
// overhead) are still free for new items.
func (c *Container) Remaining() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity - c.used
}

// Get returns the item for fp, if present (including deleted items, so
// callers can distinguish "never existed" from "deleted").
func (c *Container) Get(fp []byte) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items.Get(Item{Fingerprint: fp})
}

// Add inserts a new item whose (already codec-encoded) stored bytes are
// storedPayload, framed with a per-item CRC (spec.md §3 "each item's
// payload is prefixed with a per-item CRC"). It returns errs.Full if the
// container lacks room.
func (c *Container) Add(fp []byte, rawSize uint32, originalContainerID uint64, storedPayload []byte) (Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	framed := frameItemPayload(storedPayload)
	need := uint32(len(framed))
	if c.used+need > c.capacity {
		return Item{}, errs.New(errs.Full, "container: no room for item")
	}
	if _, exists := c.items.Get(Item{Fingerprint: fp}); exists {
		return Item{}, errs.New(errs.AlreadyExists, "container: fingerprint already present")
	}

	offset := uint32(len(c.arena))
	c.arena = append(c.arena, framed...)

	item := Item{
		Fingerprint:         append([]byte(nil), fp...),
		OffsetInContainer:   offset,
		RawSize:             rawSize,
		StoredSize:          uint32(len(storedPayload)),
		OriginalContainerID: originalContainerID,
		Indexed:             true,
	}
	c.items.ReplaceOrInsert(item)
	c.used += need
	c.activeUse += need
	return item, nil
}

// Payload returns the verified, still-compressed payload bytes for fp. The
// caller (containerstore) is responsible for codec decompression.
func (c *Container) Payload(fp []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items.Get(Item{Fingerprint: fp})
	if !ok {
		return nil, errs.New(errs.NotFound, "container: fingerprint not present")
	}
	if item.Deleted {
		return nil, errs.New(errs.NotFound, "container: item deleted")
	}
	return unframeItemPayload(c.arena, item.OffsetInContainer, item.StoredSize)
}

// MarkDeleted flips the deleted flag and decrements active_payload_size; the
// data arena is left untouched until the next merge (spec.md §4.2 Delete).
func (c *Container) MarkDeleted(fp []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items.Get(Item{Fingerprint: fp})
	if !ok {
		return errs.New(errs.NotFound, "container: fingerprint not present")
	}
	if item.Deleted {
		return nil
	}
	item.Deleted = true
	c.items.ReplaceOrInsert(item)
	c.activeUse -= itemFrameSize(item.StoredSize)
	return nil
}

// Items returns every item in fingerprint order.
func (c *Container) Items() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0, c.items.Len())
	c.items.Ascend(func(it Item) bool {
		out = append(out, it)
		return true
	})
	return out
}

// Merge builds a new container from the non-deleted items of a and b,
// re-framing each item's stored bytes into the new arena (spec.md §4.2
// merge protocol step 3: "copy all non-deleted items from A and B; sort
// items by fingerprint" — the btree already keeps insertion order sorted).
func Merge(a, b *Container, newPrimaryID uint64, secondaryIDs []uint64, capacity uint32) (*Container, error) {
	out := New(newPrimaryID, capacity)
	out.SetSecondaryIDs(secondaryIDs)
	for _, src := range []*Container{a, b} {
		for _, item := range src.Items() {
			if item.Deleted {
				continue
			}
			payload, err := src.Payload(item.Fingerprint)
			if err != nil {
				return nil, err
			}
			if _, err := out.Add(item.Fingerprint, item.RawSize, item.OriginalContainerID, payload); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}
