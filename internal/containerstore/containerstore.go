// Package containerstore is the public façade spec.md §4.2 describes:
// Put/Read/Delete routed through the write and read caches, with merge and
// move protocols driven by the garbage collector (SPEC_FULL.md §4.7).
package containerstore

import (
	"context"
	"log/slog"
	"sort"

	"gastrolog/internal/container"
	"gastrolog/internal/containerstore/alloc"
	"gastrolog/internal/containerstore/committer"
	"gastrolog/internal/containerstore/containerio"
	"gastrolog/internal/containerstore/readcache"
	"gastrolog/internal/containerstore/writecache"
	"gastrolog/internal/errs"
	"gastrolog/internal/logging"
	"gastrolog/internal/metaindex"
	"gastrolog/internal/wal"

	"github.com/vmihailenco/msgpack/v5"
)

type Config struct {
	Dir          string
	Geometry     container.Geometry
	Slots        uint64
	WriteSlots   int
	ReadLines    int
	ReadCapacity int
	Codec        container.Codec
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Geometry == (container.Geometry{}) {
		c.Geometry = container.DefaultGeometry()
	}
	if c.WriteSlots == 0 {
		c.WriteSlots = 16
	}
	if c.ReadLines == 0 {
		c.ReadLines = 32
	}
	if c.ReadCapacity == 0 {
		c.ReadCapacity = 4
	}
	if c.Codec == nil {
		c.Codec = container.NoneCodec{}
	}
	return c
}

// Store is the container store façade.
type Store struct {
	cfg Config

	alloc *alloc.Allocator
	io    *containerio.Store
	meta  *metaindex.Index
	log   *wal.Log

	wc *writecache.Cache
	rc *readcache.Cache
	cm *committer.Committer

	logger *slog.Logger
}

// MergedPayload is the msgpack body of a Container-Merged log event.
type MergedPayload struct {
	NewPrimaryID uint64
	SecondaryIDs []uint64
	DroppedIDs   []uint64
	FileOffset   uint64
}

// MovedPayload is the msgpack body of a Container-Moved log event.
type MovedPayload struct {
	ContainerID uint64
	FileOffset  uint64
}

func Open(cfg Config, a *alloc.Allocator, io *containerio.Store, meta *metaindex.Index, log *wal.Log) (*Store, error) {
	cfg = cfg.withDefaults()
	logger := logging.Default(cfg.Logger).With("component", "containerstore")

	s := &Store{cfg: cfg, alloc: a, io: io, meta: meta, log: log, logger: logger}
	s.cm = committer.New(committer.Config{Logger: cfg.Logger}, cfg.Geometry, a, io, meta, log)

	rc, err := readcache.New(readcache.Config{Lines: cfg.ReadLines, LineCapacity: cfg.ReadCapacity})
	if err != nil {
		return nil, err
	}
	s.rc = rc

	wc, err := writecache.New(writecache.Config{
		Slots:        cfg.WriteSlots,
		Capacity:     cfg.Geometry.ArenaCapacity(),
		NewPrimaryID: s.allocateAndLogOpen,
	}, s.cm.Commit)
	if err != nil {
		return nil, err
	}
	s.wc = wc
	return s, nil
}

// allocateAndLogOpen allocates a fresh slot and emits the Container-Open
// event (spec.md §4.2 "A container is created in memory (Open event)").
// Errors from either step are swallowed into a zero id here because
// writecache.Config.NewPrimaryID has no error return; Put surfaces the real
// failure itself when the subsequent container.Add/commit fails.
func (s *Store) allocateAndLogOpen() uint64 {
	slot, err := s.alloc.Alloc()
	if err != nil {
		s.logger.Error("allocate container slot failed", "error", err)
		return 0
	}
	if _, err := s.log.Commit(context.Background(), wal.EventContainerOpen, msgpackMust(slot)); err != nil {
		s.logger.Error("emit container-open event failed", "error", err)
	}
	return slot
}

func msgpackMust(v uint64) []byte {
	b, _ := msgpack.Marshal(v)
	return b
}

// Put compresses payload with the configured codec, inserts it into the
// write cache, and returns the container id chunks written under it resolve
// to (spec.md §4.2 "Put(fingerprint, payload) → address").
func (s *Store) Put(fp []byte, rawSize uint32, payload []byte) (uint64, error) {
	stored, err := s.cfg.Codec.Compress(payload)
	if err != nil {
		return 0, err
	}
	return s.wc.Add(fp, rawSize, stored)
}

// Read resolves address through the meta-index, consults the read cache,
// and on miss reads the container from disk (spec.md §4.2 "Read(fingerprint,
// address) → payload").
func (s *Store) Read(fp []byte, address uint64) ([]byte, error) {
	entry, err := s.meta.Resolve(address)
	if err != nil {
		return nil, err
	}
	slot := entry.FileOffset / uint64(s.cfg.Geometry.ContainerSize)

	ct, ok := s.rc.Get(slot)
	if !ok {
		ct, err = s.io.ReadContainer(slot)
		if err != nil {
			return nil, err
		}
		s.rc.Put(slot, ct)
	}

	item, ok := ct.Get(fp)
	if !ok || item.Deleted {
		return nil, errs.New(errs.NotFound, "containerstore: fingerprint not present")
	}
	stored, err := ct.Payload(fp)
	if err != nil {
		return nil, err
	}
	return s.cfg.Codec.Decompress(stored, int(item.RawSize))
}

// Delete marks fp deleted in the container resolved by address (spec.md
// §4.2 "never touches the data arena until merge").
func (s *Store) Delete(fp []byte, address uint64) error {
	entry, err := s.meta.Resolve(address)
	if err != nil {
		return err
	}
	slot := entry.FileOffset / uint64(s.cfg.Geometry.ContainerSize)

	ct, ok := s.rc.Get(slot)
	if !ok {
		ct, err = s.io.ReadContainer(slot)
		if err != nil {
			return err
		}
	}
	if err := ct.MarkDeleted(fp); err != nil {
		return err
	}
	if err := s.io.WriteContainer(slot, ct); err != nil {
		return err
	}
	s.rc.Put(slot, ct)
	return nil
}

// Merge builds a new container from the non-deleted items of a and b and
// installs it under the lower of the two containers' used ids (spec.md
// §4.2 merge protocol steps 2-5).
func (s *Store) Merge(addrA, addrB uint64) (uint64, error) {
	ctA, slotA, err := s.loadForMerge(addrA)
	if err != nil {
		return 0, err
	}
	ctB, slotB, err := s.loadForMerge(addrB)
	if err != nil {
		return 0, err
	}

	used := append(append([]uint64{}, ctA.UsedIDs()...), ctB.UsedIDs()...)
	sort.Slice(used, func(i, j int) bool { return used[i] < used[j] })
	newPrimary := used[0]
	secondary := used[1:]

	merged, err := container.Merge(ctA, ctB, newPrimary, secondary, s.cfg.Geometry.ArenaCapacity())
	if err != nil {
		return 0, err
	}

	newSlot, err := s.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	merged.SetCommitTime(merged.CommitTime())
	if err := s.io.WriteContainer(newSlot, merged); err != nil {
		return 0, err
	}

	offset := newSlot * uint64(s.cfg.Geometry.ContainerSize)
	payload, err := msgpack.Marshal(MergedPayload{
		NewPrimaryID: newPrimary,
		SecondaryIDs: secondary,
		FileOffset:   offset,
	})
	if err != nil {
		return 0, err
	}
	if _, err := s.log.Commit(context.Background(), wal.EventContainerMerged, payload); err != nil {
		return 0, err
	}

	if err := s.meta.ApplyMerge(newPrimary, secondary, nil, 0, offset); err != nil {
		return 0, err
	}
	s.rc.Invalidate(slotA)
	s.rc.Invalidate(slotB)
	s.alloc.Free(slotA)
	s.alloc.Free(slotB)
	return newPrimary, nil
}

func (s *Store) loadForMerge(address uint64) (*container.Container, uint64, error) {
	entry, err := s.meta.Resolve(address)
	if err != nil {
		return nil, 0, err
	}
	slot := entry.FileOffset / uint64(s.cfg.Geometry.ContainerSize)
	ct, ok := s.rc.Get(slot)
	if !ok {
		ct, err = s.io.ReadContainer(slot)
		if err != nil {
			return nil, 0, err
		}
	}
	return ct, slot, nil
}

// Move relocates the container resolved by address to a freshly allocated
// slot, e.g. for defragmenting compaction (spec.md §4.2 "Move protocol").
func (s *Store) Move(address uint64) error {
	ct, oldSlot, err := s.loadForMerge(address)
	if err != nil {
		return err
	}
	newSlot, err := s.alloc.Alloc()
	if err != nil {
		return err
	}
	if err := s.io.WriteContainer(newSlot, ct); err != nil {
		s.alloc.Free(newSlot)
		return err
	}

	offset := newSlot * uint64(s.cfg.Geometry.ContainerSize)
	payload, err := msgpack.Marshal(MovedPayload{ContainerID: ct.PrimaryID(), FileOffset: offset})
	if err != nil {
		return err
	}
	if _, err := s.log.Commit(context.Background(), wal.EventContainerMoved, payload); err != nil {
		return err
	}

	for _, id := range ct.UsedIDs() {
		isPrimary := id == ct.PrimaryID()
		if err := s.meta.Put(id, metaindex.Entry{FileOffset: offset, IsPrimary: isPrimary}); err != nil {
			return err
		}
	}
	s.rc.Invalidate(oldSlot)
	s.rc.Invalidate(newSlot)
	s.alloc.Free(oldSlot)
	return nil
}

// Stats returns containerID's current active payload size and non-deleted
// item count, the fullness signal the merge-candidate strategy buckets on
// (spec.md §4.6 "if the container's active_payload_size drops below a
// threshold or its item count drops below a threshold").
func (s *Store) Stats(containerID uint64) (activePayloadSize uint32, activeItemCount int, err error) {
	ct, _, err := s.loadForMerge(containerID)
	if err != nil {
		return 0, 0, err
	}
	count := 0
	for _, it := range ct.Items() {
		if !it.Deleted {
			count++
		}
	}
	return ct.ActivePayloadSize(), count, nil
}

// IsCommitted reports whether containerID already has a meta-index entry,
// i.e. it has cleared the background committer (spec.md §4.3 "open container
// count" gating: a caller that just handed a chunk to the write cache uses
// this to decide whether the container is still open).
func (s *Store) IsCommitted(containerID uint64) bool {
	_, err := s.meta.Resolve(containerID)
	return err == nil
}

// SyncCache forces the write cache to hand over all non-empty containers
// and waits for their commit (spec.md §4.2).
func (s *Store) SyncCache() error {
	return s.wc.SyncCache()
}

func (s *Store) Close() {
	s.cm.Close()
}
