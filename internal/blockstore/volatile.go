package blockstore

import (
	"log/slog"
	"sync"

	"gastrolog/internal/logging"
)

// entry is one in-flight block version (spec.md §3 "Volatile block entry").
// It becomes committable when both counters reach zero.
type entry struct {
	mapping               Mapping
	openContainerCount    int
	openPredecessorCount  int
	failed                bool
	installed             bool
}

// Callbacks are invoked once an entry clears its gates. CommitVolatileBlock
// installs a mapping into the persistent block index and is expected to
// emit a Block-Mapping-Written log event; FailVolatileBlock is invoked for
// failed entries and is expected to emit Block-Mapping-Write-Failed.
// Neither callback touches the log directly here, to keep blockstore free
// of a wal import cycle — the engine wiring layer supplies both.
type Callbacks struct {
	CommitVolatileBlock func(Mapping) error
	FailVolatileBlock   func(Mapping) error
}

// VolatileStore tracks in-flight block mappings until every container they
// reference is durable and every earlier version of the same block has
// itself committed (spec.md §4.3).
type VolatileStore struct {
	mu        sync.Mutex
	cb        Callbacks
	byBlock   map[uint64]map[uint64]*entry // blockID -> version -> entry
	byContainer map[uint64][]*entry        // containerID -> entries still waiting on it
	logger    *slog.Logger
}

func NewVolatileStore(cb Callbacks, logger *slog.Logger) *VolatileStore {
	return &VolatileStore{
		cb:          cb,
		byBlock:     make(map[uint64]map[uint64]*entry),
		byContainer: make(map[uint64][]*entry),
		logger:      logging.Default(logger).With("component", "blockstore.volatile"),
	}
}

// Add registers m as a new in-flight version. openContainerIDs are the
// containers referenced by m that are not yet known to be committed.
// hasPredecessor is true unless m.Version == 1 (or the predecessor is
// already persistent), matching "later versions wait on the open-
// predecessor counter" (spec.md §5).
func (vs *VolatileStore) Add(m Mapping, openContainerIDs []uint64, hasPredecessor bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	e := &entry{mapping: m, openContainerCount: len(openContainerIDs)}
	if hasPredecessor {
		e.openPredecessorCount = 1
	}
	if vs.byBlock[m.BlockID] == nil {
		vs.byBlock[m.BlockID] = make(map[uint64]*entry)
	}
	vs.byBlock[m.BlockID][m.Version] = e
	for _, cid := range openContainerIDs {
		vs.byContainer[cid] = append(vs.byContainer[cid], e)
	}
	vs.maybeResolveLocked(e)
}

// OnContainerCommitted decrements the open-container counter of every
// volatile entry referencing containerID.
func (vs *VolatileStore) OnContainerCommitted(containerID uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	for _, e := range vs.byContainer[containerID] {
		if e.installed || e.failed {
			continue
		}
		if e.openContainerCount > 0 {
			e.openContainerCount--
		}
		vs.maybeResolveLocked(e)
	}
	delete(vs.byContainer, containerID)
}

// OnContainerCommitFailed transitions every volatile entry referencing
// containerID, and every later version of the same block, to failed
// (spec.md §4.3).
func (vs *VolatileStore) OnContainerCommitFailed(containerID uint64) {
	vs.mu.Lock()
	var toFail []*entry
	for _, e := range vs.byContainer[containerID] {
		if e.installed {
			continue
		}
		toFail = append(toFail, e)
	}
	for _, e := range toFail {
		vs.failBlockFromLocked(e.mapping.BlockID, e.mapping.Version)
	}
	delete(vs.byContainer, containerID)
	vs.mu.Unlock()
}

// failBlockFromLocked marks version and every later version of blockID
// failed, invoking FailVolatileBlock for each. Caller holds vs.mu. The set
// of newly-failed mappings is collected before the lock is ever released,
// so the unlocked callback window never races a concurrent Add() mutating
// the same per-block map.
func (vs *VolatileStore) failBlockFromLocked(blockID, fromVersion uint64) {
	var failed []Mapping
	for v, e := range vs.byBlock[blockID] {
		if v < fromVersion || e.failed || e.installed {
			continue
		}
		e.failed = true
		failed = append(failed, e.mapping)
	}
	if len(failed) == 0 {
		return
	}
	vs.mu.Unlock()
	for _, m := range failed {
		if vs.cb.FailVolatileBlock != nil {
			_ = vs.cb.FailVolatileBlock(m)
		}
	}
	vs.mu.Lock()
}

// maybeResolveLocked installs e if both counters have reached zero. Caller
// holds vs.mu; the callback itself runs with the lock released.
func (vs *VolatileStore) maybeResolveLocked(e *entry) {
	if e.installed || e.failed {
		return
	}
	if e.openContainerCount != 0 || e.openPredecessorCount != 0 {
		return
	}
	e.installed = true
	m := e.mapping
	vs.mu.Unlock()
	if vs.cb.CommitVolatileBlock != nil {
		_ = vs.cb.CommitVolatileBlock(m)
	}
	vs.mu.Lock()
	vs.onInstalledLocked(m.BlockID, m.Version)
}

// Latest returns the highest-versioned in-flight mapping for blockID, for
// read-your-writes semantics before that version has cleared its commit
// gates (spec.md §8 scenario S2: a crash between Container-Committed and
// Block-Mapping-Written must still read back the new data).
func (vs *VolatileStore) Latest(blockID uint64) (Mapping, bool) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	versions := vs.byBlock[blockID]
	if len(versions) == 0 {
		return Mapping{}, false
	}
	var best *entry
	for _, e := range versions {
		if e.failed {
			continue
		}
		if best == nil || e.mapping.Version > best.mapping.Version {
			best = e
		}
	}
	if best == nil {
		return Mapping{}, false
	}
	return best.mapping, true
}

// Forget drops every installed or failed version of blockID up to and
// including upToVersion, bounding memory in the common non-crashing case.
// Versions still pending are kept.
func (vs *VolatileStore) Forget(blockID uint64, upToVersion uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	versions := vs.byBlock[blockID]
	for v, e := range versions {
		if v <= upToVersion && (e.installed || e.failed) {
			delete(versions, v)
		}
	}
	if len(versions) == 0 {
		delete(vs.byBlock, blockID)
	}
}

// onInstalledLocked clears the predecessor gate of the next version of the
// same block, if one is waiting (spec.md §5 "later versions wait on the
// open-predecessor counter").
func (vs *VolatileStore) onInstalledLocked(blockID, version uint64) {
	next, ok := vs.byBlock[blockID][version+1]
	if !ok || next.installed || next.failed {
		return
	}
	if next.openPredecessorCount > 0 {
		next.openPredecessorCount--
	}
	vs.maybeResolveLocked(next)
}
