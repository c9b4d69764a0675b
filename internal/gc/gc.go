// Package gc is the reference-counted garbage collector (spec.md §4.6): it
// subscribes to block-mapping log events, turns them into per-fingerprint
// usage-count deltas, applies them to the chunk index, and on idle
// re-verifies and deletes zero-usage chunks, flagging emptied containers
// for merge.
package gc

import (
	"context"
	"log/slog"
	"sync"

	"gastrolog/internal/blockstore"
	"gastrolog/internal/chunkindex"
	"gastrolog/internal/containerstore"
	"gastrolog/internal/errs"
	"gastrolog/internal/gc/strategy"
	"gastrolog/internal/logging"
	"gastrolog/internal/wal"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Logger        *slog.Logger
	MergeCapacity uint32 // container arena capacity, used to bound merge pair selection
}

// GC is the wal.Consumer that drives usage-count bookkeeping and, on idle,
// the delete/merge sweep.
type GC struct {
	cfg   Config
	chunk *chunkindex.Index
	strat *strategy.Strategy
	store *containerstore.Store

	mu                  sync.Mutex
	replayedWriteFailed map[uint64]struct{}

	logger *slog.Logger
}

// OrphanChunksPayload mirrors the Orphan-Chunks event body: fingerprints
// whose owning block mapping is gone entirely (e.g. a volume detach) and
// whose usage should simply be dropped to zero.
type OrphanChunksPayload struct {
	Fingerprints [][]byte
}

func New(cfg Config, chunk *chunkindex.Index, strat *strategy.Strategy, store *containerstore.Store) *GC {
	return &GC{
		cfg:                 cfg,
		chunk:               chunk,
		strat:               strat,
		store:               store,
		replayedWriteFailed: make(map[uint64]struct{}),
		logger:              logging.Default(cfg.Logger).With("component", "gc"),
	}
}

// OnEvent implements wal.Consumer.
func (g *GC) OnEvent(ctx wal.ReplayContext, ev wal.Event) error {
	switch ev.Type {
	case wal.EventBlockMappingWritten:
		return g.onMappingWritten(ev)
	case wal.EventBlockMappingDeleted:
		return g.onMappingDeleted(ev)
	case wal.EventBlockMappingWriteFailed:
		return g.onWriteFailed(ev)
	case wal.EventOrphanChunks:
		return g.onOrphanChunks(ev)
	}
	return nil
}

type mappingPair struct {
	Old blockstore.Mapping
	New blockstore.Mapping
}

// onMappingWritten computes diff = usage_counts(new) - usage_counts(old)
// per fingerprint (spec.md §4.6) and applies it to the chunk index.
func (g *GC) onMappingWritten(ev wal.Event) error {
	var pair mappingPair
	if err := msgpack.Unmarshal(ev.Payload, &pair); err != nil {
		return errs.Wrap(errs.IoError, "gc: decode block-mapping-written payload", err)
	}
	return g.applyDiff(ev.LogID, pair.Old, pair.New, +1)
}

// onMappingDeleted removes every usage contributed by the deleted mapping.
func (g *GC) onMappingDeleted(ev wal.Event) error {
	var m blockstore.Mapping
	if err := msgpack.Unmarshal(ev.Payload, &m); err != nil {
		return errs.Wrap(errs.IoError, "gc: decode block-mapping-deleted payload", err)
	}
	return g.applyDiff(ev.LogID, m, blockstore.Mapping{}, +1)
}

// applyDiff counts fingerprint occurrences in old and new (each weighted by
// sign) and applies the signed delta to the chunk index under chunk locks.
// A block hint (new mapping's block id) is attached to every positive
// delta, per spec.md §4.6 "a signed integer per fingerprint, plus the block
// hint for any positive delta".
func (g *GC) applyDiff(logID uint64, oldM, newM blockstore.Mapping, sign int64) error {
	counts := make(map[string]int64)
	addrs := make(map[string]uint64)
	for _, it := range oldM.Items {
		counts[string(it.Fingerprint)] -= sign
	}
	for _, it := range newM.Items {
		counts[string(it.Fingerprint)] += sign
		addrs[string(it.Fingerprint)] = it.ContainerID
	}

	for fpStr, delta := range counts {
		if delta == 0 {
			continue
		}
		fp := []byte(fpStr)
		hint, hasHint := addrs[fpStr]
		e, err := g.chunk.ApplyDelta(fp, delta, logID, hint, hasHint && delta > 0)
		if err != nil {
			return err
		}
		if e.UsageCount <= 0 {
			if err := g.strat.AddZeroUsageCandidate(e.Address, fp); err != nil {
				return err
			}
		} else {
			_ = g.strat.RemoveZeroUsageCandidate(e.Address, fp)
		}
	}
	return nil
}

// onWriteFailed applies exactly-once bookkeeping: a failed block-mapping
// write never happened, so any usage optimistically attributed to it must
// be released, but only once per log id even under replay (spec.md §4.6).
func (g *GC) onWriteFailed(ev wal.Event) error {
	g.mu.Lock()
	if _, seen := g.replayedWriteFailed[ev.LogID]; seen {
		g.mu.Unlock()
		return nil
	}
	g.replayedWriteFailed[ev.LogID] = struct{}{}
	g.mu.Unlock()

	var m blockstore.Mapping
	if err := msgpack.Unmarshal(ev.Payload, &m); err != nil {
		return errs.Wrap(errs.IoError, "gc: decode block-mapping-write-failed payload", err)
	}
	return g.applyDiff(ev.LogID, m, blockstore.Mapping{}, +1)
}

func (g *GC) onOrphanChunks(ev wal.Event) error {
	var p OrphanChunksPayload
	if err := msgpack.Unmarshal(ev.Payload, &p); err != nil {
		return errs.Wrap(errs.IoError, "gc: decode orphan-chunks payload", err)
	}
	for _, fp := range p.Fingerprints {
		entry, ok, err := g.chunk.Lookup(fp)
		if err != nil {
			return err
		}
		if !ok || entry.UsageCount <= 0 {
			continue
		}
		if _, err := g.chunk.ApplyDelta(fp, -entry.UsageCount, ev.LogID, 0, false); err != nil {
			return err
		}
		if err := g.strat.AddZeroUsageCandidate(entry.Address, fp); err != nil {
			return err
		}
	}
	return nil
}

// OnLogEmpty clears the write-failed replay set once the log has fully
// drained (spec.md §4.6 "erasing the set when the log is empty").
func (g *GC) OnLogEmpty() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replayedWriteFailed = make(map[uint64]struct{})
}

// Sweep runs the idle-triggered re-verify-and-delete pass (spec.md §4.6):
// for each pending zero-usage candidate, re-checks the usage count under
// the chunk lock (a concurrent write may have raised it), issues Delete for
// confirmed-zero entries, and flags the container for merge if it has
// fallen below its fullness thresholds.
func (g *GC) Sweep(ctx context.Context) error {
	type work struct {
		containerID uint64
		fp          []byte
	}
	var batch []work
	if err := g.strat.ForEachZeroUsageCandidate(func(c strategy.ZeroUsageCandidate) error {
		batch = append(batch, work{containerID: c.ContainerID, fp: c.Fingerprint})
		return nil
	}); err != nil {
		return err
	}

	eg, _ := errgroup.WithContext(ctx)
	for _, w := range batch {
		w := w
		eg.Go(func() error {
			return g.reverifyAndDelete(w.containerID, w.fp)
		})
	}
	return eg.Wait()
}

func (g *GC) reverifyAndDelete(containerID uint64, fp []byte) error {
	entry, ok, err := g.chunk.Lookup(fp)
	if err != nil {
		return err
	}
	if !ok {
		return g.strat.RemoveZeroUsageCandidate(containerID, fp)
	}
	if entry.UsageCount > 0 {
		// A concurrent write raised usage back above zero; not a candidate anymore.
		return g.strat.RemoveZeroUsageCandidate(containerID, fp)
	}

	if err := g.store.Delete(fp, containerID); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	if err := g.chunk.Delete(fp); err != nil {
		return err
	}
	if size, count, err := g.store.Stats(containerID); err == nil {
		g.strat.UpdateContainer(containerID, size, count)
	}
	return g.strat.RemoveZeroUsageCandidate(containerID, fp)
}

// MergeOnce selects one eligible pair of merge candidates (spec.md §4.6
// "pairs least-full containers") and merges them, if any fit within
// capacity. Called after a delete sweep, typically on idle.
func (g *GC) MergeOnce() error {
	a, b, ok := g.strat.SelectMergePair(g.cfg.MergeCapacity)
	if !ok {
		return nil
	}
	merged, err := g.store.Merge(a, b)
	if err != nil {
		return err
	}
	g.strat.Withdraw(a)
	g.strat.Withdraw(b)
	if size, count, err := g.store.Stats(merged); err == nil {
		g.strat.UpdateContainer(merged, size, count)
	}
	return nil
}
