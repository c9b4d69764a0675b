package gc

import (
	"context"
	"path/filepath"
	"testing"

	"gastrolog/internal/blockstore"
	"gastrolog/internal/chunkindex"
	"gastrolog/internal/container"
	"gastrolog/internal/containerstore"
	"gastrolog/internal/containerstore/alloc"
	"gastrolog/internal/containerstore/containerio"
	"gastrolog/internal/gc/strategy"
	"gastrolog/internal/metaindex"
	"gastrolog/internal/wal"

	"github.com/vmihailenco/msgpack/v5"
)

func newTestGC(t *testing.T) *GC {
	t.Helper()
	dir := t.TempDir()

	chunkIx, err := chunkindex.Open(chunkindex.Config{Dir: dir}, true)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { chunkIx.Close() })

	strat, err := strategy.Open(strategy.Config{Dir: dir, ActiveSizeThreshold: 100, ItemCountThreshold: 5})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { strat.Close() })

	geo := container.Geometry{ContainerSize: 8192, HeaderSize: 2048}
	a, err := alloc.Open(alloc.Config{Dir: dir, Slots: 64})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	io, err := containerio.Open(filepath.Join(dir, "containers.dat"), geo, 64)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { io.Close() })
	meta, err := metaindex.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })
	log, err := wal.Open(wal.Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	store, err := containerstore.Open(containerstore.Config{Geometry: geo, Codec: container.NoneCodec{}}, a, io, meta, log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	return New(Config{MergeCapacity: geo.ArenaCapacity()}, chunkIx, strat, store)
}

func TestMappingWrittenIncrementsUsageCount(t *testing.T) {
	g := newTestGC(t)

	newMapping := blockstore.Mapping{
		BlockID: 1,
		Version: 1,
		Items:   []blockstore.Item{{Fingerprint: []byte("fp1"), ContainerID: 5}},
	}
	payload, err := msgpack.Marshal(mappingPair{New: newMapping})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.OnEvent(wal.ReplayContext{}, wal.Event{LogID: 1, Type: wal.EventBlockMappingWritten, Payload: payload}); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := g.chunk.Lookup([]byte("fp1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || entry.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %+v (ok=%v)", entry, ok)
	}
}

func TestMappingDeletedDropsUsageToZeroCandidate(t *testing.T) {
	g := newTestGC(t)

	m := blockstore.Mapping{
		BlockID: 1,
		Version: 1,
		Items:   []blockstore.Item{{Fingerprint: []byte("fp1"), ContainerID: 5}},
	}
	writtenPayload, _ := msgpack.Marshal(mappingPair{New: m})
	if err := g.OnEvent(wal.ReplayContext{}, wal.Event{LogID: 1, Type: wal.EventBlockMappingWritten, Payload: writtenPayload}); err != nil {
		t.Fatal(err)
	}

	deletedPayload, _ := msgpack.Marshal(m)
	if err := g.OnEvent(wal.ReplayContext{}, wal.Event{LogID: 2, Type: wal.EventBlockMappingDeleted, Payload: deletedPayload}); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := g.chunk.Lookup([]byte("fp1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || entry.UsageCount != 0 {
		t.Fatalf("expected usage count 0, got %+v", entry)
	}

	var found bool
	if err := g.strat.ForEachZeroUsageCandidate(func(c strategy.ZeroUsageCandidate) error {
		if string(c.Fingerprint) == "fp1" {
			found = true
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected fp1 to be a zero-usage candidate")
	}
}

func TestWriteFailedIsExactlyOnce(t *testing.T) {
	g := newTestGC(t)

	m := blockstore.Mapping{
		BlockID: 1,
		Version: 1,
		Items:   []blockstore.Item{{Fingerprint: []byte("fp1"), ContainerID: 5}},
	}
	writtenPayload, _ := msgpack.Marshal(mappingPair{New: m})
	if err := g.OnEvent(wal.ReplayContext{}, wal.Event{LogID: 1, Type: wal.EventBlockMappingWritten, Payload: writtenPayload}); err != nil {
		t.Fatal(err)
	}

	failedPayload, _ := msgpack.Marshal(m)
	ev := wal.Event{LogID: 2, Type: wal.EventBlockMappingWriteFailed, Payload: failedPayload}
	if err := g.OnEvent(wal.ReplayContext{}, ev); err != nil {
		t.Fatal(err)
	}
	if err := g.OnEvent(wal.ReplayContext{}, ev); err != nil { // replayed a second time
		t.Fatal(err)
	}

	entry, _, err := g.chunk.Lookup([]byte("fp1"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.UsageCount != 0 {
		t.Fatalf("expected write-failed to apply exactly once, got usage count %d", entry.UsageCount)
	}
}

func TestSweepDeletesConfirmedZeroCandidates(t *testing.T) {
	g := newTestGC(t)

	fp := []byte("fp1")
	if err := g.chunk.Put(fp, chunkindex.Entry{Address: 99, UsageCount: 0}); err != nil {
		t.Fatal(err)
	}
	if err := g.strat.AddZeroUsageCandidate(99, fp); err != nil {
		t.Fatal(err)
	}

	if err := g.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := g.chunk.Lookup(fp); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected chunk index entry to be deleted")
	}
}
