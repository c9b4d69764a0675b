package engine

import (
	"bytes"
	"context"
	"crypto/sha1"
	"testing"

	"github.com/google/uuid"

	"gastrolog/internal/config"
	"gastrolog/internal/scsi"
)

// smallFormat keeps every geometry tiny so tests run fast, and fixes
// BlockSize below ChunkMinSize so a whole-block-aligned write always
// produces exactly one forced chunk covering the entire block: the
// Rabin window never has enough bytes to find a content-defined boundary,
// so the fingerprint of a write is deterministically sha1 of its bytes.
func smallFormat() config.Format {
	f := config.DefaultFormat()
	f.ContainerSize = 64 * 1024
	f.HeaderSize = 4096
	f.BlockSize = 512
	f.ChunkWindowSize = 48
	f.ChunkMinSize = 4096
	f.ChunkAvgSize = 8192
	f.ChunkMaxSize = 16384
	f.AllocatorSlots = 64
	f.WriteCacheSlots = 4
	f.GCActiveSizeThreshold = 1 << 30 // every committed container is a merge candidate once emptied
	f.GCItemCountThreshold = 1
	return f
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(config.StartContext{Dir: dir, Create: true}, smallFormat(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Stop(config.StopContext{Fast: true}) })
	return e
}

func pattern(b byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = b
	}
	return data
}

func fingerprintOf(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

func TestEngineWriteReadRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	data := pattern('Q', int(e.format.BlockSize))

	if _, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, 0, 0, uint32(len(data)), data); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(data))
	res, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Read, 0, 0, uint32(len(buf)), buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res.Data, data) {
		t.Fatal("read-back data does not match what was written")
	}
}

// TestEngineDedupSharesChunkAcrossBlocks exercises the S1 "dedup hit"
// scenario end to end: two distinct blocks written with identical content
// resolve to a single chunk-index entry with usage count 2, after the
// written mappings have actually reached the chunk index through the log.
func TestEngineDedupSharesChunkAcrossBlocks(t *testing.T) {
	e := newTestEngine(t)
	data := pattern('D', int(e.format.BlockSize))

	if _, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, 0, 0, uint32(len(data)), data); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, 1, 0, uint32(len(data)), data); err != nil {
		t.Fatal(err)
	}
	if err := e.containers.SyncCache(); err != nil {
		t.Fatal(err)
	}
	if err := e.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}

	fp := fingerprintOf(data)
	entry, ok, err := e.chunkIx.Lookup(fp)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a chunk index entry for the shared fingerprint")
	}
	if entry.UsageCount != 2 {
		t.Fatalf("expected usage count 2, got %d", entry.UsageCount)
	}
}

// TestEngineGCReclaimsOverwrittenChunk exercises the reference-counted
// reclaim path (spec.md §4.6): overwriting a block drops its old chunk's
// usage to zero, and a forced GC sweep deletes it from both the chunk
// index and its owning container.
func TestEngineGCReclaimsOverwrittenChunk(t *testing.T) {
	e := newTestEngine(t)
	blockSize := int(e.format.BlockSize)
	oldData := pattern('A', blockSize)
	newData := pattern('B', blockSize)

	if _, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, 0, 0, uint32(blockSize), oldData); err != nil {
		t.Fatal(err)
	}
	if err := e.containers.SyncCache(); err != nil {
		t.Fatal(err)
	}
	if err := e.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}

	oldFP := fingerprintOf(oldData)
	if _, ok, err := e.chunkIx.Lookup(oldFP); err != nil || !ok {
		t.Fatalf("expected old fingerprint to be indexed before overwrite: ok=%v err=%v", ok, err)
	}

	if _, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, 0, 0, uint32(blockSize), newData); err != nil {
		t.Fatal(err)
	}
	if err := e.containers.SyncCache(); err != nil {
		t.Fatal(err)
	}
	if err := e.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}

	entry, ok, err := e.chunkIx.Lookup(oldFP)
	if err != nil {
		t.Fatal(err)
	}
	if ok && entry.UsageCount > 0 {
		t.Fatalf("expected old fingerprint's usage to have dropped to zero, got %d", entry.UsageCount)
	}

	if err := e.RunGCOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := e.chunkIx.Lookup(oldFP); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatal("expected old fingerprint to be deleted from the chunk index after a GC sweep")
	}

	buf := make([]byte, blockSize)
	res, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Read, 0, 0, uint32(blockSize), buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res.Data, newData) {
		t.Fatal("block should still read back as the overwritten data after GC")
	}
}

// TestEngineStopWritebackThenReopenPersists exercises a clean restart: data
// written before a writeback stop must still read back correctly from a
// freshly reopened engine over the same directory.
func TestEngineStopWritebackThenReopenPersists(t *testing.T) {
	dir := t.TempDir()
	format := smallFormat()

	e1, err := Open(config.StartContext{Dir: dir, Create: true}, format, nil)
	if err != nil {
		t.Fatal(err)
	}
	data := pattern('R', int(format.BlockSize))
	if _, err := e1.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, 3, 0, uint32(len(data)), data); err != nil {
		t.Fatal(err)
	}
	if err := e1.Stop(config.StopContext{Writeback: true}); err != nil {
		t.Fatal(err)
	}

	e2, err := Open(config.StartContext{Dir: dir, NoCreate: true}, format, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e2.Stop(config.StopContext{Fast: true}) }()

	buf := make([]byte, len(data))
	res, err := e2.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Read, 3, 0, uint32(len(buf)), buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res.Data, data) {
		t.Fatal("data written before a writeback stop should survive a reopen")
	}
}

// TestEngineCheckOnFreshStore exercises the standalone `check` command's
// read-only integrity pass against a store with no corruption.
func TestEngineCheckOnFreshStore(t *testing.T) {
	e := newTestEngine(t)
	data := pattern('C', int(e.format.BlockSize))
	if _, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, 0, 0, uint32(len(data)), data); err != nil {
		t.Fatal(err)
	}
	if err := e.Check(context.Background()); err != nil {
		t.Fatalf("expected a freshly written store to pass integrity check, got %v", err)
	}
}

// TestEngineGCMergeConsolidatesEmptiedContainers exercises the merge half
// of the background sweep (spec.md §4.6/§4.2): after two separate
// containers are each driven down to zero active usage, a forced GC pass
// merges them without error.
func TestEngineGCMergeConsolidatesEmptiedContainers(t *testing.T) {
	e := newTestEngine(t)
	blockSize := int(e.format.BlockSize)

	for i, b := range []byte{'X', 'Y'} {
		data := pattern(b, blockSize)
		if _, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, uint64(i), 0, uint32(blockSize), data); err != nil {
			t.Fatal(err)
		}
		if err := e.containers.SyncCache(); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}

	overwrite := pattern('Z', blockSize)
	for i := range []byte{'X', 'Y'} {
		if _, err := e.SCSI.MakeRequest(context.Background(), uuid.New(), scsi.Write, uint64(i), 0, uint32(blockSize), overwrite); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.containers.SyncCache(); err != nil {
		t.Fatal(err)
	}
	if err := e.Replay(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := e.RunGCOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.RunGCOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestEnginePauseResumeGC exercises the `gc --pause`/`--resume` controls:
// forcing the idle detector busy must prevent idle ticks from driving GC.
func TestEnginePauseResumeGC(t *testing.T) {
	e := newTestEngine(t)
	e.PauseGC()
	if e.detector.State().String() != "BUSY" {
		t.Fatal("expected forced-busy to keep the detector busy")
	}
	e.ResumeGC()
}
