package committer

import (
	"context"
	"path/filepath"
	"testing"

	"gastrolog/internal/container"
	"gastrolog/internal/containerstore/alloc"
	"gastrolog/internal/containerstore/containerio"
	"gastrolog/internal/metaindex"
	"gastrolog/internal/wal"
)

func newTestCommitter(t *testing.T) (*Committer, func()) {
	t.Helper()
	dir := t.TempDir()

	a, err := alloc.Open(alloc.Config{Dir: dir, Slots: 16})
	if err != nil {
		t.Fatal(err)
	}
	geo := container.DefaultGeometry()
	io, err := containerio.Open(filepath.Join(dir, "containers.dat"), geo, 16)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := metaindex.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	log, err := wal.Open(wal.Config{Dir: dir})
	if err != nil {
		t.Fatal(err)
	}

	c := New(Config{Workers: 2}, geo, a, io, meta, log)
	cleanup := func() {
		c.Close()
		log.Close()
		meta.Close()
		io.Close()
		a.Close()
	}
	return c, cleanup
}

func TestCommitWritesContainerAndMetaIndex(t *testing.T) {
	c, cleanup := newTestCommitter(t)
	defer cleanup()

	slot, err := c.alloc.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	ct := container.New(slot, c.geo.ArenaCapacity())
	if _, err := ct.Add([]byte("fp1"), 3, slot, []byte("abc")); err != nil {
		t.Fatal(err)
	}

	if err := c.Commit(ct); err != nil {
		t.Fatal(err)
	}

	entry, err := c.meta.Resolve(slot)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.IsPrimary {
		t.Fatal("expected primary entry")
	}
}

func TestCommitAllRunsConcurrently(t *testing.T) {
	c, cleanup := newTestCommitter(t)
	defer cleanup()

	var cts []*container.Container
	for i := 0; i < 4; i++ {
		slot, err := c.alloc.Alloc()
		if err != nil {
			t.Fatal(err)
		}
		cts = append(cts, container.New(slot, c.geo.ArenaCapacity()))
	}

	if err := c.CommitAll(context.Background(), cts); err != nil {
		t.Fatal(err)
	}
	for _, ct := range cts {
		if _, err := c.meta.Resolve(ct.PrimaryID()); err != nil {
			t.Fatalf("expected container %d to be committed: %v", ct.PrimaryID(), err)
		}
	}
}
