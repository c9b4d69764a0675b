package containerstore

import (
	"path/filepath"
	"testing"

	"gastrolog/internal/container"
	"gastrolog/internal/containerstore/alloc"
	"gastrolog/internal/containerstore/containerio"
	"gastrolog/internal/metaindex"
	"gastrolog/internal/wal"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dir := t.TempDir()
	geo := container.Geometry{ContainerSize: 8192, HeaderSize: 2048}

	a, err := alloc.Open(alloc.Config{Dir: dir, Slots: 64})
	if err != nil {
		t.Fatal(err)
	}
	io, err := containerio.Open(filepath.Join(dir, "containers.dat"), geo, 64)
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

	s, err := Open(Config{Geometry: geo, WriteSlots: 2, Codec: container.NoneCodec{}}, a, io, meta, log)
	if err != nil {
		t.Fatal(err)
	}
	cleanup := func() {
		s.Close()
		log.Close()
		meta.Close()
		io.Close()
		a.Close()
	}
	return s, cleanup
}

func TestPutThenReadRoundTrips(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	fp := []byte("fingerprint-a")
	payload := []byte("hello world")
	addr, err := s.Put(fp, uint32(len(payload)), payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SyncCache(); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(fp, addr)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestDeleteThenReadFails(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	fp := []byte("fingerprint-b")
	payload := []byte("data")
	addr, err := s.Put(fp, uint32(len(payload)), payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SyncCache(); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(fp, addr); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(fp, addr); err == nil {
		t.Fatal("expected read after delete to fail")
	}
}
