package metaindex

import "testing"

func TestPutAndResolve(t *testing.T) {
	ix, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	if err := ix.Put(42, Entry{FileIndex: 1, FileOffset: 4096, IsPrimary: true}); err != nil {
		t.Fatal(err)
	}
	e, err := ix.Resolve(42)
	if err != nil {
		t.Fatal(err)
	}
	if e.FileIndex != 1 || e.FileOffset != 4096 || !e.IsPrimary {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestResolveMissingReturnsNotFound(t *testing.T) {
	ix, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	if _, err := ix.Resolve(7); err == nil {
		t.Fatal("expected NotFound error")
	}
}

func TestApplyMergeInstallsAndDrops(t *testing.T) {
	ix, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	if err := ix.Put(1, Entry{FileIndex: 0, FileOffset: 0, IsPrimary: true}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Put(2, Entry{FileIndex: 0, FileOffset: 4096, IsPrimary: true}); err != nil {
		t.Fatal(err)
	}
	if err := ix.Put(3, Entry{FileIndex: 0, FileOffset: 8192, IsPrimary: true}); err != nil {
		t.Fatal(err)
	}

	// Merge containers 1 and 2 into a new container whose primary id is 1,
	// secondary id 2; container 3's id 3 is unrelated and untouched; here we
	// simulate container 1's old secondary 4 being dropped by the merge.
	if err := ix.ApplyMerge(1, []uint64{2}, []uint64{4}, 5, 1234); err != nil {
		t.Fatal(err)
	}

	e1, err := ix.Resolve(1)
	if err != nil || !e1.IsPrimary || e1.FileIndex != 5 || e1.FileOffset != 1234 {
		t.Fatalf("primary id not updated: %+v, err=%v", e1, err)
	}
	e2, err := ix.Resolve(2)
	if err != nil || e2.IsPrimary || e2.FileIndex != 5 {
		t.Fatalf("secondary id not updated: %+v, err=%v", e2, err)
	}
	if _, err := ix.Resolve(4); err == nil {
		t.Fatal("expected dropped id 4 to be removed")
	}
	e3, err := ix.Resolve(3)
	if err != nil || e3.FileOffset != 8192 {
		t.Fatalf("unrelated id 3 should be untouched: %+v, err=%v", e3, err)
	}
}
