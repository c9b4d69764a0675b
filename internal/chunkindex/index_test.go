package chunkindex

import "testing"

func TestPutAndLookup(t *testing.T) {
	ix, err := Open(Config{Dir: t.TempDir()}, true)
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	fp := []byte("fingerprint-a")
	if err := ix.Put(fp, Entry{Address: 5, UsageCount: 1}); err != nil {
		t.Fatal(err)
	}
	e, ok, err := ix.Lookup(fp)
	if err != nil || !ok {
		t.Fatalf("expected entry found, err=%v ok=%v", err, ok)
	}
	if e.Address != 5 || e.UsageCount != 1 {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestSparseAndGCMutuallyExclusive(t *testing.T) {
	_, err := Open(Config{Dir: t.TempDir(), Sparse: true, SampleFactor: 4}, true)
	if err == nil {
		t.Fatal("expected ConfigError for sparse+gc")
	}
}

func TestSparseRejectsNonPowerOfTwoFactor(t *testing.T) {
	_, err := Open(Config{Dir: t.TempDir(), Sparse: true, SampleFactor: 3}, false)
	if err == nil {
		t.Fatal("expected ConfigError for non power-of-two sample factor")
	}
}

func TestApplyDeltaAccumulates(t *testing.T) {
	ix, err := Open(Config{Dir: t.TempDir()}, true)
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()
	fp := []byte("fp")
	if _, err := ix.ApplyDelta(fp, 2, 1, 0, false); err != nil {
		t.Fatal(err)
	}
	e, err := ix.ApplyDelta(fp, -1, 2, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if e.UsageCount != 1 {
		t.Fatalf("expected usage count 1, got %d", e.UsageCount)
	}
}

func TestIsAcceptingNewChunksGatesUnderSparse(t *testing.T) {
	ix, err := Open(Config{Dir: t.TempDir(), Sparse: true, SampleFactor: 2, DirtyHighWaterMark: 1}, false)
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	var anchor []byte
	for i := 0; i < 256; i++ {
		cand := []byte{byte(i)}
		if ix.IsAnchor(cand) {
			anchor = cand
			break
		}
	}
	if anchor == nil {
		t.Skip("no anchor found in small candidate space")
	}
	if !ix.IsAcceptingNewChunks() {
		t.Fatal("expected to accept before reaching high-water mark")
	}
	if err := ix.Put(anchor, Entry{Address: 1}); err != nil {
		t.Fatal(err)
	}
	if ix.IsAcceptingNewChunks() {
		t.Fatal("expected backpressure once dirty count reaches high-water mark")
	}
}
