package writecache

import (
	"testing"
	"time"

	"gastrolog/internal/container"
)

func TestAddWritesIntoAnOpenContainer(t *testing.T) {
	var flushed []*container.Container
	c, err := New(Config{Slots: 4, Capacity: 4096}, func(ct *container.Container) error {
		flushed = append(flushed, ct)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	addr, err := c.Add([]byte("fp1"), 3, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	_ = addr
	if len(flushed) != 0 {
		t.Fatal("should not flush on a plain add")
	}
}

func TestSyncCacheFlushesNonEmptySlots(t *testing.T) {
	var flushed []*container.Container
	c, err := New(Config{Slots: 2, Capacity: 4096}, func(ct *container.Container) error {
		flushed = append(flushed, ct)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add([]byte("fp1"), 3, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := c.SyncCache(); err != nil {
		t.Fatal(err)
	}
	if len(flushed) != 1 {
		t.Fatalf("expected exactly one flushed container, got %d", len(flushed))
	}
}

func TestSweepIdleFlushesOnlyStaleSlots(t *testing.T) {
	var flushed []*container.Container
	c, err := New(Config{Slots: 2, Capacity: 4096, IdleTimeout: 10 * time.Millisecond}, func(ct *container.Container) error {
		flushed = append(flushed, ct)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	fixedNow := time.Now()
	c.now = func() time.Time { return fixedNow }

	if _, err := c.Add([]byte("fp1"), 3, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := c.SweepIdle(); err != nil {
		t.Fatal(err)
	}
	if len(flushed) != 0 {
		t.Fatal("should not flush before idle timeout elapses")
	}

	c.now = func() time.Time { return fixedNow.Add(20 * time.Millisecond) }
	if err := c.SweepIdle(); err != nil {
		t.Fatal(err)
	}
	if len(flushed) != 1 {
		t.Fatalf("expected one flushed container after idle timeout, got %d", len(flushed))
	}
}

func TestContainerFullOpensNewOneAndFlushesOld(t *testing.T) {
	var flushed []*container.Container
	// Capacity small enough that a second item can't fit alongside the
	// first, forcing a flush-and-reopen on the second Add.
	c, err := New(Config{Slots: 1, Capacity: 32}, func(ct *container.Container) error {
		flushed = append(flushed, ct)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Add([]byte("fp1"), 16, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add([]byte("fp2"), 16, make([]byte, 16)); err != nil {
		t.Fatal(err)
	}
	if len(flushed) != 1 {
		t.Fatalf("expected the first container to be flushed when full, got %d flushes", len(flushed))
	}
}
