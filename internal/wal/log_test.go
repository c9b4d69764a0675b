package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Dir:              t.TempDir(),
		FileCount:        2,
		PagesPerFile:     8,
		PageSize:         256,
		HighWaterMark:    0.9,
		BackpressureWait: 100 * time.Millisecond,
	}
}

type recordingConsumer struct {
	events []Event
}

func (r *recordingConsumer) OnEvent(ctx ReplayContext, ev Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestCommitAssignsMonotonicIDs(t *testing.T) {
	l, err := Open(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := l.Commit(context.Background(), EventContainerOpen, []byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[i-1]+1 {
			t.Fatalf("expected monotonic ids, got %v", ids)
		}
	}
}

func TestDirectConsumerSeesCommitSynchronously(t *testing.T) {
	l, err := Open(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	rc := &recordingConsumer{}
	l.AddDirectConsumer(rc)

	id, err := l.Commit(context.Background(), EventContainerCommit, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if len(rc.events) != 1 || rc.events[0].LogID != id {
		t.Fatalf("expected direct delivery of logID %d, got %+v", id, rc.events)
	}
}

func TestDirectConsumerRefusalFailsCommit(t *testing.T) {
	l, err := Open(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	refuse := ConsumerFunc(func(ctx ReplayContext, ev Event) error {
		return errPageEmpty
	})
	l.AddDirectConsumer(refuse)

	before := l.Head()
	_, err = l.Commit(context.Background(), EventContainerOpen, nil)
	if err == nil {
		t.Fatal("expected commit to fail")
	}
	if l.Head() != before {
		t.Fatalf("expected head to not advance on refusal, was %d now %d", before, l.Head())
	}
}

func TestWaitUntilDirectlyReplayed(t *testing.T) {
	l, err := Open(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	id, err := l.Commit(context.Background(), EventContainerOpen, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.WaitUntilDirectlyReplayed(ctx, id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReplayDirtyStartDeliversAllEvents(t *testing.T) {
	cfg := testConfig(t)
	l, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Commit(context.Background(), EventContainerOpen, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	if l2.WasDirty() {
		t.Fatal("expected clean recovery after Close")
	}

	rc := &recordingConsumer{}
	l2.AddReplayConsumer(rc)
	if err := l2.Replay(context.Background(), ReplayDirtyStart, 0); err != nil {
		t.Fatal(err)
	}
	// 3 real events + ReplayStarted/ReplayStopped markers.
	var real int
	for _, ev := range rc.events {
		if ev.Type == EventContainerOpen {
			real++
		}
	}
	if real != 3 {
		t.Fatalf("expected 3 real events replayed, got %d (%+v)", real, rc.events)
	}
}

func TestDirtyStartDetectedAfterCrash(t *testing.T) {
	cfg := testConfig(t)
	l, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Commit(context.Background(), EventContainerOpen, nil); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: no Close(), so the clean-stop marker is never
	// written with clean=true (it was written with clean=false by Commit).
	l.fs.Close()

	l2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()
	if !l2.WasDirty() {
		t.Fatal("expected dirty recovery after crash")
	}
}

func TestReplayAbortsOnCorruptPage(t *testing.T) {
	cfg := testConfig(t)
	l, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	id, err := l.Commit(context.Background(), EventContainerOpen, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Flip a bit in the page holding logID (S5: "flip a
	// single bit in one log page").
	seg := filepath.Join(cfg.Dir, segmentName(0))
	data, err := os.ReadFile(seg)
	if err != nil {
		t.Fatal(err)
	}
	offset := cfg.PageSize + 10 // inside the first event page's log_id field
	data[offset] ^= 0x01
	if err := os.WriteFile(seg, data, 0o644); err != nil {
		t.Fatal(err)
	}

	l2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	err = l2.Replay(context.Background(), ReplayDirtyStart, 0)
	if err == nil {
		t.Fatal("expected replay to abort on corrupt page")
	}
	_ = id
}

func TestBackpressureReturnsTransientWhenRingSaturated(t *testing.T) {
	cfg := testConfig(t)
	cfg.HighWaterMark = 0.9
	cfg.BackpressureWait = 50 * time.Millisecond
	l, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	capacity := cfg.FileCount * cfg.PagesPerFile
	threshold := int(float64(capacity) * cfg.HighWaterMark)
	for i := 0; i < threshold; i++ {
		if _, err := l.Commit(context.Background(), EventContainerOpen, nil); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
	start := time.Now()
	_, err = l.Commit(context.Background(), EventContainerOpen, nil)
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected backpressure/transient error once above the high-water mark")
	}
	if elapsed < cfg.BackpressureWait {
		t.Fatalf("expected commit to block for the backpressure window, elapsed=%v", elapsed)
	}
}
