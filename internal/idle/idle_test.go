package idle

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingSub struct {
	starts, ticks, ends int64
}

func (c *countingSub) OnIdleStart() { atomic.AddInt64(&c.starts, 1) }
func (c *countingSub) OnIdleTick()  { atomic.AddInt64(&c.ticks, 1) }
func (c *countingSub) OnIdleEnd()   { atomic.AddInt64(&c.ends, 1) }

func TestMeasuredStateTransitionsToIdleUnderCeiling(t *testing.T) {
	d, err := New(Config{Window: time.Second, TickInterval: time.Second, ThroughputCeiling: 1000, LatencyCeiling: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	sub := &countingSub{}
	d.Subscribe(sub)

	// No requests recorded at all: measured throughput/latency are both
	// zero, which is under the ceiling, so evaluate() should go idle.
	d.mu.Lock()
	d.evaluateLocked()
	d.mu.Unlock()

	if d.State() != Idle {
		t.Fatalf("expected idle, got %v", d.State())
	}
	time.Sleep(10 * time.Millisecond)
	if atomic.LoadInt64(&sub.starts) != 1 {
		t.Fatalf("expected one idle-start notification, got %d", sub.starts)
	}
}

func TestHighThroughputStaysBusy(t *testing.T) {
	d, err := New(Config{ThroughputCeiling: 10, LatencyCeiling: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	d.RecordRequest(10*1024*1024, 5*time.Second)
	if d.State() != Busy {
		t.Fatalf("expected busy, got %v", d.State())
	}
}

func TestForcedBusyOverridesForcedIdle(t *testing.T) {
	d, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	d.ForceIdle(true)
	if d.State() != Idle {
		t.Fatalf("expected idle after ForceIdle, got %v", d.State())
	}
	d.ForceBusy(true)
	if d.State() != Busy {
		t.Fatalf("expected ForceBusy to override ForceIdle, got %v", d.State())
	}
}
