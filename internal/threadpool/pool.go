package threadpool

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"

	"gastrolog/internal/logging"
)

// OverflowPolicy controls what happens to runnables still queued when the
// pool is shut down (spec.md §5: "every pending runnable is either aborted
// ... or invoked in the caller's thread according to an overflow policy").
type OverflowPolicy int

const (
	// OverflowAbort aborts every future still queued at shutdown.
	OverflowAbort OverflowPolicy = iota
	// OverflowRunInline executes every queued runnable synchronously in the
	// shutdown caller's goroutine, in priority order.
	OverflowRunInline
)

// task is one priority-queued unit of work.
type task struct {
	priority int
	seq      uint64 // tie-breaker: FIFO among equal priorities
	run      Runnable
	future   *Future[struct{}]
}

// taskHeap is a max-heap by priority (higher runs first), FIFO within a
// priority level. There is no general-purpose priority queue in the
// retrieved examples; container/heap is the idiomatic stdlib building
// block for one (DESIGN.md notes this as a stdlib-backed concern).
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pool is a fixed-size worker pool of priority-queued Runnables, used by the
// background committer (spec.md §4.6) to run blocking IO off the request
// path.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    taskHeap
	nextSeq  uint64
	closed   bool
	overflow OverflowPolicy
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewPool starts workers goroutines draining a shared priority queue.
func NewPool(workers int, overflow OverflowPolicy, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{overflow: overflow, logger: logging.Default(logger).With("component", "threadpool")}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues run at priority (higher values run first among queued
// tasks) and returns a Future resolved once run has executed (or the pool
// shuts down with the task still pending).
func (p *Pool) Submit(ctx context.Context, priority int, run Runnable) *Future[struct{}] {
	f := NewFuture[struct{}]()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f.Abort()
		return f
	}
	t := &task{priority: priority, seq: p.nextSeq, run: run, future: f}
	p.nextSeq++
	heap.Push(&p.queue, t)
	p.mu.Unlock()
	p.cond.Signal()
	_ = ctx
	return f
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		t := heap.Pop(&p.queue).(*task)
		p.mu.Unlock()

		err := t.run(context.Background())
		if err != nil {
			p.logger.Warn("runnable failed", "error", err)
		}
		t.future.Set(struct{}{}, err)
	}
}

// Shutdown stops accepting new work, drains the queue according to the
// pool's OverflowPolicy (spec.md §5), and waits for in-flight runnables to
// finish. A shutdown is observed within one worker tick since workers only
// block on the condition variable, never indefinitely.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := make([]*task, len(p.queue))
	copy(pending, p.queue)
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	p.wg.Wait()

	if p.overflow == OverflowRunInline {
		h := taskHeap(pending)
		heap.Init(&h)
		for h.Len() > 0 {
			t := heap.Pop(&h).(*task)
			err := t.run(context.Background())
			t.future.Set(struct{}{}, err)
		}
	} else {
		for _, t := range pending {
			t.future.Abort()
		}
	}
}
