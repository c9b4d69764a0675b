package wal

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"gastrolog/internal/errs"
	"gastrolog/internal/logging"

	"golang.org/x/time/rate"
)

// Config controls the on-disk ring shape and backpressure behavior.
type Config struct {
	Dir          string
	FileCount    int
	PagesPerFile int
	PageSize     int
	FileMode     os.FileMode

	// HighWaterMark is the ring-full fraction (0,1) above which Commit
	// starts applying backpressure to writers (spec.md §4.1).
	HighWaterMark float64
	// BackpressureWait bounds how long Commit blocks a writer once the
	// ring is at/above HighWaterMark before returning errs.Transient.
	BackpressureWait time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.FileCount == 0 {
		c.FileCount = 4
	}
	if c.PagesPerFile == 0 {
		c.PagesPerFile = 4096
	}
	if c.PageSize == 0 {
		c.PageSize = 4096
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = 0.9
	}
	if c.BackpressureWait == 0 {
		c.BackpressureWait = 2 * time.Second
	}
	return c
}

// Log is the append-only, bounded, typed event stream described in
// spec.md §4.1.
type Log struct {
	cfg Config
	fs  *fileSet

	mu   sync.Mutex
	head uint64 // next log id to assign
	tail uint64 // oldest log id not yet durably background-acknowledged
	dead bool   // Close'd

	directReplayed   uint64
	directReplayedCh chan struct{} // closed and replaced on every advance

	directConsumers []Consumer
	allConsumers    []Consumer // direct + replay-only

	limiter *rate.Limiter

	// wasDirty records whether Open recovered from a non-clean-stop state,
	// i.e. whether a DirtyStart replay is required before serving traffic.
	wasDirty bool

	logger *slog.Logger
}

// Open creates or opens the ring described by cfg, recovering head/tail by
// loading the persisted ring state, falling back to a full page scan if the
// state file is absent or fails its CRC (spec.md §4.1: "the head and tail
// log-ids are recovered by scanning and CRC-checking pages").
func Open(cfg Config) (*Log, error) {
	cfg = cfg.withDefaults()
	fs, err := openFileSet(cfg.Dir, cfg.FileCount, cfg.PagesPerFile, cfg.PageSize, cfg.FileMode)
	if err != nil {
		return nil, err
	}

	l := &Log{
		cfg:              cfg,
		fs:               fs,
		directReplayedCh: make(chan struct{}),
		limiter:          rate.NewLimiter(rate.Every(5*time.Millisecond), 1),
		logger:           logging.Default(cfg.Logger).With("component", "wal"),
	}

	st, ok, err := loadState(cfg.Dir)
	if err != nil {
		fs.Close()
		return nil, err
	}
	if ok {
		l.head, l.tail, l.wasDirty = st.head, st.tail, !st.clean
		l.logger.Info("wal recovered from state file", "head", l.head, "tail", l.tail, "dirty", l.wasDirty)
	} else {
		head, tail, scanErr := l.scanRecover()
		if scanErr != nil {
			fs.Close()
			return nil, scanErr
		}
		l.head, l.tail, l.wasDirty = head, tail, true
		l.logger.Warn("wal state file missing or corrupt, recovered by scan", "head", l.head, "tail", l.tail)
	}
	l.directReplayed = l.tail

	return l, nil
}

// scanRecover reads every ring slot, keeping only pages whose CRC validates
// and whose recorded log id is consistent with slot arithmetic, and returns
// the contiguous [tail, head) run ending at the highest valid id.
func (l *Log) scanRecover() (head, tail uint64, err error) {
	total := uint64(l.fs.totalPages())
	type found struct {
		logID uint64
		ok    bool
	}
	slots := make([]found, total)
	for pos := uint64(0); pos < total; pos++ {
		buf, rerr := l.fs.ReadPage(pos)
		if rerr != nil {
			return 0, 0, rerr
		}
		logID, _, _, derr := decodePage(buf)
		if derr != nil {
			continue
		}
		if logID%total != pos {
			continue // stale page from a prior wrap
		}
		slots[pos] = found{logID: logID, ok: true}
	}

	var maxID uint64
	var any bool
	for _, s := range slots {
		if s.ok && (!any || s.logID > maxID) {
			maxID, any = s.logID, true
		}
	}
	if !any {
		return 0, 0, nil
	}
	head = maxID + 1

	// Walk backward from head-1 while slots are contiguous and valid.
	tail = head
	for tail > 0 {
		candidate := tail - 1
		pos := candidate % total
		if !slots[pos].ok || slots[pos].logID != candidate {
			break
		}
		tail = candidate
		if head-tail >= total {
			break
		}
	}
	return head, tail, nil
}

// WasDirty reports whether Open had to recover from a non-clean shutdown,
// meaning callers must run a ReplayDirtyStart pass before serving traffic.
func (l *Log) WasDirty() bool { return l.wasDirty }

// AddDirectConsumer registers c to be invoked synchronously, in
// registration order, from inside every future Commit (spec.md §4.1
// "direct-ack consumers synchronously (in-order) before returning").
func (l *Log) AddDirectConsumer(c Consumer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.directConsumers = append(l.directConsumers, c)
	l.allConsumers = append(l.allConsumers, c)
}

// AddReplayConsumer registers c to be invoked only during DirtyStart and
// Background replay, never synchronously from Commit.
func (l *Log) AddReplayConsumer(c Consumer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allConsumers = append(l.allConsumers, c)
}

func (l *Log) capacity() uint64 { return uint64(l.fs.totalPages()) }

// Commit persists ev durably and notifies direct-ack consumers
// synchronously, in order, before returning (spec.md §4.1). If a direct
// consumer refuses (returns an error), the commit fails and the ring head
// does not advance.
func (l *Log) Commit(ctx context.Context, ev EventType, payload []byte) (uint64, error) {
	if err := l.awaitCapacity(ctx); err != nil {
		return 0, err
	}

	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return 0, errs.New(errs.Aborted, "wal: log closed")
	}
	if l.head-l.tail >= l.capacity() {
		l.mu.Unlock()
		return 0, errs.New(errs.Full, "wal: ring full")
	}
	logID := l.head

	buf := make([]byte, l.cfg.PageSize)
	n, err := encodePage(buf, logID, ev, payload)
	if err != nil {
		l.mu.Unlock()
		return 0, errs.Wrap(errs.IoError, "wal: encode page", err)
	}
	if werr := l.fs.WritePage(logID, buf[:n]); werr != nil {
		l.mu.Unlock()
		return 0, werr
	}
	if serr := l.fs.Sync(); serr != nil {
		l.mu.Unlock()
		return 0, serr
	}
	l.head++
	consumers := append([]Consumer(nil), l.directConsumers...)
	l.mu.Unlock()

	rc := ReplayContext{Mode: ReplayDirect, LogID: logID}
	for _, c := range consumers {
		if cerr := c.OnEvent(rc, Event{LogID: logID, Type: ev, Payload: payload}); cerr != nil {
			// Direct-ack refusal: spec.md §4.1 says the commit fails and
			// the ring head does not advance. Because the page is already
			// durable, we roll the head back and leave the slot to be
			// overwritten by the next commit. The refused page's log id
			// matches its slot, so a reopen from the persisted ring state
			// (not updated here) ignores it, but a fallback scan
			// (scanRecover) counts it.
			l.mu.Lock()
			l.head--
			l.mu.Unlock()
			return 0, errs.Wrap(errs.Aborted, "wal: direct consumer refused commit", cerr)
		}
	}

	l.advanceDirectReplayed(logID)
	_ = l.persistState(false)
	return logID, nil
}

// awaitCapacity blocks writers once the ring is at/above its configured
// high-water mark (spec.md §4.1). Re-checks are paced by l.limiter rather
// than a busy poll, and the whole wait is bounded by cfg.BackpressureWait,
// after which a writer gets back a Transient error instead of blocking
// forever.
func (l *Log) awaitCapacity(ctx context.Context) error {
	l.mu.Lock()
	used := l.head - l.tail
	cap := l.capacity()
	l.mu.Unlock()

	threshold := uint64(float64(cap) * l.cfg.HighWaterMark)
	if used < threshold {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.BackpressureWait)
	defer cancel()
	for {
		if err := l.limiter.Wait(waitCtx); err != nil {
			// The limiter refuses a wait that would end past the deadline,
			// so sit out the rest of the window before giving up.
			<-waitCtx.Done()
			if ctx.Err() != nil {
				return errs.Wrap(errs.Aborted, "wal: commit canceled", ctx.Err())
			}
			return errs.New(errs.Transient, "wal: ring above high-water mark, writer backpressured")
		}
		l.mu.Lock()
		used = l.head - l.tail
		l.mu.Unlock()
		if used < threshold {
			return nil
		}
	}
}

func (l *Log) advanceDirectReplayed(logID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if logID+1 > l.directReplayed {
		l.directReplayed = logID + 1
		close(l.directReplayedCh)
		l.directReplayedCh = make(chan struct{})
	}
}

// WaitUntilDirectlyReplayed blocks until every event up to logID has been
// delivered to direct-ack consumers (spec.md §4.1).
func (l *Log) WaitUntilDirectlyReplayed(ctx context.Context, logID uint64) error {
	for {
		l.mu.Lock()
		if l.directReplayed > logID {
			l.mu.Unlock()
			return nil
		}
		ch := l.directReplayedCh
		l.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Replay iterates persisted events in [from, head) and delivers each to
// every registered consumer (direct and replay-only), tagged with mode.
// ReplayDirtyStart always starts from the ring tail (every persistent event
// since the last clean stop); ReplayBackground starts from the given
// position and durably advances the ring tail as it acknowledges events,
// reclaiming ring space for new writers.
func (l *Log) Replay(ctx context.Context, mode ReplayMode, from uint64) error {
	l.mu.Lock()
	if mode == ReplayDirtyStart {
		from = l.tail
	}
	head := l.head
	consumers := append([]Consumer(nil), l.allConsumers...)
	l.mu.Unlock()

	l.deliverMarker(consumers, mode, EventReplayStarted, from)

	for id := from; id < head; id++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		buf, err := l.fs.ReadPage(id)
		if err != nil {
			return err
		}
		logID, evType, payload, derr := decodePage(buf)
		if derr != nil {
			return errs.Wrap(errs.CorruptedState, "wal: replay aborted", derr).WithLogID(id)
		}
		if logID != id {
			return errs.New(errs.CorruptedState, "wal: replay found stale/missing page").WithLogID(id)
		}
		rc := ReplayContext{Mode: mode, LogID: id}
		for _, c := range consumers {
			if cerr := c.OnEvent(rc, Event{LogID: id, Type: evType, Payload: payload}); cerr != nil {
				return errs.Wrap(errs.CorruptedState, "wal: consumer rejected replayed event", cerr).WithLogID(id)
			}
		}
		if mode == ReplayBackground {
			l.mu.Lock()
			l.tail = id + 1
			l.mu.Unlock()
			_ = l.persistState(false)
		}
	}

	l.deliverMarker(consumers, mode, EventReplayStopped, head)
	if mode == ReplayDirtyStart {
		l.mu.Lock()
		l.wasDirty = false
		l.mu.Unlock()
	}
	return nil
}

func (l *Log) deliverMarker(consumers []Consumer, mode ReplayMode, ev EventType, logID uint64) {
	rc := ReplayContext{Mode: mode, LogID: logID}
	for _, c := range consumers {
		_ = c.OnEvent(rc, Event{LogID: logID, Type: ev})
	}
}

func (l *Log) persistState(clean bool) error {
	l.mu.Lock()
	st := ringState{head: l.head, tail: l.tail, clean: clean}
	l.mu.Unlock()
	return saveState(l.cfg.Dir, st)
}

// IsEmpty reports whether the ring has no undelivered events, i.e. the GC's
// Log-Empty condition (spec.md §4.6).
func (l *Log) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head == l.tail
}

// Head returns the next log id that will be assigned.
func (l *Log) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Tail returns the oldest log id not yet durably background-acknowledged.
func (l *Log) Tail() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}

// Verify re-scans every persisted page, validating its CRC and slot
// consistency, without delivering events or mutating head/tail (spec.md
// §6.3 `check`: a read-only structural integrity pass).
func (l *Log) Verify() error {
	l.mu.Lock()
	head, tail := l.head, l.tail
	l.mu.Unlock()

	scannedHead, scannedTail, err := l.scanRecover()
	if err != nil {
		return err
	}
	if scannedHead != head || scannedTail != tail {
		return errs.New(errs.CorruptedState, "wal: persisted ring state disagrees with on-disk pages")
	}
	return nil
}

// Close performs a clean stop: it persists state with the clean marker set
// so the next Open skips DirtyStart replay, then releases file handles.
func (l *Log) Close() error {
	l.mu.Lock()
	l.dead = true
	l.mu.Unlock()
	err := l.persistState(true)
	l.fs.Close()
	return err
}
