// Package engine wires every subsystem together into the single object a
// caller starts, stops, and issues SCSI requests against (spec.md §6.3,
// SPEC_FULL.md §6), grounded on the teacher's internal/orchestrator, which
// wires chunk/index/digester/ingester the same way.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"gastrolog/internal/blockchunkcache"
	"gastrolog/internal/blocklocks"
	"gastrolog/internal/blockstore"
	"gastrolog/internal/chunker"
	"gastrolog/internal/chunkindex"
	"gastrolog/internal/config"
	"gastrolog/internal/container"
	"gastrolog/internal/containerstore"
	"gastrolog/internal/containerstore/alloc"
	"gastrolog/internal/containerstore/committer"
	"gastrolog/internal/containerstore/containerio"
	"gastrolog/internal/errs"
	"gastrolog/internal/gc"
	"gastrolog/internal/gc/strategy"
	"gastrolog/internal/idle"
	"gastrolog/internal/logging"
	"gastrolog/internal/metaindex"
	"gastrolog/internal/scsi"
	"gastrolog/internal/wal"
)

// Engine owns the full subsystem graph for one on-disk store and exposes
// the external interfaces spec.md §6 names.
type Engine struct {
	format config.Format
	dir    string

	log         *wal.Log
	alloc       *alloc.Allocator
	containerio *containerio.Store
	meta        *metaindex.Index
	containers  *containerstore.Store
	chunkIx     *chunkindex.Index
	blockIx     *blockstore.Index
	vstore      *blockstore.VolatileStore
	blockHint   *blockchunkcache.Cache
	chunks      *chunker.Chunker
	locks       *blocklocks.Table
	strat       *strategy.Strategy
	collector   *gc.GC
	detector    *idle.Detector

	SCSI *scsi.Store

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc

	logger *slog.Logger
}

// idleAdapter satisfies idle.Subscriber on the engine's behalf without
// exposing Sweep/MergeOnce as part of Engine's own method set.
type idleAdapter struct {
	e *Engine
}

func (a idleAdapter) OnIdleStart() {}
func (a idleAdapter) OnIdleEnd()   {}
func (a idleAdapter) OnIdleTick() {
	if err := a.e.collector.Sweep(context.Background()); err != nil {
		a.e.logger.Error("idle sweep failed", "error", err)
		return
	}
	if err := a.e.collector.MergeOnce(); err != nil {
		a.e.logger.Error("idle merge failed", "error", err)
	}
}

// Open constructs every subsystem in dependency order and performs the
// crash-recovery replay spec.md §6.3 requires of `start`, but does not yet
// begin serving requests or background jobs; call Run for that.
func Open(ctx config.StartContext, format config.Format, logger *slog.Logger) (*Engine, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(ctx.Dir); os.IsNotExist(err) {
		if ctx.NoCreate {
			return nil, errs.New(errs.ConfigError, "engine: directory does not exist and --no-create was given")
		}
		if !ctx.Create {
			return nil, errs.New(errs.ConfigError, "engine: directory does not exist; pass --create to initialize one")
		}
		if err := os.MkdirAll(ctx.Dir, os.FileMode(ctx.DirMode)|0o700); err != nil {
			return nil, errs.Wrap(errs.IoError, "engine: create store directory", err)
		}
	}

	e := &Engine{
		format: format,
		dir:    ctx.Dir,
		logger: logging.Default(logger).With("component", "engine"),
	}

	var err error
	e.alloc, err = alloc.Open(alloc.Config{Dir: ctx.Dir, Slots: format.AllocatorSlots, Logger: logger})
	if err != nil {
		return nil, err
	}

	geo := container.Geometry{ContainerSize: format.ContainerSize, HeaderSize: format.HeaderSize}
	e.containerio, err = containerio.Open(filepath.Join(ctx.Dir, "containers.dat"), geo, format.AllocatorSlots)
	if err != nil {
		return nil, err
	}

	e.meta, err = metaindex.Open(ctx.Dir)
	if err != nil {
		return nil, err
	}

	e.log, err = wal.Open(wal.Config{
		Dir:              ctx.Dir,
		FileCount:        format.LogFileCount,
		PagesPerFile:     format.LogPagesPerFile,
		PageSize:         format.LogPageSize,
		HighWaterMark:    format.LogHighWaterMark,
		BackpressureWait: format.LogBackpressure,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	codec, err := container.NewZstdCodec()
	if err != nil {
		return nil, err
	}

	e.containers, err = containerstore.Open(containerstore.Config{
		Dir:          ctx.Dir,
		Geometry:     geo,
		Slots:        format.AllocatorSlots,
		WriteSlots:   format.WriteCacheSlots,
		ReadLines:    format.ReadCacheLines,
		ReadCapacity: format.ReadCacheDepth,
		Codec:        codec,
		Logger:       logger,
	}, e.alloc, e.containerio, e.meta, e.log)
	if err != nil {
		return nil, err
	}

	e.chunkIx, err = chunkindex.Open(chunkindex.Config{
		Dir:          ctx.Dir,
		Sparse:       format.SparseIndex,
		SampleFactor: format.SampleFactor,
		Logger:       logger,
	}, !format.SparseIndex)
	if err != nil {
		return nil, err
	}

	e.blockIx, err = blockstore.OpenIndex(ctx.Dir)
	if err != nil {
		return nil, err
	}

	e.vstore = blockstore.NewVolatileStore(blockstore.Callbacks{
		CommitVolatileBlock: e.commitVolatileBlock,
		FailVolatileBlock:   e.failVolatileBlock,
	}, logger)

	e.blockHint, err = blockchunkcache.New(blockchunkcache.DefaultConfig(), e.blockIx.Get)
	if err != nil {
		return nil, err
	}

	e.chunks, err = chunker.New(chunker.Config{
		WindowSize: format.ChunkWindowSize,
		MinSize:    format.ChunkMinSize,
		AvgSize:    format.ChunkAvgSize,
		MaxSize:    format.ChunkMaxSize,
	})
	if err != nil {
		return nil, err
	}

	e.locks = blocklocks.New(64)

	e.strat, err = strategy.Open(strategy.Config{
		Dir:                 ctx.Dir,
		ActiveSizeThreshold: format.GCActiveSizeThreshold,
		ItemCountThreshold:  format.GCItemCountThreshold,
	})
	if err != nil {
		return nil, err
	}

	e.collector = gc.New(gc.Config{Logger: logger, MergeCapacity: geo.ArenaCapacity()}, e.chunkIx, e.strat, e.containers)

	e.detector, err = idle.New(idle.Config{Window: format.IdleWindow, TickInterval: format.IdleTickInterval, Logger: logger})
	if err != nil {
		return nil, err
	}
	e.detector.Subscribe(idleAdapter{e})

	e.log.AddDirectConsumer(wal.ConsumerFunc(e.onContainerCommitEvent))
	e.log.AddReplayConsumer(e.collector)

	e.SCSI = scsi.New(scsi.Config{BlockSize: format.BlockSize, Logger: logger}, e.locks, e.blockIx, e.vstore, e.containers, e.chunkIx, e.blockHint, e.chunks)

	if e.log.WasDirty() || ctx.Dirty || ctx.Crashed {
		if err := e.log.Replay(context.Background(), wal.ReplayDirtyStart, 0); err != nil {
			if ctx.Force && errs.KindOf(err) == errs.CorruptedState {
				e.logger.Warn("dirty-start replay hit corruption, continuing past it per --force", "error", err)
			} else {
				return nil, err
			}
		}
	}

	return e, nil
}

// Run starts the background replay sweep and the idle detector; it blocks
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errs.New(errs.ConfigError, "engine: already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	if err := e.detector.Run(runCtx); err != nil {
		return err
	}

	go func() {
		_ = e.log.Replay(runCtx, wal.ReplayBackground, e.log.Head())
	}()

	<-runCtx.Done()
	return nil
}

// commitVolatileBlock installs m into the persistent block index and emits
// the paired Block-Mapping-Written event the gc package consumes (spec.md
// §4.3, §4.6).
func (e *Engine) commitVolatileBlock(m blockstore.Mapping) error {
	old, _, err := e.blockIx.Get(m.BlockID)
	if err != nil {
		return err
	}
	if err := e.blockIx.Put(m); err != nil {
		return err
	}
	payload, err := msgpack.Marshal(mappingPair{Old: old, New: m})
	if err != nil {
		return errs.Wrap(errs.IoError, "engine: encode block-mapping-written payload", err)
	}
	if _, err := e.log.Commit(context.Background(), wal.EventBlockMappingWritten, payload); err != nil {
		return err
	}
	e.vstore.Forget(m.BlockID, m.Version)
	return nil
}

// failVolatileBlock emits Block-Mapping-Write-Failed for a mapping whose
// containers never all committed (spec.md §4.3).
func (e *Engine) failVolatileBlock(m blockstore.Mapping) error {
	payload, err := msgpack.Marshal(m)
	if err != nil {
		return errs.Wrap(errs.IoError, "engine: encode block-mapping-write-failed payload", err)
	}
	_, err = e.log.Commit(context.Background(), wal.EventBlockMappingWriteFailed, payload)
	return err
}

// mappingPair mirrors gc's unexported type of the same name: Block-Mapping-
// Written's payload is {Old, New}, and matching field order keeps the
// msgpack encoding interoperable without either package importing the
// other's internals.
type mappingPair struct {
	Old blockstore.Mapping
	New blockstore.Mapping
}

// onContainerCommitEvent is the direct wal consumer that turns a durable
// Container-Commit event into a volatile-store gate release (spec.md §4.3
// "Container-Committed"), closing the open-container race scsi.writeBlock's
// IsCommitted check only narrows.
func (e *Engine) onContainerCommitEvent(_ wal.ReplayContext, ev wal.Event) error {
	if ev.Type != wal.EventContainerCommit {
		return nil
	}
	var payload committer.CommitPayload
	if err := msgpack.Unmarshal(ev.Payload, &payload); err != nil {
		return errs.Wrap(errs.IoError, "engine: decode container-commit payload", err)
	}
	e.vstore.OnContainerCommitted(payload.PrimaryID)
	return nil
}

// Stop implements spec.md §6.3's `stop`: Writeback flushes the write cache
// and waits for every pending commit before returning; Fast skips the flush
// and relies on replay to recover on the next start.
func (e *Engine) Stop(ctx config.StopContext) error {
	if err := ctx.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	cancel := e.cancel
	e.running = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if ctx.Writeback {
		if err := e.containers.SyncCache(); err != nil {
			return err
		}
	}

	_ = e.detector.Stop()
	e.containers.Close()
	e.log.Close()
	e.alloc.Close()
	e.containerio.Close()
	e.meta.Close()
	e.chunkIx.Close()
	e.blockIx.Close()
	e.strat.Close()
	return nil
}

// Replay re-runs the dirty-start pass against the whole log, the behavior
// behind the standalone `replay` command (spec.md §6.3).
func (e *Engine) Replay(ctx context.Context) error {
	return e.log.Replay(ctx, wal.ReplayDirtyStart, 0)
}

// Check verifies structural integrity without mutating state, the
// standalone `check` command (spec.md §6.3).
func (e *Engine) Check(context.Context) error {
	return e.log.Verify()
}

// PauseGC and ResumeGC implement the `gc --pause`/`--resume` controls
// (spec.md §6.3) by forcing the idle detector's state directly.
func (e *Engine) PauseGC()  { e.detector.ForceBusy(true) }
func (e *Engine) ResumeGC() { e.detector.ForceBusy(false) }

// RunGCOnce implements `gc --start`: force one sweep/merge pass regardless
// of the measured idle state.
func (e *Engine) RunGCOnce(ctx context.Context) error {
	if err := e.collector.Sweep(ctx); err != nil {
		return err
	}
	return e.collector.MergeOnce()
}
