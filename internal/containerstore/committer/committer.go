// Package committer is the background worker that takes a full write-cache
// container, persists it, and emits the Container-Commit log event
// (spec.md §4.2, SPEC_FULL.md §4.6), grounded on the teacher's
// `internal/callgroup` singleflight-future pattern and
// original_source/base/include/base/{runnable,future,threadpool}.h.
package committer

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"gastrolog/internal/container"
	"gastrolog/internal/containerstore/alloc"
	"gastrolog/internal/containerstore/containerio"
	"gastrolog/internal/errs"
	"gastrolog/internal/logging"
	"gastrolog/internal/metaindex"
	"gastrolog/internal/threadpool"
	"gastrolog/internal/wal"

	"github.com/vmihailenco/msgpack/v5"
)

// CommitPayload is the msgpack body of a Container-Commit log event.
type CommitPayload struct {
	PrimaryID  uint64
	FileIndex  uint32
	FileOffset uint64
	ItemCount  int
}

type Config struct {
	Workers int // threadpool size, default 4
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	return c
}

// Committer owns the slot allocator, on-disk container file, meta-index and
// log needed to durably install a write-cache container (spec.md §4.2
// "A container is created in memory (Open event), filled in the write
// cache, committed to disk").
type Committer struct {
	cfg Config
	geo container.Geometry

	pool  *threadpool.Pool
	alloc *alloc.Allocator
	io    *containerio.Store
	meta  *metaindex.Index
	log   *wal.Log

	logger *slog.Logger
}

func New(cfg Config, geo container.Geometry, a *alloc.Allocator, io *containerio.Store, meta *metaindex.Index, log *wal.Log) *Committer {
	cfg = cfg.withDefaults()
	return &Committer{
		cfg:    cfg,
		geo:    geo,
		pool:   threadpool.NewPool(cfg.Workers, threadpool.OverflowRunInline, cfg.Logger),
		alloc:  a,
		io:     io,
		meta:   meta,
		log:    log,
		logger: logging.Default(cfg.Logger).With("component", "committer"),
	}
}

// Commit persists ct synchronously (the caller, typically the write cache's
// flush path, blocks until the container is durable) but runs the actual
// work on the committer's thread pool so multiple write-cache slots can
// flush concurrently.
func (c *Committer) Commit(ct *container.Container) error {
	future := c.pool.Submit(context.Background(), 0, func(ctx context.Context) error {
		return c.commitOne(ctx, ct)
	})
	_, err := future.Wait()
	return err
}

// commitOne writes ct to the slot matching its own primary id. The slot is
// allocated up front when the container is opened in the write cache (its
// primary id doubles as its on-disk slot number, so the address returned
// from Put is usable before the commit that makes it durable ever runs).
func (c *Committer) commitOne(ctx context.Context, ct *container.Container) error {
	slot := ct.PrimaryID()
	if err := c.io.WriteContainer(slot, ct); err != nil {
		return err
	}

	offset := uint64(slot) * uint64(c.geo.ContainerSize)
	if err := c.meta.Put(ct.PrimaryID(), metaindex.Entry{FileOffset: offset, IsPrimary: true}); err != nil {
		return err
	}

	payload, err := msgpack.Marshal(CommitPayload{
		PrimaryID:  ct.PrimaryID(),
		FileOffset: offset,
		ItemCount:  ct.ItemCount(),
	})
	if err != nil {
		return errs.Wrap(errs.IoError, "committer: encode commit payload", err)
	}
	if _, err := c.log.Commit(ctx, wal.EventContainerCommit, payload); err != nil {
		return errs.Wrap(errs.IoError, "committer: emit container-commit event", err)
	}

	c.logger.Debug("committed container", "primary_id", ct.PrimaryID(), "slot", slot, "items", ct.ItemCount())
	return nil
}

// CommitAll flushes every container in cts concurrently, grounded on
// golang.org/x/sync/errgroup's fan-out-fan-in pattern, returning the first
// error encountered (if any) after every commit has finished or been
// cancelled.
func (c *Committer) CommitAll(ctx context.Context, cts []*container.Container) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ct := range cts {
		ct := ct
		g.Go(func() error {
			return c.commitOne(ctx, ct)
		})
	}
	return g.Wait()
}

func (c *Committer) Close() {
	c.pool.Shutdown()
}
