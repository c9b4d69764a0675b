package alloc

import (
	"log/slog"
	"path/filepath"
	"sync"

	"gastrolog/internal/errs"
	"gastrolog/internal/format"
	"gastrolog/internal/logging"
)

// Config controls the allocator's slot count and persisted page geometry.
type Config struct {
	Dir        string
	Slots      uint64 // number of container slots (spec.md §4.3)
	PageSize   int    // bitmap page size in bytes
	TxAreas    int    // number of forward-transaction-log slots
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PageSize == 0 {
		c.PageSize = 4096
	}
	if c.TxAreas == 0 {
		c.TxAreas = 1024
	}
	return c
}

// Allocator is a bitmap over fixed-size container slots (spec.md §4.3),
// with forward-transaction-log crash recovery for its persisted pages
// (spec.md §6.2, grounded on original_source/base/src/bitmap.cc and
// disk_hash_index_transaction.h).
type Allocator struct {
	mu     sync.Mutex
	cfg    Config
	bm     *bitmap
	pages  *pageStore
	tx     *txLog
	logger *slog.Logger
}

// Open loads (or creates) the bitmap, repairing any page whose on-disk CRC
// fails to validate from the forward transaction log.
func Open(cfg Config) (*Allocator, error) {
	cfg = cfg.withDefaults()
	bm := newBitmap(cfg.Slots)

	pages, err := openPageStore(filepath.Join(cfg.Dir, "alloc.bitmap"), cfg.PageSize, bm.pageCount(cfg.PageSize))
	if err != nil {
		return nil, err
	}
	tx, err := openTxLog(filepath.Join(cfg.Dir, "alloc.txlog"), cfg.TxAreas, cfg.PageSize)
	if err != nil {
		pages.Close()
		return nil, err
	}

	a := &Allocator{
		cfg:    cfg,
		bm:     bm,
		pages:  pages,
		tx:     tx,
		logger: logging.Default(cfg.Logger).With("component", "alloc"),
	}
	if err := a.recover(); err != nil {
		pages.Close()
		tx.Close()
		return nil, err
	}
	return a, nil
}

// recover walks every bitmap page, and for any whose CRC fails to
// validate, consults the forward transaction log for that page's hashed
// slot: if the logged record's AfterCRC matches the record's own page
// data, the page is restored from it; otherwise the page is left as
// whatever was on disk (the original system's "step 1 never completed"
// case — no corruption, the live page is simply stale/before-state).
func (a *Allocator) recover() error {
	n := a.bm.pageCount(a.cfg.PageSize)
	for p := 0; p < n; p++ {
		data, ok, err := a.pages.readPage(p)
		if err != nil {
			return err
		}
		if ok {
			a.bm.writePage(p, a.cfg.PageSize, data)
			continue
		}
		rec, found, err := a.tx.read(p)
		if err != nil {
			return err
		}
		if !found {
			return errs.New(errs.CorruptedState, "alloc: bitmap page corrupt with no recovery record").WithLogID(uint64(p))
		}
		a.logger.Warn("restoring bitmap page from transaction log", "page", p)
		if err := a.pages.writePage(p, rec.PageData); err != nil {
			return err
		}
		a.bm.writePage(p, a.cfg.PageSize, rec.PageData)
	}
	return nil
}

// pageOf returns the index of the bitmap page holding bit.
func (a *Allocator) pageOf(bit uint64) int {
	return int(bit / 8 / uint64(a.cfg.PageSize))
}

// persistPage logs then writes the page covering bit, in forward-log order.
func (a *Allocator) persistPage(page int) error {
	before, _, err := a.pages.readPage(page)
	if err != nil {
		return err
	}
	beforeCRC := format.CRC32(before)
	after := a.bm.readPage(page, a.cfg.PageSize)
	afterCRC := format.CRC32(after)

	if err := a.tx.write(txRecord{Page: page, BeforeCRC: beforeCRC, AfterCRC: afterCRC, PageData: after}); err != nil {
		return err
	}
	return a.pages.writePage(page, after)
}

// Alloc reserves and returns the lowest free slot id.
func (a *Allocator) Alloc() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.bm.FindNextUnset(0)
	if !ok {
		return 0, errs.New(errs.Full, "alloc: no free container slots")
	}
	a.bm.Set(slot)
	if err := a.persistPage(a.pageOf(slot)); err != nil {
		a.bm.Clear(slot)
		return 0, err
	}
	return slot, nil
}

// Free releases slot back to the pool.
func (a *Allocator) Free(slot uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.bm.IsSet(slot) {
		return nil
	}
	a.bm.Clear(slot)
	return a.persistPage(a.pageOf(slot))
}

func (a *Allocator) IsAllocated(slot uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bm.IsSet(slot)
}

func (a *Allocator) Close() error {
	perr := a.pages.Close()
	terr := a.tx.Close()
	if perr != nil {
		return perr
	}
	return terr
}
