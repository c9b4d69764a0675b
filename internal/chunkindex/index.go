// Package chunkindex is the persistent fingerprint -> chunk-location map
// (spec.md §4.4), bbolt-backed with msgpack-encoded values and a
// fingerprint-sharded lock table. It supports the sparse-index sampling
// mode, whose declared incompatibility with garbage collection (spec.md §9)
// is enforced as a hard constraint at construction.
package chunkindex

import (
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gastrolog/internal/errs"
	"gastrolog/internal/kvstore"
	"gastrolog/internal/logging"
)

// Entry is the persistent value for one fingerprint (spec.md §3
// "Chunk-index entry"). UsageCount may transiently go negative under
// concurrent invertible failures (spec.md §9); callers must tolerate that
// and rely on eventual non-negativity once the log drains.
type Entry struct {
	Address                      uint64 // data_address = container id
	UsageCount                   int64
	UsageChangeLogID             uint64
	UsageFailedWriteChangeLogID  uint64
	BlockHint                    uint64
	HasBlockHint                 bool
}

// Config controls sparse sampling (spec.md §4.4) and pinned-entry retention.
type Config struct {
	Dir    string
	Sparse bool
	// SampleFactor (k) must be a power of two when Sparse is enabled; a
	// fingerprint is an anchor iff its low bits match the mask derived
	// from k.
	SampleFactor uint64
	// DirtyHighWaterMark bounds IsAcceptingNewChunks when Sparse is set:
	// once the number of not-yet-flushed anchor puts reaches this count,
	// new chunks are refused until the backlog drains.
	DirtyHighWaterMark uint64

	Logger *slog.Logger
}

// Index is the persistent chunk index façade.
type Index struct {
	store  *kvstore.Store[Entry]
	locks  *lockTable
	cfg    Config
	mask   uint64
	dirty  int64 // atomic: count of unflushed anchor puts (sparse mode only)
	pinned sync.Map // fingerprint string -> struct{}
	logger *slog.Logger
}

// Open creates the index. gcEnabled must be false whenever cfg.Sparse is
// true (spec.md §9 "the compatibility between the sparse-chunk-index filter
// and garbage collection is declared incompatible").
func Open(cfg Config, gcEnabled bool) (*Index, error) {
	if cfg.Sparse && gcEnabled {
		return nil, errs.New(errs.ConfigError, "chunkindex: sparse index and garbage collection are mutually exclusive")
	}
	if cfg.Sparse && (cfg.SampleFactor == 0 || cfg.SampleFactor&(cfg.SampleFactor-1) != 0) {
		return nil, errs.New(errs.ConfigError, "chunkindex: sample factor must be a power of two")
	}

	store, err := kvstore.Open[Entry](filepath.Join(cfg.Dir, "chunkindex.db"), "chunks")
	if err != nil {
		return nil, err
	}
	return &Index{
		store:  store,
		locks:  newLockTable(4096),
		cfg:    cfg,
		mask:   cfg.SampleFactor - 1,
		logger: logging.Default(cfg.Logger).With("component", "chunkindex"),
	}, nil
}

// IsAnchor reports whether fp is kept in the persistent index under sparse
// sampling (spec.md §4.4): low-bit suffix matches the mask derived from k.
func (ix *Index) IsAnchor(fp []byte) bool {
	if !ix.cfg.Sparse {
		return true
	}
	return fingerprintSuffix(fp)&ix.mask == ix.mask
}

func fingerprintSuffix(fp []byte) uint64 {
	var v uint64
	n := len(fp)
	for i := 0; i < 8 && i < n; i++ {
		v |= uint64(fp[n-1-i]) << (8 * i)
	}
	return v
}

// Lookup returns the entry for fp under its per-fingerprint lock.
func (ix *Index) Lookup(fp []byte) (Entry, bool, error) {
	ix.locks.Lock(fp)
	defer ix.locks.Unlock(fp)
	return ix.store.Get(fp)
}

// Put installs entry for fp under its per-fingerprint lock. Non-anchor
// fingerprints under sparse mode are rejected — callers should route those
// through the block-chunk cache instead (spec.md §4.4).
func (ix *Index) Put(fp []byte, e Entry) error {
	if ix.cfg.Sparse && !ix.IsAnchor(fp) {
		return errs.New(errs.ConfigError, "chunkindex: non-anchor fingerprint under sparse mode")
	}
	ix.locks.Lock(fp)
	defer ix.locks.Unlock(fp)
	if err := ix.store.Put(fp, e); err != nil {
		return err
	}
	if ix.cfg.Sparse {
		atomic.AddInt64(&ix.dirty, 1)
	}
	return nil
}

// ApplyDelta adjusts an existing (or default-zero) entry's usage count by
// delta under the fingerprint's lock, as the garbage collector does when
// consuming block-mapping diffs (spec.md §4.6).
func (ix *Index) ApplyDelta(fp []byte, delta int64, logID uint64, blockHint uint64, hasBlockHint bool) (Entry, error) {
	ix.locks.Lock(fp)
	defer ix.locks.Unlock(fp)
	e, _, err := ix.store.Get(fp)
	if err != nil {
		return Entry{}, err
	}
	e.UsageCount += delta
	e.UsageChangeLogID = logID
	if hasBlockHint {
		e.BlockHint = blockHint
		e.HasBlockHint = true
	}
	if err := ix.store.Put(fp, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// ChangePinningState marks fp pinned or unpinned; pinned entries are
// exempted from any future in-memory write-cache eviction (spec.md §4.4).
func (ix *Index) ChangePinningState(fp []byte, pinned bool) {
	key := string(fp)
	if pinned {
		ix.pinned.Store(key, struct{}{})
	} else {
		ix.pinned.Delete(key)
	}
}

func (ix *Index) IsPinned(fp []byte) bool {
	_, ok := ix.pinned.Load(string(fp))
	return ok
}

// IsAcceptingNewChunks is the back-pressure hook (spec.md §4.4): under
// sparse mode, returns false once unflushed anchor puts reach the
// configured high-water mark.
func (ix *Index) IsAcceptingNewChunks() bool {
	if !ix.cfg.Sparse || ix.cfg.DirtyHighWaterMark == 0 {
		return true
	}
	return uint64(atomic.LoadInt64(&ix.dirty)) < ix.cfg.DirtyHighWaterMark
}

// MarkFlushed decrements the dirty counter once a batch of anchor puts is
// durably reflected downstream (e.g. by the committer).
func (ix *Index) MarkFlushed(n int64) {
	if ix.cfg.Sparse {
		atomic.AddInt64(&ix.dirty, -n)
	}
}

func (ix *Index) Delete(fp []byte) error {
	ix.locks.Lock(fp)
	defer ix.locks.Unlock(fp)
	return ix.store.Delete(fp)
}

func (ix *Index) Close() error { return ix.store.Close() }
