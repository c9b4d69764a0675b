// Package config defines the fixed format parameters and the start/stop
// inputs this engine accepts (spec.md §6.3, SPEC_FULL.md §2.2). Loading the
// values from a file or flags is the caller's job (an external
// collaborator per spec.md §1); this package only validates the result
// once, at startup.
package config

import (
	"time"

	"gastrolog/internal/errs"
)

// Format fixes the parameters that spec.md's Non-goals forbid
// reconfiguring online: container size, fingerprint sampling, chunk size
// bounds, cache geometry. These are read once at `start` and never changed
// for the life of the on-disk store.
type Format struct {
	ContainerSize uint32
	HeaderSize    uint32

	BlockSize uint32

	ChunkWindowSize int
	ChunkMinSize    int
	ChunkAvgSize    int
	ChunkMaxSize    int

	WriteCacheSlots int
	ReadCacheLines  int
	ReadCacheDepth  int

	AllocatorSlots uint64

	// SparseIndex enables fingerprint sampling in the chunk index (spec.md
	// §4.4); mutually exclusive with garbage collection.
	SparseIndex  bool
	SampleFactor uint64

	GCActiveSizeThreshold uint32
	GCItemCountThreshold  int

	IdleWindow       time.Duration
	IdleTickInterval time.Duration

	LogFileCount     int
	LogPagesPerFile  int
	LogPageSize      int
	LogHighWaterMark float64
	LogBackpressure  time.Duration
}

func DefaultFormat() Format {
	return Format{
		ContainerSize:         4 * 1024 * 1024,
		HeaderSize:            128 * 1024,
		BlockSize:             256 * 1024,
		ChunkWindowSize:       48,
		ChunkMinSize:          2 * 1024,
		ChunkAvgSize:          8 * 1024,
		ChunkMaxSize:          32 * 1024,
		WriteCacheSlots:       16,
		ReadCacheLines:        32,
		ReadCacheDepth:        4,
		AllocatorSlots:        1 << 20,
		SampleFactor:          0,
		GCActiveSizeThreshold: 512 * 1024,
		GCItemCountThreshold:  16,
		IdleWindow:            30 * time.Second,
		IdleTickInterval:      5 * time.Second,
		LogFileCount:          4,
		LogPagesPerFile:       4096,
		LogPageSize:           4096,
		LogHighWaterMark:      0.9,
		LogBackpressure:       2 * time.Second,
	}
}

// Validate enforces the cross-field invariants spec.md and the domain
// packages themselves require, surfacing every violation as a single
// ConfigError the way a misconfigured `start` is expected to fail fast
// (spec.md §6.3 "exit code ... 1 = config error").
func (f Format) Validate() error {
	if f.ChunkMinSize <= 0 || f.ChunkAvgSize <= 0 || f.ChunkMaxSize <= 0 {
		return errs.New(errs.ConfigError, "config: chunk min/avg/max sizes must be positive")
	}
	if f.ChunkMinSize > f.ChunkAvgSize || f.ChunkAvgSize > f.ChunkMaxSize {
		return errs.New(errs.ConfigError, "config: chunk min <= avg <= max must hold")
	}
	if f.ChunkAvgSize&(f.ChunkAvgSize-1) != 0 {
		return errs.New(errs.ConfigError, "config: chunk average size must be a power of two")
	}
	if f.ContainerSize <= f.HeaderSize {
		return errs.New(errs.ConfigError, "config: container size must exceed header size")
	}
	if f.BlockSize == 0 || f.BlockSize%uint32(f.ChunkMinSize) != 0 && f.BlockSize < uint32(f.ChunkMinSize) {
		return errs.New(errs.ConfigError, "config: block size must be at least the minimum chunk size")
	}
	if f.WriteCacheSlots <= 0 {
		return errs.New(errs.ConfigError, "config: write cache must have at least one slot")
	}
	if f.SparseIndex && f.GCActiveSizeThreshold > 0 {
		return errs.New(errs.ConfigError, "config: sparse index and garbage collection are mutually exclusive")
	}
	if f.SparseIndex && (f.SampleFactor == 0 || f.SampleFactor&(f.SampleFactor-1) != 0) {
		return errs.New(errs.ConfigError, "config: sample factor must be a power of two when sparse indexing is enabled")
	}
	return nil
}

// StartContext is the engine's only start input (spec.md §6.3).
type StartContext struct {
	Dir string

	Create   bool // --create: initialize a new store if Dir is empty
	NoCreate bool // --no-create: fail instead of initializing

	Dirty   bool // a prior stop was not clean; forces replay before serving
	Force   bool // --force: skip a corrupted log page rather than aborting (spec.md §8 S5)
	Crashed bool // the previous process died without reaching Stop

	Readonly bool

	FileMode uint32
	DirMode  uint32
}

func (c StartContext) Validate() error {
	if c.Dir == "" {
		return errs.New(errs.ConfigError, "config: start context requires a directory")
	}
	if c.Create && c.NoCreate {
		return errs.New(errs.ConfigError, "config: --create and --no-create are mutually exclusive")
	}
	return nil
}

// StopContext is the engine's only stop input (spec.md §6.3).
type StopContext struct {
	// Writeback flushes the write cache and waits for every pending commit
	// before returning (the slow, durable stop). Fast skips the flush,
	// relying on replay to recover on the next start.
	Writeback bool
	Fast      bool
}

func (c StopContext) Validate() error {
	if c.Writeback && c.Fast {
		return errs.New(errs.ConfigError, "config: --writeback and --fast are mutually exclusive")
	}
	return nil
}
