// Package scsi is the upstream request interface (spec.md §6.1): it splits
// a logical read or write into internal-block-sized sub-requests, acquires
// the locks of every touched block in one ascending pass
// (blocklocks.AcquireAscending), and drives the chunker, filter
// chain, container store, and volatile block store to service each one.
package scsi

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gastrolog/internal/blockchunkcache"
	"gastrolog/internal/blocklocks"
	"gastrolog/internal/blockstore"
	"gastrolog/internal/chunker"
	"gastrolog/internal/chunkindex"
	"gastrolog/internal/containerstore"
	"gastrolog/internal/errs"
	"gastrolog/internal/filterchain"
	"gastrolog/internal/format"
	"gastrolog/internal/logging"
)

// Op is the requested operation.
type Op int

const (
	Read Op = iota
	Write
)

func (o Op) String() string {
	if o == Write {
		return "WRITE"
	}
	return "READ"
}

// Code is a structured SCSI-facing result code (spec.md §6.1).
type Code int

const (
	OK Code = iota
	Full
	ReadChecksum
	TransientBusy
	Unrecoverable
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case Full:
		return "FULL"
	case ReadChecksum:
		return "READ_CHECKSUM"
	case TransientBusy:
		return "TRANSIENT_BUSY"
	default:
		return "UNRECOVERABLE"
	}
}

// ResultError is returned whenever a request fails; Code classifies the
// failure the way an upstream SCSI initiator expects to see it.
type ResultError struct {
	Code  Code
	Cause error
}

func (e *ResultError) Error() string { return e.Code.String() + ": " + e.Cause.Error() }
func (e *ResultError) Unwrap() error { return e.Cause }

func toSCSIError(err error) error {
	if err == nil {
		return nil
	}
	var code Code
	switch errs.KindOf(err) {
	case errs.Full:
		code = Full
	case errs.ChecksumError:
		code = ReadChecksum
	case errs.Transient, errs.Conflict:
		code = TransientBusy
	default:
		code = Unrecoverable
	}
	return &ResultError{Code: code, Cause: err}
}

// Result is the outcome of a successful MakeRequest.
type Result struct {
	BytesTransferred uint32
	// Data holds the bytes read, only populated for Read requests.
	Data []byte
}

// Config fixes the parameters scsi needs beyond what its collaborators
// already own.
type Config struct {
	BlockSize uint32

	MaxRetries   int
	RetryBackoff time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = 256 * 1024
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	return c
}

// Store wires the already-constructed subsystems into the external
// interface spec.md §6.1 describes.
type Store struct {
	cfg Config

	locks      *blocklocks.Table
	blockIndex *blockstore.Index
	vstore     *blockstore.VolatileStore
	containers *containerstore.Store
	chunkIx    *chunkindex.Index
	blockHint  *blockchunkcache.Cache
	chunks     *chunker.Chunker

	logger *slog.Logger
}

func New(cfg Config, locks *blocklocks.Table, blockIndex *blockstore.Index, vstore *blockstore.VolatileStore,
	containers *containerstore.Store, chunkIx *chunkindex.Index, blockHint *blockchunkcache.Cache, chunks *chunker.Chunker) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:        cfg,
		locks:      locks,
		blockIndex: blockIndex,
		vstore:     vstore,
		containers: containers,
		chunkIx:    chunkIx,
		blockHint:  blockHint,
		chunks:     chunks,
		logger:     logging.Default(cfg.Logger).With("component", "scsi"),
	}
}

func fingerprint(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

func checksumBytes(data []byte) []byte {
	return binary.BigEndian.AppendUint32(nil, format.CRC32(data))
}

// subRequest is one internal-block-sized slice of a MakeRequest call.
type subRequest struct {
	blockID    uint64
	blockStart uint32 // offset within the block
	blockEnd   uint32 // exclusive
	bufOffset  uint32 // offset within the caller's buffer
}

func splitRequest(blockIndex uint64, blockOffset, size, blockSize uint32) []subRequest {
	absStart := blockIndex*uint64(blockSize) + uint64(blockOffset)
	absEnd := absStart + uint64(size)

	var subs []subRequest
	for pos := absStart; pos < absEnd; {
		blockID := pos / uint64(blockSize)
		blockStart := uint32(pos % uint64(blockSize))
		blockBoundary := (blockID + 1) * uint64(blockSize)
		end := absEnd
		if blockBoundary < end {
			end = blockBoundary
		}
		blockEnd := blockStart + uint32(end-pos)
		subs = append(subs, subRequest{
			blockID:    blockID,
			blockStart: blockStart,
			blockEnd:   blockEnd,
			bufOffset:  uint32(pos - absStart),
		})
		pos = end
	}
	return subs
}

// MakeRequest is the sole upstream entry point (spec.md §6.1). buf is the
// caller's data buffer: source for Write, destination for Read.
func (s *Store) MakeRequest(ctx context.Context, session uuid.UUID, op Op, blockIndex uint64, blockOffset, size uint32, buf []byte) (Result, error) {
	if size == 0 {
		return Result{}, nil
	}
	subs := splitRequest(blockIndex, blockOffset, size, s.cfg.BlockSize)

	blockIDs := make([]uint64, len(subs))
	for i, sub := range subs {
		blockIDs[i] = sub.blockID
	}
	release := s.locks.AcquireAscending(blockIDs)
	defer release()

	result := Result{BytesTransferred: size}
	if op == Read {
		result.Data = make([]byte, size)
	}

	for _, sub := range subs {
		subLen := sub.blockEnd - sub.blockStart
		err := s.withRetry(ctx, func() error {
			switch op {
			case Read:
				full, err := s.readBlock(sub.blockID)
				if err != nil {
					return err
				}
				copy(result.Data[sub.bufOffset:sub.bufOffset+subLen], full[sub.blockStart:sub.blockEnd])
				return nil
			default:
				return s.writeBlock(ctx, sub.blockID, sub.blockStart, sub.blockEnd, buf[sub.bufOffset:sub.bufOffset+subLen])
			}
		})
		if err != nil {
			return Result{}, err
		}
	}
	return result, nil
}

// withRetry retries transient failures up to Config.MaxRetries times with a
// fixed backoff (spec.md §6.1 "retries for write and read are configurable
// per deployment").
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if errs.KindOf(err) != errs.Transient {
			return toSCSIError(err)
		}
		select {
		case <-ctx.Done():
			return toSCSIError(ctx.Err())
		case <-time.After(s.cfg.RetryBackoff):
		}
	}
	return toSCSIError(lastErr)
}

// lookupMapping finds the most current mapping for blockID, preferring an
// in-flight (not yet durably committed) version over the persistent index
// so a reader observes its own immediately-preceding write (spec.md §8 S2).
func (s *Store) lookupMapping(blockID uint64) (blockstore.Mapping, bool, error) {
	if m, ok := s.vstore.Latest(blockID); ok {
		return m, true, nil
	}
	return s.blockIndex.Get(blockID)
}

// readBlock reconstructs the full block image by reading every mapped item
// through the container store and verifying its size against the recorded
// item size (spec.md §6.1 "READ_CHECKSUM: integrity failure on read").
func (s *Store) readBlock(blockID uint64) ([]byte, error) {
	full := make([]byte, s.cfg.BlockSize)
	m, ok, err := s.lookupMapping(blockID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return full, nil // never-written block reads as zeros
	}
	for _, it := range m.Items {
		payload, err := s.containers.Read(it.Fingerprint, it.ContainerID)
		if err != nil {
			return nil, err
		}
		if uint32(len(payload)) != it.Size {
			return nil, errs.New(errs.ChecksumError, "scsi: item size mismatch on read")
		}
		if it.ChunkOffset+it.Size > uint32(len(full)) {
			return nil, errs.New(errs.CorruptedState, "scsi: item offset exceeds block size")
		}
		copy(full[it.ChunkOffset:it.ChunkOffset+it.Size], payload)
	}
	return full, nil
}

// writeBlock merges the incoming bytes into the current full block image
// (reading the predecessor only when the write doesn't cover the whole
// block), re-chunks it end to end, and commits a new volatile block
// mapping (spec.md §6.1 "a write produces chunks and commits a new block
// mapping").
func (s *Store) writeBlock(ctx context.Context, blockID uint64, blockStart, blockEnd uint32, data []byte) error {
	oldMapping, oldFound, err := s.lookupMapping(blockID)
	if err != nil {
		return err
	}

	var full []byte
	if blockStart == 0 && blockEnd-blockStart == s.cfg.BlockSize {
		full = append([]byte(nil), data...)
	} else {
		if oldFound {
			full, err = s.readBlock(blockID)
			if err != nil {
				return err
			}
		} else {
			full = make([]byte, s.cfg.BlockSize)
		}
		copy(full[blockStart:blockEnd], data)
	}

	session := s.chunks.NewSession()
	chunks := session.Write(full)
	if last := session.Close(); last != nil {
		chunks = append(chunks, *last)
	}

	chain := filterchain.New(blockchunkcache.NewFilter(s.blockHint, blockID), s.chunkIx)

	items := make([]blockstore.Item, 0, len(chunks))
	var openContainers []uint64
	var offset uint32
	for _, c := range chunks {
		fp := fingerprint(c.Data)
		res, err := chain.Process(fp)
		if err != nil {
			return err
		}

		var addr uint64
		existed := res.Status == filterchain.Existing
		if existed {
			addr = res.Address
		} else {
			addr, err = s.containers.Put(fp, uint32(len(c.Data)), c.Data)
			if err != nil {
				return err
			}
			if !s.containers.IsCommitted(addr) {
				openContainers = append(openContainers, addr)
			}
		}
		if err := chain.Publish(fp, addr, existed); err != nil {
			return err
		}

		items = append(items, blockstore.Item{
			Fingerprint: fp,
			ContainerID: addr,
			ChunkOffset: offset,
			Size:        uint32(len(c.Data)),
		})
		offset += uint32(len(c.Data))
	}

	version := uint64(1)
	if oldFound {
		version = oldMapping.Version + 1
	}
	mapping := blockstore.Mapping{
		BlockID:  blockID,
		Version:  version,
		Items:    items,
		Checksum: checksumBytes(full),
	}

	s.vstore.Add(mapping, openContainers, oldFound)
	s.blockHint.AddBlock(mapping)
	return nil
}

// FastCopy copies size bytes from src to dst. When the range is exactly one
// whole block (both offsets zero, size equal to the block size) it reuses the
// source mapping without re-reading or re-chunking payload data (spec.md
// §6.1); any other range falls back to a plain read-then-write.
func (s *Store) FastCopy(ctx context.Context, srcBlock uint64, srcOff uint32, dstBlock uint64, dstOff uint32, size uint32) error {
	aligned := srcOff == 0 && dstOff == 0 && size == s.cfg.BlockSize
	if !aligned {
		buf := make([]byte, size)
		if _, err := s.MakeRequest(ctx, uuid.Nil, Read, srcBlock, srcOff, size, buf); err != nil {
			return err
		}
		_, err := s.MakeRequest(ctx, uuid.Nil, Write, dstBlock, dstOff, size, buf)
		return err
	}

	release := s.locks.AcquireAscending([]uint64{srcBlock, dstBlock})
	defer release()

	m, ok, err := s.lookupMapping(srcBlock)
	if err != nil {
		return toSCSIError(err)
	}
	if !ok {
		return toSCSIError(errs.New(errs.NotFound, "scsi: fastcopy source block has no mapping"))
	}

	dstOldMapping, dstOldFound, err := s.lookupMapping(dstBlock)
	if err != nil {
		return toSCSIError(err)
	}

	for _, it := range m.Items {
		if err := s.chunkIx.UpdateKnownChunk(it.Fingerprint, it.ContainerID); err != nil {
			return toSCSIError(err)
		}
	}

	version := uint64(1)
	if dstOldFound {
		version = dstOldMapping.Version + 1
	}
	newMapping := blockstore.Mapping{
		BlockID:  dstBlock,
		Version:  version,
		Items:    append([]blockstore.Item(nil), m.Items...),
		Checksum: m.Checksum,
	}
	s.vstore.Add(newMapping, nil, dstOldFound)
	s.blockHint.AddBlock(newMapping)
	return nil
}

// SyncCache forces the write cache to hand over all non-empty containers
// and waits for their commit (spec.md §6.1).
func (s *Store) SyncCache() error {
	return s.containers.SyncCache()
}
