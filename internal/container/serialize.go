package container

import (
	"encoding/binary"
	"time"

	"gastrolog/internal/errs"
	"gastrolog/internal/format"
)

// Default on-disk geometry (spec.md §2, §6.2): a 4 MiB container with a
// 128 KiB header.
const (
	DefaultContainerSize = 4 * 1024 * 1024
	DefaultHeaderSize    = 128 * 1024

	serializeVersion = 0x01

	maxFingerprintLen = 20 // spec.md §3 "fingerprint ... ≤ 20 bytes"
)

const (
	itemEntryFixed = 1 /*fp len*/ + 4 /*offset*/ + 4 /*raw size*/ + 4 /*stored size*/ + 8 /*orig id*/ + 1 /*flags*/
)

const (
	flagIndexed = 1 << 0
	flagDeleted = 1 << 1
)

// Geometry describes the fixed on-disk shape callers serialize into.
type Geometry struct {
	ContainerSize uint32
	HeaderSize    uint32
}

func (g Geometry) ArenaCapacity() uint32 { return g.ContainerSize - g.HeaderSize }

func DefaultGeometry() Geometry {
	return Geometry{ContainerSize: DefaultContainerSize, HeaderSize: DefaultHeaderSize}
}

// Encode serializes c into a buffer of exactly geo.ContainerSize bytes: a
// geo.HeaderSize header (metadata, sorted item table, header CRC) followed
// by the data arena, zero-padded to the full container size.
func Encode(c *Container, geo Geometry) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := make([]byte, geo.ContainerSize)
	header := buf[:geo.HeaderSize]

	h := format.Header{Type: format.TypeContainerHeader, Version: serializeVersion}
	cursor := h.EncodeInto(header)

	binary.LittleEndian.PutUint64(header[cursor:cursor+8], c.primaryID)
	cursor += 8
	binary.LittleEndian.PutUint32(header[cursor:cursor+4], uint32(len(c.secondaryIDs))) //nolint:gosec
	cursor += 4
	for _, id := range c.secondaryIDs {
		binary.LittleEndian.PutUint64(header[cursor:cursor+8], id)
		cursor += 8
	}

	itemCount := c.items.Len()
	binary.LittleEndian.PutUint32(header[cursor:cursor+4], uint32(itemCount)) //nolint:gosec
	cursor += 4
	binary.LittleEndian.PutUint32(header[cursor:cursor+4], c.used)
	cursor += 4
	binary.LittleEndian.PutUint32(header[cursor:cursor+4], c.activeUse)
	cursor += 4
	binary.LittleEndian.PutUint64(header[cursor:cursor+8], uint64(c.commitTime.UnixMicro()))
	cursor += 8

	var encodeErr error
	c.items.Ascend(func(it Item) bool {
		entrySize := 1 + len(it.Fingerprint) + itemEntryFixed - 1
		if cursor+entrySize+4 > len(header) {
			encodeErr = errs.New(errs.ConfigError, "container: header too small for item table")
			return false
		}
		header[cursor] = byte(len(it.Fingerprint))
		cursor++
		copy(header[cursor:cursor+len(it.Fingerprint)], it.Fingerprint)
		cursor += len(it.Fingerprint)
		binary.LittleEndian.PutUint32(header[cursor:cursor+4], it.OffsetInContainer)
		cursor += 4
		binary.LittleEndian.PutUint32(header[cursor:cursor+4], it.RawSize)
		cursor += 4
		binary.LittleEndian.PutUint32(header[cursor:cursor+4], it.StoredSize)
		cursor += 4
		binary.LittleEndian.PutUint64(header[cursor:cursor+8], it.OriginalContainerID)
		cursor += 8
		flags := byte(0)
		if it.Indexed {
			flags |= flagIndexed
		}
		if it.Deleted {
			flags |= flagDeleted
		}
		header[cursor] = flags
		cursor++
		return true
	})
	if encodeErr != nil {
		return nil, encodeErr
	}

	if cursor+4 > len(header) {
		return nil, errs.New(errs.ConfigError, "container: header too small for trailing crc")
	}
	crc := format.CRC32(header[:cursor])
	binary.LittleEndian.PutUint32(header[cursor:cursor+4], crc)

	copy(buf[geo.HeaderSize:], c.arena)
	return buf, nil
}

// Decode parses a buffer previously produced by Encode, validating the
// header CRC (spec.md Round-trip law: "parse(serialize(c)) == c").
func Decode(buf []byte, geo Geometry) (*Container, error) {
	if uint32(len(buf)) != geo.ContainerSize {
		return nil, errs.New(errs.CorruptedState, "container: buffer size mismatch")
	}
	header := buf[:geo.HeaderSize]

	h, err := format.DecodeAndValidate(header, format.TypeContainerHeader, serializeVersion)
	if err != nil {
		return nil, errs.Wrap(errs.CorruptedState, "container: header invalid", err)
	}
	_ = h

	cursor := format.HeaderSize
	primaryID := binary.LittleEndian.Uint64(header[cursor : cursor+8])
	cursor += 8
	secondaryCount := binary.LittleEndian.Uint32(header[cursor : cursor+4])
	cursor += 4
	secondaryIDs := make([]uint64, secondaryCount)
	for i := range secondaryIDs {
		secondaryIDs[i] = binary.LittleEndian.Uint64(header[cursor : cursor+8])
		cursor += 8
	}

	itemCount := binary.LittleEndian.Uint32(header[cursor : cursor+4])
	cursor += 4
	payloadSize := binary.LittleEndian.Uint32(header[cursor : cursor+4])
	cursor += 4
	activePayloadSize := binary.LittleEndian.Uint32(header[cursor : cursor+4])
	cursor += 4
	commitTimeMicro := binary.LittleEndian.Uint64(header[cursor : cursor+8])
	cursor += 8

	c := New(primaryID, geo.ArenaCapacity())
	c.SetSecondaryIDs(secondaryIDs)
	c.SetCommitTime(time.UnixMicro(int64(commitTimeMicro))) //nolint:gosec

	for i := uint32(0); i < itemCount; i++ {
		if cursor+1 > len(header) {
			return nil, errs.New(errs.CorruptedState, "container: truncated item table")
		}
		fpLen := int(header[cursor])
		cursor++
		if fpLen > maxFingerprintLen || cursor+fpLen+itemEntryFixed-1 > len(header) {
			return nil, errs.New(errs.CorruptedState, "container: truncated item entry")
		}
		fp := make([]byte, fpLen)
		copy(fp, header[cursor:cursor+fpLen])
		cursor += fpLen
		offset := binary.LittleEndian.Uint32(header[cursor : cursor+4])
		cursor += 4
		rawSize := binary.LittleEndian.Uint32(header[cursor : cursor+4])
		cursor += 4
		storedSize := binary.LittleEndian.Uint32(header[cursor : cursor+4])
		cursor += 4
		originalContainerID := binary.LittleEndian.Uint64(header[cursor : cursor+8])
		cursor += 8
		flags := header[cursor]
		cursor++

		item := Item{
			Fingerprint:         fp,
			OffsetInContainer:   offset,
			RawSize:             rawSize,
			StoredSize:          storedSize,
			OriginalContainerID: originalContainerID,
			Indexed:             flags&flagIndexed != 0,
			Deleted:             flags&flagDeleted != 0,
		}
		c.items.ReplaceOrInsert(item)
	}

	if cursor+4 > len(header) {
		return nil, errs.New(errs.CorruptedState, "container: missing trailing crc")
	}
	wantCRC := binary.LittleEndian.Uint32(header[cursor : cursor+4])
	if !format.VerifyCRC32(header[:cursor], wantCRC) {
		return nil, errs.New(errs.ChecksumError, "container: header crc mismatch")
	}

	c.used = payloadSize
	c.activeUse = activePayloadSize
	c.arena = append(c.arena[:0], buf[geo.HeaderSize:geo.HeaderSize+c.capacity]...)
	return c, nil
}
