package container

import (
	"encoding/binary"

	"gastrolog/internal/errs"
	"gastrolog/internal/format"
)

// Each arena entry is framed as crc32(4 bytes, little-endian) followed by
// the stored (possibly compressed) payload bytes (spec.md §3 "each item's
// payload is prefixed with a per-item CRC").
const itemCRCBytes = 4

func itemFrameSize(storedSize uint32) uint32 {
	return itemCRCBytes + storedSize
}

func frameItemPayload(stored []byte) []byte {
	out := make([]byte, itemCRCBytes+len(stored))
	binary.LittleEndian.PutUint32(out[:itemCRCBytes], format.CRC32(stored))
	copy(out[itemCRCBytes:], stored)
	return out
}

func unframeItemPayload(arena []byte, offset, storedSize uint32) ([]byte, error) {
	end := offset + itemFrameSize(storedSize)
	if int(end) > len(arena) {
		return nil, errs.New(errs.CorruptedState, "container: item frame out of bounds")
	}
	frame := arena[offset:end]
	wantCRC := binary.LittleEndian.Uint32(frame[:itemCRCBytes])
	payload := frame[itemCRCBytes:]
	if !format.VerifyCRC32(payload, wantCRC) {
		return nil, errs.New(errs.ChecksumError, "container: item crc mismatch")
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}
