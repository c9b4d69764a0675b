package wal

import (
	"encoding/binary"
	"errors"

	"gastrolog/internal/errs"
	"gastrolog/internal/format"
)

// Page layout, grounded on the record framing in
// internal/chunk/file/record.go (size-prefixed header, little-endian
// fields) generalized with the shared format.Header and a trailing CRC32
// (spec.md §4.1 "Each event page contains: {log_id, type, length, payload,
// crc}"):
//
//	format.Header (4 bytes: signature, type=TypeLogPage, version, flags)
//	log_id      (8 bytes, little-endian uint64)
//	event_type  (1 byte)
//	length      (4 bytes, little-endian uint32, payload length)
//	payload     (length bytes)
//	crc32       (4 bytes, little-endian uint32, over everything above)
const (
	pageVersion = 0x01

	logIDBytes     = 8
	eventTypeBytes = 1
	lengthBytes    = 4
	crcBytes       = 4

	pageFixedOverhead = format.HeaderSize + logIDBytes + eventTypeBytes + lengthBytes + crcBytes
)

var (
	errPageTooSmall     = errors.New("wal: page buffer too small")
	errPayloadTooLarge  = errors.New("wal: payload exceeds page capacity")
	errPageEmpty        = errs.New(errs.NotFound, "wal: empty page")
)

// MaxPayload returns the largest payload that fits in a page of pageSize
// bytes.
func MaxPayload(pageSize int) int {
	return pageSize - pageFixedOverhead
}

// encodePage serializes ev into buf, which must be at least pageSize bytes;
// unused trailing bytes are left as-is (the reader relies on the length
// field, not on zero-padding).
func encodePage(buf []byte, logID uint64, ev EventType, payload []byte) (int, error) {
	total := pageFixedOverhead + len(payload)
	if total > len(buf) {
		return 0, errPayloadTooLarge
	}

	h := format.Header{Type: format.TypeLogPage, Version: pageVersion}
	cursor := h.EncodeInto(buf)

	binary.LittleEndian.PutUint64(buf[cursor:cursor+logIDBytes], logID)
	cursor += logIDBytes
	buf[cursor] = byte(ev)
	cursor += eventTypeBytes
	binary.LittleEndian.PutUint32(buf[cursor:cursor+lengthBytes], uint32(len(payload))) //nolint:gosec // bounded by MaxPayload
	cursor += lengthBytes
	copy(buf[cursor:cursor+len(payload)], payload)
	cursor += len(payload)

	crc := format.CRC32(buf[:cursor])
	binary.LittleEndian.PutUint32(buf[cursor:cursor+crcBytes], crc)
	cursor += crcBytes

	return cursor, nil
}

// decodePage parses a page previously written by encodePage. It returns
// errs.ChecksumError if the trailing CRC does not match (spec.md §4.1 "A
// page failing CRC during replay aborts replay with a structured error").
func decodePage(buf []byte) (logID uint64, ev EventType, payload []byte, err error) {
	if len(buf) < pageFixedOverhead {
		return 0, 0, nil, errPageTooSmall
	}

	h, herr := format.DecodeAndValidate(buf, format.TypeLogPage, pageVersion)
	if herr != nil {
		if errors.Is(herr, format.ErrSignatureMismatch) {
			return 0, 0, nil, errPageEmpty
		}
		return 0, 0, nil, errs.Wrap(errs.ChecksumError, "wal: page header invalid", herr)
	}
	_ = h

	cursor := format.HeaderSize
	logID = binary.LittleEndian.Uint64(buf[cursor : cursor+logIDBytes])
	cursor += logIDBytes
	ev = EventType(buf[cursor])
	cursor += eventTypeBytes
	length := binary.LittleEndian.Uint32(buf[cursor : cursor+lengthBytes])
	cursor += lengthBytes

	end := cursor + int(length)
	if end+crcBytes > len(buf) {
		return 0, 0, nil, errs.New(errs.ChecksumError, "wal: page length overruns buffer")
	}
	payload = make([]byte, length)
	copy(payload, buf[cursor:end])

	wantCRC := binary.LittleEndian.Uint32(buf[end : end+crcBytes])
	if !format.VerifyCRC32(buf[:end], wantCRC) {
		return 0, 0, nil, errs.New(errs.ChecksumError, "wal: page crc mismatch").WithLogID(logID)
	}

	return logID, ev, payload, nil
}
