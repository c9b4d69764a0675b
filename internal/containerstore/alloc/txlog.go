package alloc

import (
	"encoding/binary"
	"os"

	"gastrolog/internal/errs"
	"gastrolog/internal/format"

	"github.com/cespare/xxhash/v2"
)

// txLog is the forward transaction log described in
// disk_hash_index_transaction.h: before a bitmap page is overwritten, the
// new page image plus before/after CRCs are logged to a slot chosen by
// hashing the page index, in a single fixed-size file with a fixed number
// of slots. The transaction is never marked "done"; recovery instead
// checks the live bitmap page's own trailing CRC and, when it fails,
// restores the page from the intact logged image for that page, if any.
type txLog struct {
	f        *os.File
	areas    int
	pageSize int
	slotSize int
}

const (
	txVersion  = 0x01
	txSlotMeta = 8 /*page index*/ + 4 /*before crc*/ + 4 /*after crc*/ + 4 /*payload len*/ + 4 /*slot crc*/
)

func openTxLog(path string, areas, pageSize int) (*txLog, error) {
	slotSize := format.HeaderSize + txSlotMeta + pageSize
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "alloc: open tx log", err)
	}
	size := int64(slotSize * areas)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "alloc: preallocate tx log", err)
	}
	return &txLog{f: f, areas: areas, pageSize: pageSize, slotSize: slotSize}, nil
}

func (t *txLog) areaFor(page int) int {
	return int(xxhash.Sum64(binary.LittleEndian.AppendUint64(nil, uint64(page))) % uint64(t.areas))
}

type txRecord struct {
	Page      int
	BeforeCRC uint32
	AfterCRC  uint32
	PageData  []byte
}

// write persists rec to its hashed slot and fsyncs it before returning, so
// the corresponding bitmap page write that follows never precedes it.
func (t *txLog) write(rec txRecord) error {
	area := t.areaFor(rec.Page)
	buf := make([]byte, t.slotSize)
	h := format.Header{Type: format.TypeAllocatorBitmap, Version: txVersion}
	cursor := h.EncodeInto(buf)
	binary.LittleEndian.PutUint64(buf[cursor:cursor+8], uint64(rec.Page))
	cursor += 8
	binary.LittleEndian.PutUint32(buf[cursor:cursor+4], rec.BeforeCRC)
	cursor += 4
	binary.LittleEndian.PutUint32(buf[cursor:cursor+4], rec.AfterCRC)
	cursor += 4
	binary.LittleEndian.PutUint32(buf[cursor:cursor+4], uint32(len(rec.PageData))) //nolint:gosec
	cursor += 4
	copy(buf[cursor:cursor+len(rec.PageData)], rec.PageData)
	cursor += t.pageSize
	crc := format.CRC32(buf[:cursor])
	binary.LittleEndian.PutUint32(buf[cursor:cursor+4], crc)

	if _, err := t.f.WriteAt(buf, int64(area)*int64(t.slotSize)); err != nil {
		return errs.Wrap(errs.IoError, "alloc: write tx slot", err)
	}
	return t.f.Sync()
}

// read returns (record, true, nil) if a slot for page's hashed area is
// present and intact, or (zero, false, nil) if the slot is empty/garbled —
// per the original system's note that an unreadable transaction area means
// "step 1 never completed", not a hard error.
func (t *txLog) read(page int) (txRecord, bool, error) {
	area := t.areaFor(page)
	buf := make([]byte, t.slotSize)
	if _, err := t.f.ReadAt(buf, int64(area)*int64(t.slotSize)); err != nil {
		return txRecord{}, false, errs.Wrap(errs.IoError, "alloc: read tx slot", err)
	}
	if _, err := format.DecodeAndValidate(buf, format.TypeAllocatorBitmap, txVersion); err != nil {
		return txRecord{}, false, nil
	}
	cursor := format.HeaderSize
	gotPage := int(binary.LittleEndian.Uint64(buf[cursor : cursor+8]))
	cursor += 8
	beforeCRC := binary.LittleEndian.Uint32(buf[cursor : cursor+4])
	cursor += 4
	afterCRC := binary.LittleEndian.Uint32(buf[cursor : cursor+4])
	cursor += 4
	dataLen := binary.LittleEndian.Uint32(buf[cursor : cursor+4])
	cursor += 4
	if gotPage != page || int(dataLen) > t.pageSize {
		return txRecord{}, false, nil
	}
	data := make([]byte, dataLen)
	copy(data, buf[cursor:cursor+int(dataLen)])
	cursor += t.pageSize
	wantCRC := binary.LittleEndian.Uint32(buf[cursor : cursor+4])
	if !format.VerifyCRC32(buf[:cursor], wantCRC) {
		return txRecord{}, false, nil
	}
	return txRecord{Page: gotPage, BeforeCRC: beforeCRC, AfterCRC: afterCRC, PageData: data}, true, nil
}

func (t *txLog) Close() error {
	return t.f.Close()
}
