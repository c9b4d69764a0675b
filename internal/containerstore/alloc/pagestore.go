package alloc

import (
	"encoding/binary"
	"os"

	"gastrolog/internal/errs"
	"gastrolog/internal/format"
)

// pageStore persists the bitmap as a sequence of fixed-size pages, each
// followed by its own CRC32 (spec.md §6.2: "grouped into pages with a CRC
// per page"). It does not itself guard against torn writes — that is what
// txLog is for.
type pageStore struct {
	f        *os.File
	pageSize int
}

func openPageStore(path string, pageSize, pageCount int) (*pageStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "alloc: open bitmap file", err)
	}
	size := int64(pageCount) * int64(pageSize+4)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "alloc: preallocate bitmap file", err)
	}
	return &pageStore{f: f, pageSize: pageSize}, nil
}

func (p *pageStore) slotSize() int64 { return int64(p.pageSize + 4) }

// readPage returns the page's data and whether its trailing CRC validates.
func (p *pageStore) readPage(page int) (data []byte, ok bool, err error) {
	buf := make([]byte, p.pageSize+4)
	if _, rerr := p.f.ReadAt(buf, int64(page)*p.slotSize()); rerr != nil {
		return nil, false, errs.Wrap(errs.IoError, "alloc: read bitmap page", rerr)
	}
	data = buf[:p.pageSize]
	crc := binary.LittleEndian.Uint32(buf[p.pageSize:])
	return data, format.VerifyCRC32(data, crc), nil
}

func (p *pageStore) writePage(page int, data []byte) error {
	buf := make([]byte, p.pageSize+4)
	copy(buf, data)
	binary.LittleEndian.PutUint32(buf[p.pageSize:], format.CRC32(buf[:p.pageSize]))
	if _, err := p.f.WriteAt(buf, int64(page)*p.slotSize()); err != nil {
		return errs.Wrap(errs.IoError, "alloc: write bitmap page", err)
	}
	return p.f.Sync()
}

func (p *pageStore) Close() error { return p.f.Close() }
