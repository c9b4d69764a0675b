// Package alloc implements the container-slot bitmap allocator described in
// spec.md §4.3/§6.2, grounded on the forward-transaction-log recovery scheme
// of original_source/base/src/bitmap.cc and
// original_source/base/include/base/disk_hash_index_transaction.h.
package alloc

import "gastrolog/internal/errs"

// bitmap is a plain in-memory bit-per-slot array. All persistence and
// crash-recovery concerns live in Allocator; bitmap only knows how to find
// and flip bits.
type bitmap struct {
	bits []byte // 1 bit per slot, little-endian within each byte
	size uint64 // number of usable bits
}

func newBitmap(size uint64) *bitmap {
	return &bitmap{bits: make([]byte, (size+7)/8), size: size}
}

func (b *bitmap) IsSet(i uint64) bool {
	return b.bits[i/8]&(1<<(i%8)) != 0
}

func (b *bitmap) Set(i uint64) {
	b.bits[i/8] |= 1 << (i % 8)
}

func (b *bitmap) Clear(i uint64) {
	b.bits[i/8] &^= 1 << (i % 8)
}

// FindNextUnset scans from start (inclusive) for the first unset bit within
// range, wrapping at size. Returns ok=false if every bit is set.
func (b *bitmap) FindNextUnset(start uint64) (uint64, bool) {
	if b.size == 0 {
		return 0, false
	}
	for n := uint64(0); n < b.size; n++ {
		i := (start + n) % b.size
		if !b.IsSet(i) {
			return i, true
		}
	}
	return 0, false
}

// pageCount returns how many pages of the given byte page size the bitmap
// occupies, counting a partly filled final page.
func (b *bitmap) pageCount(pageSize int) int {
	n := len(b.bits) / pageSize
	if len(b.bits)%pageSize != 0 {
		n++
	}
	return n
}

func (b *bitmap) readPage(p int, pageSize int) []byte {
	start := p * pageSize
	end := start + pageSize
	out := make([]byte, pageSize)
	if start >= len(b.bits) {
		return out
	}
	if end > len(b.bits) {
		end = len(b.bits)
	}
	copy(out, b.bits[start:end])
	return out
}

func (b *bitmap) writePage(p int, pageSize int, data []byte) error {
	start := p * pageSize
	if start >= len(b.bits) {
		return errs.New(errs.ConfigError, "alloc: page index out of range")
	}
	end := start + pageSize
	if end > len(b.bits) {
		end = len(b.bits)
	}
	copy(b.bits[start:end], data[:end-start])
	return nil
}
