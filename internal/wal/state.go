package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"gastrolog/internal/errs"
	"gastrolog/internal/format"
)

const (
	stateFileName  = "state.bin"
	stateVersion   = 0x01
	stateCleanFlag = 0x01
	stateBodySize  = 8 + 8 // head + tail
	stateTotalSize = format.HeaderSize + stateBodySize + 4
)

type ringState struct {
	head  uint64
	tail  uint64
	clean bool
}

func stateFilePath(dir string) string { return filepath.Join(dir, stateFileName) }

// saveState writes the ring's head/tail/clean-stop marker (spec.md §6.2
// "Info store: ... recording ... clean-stop marker"). It is an accelerator
// only: if it is missing or fails its CRC, Open falls back to a full scan.
func saveState(dir string, st ringState) error {
	buf := make([]byte, stateTotalSize)
	flags := byte(0)
	if st.clean {
		flags = stateCleanFlag
	}
	h := format.Header{Type: format.TypeContainerSuper, Version: stateVersion, Flags: flags}
	cursor := h.EncodeInto(buf)
	binary.LittleEndian.PutUint64(buf[cursor:cursor+8], st.head)
	cursor += 8
	binary.LittleEndian.PutUint64(buf[cursor:cursor+8], st.tail)
	cursor += 8
	crc := format.CRC32(buf[:cursor])
	binary.LittleEndian.PutUint32(buf[cursor:cursor+4], crc)

	tmp := stateFilePath(dir) + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errs.Wrap(errs.IoError, "wal: write state", err)
	}
	return os.Rename(tmp, stateFilePath(dir))
}

// loadState returns (state, true, nil) on success, or (zero, false, nil) if
// the state file is absent/corrupt and the caller should fall back to a
// full scan.
func loadState(dir string) (ringState, bool, error) {
	data, err := os.ReadFile(stateFilePath(dir))
	if err != nil {
		return ringState{}, false, nil
	}
	if len(data) != stateTotalSize {
		return ringState{}, false, nil
	}
	h, err := format.DecodeAndValidate(data, format.TypeContainerSuper, stateVersion)
	if err != nil {
		return ringState{}, false, nil
	}
	cursor := format.HeaderSize
	head := binary.LittleEndian.Uint64(data[cursor : cursor+8])
	cursor += 8
	tail := binary.LittleEndian.Uint64(data[cursor : cursor+8])
	cursor += 8
	crc := binary.LittleEndian.Uint32(data[cursor : cursor+4])
	if !format.VerifyCRC32(data[:cursor], crc) {
		return ringState{}, false, nil
	}
	return ringState{head: head, tail: tail, clean: h.Flags&stateCleanFlag != 0}, true, nil
}
