package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"gastrolog/internal/errs"
)

// fileSet is the on-disk ring: a fixed list of pre-allocated files, each a
// header page followed by pagesPerFile equal-size event pages (spec.md
// §6.2). Ring position `pos` (0-based, wrapping at fileCount*pagesPerFile)
// maps to file index `pos/pagesPerFile` and in-file page offset
// `headerSize + (pos%pagesPerFile)*pageSize`.
type fileSet struct {
	dir          string
	fileCount    int
	pagesPerFile int
	pageSize     int
	headerSize   int
	mode         os.FileMode
	files        []*os.File
}

func segmentName(index int) string {
	return fmt.Sprintf("seg-%04d.log", index)
}

// openFileSet creates (if needed) and opens every segment file, preallocating
// each to its full fixed size so later writes never grow the file.
func openFileSet(dir string, fileCount, pagesPerFile, pageSize int, mode os.FileMode) (*fileSet, error) {
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IoError, "wal: mkdir", err)
	}

	fs := &fileSet{
		dir:          dir,
		fileCount:    fileCount,
		pagesPerFile: pagesPerFile,
		pageSize:     pageSize,
		headerSize:   pageSize,
		mode:         mode,
	}

	for i := 0; i < fileCount; i++ {
		path := filepath.Join(dir, segmentName(i))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, mode)
		if err != nil {
			fs.Close()
			return nil, errs.Wrap(errs.IoError, "wal: open segment", err)
		}
		size := int64(fs.headerSize + pagesPerFile*pageSize)
		if err := f.Truncate(size); err != nil {
			fs.Close()
			return nil, errs.Wrap(errs.IoError, "wal: preallocate segment", err)
		}
		fs.files = append(fs.files, f)
	}
	return fs, nil
}

func (fs *fileSet) totalPages() int { return fs.fileCount * fs.pagesPerFile }

func (fs *fileSet) locate(pos uint64) (file *os.File, offset int64) {
	slot := int(pos % uint64(fs.totalPages()))
	fileIndex := slot / fs.pagesPerFile
	pageInFile := slot % fs.pagesPerFile
	offset = int64(fs.headerSize + pageInFile*fs.pageSize)
	return fs.files[fileIndex], offset
}

func (fs *fileSet) WritePage(pos uint64, buf []byte) error {
	f, offset := fs.locate(pos)
	if _, err := f.WriteAt(buf, offset); err != nil {
		return errs.Wrap(errs.IoError, "wal: write page", err)
	}
	return nil
}

func (fs *fileSet) ReadPage(pos uint64) ([]byte, error) {
	buf := make([]byte, fs.pageSize)
	f, offset := fs.locate(pos)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, errs.Wrap(errs.IoError, "wal: read page", err)
	}
	return buf, nil
}

// Sync flushes every segment file to stable storage.
func (fs *fileSet) Sync() error {
	for _, f := range fs.files {
		if err := f.Sync(); err != nil {
			return errs.Wrap(errs.IoError, "wal: fsync", err)
		}
	}
	return nil
}

func (fs *fileSet) Close() {
	for _, f := range fs.files {
		if f != nil {
			_ = f.Close()
		}
	}
}
