package blockstore

import (
	"encoding/binary"
	"path/filepath"

	"gastrolog/internal/kvstore"
)

// Index is the persistent block-id -> mapping store (spec.md §6.2).
type Index struct {
	store *kvstore.Store[Mapping]
}

func OpenIndex(dir string) (*Index, error) {
	store, err := kvstore.Open[Mapping](filepath.Join(dir, "blockindex.db"), "blocks")
	if err != nil {
		return nil, err
	}
	return &Index{store: store}, nil
}

func encodeBlockKey(blockID uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, blockID)
}

func (ix *Index) Get(blockID uint64) (Mapping, bool, error) {
	return ix.store.Get(encodeBlockKey(blockID))
}

// Put atomically replaces the prior version, the only two ways a write
// reaches the persistent index: the volatile-store commit path, or direct
// replay after a crash (spec.md §4.3 "writes arrive only from the volatile
// store commit path ... or the direct replay path").
func (ix *Index) Put(m Mapping) error {
	if err := ix.store.Put(encodeBlockKey(m.BlockID), m); err != nil {
		return err
	}
	return nil
}

func (ix *Index) Delete(blockID uint64) error {
	return ix.store.Delete(encodeBlockKey(blockID))
}

func (ix *Index) Close() error {
	return ix.store.Close()
}
