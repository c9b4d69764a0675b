// Package metaindex is the persistent container-id -> address map
// (spec.md §3 "Container meta-index value", §6.2). It is updated
// transactionally on commit, move, merge, and delete, keyed so that
// at-least-once replay of the corresponding log events is idempotent
// (spec.md §7): every write is keyed by container id and simply replaces
// whatever was previously stored, so replaying the same event twice is a
// no-op the second time.
package metaindex

import (
	"encoding/binary"
	"path/filepath"

	"gastrolog/internal/errs"
	"gastrolog/internal/kvstore"
)

// Entry is one live (primary or secondary) container id's resolved address.
type Entry struct {
	FileIndex  uint32
	FileOffset uint64
	IsPrimary  bool
}

type Index struct {
	store *kvstore.Store[Entry]
}

func Open(dir string) (*Index, error) {
	store, err := kvstore.Open[Entry](filepath.Join(dir, "metaindex.db"), "containers")
	if err != nil {
		return nil, err
	}
	return &Index{store: store}, nil
}

func encodeKey(containerID uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, containerID)
}

func (ix *Index) Resolve(containerID uint64) (Entry, error) {
	e, ok, err := ix.store.Get(encodeKey(containerID))
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, errs.New(errs.NotFound, "metaindex: container id not found")
	}
	return e, nil
}

func (ix *Index) Put(containerID uint64, e Entry) error {
	return ix.store.Put(encodeKey(containerID), e)
}

func (ix *Index) Delete(containerID uint64) error {
	return ix.store.Delete(encodeKey(containerID))
}

// ApplyMerge atomically installs the new address for every id in usedIDs
// (primary + secondaries) and removes every dropped id, per the merge
// protocol in spec.md §4.2 step 5.
func (ix *Index) ApplyMerge(primaryID uint64, secondaryIDs, droppedIDs []uint64, fileIndex uint32, fileOffset uint64) error {
	return ix.store.Update(func(tx *kvstore.Tx[Entry]) error {
		if err := tx.Put(encodeKey(primaryID), Entry{FileIndex: fileIndex, FileOffset: fileOffset, IsPrimary: true}); err != nil {
			return err
		}
		for _, id := range secondaryIDs {
			if err := tx.Put(encodeKey(id), Entry{FileIndex: fileIndex, FileOffset: fileOffset, IsPrimary: false}); err != nil {
				return err
			}
		}
		for _, id := range droppedIDs {
			if err := tx.Delete(encodeKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (ix *Index) Close() error { return ix.store.Close() }
