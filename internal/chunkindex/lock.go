package chunkindex

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// lockTable is a fixed-size array of mutexes sharded by fingerprint hash,
// giving per-fingerprint locking without a map entry per fingerprint
// (spec.md §5 "Chunk lock table: per-fingerprint; acquired in Check/Update
// and released in Update/Abort").
type lockTable struct {
	locks []sync.Mutex
}

func newLockTable(shards int) *lockTable {
	if shards <= 0 {
		shards = 1024
	}
	return &lockTable{locks: make([]sync.Mutex, shards)}
}

func (t *lockTable) shard(fp []byte) *sync.Mutex {
	h := xxhash.Sum64(fp)
	return &t.locks[h%uint64(len(t.locks))]
}

func (t *lockTable) Lock(fp []byte)   { t.shard(fp).Lock() }
func (t *lockTable) Unlock(fp []byte) { t.shard(fp).Unlock() }
