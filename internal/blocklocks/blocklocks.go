// Package blocklocks implements the hashed RW-lock table that enforces
// per-block total ordering across concurrent writers (spec.md §4.11, §5).
package blocklocks

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Table is a fixed-size array of RW-mutexes sharded by block id hash.
type Table struct {
	locks []sync.RWMutex
}

func New(shards int) *Table {
	if shards <= 0 {
		shards = 4096
	}
	return &Table{locks: make([]sync.RWMutex, shards)}
}

func (t *Table) shardIndex(blockID uint64) uint64 {
	h := xxhash.Sum64(binary.LittleEndian.AppendUint64(nil, blockID))
	return h % uint64(len(t.locks))
}

func (t *Table) shard(blockID uint64) *sync.RWMutex {
	return &t.locks[t.shardIndex(blockID)]
}

// WriteLock/WriteUnlock serialize writers of a single block, and readers of
// that same block. Multi-block requests go through AcquireAscending
// instead, which locks each underlying shard once in ascending shard order.
func (t *Table) WriteLock(blockID uint64)   { t.shard(blockID).Lock() }
func (t *Table) WriteUnlock(blockID uint64) { t.shard(blockID).Unlock() }
func (t *Table) ReadLock(blockID uint64)    { t.shard(blockID).RLock() }
func (t *Table) ReadUnlock(blockID uint64)  { t.shard(blockID).RUnlock() }

// AcquireAscending write-locks every shard covering the given block ids,
// each shard once (distinct ids may share a shard), in ascending shard
// order, and returns a release function that unlocks them in the reverse
// (descending) order. Taking locks in a fixed global order across all
// callers prevents deadlock for multi-block requests.
func (t *Table) AcquireAscending(blockIDs []uint64) func() {
	ids := dedupSorted(blockIDs)
	shards := make([]uint64, 0, len(ids))
	for _, id := range ids {
		shards = append(shards, t.shardIndex(id))
	}
	shards = dedupSorted(shards)
	for _, s := range shards {
		t.locks[s].Lock()
	}
	return func() {
		for i := len(shards) - 1; i >= 0; i-- {
			t.locks[shards[i]].Unlock()
		}
	}
}

func dedupSorted(ids []uint64) []uint64 {
	out := append([]uint64(nil), ids...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	deduped := out[:0]
	var last uint64
	haveLast := false
	for _, id := range out {
		if haveLast && id == last {
			continue
		}
		deduped = append(deduped, id)
		last = id
		haveLast = true
	}
	return deduped
}
