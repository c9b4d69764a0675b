// Package blockstore implements the persistent block index and the
// volatile block store that gates a block mapping's commit on its
// referenced containers becoming durable and its predecessor versions
// becoming persistent (spec.md §3 "Block mapping", "Volatile block entry",
// §4.3).
package blockstore

// Item is one tile of a block mapping (spec.md §3): items exactly tile the
// block (sum of Size == block size).
type Item struct {
	Fingerprint []byte
	ContainerID uint64
	ChunkOffset uint32
	Size        uint32
}

// Mapping is a complete, versioned recipe for reconstructing one block.
type Mapping struct {
	BlockID    uint64
	Version    uint64
	EventLogID uint64
	Items      []Item
	Checksum   []byte
}

// ContainerIDs returns the distinct container ids referenced by m's items.
func (m Mapping) ContainerIDs() []uint64 {
	seen := make(map[uint64]struct{}, len(m.Items))
	var out []uint64
	for _, it := range m.Items {
		if _, ok := seen[it.ContainerID]; !ok {
			seen[it.ContainerID] = struct{}{}
			out = append(out, it.ContainerID)
		}
	}
	return out
}

// TotalSize returns the sum of item sizes, which must equal the configured
// block size (spec.md Testable Properties §1).
func (m Mapping) TotalSize() uint64 {
	var total uint64
	for _, it := range m.Items {
		total += uint64(it.Size)
	}
	return total
}
