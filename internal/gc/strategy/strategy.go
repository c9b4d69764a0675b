// Package strategy indexes merge candidates by fullness bucket and the
// persistent zero-usage chunk candidates the garbage collector re-verifies
// on idle (spec.md §4.6, SPEC_FULL.md §4.8).
package strategy

import (
	"encoding/binary"
	"path/filepath"
	"sync"

	"gastrolog/internal/kvstore"

	"github.com/google/btree"
)

// MergeCandidate is one container eligible for merging, ordered by how
// empty it is so the least-full containers are offered up first.
type MergeCandidate struct {
	ContainerID       uint64
	ActivePayloadSize uint32
}

func (a MergeCandidate) less(b MergeCandidate) bool {
	if a.ActivePayloadSize != b.ActivePayloadSize {
		return a.ActivePayloadSize < b.ActivePayloadSize
	}
	return a.ContainerID < b.ContainerID
}

const btreeDegree = 32

// Config controls when a container becomes merge-eligible (spec.md §4.6
// "if the container's active_payload_size drops below a threshold or its
// item count drops below a threshold, marks it as a merge candidate").
type Config struct {
	Dir                 string
	ActiveSizeThreshold uint32
	ItemCountThreshold  int
}

// Strategy is the in-memory fullness-bucket index plus the persistent
// zero-usage candidate index.
type Strategy struct {
	cfg Config

	mu          sync.Mutex
	merge       *btree.BTreeG[MergeCandidate]
	byContainer map[uint64]MergeCandidate

	zeroUsage *kvstore.Store[struct{}]
}

func Open(cfg Config) (*Strategy, error) {
	store, err := kvstore.Open[struct{}](filepath.Join(cfg.Dir, "gc_candidates.db"), "zero_usage")
	if err != nil {
		return nil, err
	}
	return &Strategy{
		cfg:         cfg,
		merge:       btree.NewG(btreeDegree, func(a, b MergeCandidate) bool { return a.less(b) }),
		byContainer: make(map[uint64]MergeCandidate),
		zeroUsage:   store,
	}, nil
}

// UpdateContainer records container's current fullness. If it has dropped
// below either threshold it becomes (or remains) a merge candidate;
// otherwise any prior candidacy is withdrawn.
func (s *Strategy) UpdateContainer(containerID uint64, activePayloadSize uint32, itemCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byContainer[containerID]; ok {
		s.merge.Delete(prev)
		delete(s.byContainer, containerID)
	}

	belowSize := s.cfg.ActiveSizeThreshold > 0 && activePayloadSize < s.cfg.ActiveSizeThreshold
	belowCount := s.cfg.ItemCountThreshold > 0 && itemCount < s.cfg.ItemCountThreshold
	if !belowSize && !belowCount {
		return
	}
	cand := MergeCandidate{ContainerID: containerID, ActivePayloadSize: activePayloadSize}
	s.merge.ReplaceOrInsert(cand)
	s.byContainer[containerID] = cand
}

// Withdraw removes containerID from merge candidacy, e.g. after it has
// itself just been produced by a merge.
func (s *Strategy) Withdraw(containerID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byContainer[containerID]; ok {
		s.merge.Delete(prev)
		delete(s.byContainer, containerID)
	}
}

// SelectMergePair returns the two least-full candidates whose combined
// active payload fits within capacity, per spec.md §4.2 merge protocol step
// 1. Returns ok=false if fewer than two candidates exist or none fit.
func (s *Strategy) SelectMergePair(capacity uint32) (a, b uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []MergeCandidate
	s.merge.Ascend(func(c MergeCandidate) bool {
		candidates = append(candidates, c)
		return len(candidates) < 64 // bounded scan; good enough for a fullness-ordered prefix
	})
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if uint64(candidates[i].ActivePayloadSize)+uint64(candidates[j].ActivePayloadSize) <= uint64(capacity) {
				return candidates[i].ContainerID, candidates[j].ContainerID, true
			}
		}
	}
	return 0, 0, false
}

func candidateKey(containerID uint64, fp []byte) []byte {
	key := make([]byte, 8+len(fp))
	binary.BigEndian.PutUint64(key[:8], containerID)
	copy(key[8:], fp)
	return key
}

// AddZeroUsageCandidate records that fp's usage count in containerID
// reached zero and should be re-verified (and deleted, if still zero) on
// the next idle sweep.
func (s *Strategy) AddZeroUsageCandidate(containerID uint64, fp []byte) error {
	return s.zeroUsage.Put(candidateKey(containerID, fp), struct{}{})
}

// RemoveZeroUsageCandidate drops a candidate, e.g. because a concurrent
// write raised its usage count back above zero before the idle sweep ran.
func (s *Strategy) RemoveZeroUsageCandidate(containerID uint64, fp []byte) error {
	return s.zeroUsage.Delete(candidateKey(containerID, fp))
}

// ZeroUsageCandidate is one pending re-verification entry.
type ZeroUsageCandidate struct {
	ContainerID uint64
	Fingerprint []byte
}

// ForEachZeroUsageCandidate walks every pending candidate in
// container-id-major order (spec.md §4.6 "container-id major-order key").
func (s *Strategy) ForEachZeroUsageCandidate(fn func(ZeroUsageCandidate) error) error {
	return s.zeroUsage.ForEach(func(key []byte, _ struct{}) error {
		return fn(ZeroUsageCandidate{
			ContainerID: binary.BigEndian.Uint64(key[:8]),
			Fingerprint: append([]byte(nil), key[8:]...),
		})
	})
}

func (s *Strategy) Close() error {
	return s.zeroUsage.Close()
}
