// Package containerio persists encoded containers to a single
// pre-allocated file of fixed-size slots, addressed by the slot number
// handed out by the allocator (spec.md §4.2, §6.2). It is the on-disk
// counterpart of the in-memory internal/container package, following the
// same fixed-slot-file idiom as internal/containerstore/alloc's pageStore.
package containerio

import (
	"os"

	"gastrolog/internal/container"
	"gastrolog/internal/errs"
)

type Store struct {
	f   *os.File
	geo container.Geometry
}

// Open opens (creating if necessary) the backing file sized for slots
// container-sized slots.
func Open(path string, geo container.Geometry, slots uint64) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "containerio: open container file", err)
	}
	size := int64(slots) * int64(geo.ContainerSize)
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errs.Wrap(errs.IoError, "containerio: preallocate container file", err)
	}
	return &Store{f: f, geo: geo}, nil
}

func (s *Store) offset(slot uint64) int64 { return int64(slot) * int64(s.geo.ContainerSize) }

// WriteContainer encodes ct and writes it at slot, durably.
func (s *Store) WriteContainer(slot uint64, ct *container.Container) error {
	buf, err := container.Encode(ct, s.geo)
	if err != nil {
		return err
	}
	if _, err := s.f.WriteAt(buf, s.offset(slot)); err != nil {
		return errs.Wrap(errs.IoError, "containerio: write container", err)
	}
	return s.f.Sync()
}

// ReadContainer reads and decodes the container stored at slot.
func (s *Store) ReadContainer(slot uint64) (*container.Container, error) {
	buf := make([]byte, s.geo.ContainerSize)
	if _, err := s.f.ReadAt(buf, s.offset(slot)); err != nil {
		return nil, errs.Wrap(errs.IoError, "containerio: read container", err)
	}
	return container.Decode(buf, s.geo)
}

func (s *Store) Close() error { return s.f.Close() }
