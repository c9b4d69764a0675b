// Package kvstore is the shared bbolt+msgpack persistence layer used by
// the persistent maps named in spec.md §6.2 (container meta-index, chunk
// index, block index, GC candidate index); the log's ring state is kept in
// its own file by package wal, not here. Each of those
// packages wants the same shape — byte-key to variable-shaped-struct value,
// transactional Put/Get/Delete/ForEach — so it lives here once instead of
// being re-implemented per package.
package kvstore

import (
	"errors"

	"gastrolog/internal/errs"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// Store is a single bbolt bucket holding msgpack-encoded values of type V,
// keyed by raw bytes the caller defines (e.g. a big-endian container id, or
// a composite container-id+fingerprint key for the GC candidate index).
type Store[V any] struct {
	db     *bolt.DB
	bucket []byte
}

// Open opens (creating if needed) path and ensures bucket exists.
func Open[V any](path string, bucket string) (*Store[V], error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "kvstore: open", err)
	}
	b := []byte(bucket)
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.IoError, "kvstore: create bucket", err)
	}
	return &Store[V]{db: db, bucket: b}, nil
}

func (s *Store[V]) Get(key []byte) (V, bool, error) {
	var v V
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(s.bucket).Get(key)
		if raw == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(raw, &v)
	})
	if err != nil {
		return v, false, errs.Wrap(errs.IoError, "kvstore: get", err)
	}
	return v, found, nil
}

func (s *Store[V]) Put(key []byte, v V) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.IoError, "kvstore: encode value", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put(key, raw)
	})
	if err != nil {
		return errs.Wrap(errs.IoError, "kvstore: put", err)
	}
	return nil
}

// Delete removes key. It is not an error if key is absent (replay idempotency).
func (s *Store[V]) Delete(key []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(key)
	})
	if err != nil {
		return errs.Wrap(errs.IoError, "kvstore: delete", err)
	}
	return nil
}

// Update runs fn with exclusive write access for multi-key atomic changes
// (e.g. a merge driver moving several container ids at once).
func (s *Store[V]) Update(fn func(tx *Tx[V]) error) error {
	err := s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx[V]{b: btx.Bucket(s.bucket)})
	})
	if err != nil && !errors.Is(err, errStop) {
		return errs.Wrap(errs.IoError, "kvstore: update", err)
	}
	return nil
}

var errStop = errors.New("kvstore: stop")

// Tx is the write-transaction handle passed to Update's callback.
type Tx[V any] struct {
	b *bolt.Bucket
}

func (t *Tx[V]) Get(key []byte) (V, bool, error) {
	var v V
	raw := t.b.Get(key)
	if raw == nil {
		return v, false, nil
	}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return v, false, errs.Wrap(errs.IoError, "kvstore: decode value", err)
	}
	return v, true, nil
}

func (t *Tx[V]) Put(key []byte, v V) error {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.IoError, "kvstore: encode value", err)
	}
	return t.b.Put(key, raw)
}

func (t *Tx[V]) Delete(key []byte) error {
	return t.b.Delete(key)
}

// ForEach iterates all entries in key order. Returning ErrStopIteration
// from fn stops the walk without propagating an error.
func (s *Store[V]) ForEach(fn func(key []byte, v V) error) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, raw := c.First(); k != nil; k, raw = c.Next() {
			var v V
			if err := msgpack.Unmarshal(raw, &v); err != nil {
				return err
			}
			if err := fn(append([]byte(nil), k...), v); err != nil {
				if errors.Is(err, ErrStopIteration) {
					return errStop
				}
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return errs.Wrap(errs.IoError, "kvstore: foreach", err)
	}
	return nil
}

// ErrStopIteration lets a ForEach callback end iteration early without it
// being reported as a failure.
var ErrStopIteration = errors.New("kvstore: stop iteration")

func (s *Store[V]) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Wrap(errs.IoError, "kvstore: close", err)
	}
	return nil
}
