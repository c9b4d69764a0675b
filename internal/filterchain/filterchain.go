// Package filterchain implements the ordered deduplication predicate chain
// that gates chunk lookup (spec.md §4.8): block-hint, chunk-index, and
// sparse-index filters are checked in sequence for each candidate chunk.
package filterchain

import "gastrolog/internal/errs"

// Status is a filter's verdict for one candidate chunk.
type Status int

const (
	NotExisting Status = iota
	WeakMaybe
	StrongMaybe
	Existing
	Error
)

func (s Status) String() string {
	switch s {
	case NotExisting:
		return "NOT_EXISTING"
	case WeakMaybe:
		return "WEAK_MAYBE"
	case StrongMaybe:
		return "STRONG_MAYBE"
	case Existing:
		return "EXISTING"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Filter is one predicate in the chain (block-hint cache, chunk index, or
// sparse index — spec.md §4.8 "only these three are in scope").
type Filter interface {
	Name() string
	// Check reports whether fp is known, and if so at what address.
	Check(fp []byte) (Status, uint64, error)
	// Update publishes a newly-written chunk's address after the chain
	// found nothing (spec.md "the chunk is written through the container
	// store and then Update ... is called on each filter").
	Update(fp []byte, address uint64) error
	// UpdateKnownChunk republishes an already-existing chunk's metadata
	// (e.g. to refresh a block-hint) without writing new payload.
	UpdateKnownChunk(fp []byte, address uint64) error
}

// Result is the chain's overall verdict for one candidate.
type Result struct {
	Status  Status
	Address uint64
	// DecidingFilter is the name of the filter whose verdict stopped the
	// chain (empty if the chain ran to completion without a stopping
	// verdict, i.e. effectively NOT_EXISTING).
	DecidingFilter string
}

// Chain runs an ordered list of Filters.
type Chain struct {
	filters []Filter
}

func New(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Process checks fp against every filter in order, stopping as soon as one
// reports NotExisting or Existing (spec.md §4.8 "the chain stops on
// NOT_EXISTING or EXISTING; otherwise continues").
func (c *Chain) Process(fp []byte) (Result, error) {
	for _, f := range c.filters {
		status, addr, err := f.Check(fp)
		if err != nil {
			return Result{Status: Error, DecidingFilter: f.Name()}, err
		}
		switch status {
		case NotExisting, Existing:
			return Result{Status: status, Address: addr, DecidingFilter: f.Name()}, nil
		case WeakMaybe, StrongMaybe:
			continue
		default:
			return Result{Status: Error, DecidingFilter: f.Name()}, errs.New(errs.Conflict, "filterchain: filter "+f.Name()+" returned an unknown status")
		}
	}
	return Result{Status: NotExisting}, nil
}

// Publish notifies every filter of the outcome once the caller has decided
// whether the chunk was newly written (existed == false) or its address
// was reused from an EXISTING verdict (existed == true).
func (c *Chain) Publish(fp []byte, address uint64, existed bool) error {
	for _, f := range c.filters {
		var err error
		if existed {
			err = f.UpdateKnownChunk(fp, address)
		} else {
			err = f.Update(fp, address)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
