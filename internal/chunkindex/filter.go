package chunkindex

import "gastrolog/internal/filterchain"

// Index implements filterchain.Filter directly: when cfg.Sparse is set it
// plays the "sparse-index" role of spec.md §4.12 (authoritative only for
// anchor fingerprints, deferring non-anchors to the block-hint filter that
// runs earlier in the chain); with sparse disabled the same type plays the
// plain "chunk-index" role. The two named filters are never wired
// simultaneously since sparse mode and garbage collection (which needs a
// complete chunk index) are already mutually exclusive at Open.
func (ix *Index) Name() string {
	if ix.cfg.Sparse {
		return "sparse-index"
	}
	return "chunk-index"
}

func (ix *Index) Check(fp []byte) (filterchain.Status, uint64, error) {
	if ix.cfg.Sparse && !ix.IsAnchor(fp) {
		return filterchain.WeakMaybe, 0, nil
	}
	e, ok, err := ix.Lookup(fp)
	if err != nil {
		return filterchain.Error, 0, err
	}
	if !ok || e.UsageCount <= 0 {
		return filterchain.NotExisting, 0, nil
	}
	return filterchain.Existing, e.Address, nil
}

func (ix *Index) Update(fp []byte, address uint64) error {
	if ix.cfg.Sparse && !ix.IsAnchor(fp) {
		return nil
	}
	return ix.Put(fp, Entry{Address: address, UsageCount: 1})
}

func (ix *Index) UpdateKnownChunk(fp []byte, address uint64) error {
	if ix.cfg.Sparse && !ix.IsAnchor(fp) {
		return nil
	}
	_, err := ix.ApplyDelta(fp, 1, 0, 0, false)
	return err
}
