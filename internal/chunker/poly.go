package chunker

import "math/bits"

// Pol is an element of GF(2)[x]/(poly): a polynomial with coefficients in
// GF(2), bit i holding the coefficient of x^i (spec.md §4.7 "rolling
// polynomial fingerprint"), grounded on the table-driven Rabin
// fingerprinting scheme in original_source/core/src/rabin_chunker.cc
// (CalculateModTable/CalculateInvertTable), adapted to Go's native
// bit-ordering rather than ported bit-for-bit.
type Pol uint64

// Deg returns the degree of x, or -1 for the zero polynomial.
func (x Pol) Deg() int {
	if x == 0 {
		return -1
	}
	return 63 - bits.LeadingZeros64(uint64(x))
}

// modReduce reduces x modulo mod, both treated as GF(2) polynomials.
func modReduce(x, mod Pol) Pol {
	for x.Deg() >= mod.Deg() {
		x ^= mod << uint(x.Deg()-mod.Deg())
	}
	return x
}

// tables precomputes the rolling-hash correction terms: out[b] is the
// contribution byte b still has on the digest once it has been shifted out
// of the window; mod[b] folds the byte shifted past the window's bit width
// back under poly.
type tables struct {
	out [256]Pol
	mod [256]Pol
}

func buildTables(poly Pol, window int) *tables {
	t := &tables{}
	for b := 0; b < 256; b++ {
		h := modReduce(Pol(b), poly)
		for i := 0; i < window-1; i++ {
			h = modReduce(h<<8, poly)
		}
		t.out[b] = h
	}
	deg := uint(poly.Deg())
	for b := 0; b < 256; b++ {
		t.mod[b] = modReduce(Pol(b)<<deg, poly)
	}
	return t
}
