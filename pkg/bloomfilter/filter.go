// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package bloomfilter implements the page-number presence filter attached to
// every native-index segment (§3.6.4): a fast, probabilistic "definitely
// absent" / "maybe present" check that lets lookup skip a full segment scan
// whenever a page was never touched in that segment's commit range.
package bloomfilter

import (
	"math"

	"github.com/bits-and-blooms/bitset"

	"fsqlite.io/core/pkg/ids"
)

// Filter is a Bloom filter over page numbers, sized for a target false
// positive probability at construction time.
type Filter struct {
	bits      *bitset.BitSet
	numHashes uint
}

// NewFilter constructs a filter sized for n inserted elements at false
// positive probability p, following the standard optimal sizing formulas:
// m = -n*ln(p)/(ln2)^2 bits, k = (m/n)*ln2 hash functions.
func NewFilter(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	m := uint(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 8 {
		m = 8
	}
	k := uint(math.Round((float64(m) / float64(n)) * math.Ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits:      bitset.New(m),
		numHashes: k,
	}
}

// Add records page as present in the filter.
func (f *Filter) Add(page ids.PageNumber) {
	for _, idx := range f.indices(page) {
		f.bits.Set(idx)
	}
}

// Contains reports whether page may be present: false means "definitely
// absent", true means "maybe present" (a false positive is possible, a false
// negative never is).
func (f *Filter) Contains(page ids.PageNumber) bool {
	for _, idx := range f.indices(page) {
		if !f.bits.Test(idx) {
			return false
		}
	}
	return true
}

// indices computes the k bit positions for page using double hashing
// (Kirsch-Mitzenmacher): position_i = (h1 + i*h2) mod m, avoiding k
// independent hash computations per element.
func (f *Filter) indices(page ids.PageNumber) []uint {
	m := f.bits.Len()
	if m == 0 {
		return nil
	}
	h1, h2 := pageHashPair(page)
	out := make([]uint, f.numHashes)
	for i := uint(0); i < f.numHashes; i++ {
		combined := h1 + i*uint(h2)
		out[i] = combined % m
	}
	return out
}

func pageHashPair(page ids.PageNumber) (uint, uint32) {
	var buf [4]byte
	buf[0] = byte(page)
	buf[1] = byte(page >> 8)
	buf[2] = byte(page >> 16)
	buf[3] = byte(page >> 24)

	h1 := ids.DomainHash("fsqlite.bloomfilter.h1", buf[:])
	h2 := ids.DomainHash("fsqlite.bloomfilter.h2", buf[:])
	return uint(h1), uint32(h2) | 1 // force odd stride so it's coprime with any power-of-two m
}
