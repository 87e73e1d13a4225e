// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package raptorq implements the RaptorQ-shaped symbol codec shell: Object
// Transmission Information (Oti), the on-disk SymbolRecord wire format, and
// deterministic encode/decode built on a GF(256) erasure-coding backend
// (see DESIGN.md's "RaptorQ vs. GF(256) Vandermonde backend" resolution).
package raptorq

import "github.com/zeebo/errs"

// Error is the error class for the raptorq package.
var Error = errs.Class("raptorq")

// Oti is the Object Transmission Information describing codec parameters
// for one ECS object: transfer length, alignment, symbol size, source
// block count, and subblock count.
type Oti struct {
	// F is the transfer length in bytes.
	F uint64
	// Al is the symbol alignment.
	Al uint32
	// T is the symbol size in bytes.
	T uint32
	// Z is the source block count.
	Z uint8
	// N is the subblock count.
	N uint8
}

// Equal reports whether two Oti values are identical.
func (o Oti) Equal(other Oti) bool {
	return o.F == other.F && o.Al == other.Al && o.T == other.T && o.Z == other.Z && o.N == other.N
}

// SourceSymbolCount returns K = ceil(F / T), the number of source symbols
// an object with this Oti decomposes into.
func SourceSymbolCount(oti Oti) (uint32, error) {
	if oti.T == 0 {
		return 0, Error.New("oti.t must be non-zero")
	}
	if oti.F == 0 {
		return 0, nil
	}
	t := uint64(oti.T)
	k := (oti.F + t - 1) / t
	if k > 0xFFFFFFFF {
		return 0, Error.New("source symbol count overflows u32: %d", k)
	}
	return uint32(k), nil
}
