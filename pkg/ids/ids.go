// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package ids provides the canonical, content-addressed ObjectId derivation
// shared by every ECS subsystem, along with the domain-tagged xxh3 hashing
// helper used to keep independent replicas in agreement on digests.
package ids

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/errs"
	"github.com/zeebo/xxh3"
)

// Error is the error class for the ids package.
var Error = errs.Class("ids")

// Size is the fixed byte length of an ObjectId.
const Size = 16

// ObjectId is a 16-byte content-addressed identifier. Equal canonical input
// bytes always derive an equal ObjectId, across processes and machines.
type ObjectId [Size]byte

// Nil is the zero-value ObjectId.
var Nil ObjectId

// String renders the id as lowercase hex.
func (id ObjectId) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the id's bytes.
func (id ObjectId) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// IsZero reports whether id is the nil ObjectId.
func (id ObjectId) IsZero() bool {
	return id == Nil
}

// Compare gives a total order over ObjectId, used for deterministic sort
// order required in several spec operations (e.g. index-segment-ref sort).
func (id ObjectId) Compare(other ObjectId) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// FromBytes builds an ObjectId from an exact 16-byte slice.
func FromBytes(b []byte) (ObjectId, error) {
	var id ObjectId
	if len(b) != Size {
		return id, Error.New("object id must be exactly %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// domain-tagged xxh3 seeds: derivation is applied twice with distinct
// domain tags so that no other use site in the system can collide with the
// canonical ObjectId derivation, even if it also hashes the same payload.
const (
	domainObjectIdOuter = "fsqlite.objectid.v1"
	domainObjectIdInner = "fsqlite.objectid.canonical.v1"
)

// DeriveFromCanonicalBytes is the single canonical ObjectId derivation used
// throughout the ECS: xxh3_64, domain-tagged, applied twice over the
// canonical byte representation of the object.
func DeriveFromCanonicalBytes(canonical []byte) ObjectId {
	inner := DomainHash(domainObjectIdInner, canonical)
	var innerBuf [8]byte
	binary.LittleEndian.PutUint64(innerBuf[:], inner)

	outer := DomainHash(domainObjectIdOuter, innerBuf[:])

	var id ObjectId
	binary.LittleEndian.PutUint64(id[0:8], inner)
	binary.LittleEndian.PutUint64(id[8:16], outer)
	return id
}

// DomainHash computes xxh3_64(domain || payload...) — a single digest over
// an ASCII domain-tag literal followed by one or more payload fields,
// concatenated in call order. Decode-proof input-hash summaries, Bloom
// filter page hashes and repair-seed derivation go through this helper, so
// those use sites never collide even when hashing byte-identical payloads.
// Frame and record checksums use plain xxh3 and IBLT cell checksums use
// their own hash; none of those go through this helper.
func DomainHash(domain string, fields ...[]byte) uint64 {
	h := xxh3.New()
	_, _ = h.WriteString(domain)
	for _, f := range fields {
		_, _ = h.Write(f)
	}
	return h.Sum64()
}

// DomainHashUint64 is a convenience wrapper for hashing a single
// little-endian encoded uint64 field under a domain tag.
func DomainHashUint64(domain string, value uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return DomainHash(domain, buf[:])
}

// PageNumber identifies a logical database page. Page 0 is never valid — it
// mirrors SQLite's own 1-based page numbering.
type PageNumber uint32

// NewPageNumber validates raw as a PageNumber, rejecting 0.
func NewPageNumber(raw uint32) (PageNumber, error) {
	if raw == 0 {
		return 0, Error.New("invalid page number: 0")
	}
	return PageNumber(raw), nil
}

// Get returns the raw page number.
func (p PageNumber) Get() uint32 {
	return uint32(p)
}
