// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package iblt implements a fixed 3-hash Invertible Bloom Lookup Table over
// ObjectId atoms for anti-entropy set reconciliation (§3.5.7/§4.8): two
// replicas exchange IBLT sketches instead of full object-id sets, subtract
// them, and peel out the symmetric difference without ever transmitting the
// full set. Peeling can fail under enough collision pressure; callers
// degrade to a plain segment-hash scan in that case.
package iblt

import (
	"hash/fnv"
	"math/bits"
	"sort"

	"github.com/zeebo/errs"

	"fsqlite.io/core/pkg/ids"
)

// Error is the error class for the iblt package.
var Error = errs.Class("iblt")

// HashCount is the fixed number of bucket hashes per inserted element.
const HashCount = 3

var hashSeeds = [HashCount]uint64{
	0x9E3779B97F4A7C15,
	0xC2B2AE3D27D4EB4F,
	0x166567B19E3779F9,
}

type cell struct {
	count       int32
	keyXor      [16]byte
	checksumXor uint32
}

func (c cell) isZero() bool {
	return c.count == 0 && c.keyXor == [16]byte{} && c.checksumXor == 0
}

func (c cell) isPure() bool {
	if absI32(c.count) != 1 {
		return false
	}
	return checksumForBytes(c.keyXor) == c.checksumXor
}

func absI32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// ObjectIdIblt is a fixed-width sketch of a set of ObjectId, supporting
// insertion, subtraction against another sketch of equal shape, and peeling
// the symmetric difference back out.
type ObjectIdIblt struct {
	cells []cell
}

// New constructs an empty IBLT with the given cell count. cellCount must be
// at least HashCount, or every element would hash into fewer distinct
// buckets than the peel algorithm assumes.
func New(cellCount int) (*ObjectIdIblt, error) {
	if cellCount < HashCount {
		return nil, Error.New("invalid IBLT cell count: %d", cellCount)
	}
	return &ObjectIdIblt{cells: make([]cell, cellCount)}, nil
}

// FromSet builds an IBLT containing every id in objectIDs.
func FromSet(objectIDs []ids.ObjectId, cellCount int) (*ObjectIdIblt, error) {
	iblt, err := New(cellCount)
	if err != nil {
		return nil, err
	}
	for _, id := range objectIDs {
		iblt.insert(id)
	}
	return iblt, nil
}

func (t *ObjectIdIblt) insert(id ids.ObjectId) {
	t.applyDelta(id, 1)
}

func (t *ObjectIdIblt) applyDelta(id ids.ObjectId, delta int32) {
	checksum := checksumForBytes(id)
	for _, index := range bucketIndices(id, len(t.cells)) {
		c := &t.cells[index]
		c.count += delta
		xorInPlace(&c.keyXor, id)
		c.checksumXor ^= checksum
	}
}

// SubtractAssign computes local - rhs in place. Both sketches must have the
// same cell count.
func (t *ObjectIdIblt) SubtractAssign(rhs *ObjectIdIblt) error {
	if len(t.cells) != len(rhs.cells) {
		return Error.New("IBLT shape mismatch: left=%d, right=%d", len(t.cells), len(rhs.cells))
	}
	for i := range t.cells {
		t.cells[i].count -= rhs.cells[i].count
		xorInPlace(&t.cells[i].keyXor, rhs.cells[i].keyXor)
		t.cells[i].checksumXor ^= rhs.cells[i].checksumXor
	}
	return nil
}

// Peel recovers the full symmetric-difference delta from a (subtracted)
// IBLT. It returns an error when collision pressure leaves residual
// non-zero cells that can never become pure.
func (t *ObjectIdIblt) Peel() (ReconciliationDelta, error) {
	working := make([]cell, len(t.cells))
	copy(working, t.cells)

	var queue []int
	for i, c := range working {
		if c.isPure() {
			queue = append(queue, i)
		}
	}

	missingLocally := make(map[ids.ObjectId]struct{})
	missingRemotely := make(map[ids.ObjectId]struct{})

	for len(queue) > 0 {
		index := queue[0]
		queue = queue[1:]

		c := working[index]
		if !c.isPure() {
			continue
		}
		sign := signI32(c.count)
		if sign == 0 {
			continue
		}

		id := ids.ObjectId(c.keyXor)
		if sign > 0 {
			missingLocally[id] = struct{}{}
		} else {
			missingRemotely[id] = struct{}{}
		}

		checksum := checksumForBytes(id)
		for _, bucket := range bucketIndices(id, len(working)) {
			target := &working[bucket]
			target.count -= sign
			xorInPlace(&target.keyXor, id)
			target.checksumXor ^= checksum
			if target.isPure() {
				queue = append(queue, bucket)
			}
		}
	}

	residual := 0
	for _, c := range working {
		if !c.isZero() {
			residual++
		}
	}
	if residual > 0 {
		return ReconciliationDelta{}, Error.New("IBLT peel failed with %d residual cells", residual)
	}

	return ReconciliationDelta{
		MissingLocally:  sortedKeys(missingLocally),
		MissingRemotely: sortedKeys(missingRemotely),
	}, nil
}

func signI32(v int32) int32 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func sortedKeys(m map[ids.ObjectId]struct{}) []ids.ObjectId {
	if len(m) == 0 {
		return nil
	}
	out := make([]ids.ObjectId, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// ReconciliationDelta is the symmetric difference between two ObjectId sets.
type ReconciliationDelta struct {
	// MissingLocally holds ids present remotely but absent locally.
	MissingLocally []ids.ObjectId
	// MissingRemotely holds ids present locally but absent remotely.
	MissingRemotely []ids.ObjectId
}

// IsEmpty reports whether both sides are fully converged.
func (d ReconciliationDelta) IsEmpty() bool {
	return len(d.MissingLocally) == 0 && len(d.MissingRemotely) == 0
}

// ReconciliationResult is the outcome of Reconcile, including whether the
// segment-hash fallback was used instead of IBLT peeling.
type ReconciliationResult struct {
	Delta        ReconciliationDelta
	UsedFallback bool
}

// Reconcile computes the symmetric difference of local and remote via IBLT
// subtraction and peeling, falling back to a direct segment-hash scan
// whenever the sketches can't be built or peeling overflows.
func Reconcile(local, remote []ids.ObjectId, cellCount int) ReconciliationResult {
	localIblt, err := FromSet(local, cellCount)
	if err != nil {
		return SegmentHashScanFallback(local, remote)
	}
	remoteIblt, err := FromSet(remote, cellCount)
	if err != nil {
		return SegmentHashScanFallback(local, remote)
	}

	if err := localIblt.SubtractAssign(remoteIblt); err != nil {
		return SegmentHashScanFallback(local, remote)
	}

	delta, err := localIblt.Peel()
	if err != nil {
		return SegmentHashScanFallback(local, remote)
	}
	return ReconciliationResult{Delta: delta, UsedFallback: false}
}

// SegmentHashScanFallback computes the exact symmetric difference by direct
// set comparison, with no probabilistic failure mode. Used when IBLT
// peeling can't converge.
func SegmentHashScanFallback(local, remote []ids.ObjectId) ReconciliationResult {
	localSet := make(map[ids.ObjectId]struct{}, len(local))
	for _, id := range local {
		localSet[id] = struct{}{}
	}
	remoteSet := make(map[ids.ObjectId]struct{}, len(remote))
	for _, id := range remote {
		remoteSet[id] = struct{}{}
	}

	missingLocally := make(map[ids.ObjectId]struct{})
	for id := range remoteSet {
		if _, ok := localSet[id]; !ok {
			missingLocally[id] = struct{}{}
		}
	}
	missingRemotely := make(map[ids.ObjectId]struct{})
	for id := range localSet {
		if _, ok := remoteSet[id]; !ok {
			missingRemotely[id] = struct{}{}
		}
	}

	return ReconciliationResult{
		Delta: ReconciliationDelta{
			MissingLocally:  sortedKeys(missingLocally),
			MissingRemotely: sortedKeys(missingRemotely),
		},
		UsedFallback: true,
	}
}

func xorInPlace(target *[16]byte, rhs [16]byte) {
	for i := range target {
		target[i] ^= rhs[i]
	}
}

// checksumForBytes is FNV-1a/32, matching the spec's checksum algorithm
// exactly; hash/fnv is that algorithm, not a stand-in for it.
func checksumForBytes(id ids.ObjectId) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return h.Sum32()
}

func bucketIndices(id ids.ObjectId, cellCount int) [HashCount]int {
	var out [HashCount]int
	modulus := uint64(cellCount)
	if modulus == 0 {
		modulus = 1
	}
	for slot, seed := range hashSeeds {
		hash := seededObjectHash(id, seed)
		out[slot] = int(hash % modulus)
	}
	return out
}

// seededObjectHash is a 64-bit avalanche mix (splitmix64-style finalizer)
// seeded per hash slot so the 3 bucket hashes are independent.
func seededObjectHash(id ids.ObjectId, seed uint64) uint64 {
	a := leUint64(id[0:8])
	b := leUint64(id[8:16])

	x := seed ^ (a * 0x9E3779B185EBCA87) ^ (bits.RotateLeft64(b, 17) * 0xC2B2AE3D27D4EB4F)
	x ^= x >> 33
	x *= 0xFF51AFD7ED558CCD
	x ^= x >> 33
	x *= 0xC4CEB9FE1A85EC53
	return x ^ (x >> 33)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
