// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package iblt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fsqlite.io/core/pkg/ids"
)

func oidFromSeed(seed uint64) ids.ObjectId {
	var b [8]byte
	for i := range b {
		b[i] = byte(seed >> (8 * i))
	}
	return ids.DeriveFromCanonicalBytes(b[:])
}

func TestNewRejectsTooFewCells(t *testing.T) {
	_, err := New(1)
	require.Error(t, err)
}

func TestReconcileRecoversSmallSymmetricDifference(t *testing.T) {
	var local, remote []ids.ObjectId
	for i := uint64(0); i < 20; i++ {
		local = append(local, oidFromSeed(i))
	}
	remote = append([]ids.ObjectId(nil), local...)

	onlyLocal := oidFromSeed(1000)
	onlyRemote := oidFromSeed(2000)
	local = append(local, onlyLocal)
	remote = append(remote, onlyRemote)

	result := Reconcile(local, remote, 64)
	require.False(t, result.UsedFallback)
	require.Contains(t, result.Delta.MissingLocally, onlyRemote)
	require.Contains(t, result.Delta.MissingRemotely, onlyLocal)
	require.Len(t, result.Delta.MissingLocally, 1)
	require.Len(t, result.Delta.MissingRemotely, 1)
}

func TestReconcileIdenticalSetsYieldsEmptyDelta(t *testing.T) {
	var ids2 []ids.ObjectId
	for i := uint64(0); i < 10; i++ {
		ids2 = append(ids2, oidFromSeed(i))
	}
	result := Reconcile(ids2, ids2, 32)
	require.True(t, result.Delta.IsEmpty())
}

func TestReconcileFallsBackOnPeelOverflow(t *testing.T) {
	var local, remote []ids.ObjectId
	for i := uint64(0); i < 500; i++ {
		local = append(local, oidFromSeed(i))
	}
	for i := uint64(500); i < 1000; i++ {
		remote = append(remote, oidFromSeed(i))
	}

	// A tiny cell count relative to set size all but guarantees peel overflow.
	result := Reconcile(local, remote, 3)
	require.True(t, result.UsedFallback)
	require.Len(t, result.Delta.MissingLocally, len(remote))
	require.Len(t, result.Delta.MissingRemotely, len(local))
}

func TestSegmentHashScanFallbackExactDifference(t *testing.T) {
	a := []ids.ObjectId{oidFromSeed(1), oidFromSeed(2), oidFromSeed(3)}
	b := []ids.ObjectId{oidFromSeed(2), oidFromSeed(3), oidFromSeed(4)}

	result := SegmentHashScanFallback(a, b)
	require.True(t, result.UsedFallback)
	require.Equal(t, []ids.ObjectId{oidFromSeed(4)}, result.Delta.MissingLocally)
	require.Equal(t, []ids.ObjectId{oidFromSeed(1)}, result.Delta.MissingRemotely)
}
