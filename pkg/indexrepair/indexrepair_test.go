// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package indexrepair

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"fsqlite.io/core/pkg/boldness"
	"fsqlite.io/core/pkg/ids"
	"fsqlite.io/core/pkg/markerstream"
	"fsqlite.io/core/pkg/nativeindex"
)

func pageN(n uint32) ids.PageNumber {
	p, err := ids.NewPageNumber(n)
	if err != nil {
		panic(err)
	}
	return p
}

func buildMarkerSegmentBytes(t *testing.T, dir string, segmentID uint64, entries int) []byte {
	t.Helper()
	mgr, err := markerstream.NewManager(dir, segmentID, 1000, nil)
	require.NoError(t, err)
	for i := 0; i < entries; i++ {
		_, err := mgr.Append(uint64(i), ids.Nil, [16]byte{byte(i + 1)})
		require.NoError(t, err)
	}
	data, err := os.ReadFile(mgr.ActiveSegmentPath())
	require.NoError(t, err)
	return data
}

type fakeSegmentStore struct {
	segments map[ids.ObjectId]nativeindex.PageVersionIndexSegment
}

func (f *fakeSegmentStore) FetchIndexSegment(objectID ids.ObjectId) (nativeindex.PageVersionIndexSegment, error) {
	s, ok := f.segments[objectID]
	if !ok {
		return nativeindex.PageVersionIndexSegment{}, Error.New("segment %s not found", objectID)
	}
	return s, nil
}

type fakeCapsuleSource struct {
	updates map[uint64][]nativeindex.SegmentEntry
}

func (f *fakeCapsuleSource) UpdatesForCommit(commitSeq uint64, capsuleObjectID ids.ObjectId) ([]nativeindex.SegmentEntry, error) {
	u, ok := f.updates[commitSeq]
	if !ok {
		return nil, Error.New("no updates for commit %d", commitSeq)
	}
	return u, nil
}

func TestPreflightPassesWithNoMarkers(t *testing.T) {
	err := PreflightNativeIndexIntegrity(nil, false, false, nil)
	require.NoError(t, err)
}

func TestPreflightFailsWhenMarkersExistButNoRecoveryPath(t *testing.T) {
	blob := buildMarkerSegmentBytes(t, t.TempDir(), 1, 3)
	err := PreflightNativeIndexIntegrity([][]byte{blob}, false, false, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "index_unrebuildable_with_markers")
}

func TestPreflightPassesWhenRepairAvailable(t *testing.T) {
	blob := buildMarkerSegmentBytes(t, t.TempDir(), 1, 3)
	err := PreflightNativeIndexIntegrity([][]byte{blob}, true, false, nil)
	require.NoError(t, err)
}

func TestRepairIndexSegmentsBlockedByBoldness(t *testing.T) {
	_, err := RepairIndexSegmentsFromEcs(nil, &fakeSegmentStore{}, &fakeSegmentStore{}, 0.9, boldness.Strict(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boldness_violation_blocked_repair")
}

func TestRepairIndexSegmentsFromLocalThenRemote(t *testing.T) {
	localObj := ids.ObjectId{1}
	remoteObj := ids.ObjectId{2}
	localStore := &fakeSegmentStore{segments: map[ids.ObjectId]nativeindex.PageVersionIndexSegment{
		localObj: nativeindex.NewSegment(1, 5, nil),
	}}
	remoteStore := &fakeSegmentStore{segments: map[ids.ObjectId]nativeindex.PageVersionIndexSegment{
		remoteObj: nativeindex.NewSegment(6, 10, nil),
	}}

	refs := []NativeIndexSegmentRef{
		{StartSeq: 1, EndSeq: 5, ObjectID: localObj},
		{StartSeq: 6, EndSeq: 10, ObjectID: remoteObj},
	}

	report, err := RepairIndexSegmentsFromEcs(refs, localStore, remoteStore, 0.0, boldness.Strict(), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), report.RepairedFromLocal)
	require.Equal(t, uint64(1), report.RepairedFromRemote)
	require.Len(t, report.Segments, 2)
}

func TestRepairIndexSegmentsIncompleteWhenIrrecoverable(t *testing.T) {
	missingObj := ids.ObjectId{9}
	refs := []NativeIndexSegmentRef{{StartSeq: 1, EndSeq: 5, ObjectID: missingObj}}

	_, err := RepairIndexSegmentsFromEcs(refs, &fakeSegmentStore{}, &fakeSegmentStore{}, 0.0, boldness.Strict(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "index_repair_incomplete")
}

func TestRebuildIndexFromMarkerStream(t *testing.T) {
	blob := buildMarkerSegmentBytes(t, t.TempDir(), 1, 2)
	capsules := &fakeCapsuleSource{updates: map[uint64][]nativeindex.SegmentEntry{
		1: {{Page: pageN(1), Pointer: nativeindex.VersionPointer{CommitSeq: 1, PatchObject: ids.ObjectId{1}}}},
		2: {{Page: pageN(2), Pointer: nativeindex.VersionPointer{CommitSeq: 2, PatchObject: ids.ObjectId{2}}}},
	}}

	report, err := RebuildIndexFromMarkerStream([][]byte{blob}, capsules, 10, nil)
	require.NoError(t, err)
	require.Len(t, report.Markers, 2)
	require.Len(t, report.Segments, 1)
	require.Len(t, report.Segments[0].Segment.Entries, 2)
}

func TestEmergencyLinearScanBlockedByDefault(t *testing.T) {
	_, err := EmergencyLinearScanLookup(pageN(1), 10, nil, &fakeCapsuleSource{}, boldness.Strict(), "unknown", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boldness_violation_blocked_linear_scan")
}

func TestEmergencyLinearScanResolvesNewestVisiblePointer(t *testing.T) {
	blob := buildMarkerSegmentBytes(t, t.TempDir(), 1, 3)
	capsules := &fakeCapsuleSource{updates: map[uint64][]nativeindex.SegmentEntry{
		1: {{Page: pageN(5), Pointer: nativeindex.VersionPointer{CommitSeq: 1, PatchObject: ids.ObjectId{1}}}},
		2: {{Page: pageN(5), Pointer: nativeindex.VersionPointer{CommitSeq: 2, PatchObject: ids.ObjectId{2}}}},
		3: {{Page: pageN(5), Pointer: nativeindex.VersionPointer{CommitSeq: 3, PatchObject: ids.ObjectId{3}}}},
	}}

	pointer, err := EmergencyLinearScanLookup(pageN(5), 2, [][]byte{blob}, capsules, boldness.Emergency(), "markers_only", nil)
	require.NoError(t, err)
	require.NotNil(t, pointer)
	require.Equal(t, uint64(2), pointer.CommitSeq)
}
