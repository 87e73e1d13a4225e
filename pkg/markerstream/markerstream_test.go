// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package markerstream

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"fsqlite.io/core/pkg/ids"
)

func TestMarkerSegmentHeaderEncodeDecode(t *testing.T) {
	header := MarkerSegmentHeader{SegmentID: 4, StartCommitSeq: 100, CreatedAt: 12345}
	encoded := header.Encode()
	decoded, err := DecodeSegmentHeader(encoded[:])
	require.NoError(t, err)
	require.Equal(t, header, decoded)
}

func TestMarkerSegmentHeaderBadMagic(t *testing.T) {
	header := MarkerSegmentHeader{SegmentID: 1, StartCommitSeq: 0, CreatedAt: 1}
	encoded := header.Encode()
	encoded[0] = 'Z'
	_, err := DecodeSegmentHeader(encoded[:])
	require.Error(t, err)
}

func TestCommitMarkerRecordWireRoundTrip(t *testing.T) {
	var capsuleID ids.ObjectId
	capsuleID[0] = 7
	var markerID, prevMarker [16]byte
	markerID[0] = 1
	prevMarker[0] = 2

	rec := NewCommitMarkerRecord(5, 999, capsuleID, markerID, prevMarker)
	encoded := rec.ToBytes()
	require.Len(t, encoded, RecordBytes)

	decoded, err := FromBytes(encoded[:])
	require.NoError(t, err)
	require.Equal(t, rec, decoded)
	require.True(t, decoded.VerifyIntegrity())
}

func TestCommitMarkerRecordDetectsTamper(t *testing.T) {
	rec := NewCommitMarkerRecord(1, 0, ids.Nil, [16]byte{}, [16]byte{})
	encoded := rec.ToBytes()
	encoded[0] ^= 0xFF
	decoded, err := FromBytes(encoded[:])
	require.NoError(t, err)
	require.False(t, decoded.VerifyIntegrity())
}

func TestManagerAppendChainsRecords(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 1, 1000, nil)
	require.NoError(t, err)

	var capsule1, capsule2 ids.ObjectId
	capsule1[0] = 1
	capsule2[0] = 2

	rec1, err := mgr.Append(100, capsule1, [16]byte{1})
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec1.CommitSeq)
	require.Equal(t, [16]byte{}, rec1.PrevMarker)

	rec2, err := mgr.Append(200, capsule2, [16]byte{2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec2.CommitSeq)
	require.Equal(t, rec1.MarkerID, rec2.PrevMarker)

	recovered, err := RecoverValidPrefix(mgr.ActiveSegmentPath())
	require.NoError(t, err)
	require.Len(t, recovered.Records, 2)
	require.False(t, recovered.TornTail)
}

func TestRecoverValidPrefixDiscardsTornTail(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 1, 1000, nil)
	require.NoError(t, err)

	_, err = mgr.Append(1, ids.Nil, [16]byte{1})
	require.NoError(t, err)
	_, err = mgr.Append(2, ids.Nil, [16]byte{2})
	require.NoError(t, err)

	f, err := os.OpenFile(mgr.ActiveSegmentPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, RecordBytes/2))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	recovered, err := RecoverValidPrefix(mgr.ActiveSegmentPath())
	require.NoError(t, err)
	require.Len(t, recovered.Records, 2)
	require.True(t, recovered.TornTail)
}

func TestScanCommitMarkersEnforcesContiguity(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 1, 1000, nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := mgr.Append(uint64(i), ids.Nil, [16]byte{byte(i)})
		require.NoError(t, err)
	}

	all, err := ScanDirectory(dir)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, rec := range all {
		require.Equal(t, uint64(i+1), rec.CommitSeq)
	}
}

func TestScanCommitMarkersAcrossRotatedSegments(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 1, 1000, nil)
	require.NoError(t, err)
	_, err = mgr.Append(1, ids.Nil, [16]byte{1})
	require.NoError(t, err)
	_, err = mgr.Append(2, ids.Nil, [16]byte{2})
	require.NoError(t, err)

	require.NoError(t, mgr.Rotate(2, 2000))
	_, err = mgr.Append(3, ids.Nil, [16]byte{3})
	require.NoError(t, err)

	all, err := ScanDirectory(dir)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, uint64(1), all[0].CommitSeq)
	require.Equal(t, uint64(3), all[2].CommitSeq)
}

func TestScanCommitMarkersDetectsGap(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, 1, 1000, nil)
	require.NoError(t, err)
	rec1, err := mgr.Append(1, ids.Nil, [16]byte{1})
	require.NoError(t, err)
	_, err = mgr.Append(2, ids.Nil, [16]byte{2})
	require.NoError(t, err)

	// Hand-craft a gap: overwrite the file with record 1, then a record
	// claiming commit_seq 3 (skipping 2).
	gapped := NewCommitMarkerRecord(3, 3, ids.Nil, [16]byte{3}, rec1.MarkerID)
	headerBytes := MarkerSegmentHeader{SegmentID: 1, StartCommitSeq: 0, CreatedAt: 1000}.Encode()
	rec1Bytes := rec1.ToBytes()
	gappedBytes := gapped.ToBytes()

	raw := append(append(append([]byte{}, headerBytes[:]...), rec1Bytes[:]...), gappedBytes[:]...)
	require.NoError(t, os.WriteFile(mgr.ActiveSegmentPath(), raw, 0o644))

	_, err = ScanDirectory(dir)
	require.Error(t, err)
}
