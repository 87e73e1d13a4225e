// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package symbollog

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"fsqlite.io/core/pkg/ids"
	"fsqlite.io/core/pkg/raptorq"
)

func testRecord(objectSeed byte, esi uint32, symbolSize uint32, fill byte) raptorq.SymbolRecord {
	oti := raptorq.Oti{F: uint64(symbolSize), Al: 1, T: symbolSize, Z: 1, N: 1}
	data := make([]byte, symbolSize)
	for i := range data {
		data[i] = fill
	}
	data[0] = objectSeed
	var objID ids.ObjectId
	for i := range objID {
		objID[i] = objectSeed
	}
	return raptorq.NewSymbolRecord(objID, oti, esi, data, 0)
}

func TestSymbolSegmentHeaderEncodeDecode(t *testing.T) {
	header := SymbolSegmentHeader{SegmentID: 17, EpochID: 42, CreatedAt: 1731000000}
	encoded := header.Encode()
	decoded, err := DecodeSegmentHeader(encoded[:])
	require.NoError(t, err)
	require.Equal(t, header, decoded)
}

func TestSymbolSegmentHeaderBadMagic(t *testing.T) {
	header := SymbolSegmentHeader{SegmentID: 3, EpochID: 7, CreatedAt: 99}
	encoded := header.Encode()
	encoded[0] = 'X'
	_, err := DecodeSegmentHeader(encoded[:])
	require.Error(t, err)
}

func TestSymbolLogAppendRecords(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 1, 42, 100, nil)
	require.NoError(t, err)

	sizes := []uint32{1024, 1536, 2048, 3072, 4096}
	for idx, size := range sizes {
		rec := testRecord(byte(idx+1), uint32(idx), size, 0xA0)
		_, err := manager.Append(rec)
		require.NoError(t, err)
	}

	scan, err := ScanSegment(manager.ActiveSegmentPath())
	require.NoError(t, err)
	require.Len(t, scan.Records, 5)
	require.False(t, scan.TornTail)
	require.Len(t, scan.Records[0].Record.SymbolData, 1024)
	require.Len(t, scan.Records[4].Record.SymbolData, 4096)

	require.NoError(t, manager.Rotate(2, 43, 200))
}

func TestSymbolLogTornTailRecovery(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 1, 42, 100, nil)
	require.NoError(t, err)

	for idx := uint32(0); idx < 3; idx++ {
		rec := testRecord(byte(idx+1), idx, 1024, 0xB0)
		_, err := manager.Append(rec)
		require.NoError(t, err)
	}

	partial := testRecord(9, 9, 1024, 0xCC).ToBytes()
	f, err := os.OpenFile(manager.ActiveSegmentPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(partial[:len(partial)/2])
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	scan, err := ScanSegment(manager.ActiveSegmentPath())
	require.NoError(t, err)
	require.Len(t, scan.Records, 3)
	require.True(t, scan.TornTail)
}

func TestLocatorOffsetComputation(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 1, 42, 100, nil)
	require.NoError(t, err)

	record := testRecord(7, 11, 2048, 0x44)
	offset, err := manager.Append(record)
	require.NoError(t, err)

	loaded, err := ReadSymbolRecordAtOffset(manager.ActiveSegmentPath(), offset)
	require.NoError(t, err)
	require.Equal(t, record.ObjectID, loaded.ObjectID)
	require.Equal(t, record.ESI, loaded.ESI)
	require.Equal(t, record.SymbolData, loaded.SymbolData)
}

func TestRebuildObjectLocatorAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 1, 42, 100, nil)
	require.NoError(t, err)

	alpha := testRecord(1, 0, 1024, 0x01)
	bravo := testRecord(2, 0, 1024, 0x02)
	_, err = manager.Append(alpha)
	require.NoError(t, err)
	_, err = manager.Append(bravo)
	require.NoError(t, err)
	require.NoError(t, manager.Rotate(2, 43, 200))

	charlie := testRecord(1, 1, 1024, 0x03)
	_, err = manager.Append(charlie)
	require.NoError(t, err)

	locator, err := RebuildObjectLocator(dir)
	require.NoError(t, err)
	require.Len(t, locator[alpha.ObjectID], 2)
	require.Len(t, locator[bravo.ObjectID], 1)
}

func TestSystematicFastPathRoundTrip(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 1, 1, 1, nil)
	require.NoError(t, err)

	objectID := ids.DeriveFromCanonicalBytes([]byte("fast-path-object"))
	oti := raptorq.Oti{F: 24, Al: 1, T: 8, Z: 1, N: 1}
	payload := []byte("0123456789abcdefghijklmn") // 24 bytes, K=3 symbols of 8
	symbols, err := raptorq.Encode(objectID, payload, oti, raptorq.RedundancyPolicy{PercentOfK: 0, MinRepair: 0})
	require.NoError(t, err)
	require.Len(t, symbols, 4) // 3 source symbols plus the 1-repair floor

	for _, sym := range symbols {
		_, err := manager.Append(sym)
		require.NoError(t, err)
	}

	locators, err := RebuildSystematicRunLocator(dir, nil)
	require.NoError(t, err)
	run, ok := locators[objectID]
	require.True(t, ok)

	out, ok, err := ReadSystematicFastPath(dir, run, objectID, oti, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, out)
}

func TestSystematicFastPathFallsBackOnBrokenRun(t *testing.T) {
	dir := t.TempDir()
	manager, err := NewManager(dir, 1, 1, 1, nil)
	require.NoError(t, err)

	objectID := ids.DeriveFromCanonicalBytes([]byte("broken-run"))
	oti := raptorq.Oti{F: 16, Al: 1, T: 8, Z: 1, N: 1}
	only := raptorq.NewSymbolRecord(objectID, oti, 0, make([]byte, 8), raptorq.FlagSystematicRunStart)
	_, err = manager.Append(only) // missing ESI 1, K=2
	require.NoError(t, err)

	locators, err := RebuildSystematicRunLocator(dir, nil)
	require.NoError(t, err)
	_, ok := locators[objectID]
	require.False(t, ok, "incomplete run must not be registered as a locator")
}
