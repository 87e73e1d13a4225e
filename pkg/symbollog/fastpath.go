// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package symbollog

import (
	"os"

	"go.uber.org/zap"

	"fsqlite.io/core/pkg/ids"
	"fsqlite.io/core/pkg/raptorq"
)

// SystematicRunLocator locates a contiguous ESI 0..K-1 source-symbol run
// for one object, enabling reconstruction without invoking GF(256) decode.
type SystematicRunLocator struct {
	ObjectID        ids.ObjectId
	SegmentID       uint64
	ESIStart        uint32
	ESIEndInclusive uint32
	Offsets         []SymbolLogOffset
}

// SourceSymbolCount returns the number of source symbols in this run.
func (r SystematicRunLocator) SourceSymbolCount() int {
	return len(r.Offsets)
}

// RebuildSystematicRunLocator scans all segments and rebuilds
// ObjectId -> SystematicRunLocator. Invalid run starts are skipped (logged)
// so the fast path correctly falls back to full decode for that object.
// The newest valid run (by ascending file scan order) wins.
func RebuildSystematicRunLocator(dir string, logger *zap.Logger) (map[ids.ObjectId]SystematicRunLocator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	locator := make(map[ids.ObjectId]SystematicRunLocator)
	segments, err := sortedSegmentPaths(dir)
	if err != nil {
		return nil, err
	}

	for _, seg := range segments {
		scan, err := ScanSegment(seg.path)
		if err != nil {
			return nil, err
		}
		rows := scan.Records

		for startIdx := range rows {
			start := rows[startIdx].Record
			if start.ESI != 0 || !start.Flags.Contains(raptorq.FlagSystematicRunStart) {
				continue
			}
			run, errDetail := buildSystematicRunLocator(rows, startIdx)
			if errDetail != "" {
				logger.Warn("invalid systematic run start; fast-path must fall back",
					zap.Uint64("segment_id", seg.id),
					zap.String("start_object_id", start.ObjectID.String()),
					zap.String("reason", errDetail))
				continue
			}
			locator[run.ObjectID] = run
		}
	}

	return locator, nil
}

func buildSystematicRunLocator(rows []SymbolLogRecord, startIdx int) (SystematicRunLocator, string) {
	start := rows[startIdx].Record
	sourceSymbols, err := raptorq.SourceSymbolCount(start.Oti)
	if err != nil {
		return SystematicRunLocator{}, "invalid source symbol count at run start"
	}
	if sourceSymbols == 0 {
		return SystematicRunLocator{}, "source symbol count is zero"
	}
	endExclusive := startIdx + int(sourceSymbols)
	if endExclusive > len(rows) {
		return SystematicRunLocator{}, "incomplete systematic run"
	}

	offsets := make([]SymbolLogOffset, 0, sourceSymbols)
	for relative := 0; relative < int(sourceSymbols); relative++ {
		row := rows[startIdx+relative]
		rec := row.Record
		expectedESI := uint32(relative)

		if rec.ObjectID != start.ObjectID {
			return SystematicRunLocator{}, "object boundary crossed mid-run"
		}
		if !rec.Oti.Equal(start.Oti) {
			return SystematicRunLocator{}, "oti mismatch mid-run"
		}
		if rec.ESI != expectedESI {
			return SystematicRunLocator{}, "non-contiguous esi"
		}
		if relative == 0 {
			if !rec.Flags.Contains(raptorq.FlagSystematicRunStart) {
				return SystematicRunLocator{}, "missing systematic run start flag"
			}
		} else if rec.Flags.Contains(raptorq.FlagSystematicRunStart) {
			return SystematicRunLocator{}, "unexpected systematic run start flag on non-zero esi"
		}
		offsets = append(offsets, row.Offset)
	}

	return SystematicRunLocator{
		ObjectID:        start.ObjectID,
		SegmentID:       rows[startIdx].Offset.SegmentID,
		ESIStart:        0,
		ESIEndInclusive: sourceSymbols - 1,
		Offsets:         offsets,
	}, ""
}

// ReadSystematicFastPath attempts reconstruction by concatenating the
// source symbols named by run in ESI order, truncated to F bytes. It
// returns (nil, false, nil) whenever any precondition fails — the caller
// must fall back to full decode in that case, and MUST NOT emit a decode
// proof (no repair occurred).
func ReadSystematicFastPath(dir string, run SystematicRunLocator, objectID ids.ObjectId, oti raptorq.Oti, authEpochKey *[32]byte) ([]byte, bool, error) {
	sourceSymbols, err := raptorq.SourceSymbolCount(oti)
	if err != nil {
		return nil, false, nil
	}
	if sourceSymbols == 0 {
		return []byte{}, true, nil
	}
	if run.ObjectID != objectID || run.ESIStart != 0 || len(run.Offsets) != int(sourceSymbols) {
		return nil, false, nil
	}
	if run.ESIEndInclusive != sourceSymbols-1 {
		return nil, false, nil
	}

	symbolSize := int(oti.T)
	transferLen := int(oti.F)
	totalLen := int(sourceSymbols) * symbolSize

	segmentPath := SegmentPath(dir, run.SegmentID)
	if _, err := os.Stat(segmentPath); err != nil {
		return nil, false, nil
	}
	bytes, err := os.ReadFile(segmentPath)
	if err != nil {
		return nil, false, err
	}
	if len(bytes) < HeaderBytes {
		return nil, false, nil
	}
	header, err := DecodeSegmentHeader(bytes[:HeaderBytes])
	if err != nil || header.SegmentID != run.SegmentID {
		return nil, false, nil
	}

	out := make([]byte, totalLen)
	for index, offset := range run.Offsets {
		expectedESI := uint32(index)
		if offset.SegmentID != run.SegmentID {
			return nil, false, nil
		}
		absolute := HeaderBytes + int(offset.OffsetBytes)
		row, _, err := parseSymbolRecordAt(bytes, run.SegmentID, absolute)
		if err != nil {
			return nil, false, nil
		}
		if row == nil {
			return nil, false, nil
		}
		parsed := row.Record
		if parsed.ObjectID != objectID || !parsed.Oti.Equal(oti) || parsed.ESI != expectedESI {
			return nil, false, nil
		}
		if len(parsed.SymbolData) != symbolSize {
			return nil, false, nil
		}
		if !parsed.VerifyIntegrity() {
			return nil, false, nil
		}
		if parsed.AuthTag != ([16]byte{}) {
			if authEpochKey == nil || !parsed.VerifyAuth(*authEpochKey) {
				return nil, false, nil
			}
		}

		start := index * symbolSize
		copy(out[start:start+symbolSize], parsed.SymbolData)
	}

	if transferLen > len(out) {
		transferLen = len(out)
	}
	return out[:transferLen], true, nil
}
