// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package symbollog implements the append-only symbol segment log: fixed
// 40-byte segment headers, variable-length SymbolRecord frames, torn-tail
// tolerant scanning, object/systematic-run locators, and the systematic
// fast-path reconstruction shortcut.
package symbollog

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/errs"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"fsqlite.io/core/pkg/ids"
	"fsqlite.io/core/pkg/raptorq"
)

// Error is the error class for the symbollog package.
var Error = errs.Class("symbollog")

// Magic is the 4-byte magic prefix of a symbol segment header ("FSSY").
var Magic = [4]byte{'F', 'S', 'S', 'Y'}

// Version is the current symbol segment format version.
const Version uint32 = 1

// HeaderBytes is the exact on-disk size of a SymbolSegmentHeader.
const HeaderBytes = 40

const hashInputBytes = 32

// SymbolSegmentHeader is the fixed header written at the start of every
// segment file.
type SymbolSegmentHeader struct {
	SegmentID uint64
	EpochID   uint64
	CreatedAt uint64
}

// Encode renders the header to its exact 40-byte wire representation.
func (h SymbolSegmentHeader) Encode() [HeaderBytes]byte {
	var out [HeaderBytes]byte
	copy(out[0:4], Magic[:])
	binary.LittleEndian.PutUint32(out[4:8], Version)
	binary.LittleEndian.PutUint64(out[8:16], h.SegmentID)
	binary.LittleEndian.PutUint64(out[16:24], h.EpochID)
	binary.LittleEndian.PutUint64(out[24:32], h.CreatedAt)
	checksum := xxh3.Hash(out[:hashInputBytes])
	binary.LittleEndian.PutUint64(out[32:40], checksum)
	return out
}

// DecodeSegmentHeader parses and validates a segment header from bytes.
func DecodeSegmentHeader(b []byte) (SymbolSegmentHeader, error) {
	if len(b) < HeaderBytes {
		return SymbolSegmentHeader{}, Error.New("database_corrupt: symbol segment header too short: expected %d, got %d", HeaderBytes, len(b))
	}
	if string(b[0:4]) != string(Magic[:]) {
		return SymbolSegmentHeader{}, Error.New("database_corrupt: invalid symbol segment magic: %x", b[0:4])
	}
	version := binary.LittleEndian.Uint32(b[4:8])
	if version != Version {
		return SymbolSegmentHeader{}, Error.New("database_corrupt: unsupported symbol segment version %d, expected %d", version, Version)
	}
	segmentID := binary.LittleEndian.Uint64(b[8:16])
	epochID := binary.LittleEndian.Uint64(b[16:24])
	createdAt := binary.LittleEndian.Uint64(b[24:32])
	stored := binary.LittleEndian.Uint64(b[32:40])
	computed := xxh3.Hash(b[:hashInputBytes])
	if stored != computed {
		return SymbolSegmentHeader{}, Error.New("database_corrupt: symbol segment header checksum mismatch: stored %#x, computed %#x", stored, computed)
	}
	return SymbolSegmentHeader{SegmentID: segmentID, EpochID: epochID, CreatedAt: createdAt}, nil
}

// SymbolLogOffset locates a symbol record within a specific segment,
// relative to the end of that segment's header.
type SymbolLogOffset struct {
	SegmentID   uint64
	OffsetBytes uint64
}

// SymbolLogRecord pairs a locator offset with its parsed record.
type SymbolLogRecord struct {
	Offset SymbolLogOffset
	Record raptorq.SymbolRecord
}

// SymbolSegmentScan is the result of scanning one segment file.
type SymbolSegmentScan struct {
	Header   SymbolSegmentHeader
	Records  []SymbolLogRecord
	TornTail bool
}

// AlignedSymbolIndexEntry locates a sector-aligned, padded record.
type AlignedSymbolIndexEntry struct {
	Offset     SymbolLogOffset
	LogicalLen uint32
	PaddedLen  uint32
}

// SegmentPath builds the canonical path for a segment id:
// segment-{id:06}.log.
func SegmentPath(dir string, segmentID uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment-%06d.log", segmentID))
}

func parseSegmentIDFromName(name string) (uint64, bool) {
	const prefix, suffix = "segment-", ".log"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	idText := name[len(prefix) : len(name)-len(suffix)]
	id, err := strconv.ParseUint(idText, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// EnsureSegment creates the segment file with the given header if it does
// not exist, or validates an existing file's header matches exactly.
func EnsureSegment(path string, header SymbolSegmentHeader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Error.Wrap(err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		encoded := header.Encode()
		if err := os.WriteFile(path, encoded[:], 0o644); err != nil {
			return Error.Wrap(err)
		}
		return nil
	}

	bytes, err := os.ReadFile(path)
	if err != nil {
		return Error.Wrap(err)
	}
	if len(bytes) < HeaderBytes {
		return Error.New("database_corrupt: existing segment %s shorter than header: %d bytes", path, len(bytes))
	}
	existing, err := DecodeSegmentHeader(bytes[:HeaderBytes])
	if err != nil {
		return err
	}
	if existing != header {
		return Error.New("database_corrupt: segment header mismatch for %s: existing=%+v, requested=%+v", path, existing, header)
	}
	return nil
}

// SymbolLogManager is the single writer for one symbol-log directory. It
// enforces that only the active segment accepts appends.
type SymbolLogManager struct {
	mu     sync.Mutex
	dir    string
	active SymbolSegmentHeader
	log    *zap.Logger
}

// NewManager opens or creates the active segment in dir. logger may be nil
// (a no-op logger is used).
func NewManager(dir string, activeSegmentID, epochID, createdAt uint64, logger *zap.Logger) (*SymbolLogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	header := SymbolSegmentHeader{SegmentID: activeSegmentID, EpochID: epochID, CreatedAt: createdAt}
	if err := EnsureSegment(SegmentPath(dir, activeSegmentID), header); err != nil {
		return nil, err
	}
	logger.Info("opened symbol log manager", zap.Uint64("segment_id", activeSegmentID), zap.Uint64("epoch_id", epochID))
	return &SymbolLogManager{dir: dir, active: header, log: logger}, nil
}

// ActiveSegmentID returns the current active segment identifier.
func (m *SymbolLogManager) ActiveSegmentID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.SegmentID
}

// ActiveSegmentPath returns the path of the current active segment.
func (m *SymbolLogManager) ActiveSegmentPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SegmentPath(m.dir, m.active.SegmentID)
}

// Append appends record to the active segment.
func (m *SymbolLogManager) Append(record raptorq.SymbolRecord) (SymbolLogOffset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return appendSymbolRecord(m.dir, m.active, record)
}

// AppendToSegment appends record only if segmentID is the active segment;
// rotated segments are immutable.
func (m *SymbolLogManager) AppendToSegment(segmentID uint64, record raptorq.SymbolRecord) (SymbolLogOffset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if segmentID != m.active.SegmentID {
		m.log.Warn("append rejected because segment is immutable",
			zap.Uint64("requested_segment", segmentID), zap.Uint64("active_segment", m.active.SegmentID))
		return SymbolLogOffset{}, Error.New("segment %d is immutable; active segment is %d", segmentID, m.active.SegmentID)
	}
	return appendSymbolRecord(m.dir, m.active, record)
}

// Rotate switches the active segment to a new, strictly greater segment id.
func (m *SymbolLogManager) Rotate(nextSegmentID, nextEpochID, nextCreatedAt uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nextSegmentID <= m.active.SegmentID {
		return Error.New("next segment id %d must be greater than current %d", nextSegmentID, m.active.SegmentID)
	}
	next := SymbolSegmentHeader{SegmentID: nextSegmentID, EpochID: nextEpochID, CreatedAt: nextCreatedAt}
	if err := EnsureSegment(SegmentPath(m.dir, nextSegmentID), next); err != nil {
		return err
	}
	m.active = next
	m.log.Info("rotated symbol log segment", zap.Uint64("segment_id", nextSegmentID), zap.Uint64("epoch_id", nextEpochID))
	return nil
}

func fileLen(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return fi.Size(), nil
}

func appendSymbolRecord(dir string, header SymbolSegmentHeader, record raptorq.SymbolRecord) (SymbolLogOffset, error) {
	path := SegmentPath(dir, header.SegmentID)
	if err := EnsureSegment(path, header); err != nil {
		return SymbolLogOffset{}, err
	}

	currentLen, err := fileLen(path)
	if err != nil {
		return SymbolLogOffset{}, err
	}
	if currentLen < HeaderBytes {
		return SymbolLogOffset{}, Error.New("database_corrupt: segment %s length %d shorter than header", path, currentLen)
	}
	offsetBytes := uint64(currentLen - HeaderBytes)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return SymbolLogOffset{}, Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	recordBytes := record.ToBytes()
	if _, err := f.Write(recordBytes); err != nil {
		return SymbolLogOffset{}, Error.Wrap(err)
	}
	if err := f.Sync(); err != nil {
		return SymbolLogOffset{}, Error.Wrap(err)
	}

	return SymbolLogOffset{SegmentID: header.SegmentID, OffsetBytes: offsetBytes}, nil
}

// AppendAligned appends record with sector-aligned zero padding, without
// altering the logical record bytes.
func AppendAligned(dir string, header SymbolSegmentHeader, record raptorq.SymbolRecord, sectorSize uint32) (AlignedSymbolIndexEntry, error) {
	if sectorSize == 0 {
		return AlignedSymbolIndexEntry{}, Error.New("sector_size must be non-zero for aligned symbol append")
	}
	path := SegmentPath(dir, header.SegmentID)
	if err := EnsureSegment(path, header); err != nil {
		return AlignedSymbolIndexEntry{}, err
	}
	currentLen, err := fileLen(path)
	if err != nil {
		return AlignedSymbolIndexEntry{}, err
	}
	if currentLen < HeaderBytes {
		return AlignedSymbolIndexEntry{}, Error.New("database_corrupt: segment %s length %d shorter than header", path, currentLen)
	}

	recordBytes := record.ToBytes()
	logicalLen := len(recordBytes)
	paddedLen := alignUp(logicalLen, int(sectorSize))
	padding := paddedLen - logicalLen

	offset := SymbolLogOffset{SegmentID: header.SegmentID, OffsetBytes: uint64(currentLen - HeaderBytes)}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return AlignedSymbolIndexEntry{}, Error.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(recordBytes); err != nil {
		return AlignedSymbolIndexEntry{}, Error.Wrap(err)
	}
	if padding > 0 {
		if _, err := f.Write(make([]byte, padding)); err != nil {
			return AlignedSymbolIndexEntry{}, Error.Wrap(err)
		}
	}
	if err := f.Sync(); err != nil {
		return AlignedSymbolIndexEntry{}, Error.Wrap(err)
	}

	return AlignedSymbolIndexEntry{
		Offset:     offset,
		LogicalLen: uint32(logicalLen),
		PaddedLen:  uint32(paddedLen),
	}, nil
}

func alignUp(value, alignment int) int {
	if alignment <= 0 {
		return value
	}
	remainder := value % alignment
	if remainder == 0 {
		return value
	}
	return value + (alignment - remainder)
}

// ScanSegment scans segmentPath, returning all complete records before any
// torn tail. Trailing partial bytes at EOF are truncated silently — this is
// not a user-visible error.
func ScanSegment(segmentPath string) (SymbolSegmentScan, error) {
	bytes, err := os.ReadFile(segmentPath)
	if err != nil {
		return SymbolSegmentScan{}, Error.Wrap(err)
	}
	if len(bytes) < HeaderBytes {
		return SymbolSegmentScan{}, Error.New("database_corrupt: segment %s shorter than header: %d bytes", segmentPath, len(bytes))
	}
	header, err := DecodeSegmentHeader(bytes[:HeaderBytes])
	if err != nil {
		return SymbolSegmentScan{}, err
	}

	cursor := HeaderBytes
	var records []SymbolLogRecord
	tornTail := false

	for cursor < len(bytes) {
		row, recordLen, err := parseSymbolRecordAt(bytes, header.SegmentID, cursor)
		if err != nil {
			return SymbolSegmentScan{}, err
		}
		if row == nil {
			tornTail = true
			break
		}
		records = append(records, *row)
		cursor += recordLen
	}

	return SymbolSegmentScan{Header: header, Records: records, TornTail: tornTail}, nil
}

// ReadSymbolRecordAtOffset reads one packed record at a locator offset.
func ReadSymbolRecordAtOffset(segmentPath string, offset SymbolLogOffset) (raptorq.SymbolRecord, error) {
	bytes, err := os.ReadFile(segmentPath)
	if err != nil {
		return raptorq.SymbolRecord{}, Error.Wrap(err)
	}
	if len(bytes) < HeaderBytes {
		return raptorq.SymbolRecord{}, Error.New("database_corrupt: segment %s shorter than header: %d bytes", segmentPath, len(bytes))
	}
	header, err := DecodeSegmentHeader(bytes[:HeaderBytes])
	if err != nil {
		return raptorq.SymbolRecord{}, err
	}
	if header.SegmentID != offset.SegmentID {
		return raptorq.SymbolRecord{}, Error.New("database_corrupt: segment id mismatch: locator=%d, header=%d", offset.SegmentID, header.SegmentID)
	}

	absolute := HeaderBytes + int(offset.OffsetBytes)
	row, _, err := parseSymbolRecordAt(bytes, header.SegmentID, absolute)
	if err != nil {
		return raptorq.SymbolRecord{}, err
	}
	if row == nil {
		return raptorq.SymbolRecord{}, Error.New("database_corrupt: no complete symbol record at offset %d in %s", offset.OffsetBytes, segmentPath)
	}
	return row.Record, nil
}

// ReadAlignedSymbolRecord reads one aligned-layout record via its index entry.
func ReadAlignedSymbolRecord(segmentPath string, entry AlignedSymbolIndexEntry) (raptorq.SymbolRecord, error) {
	bytes, err := os.ReadFile(segmentPath)
	if err != nil {
		return raptorq.SymbolRecord{}, Error.Wrap(err)
	}
	if len(bytes) < HeaderBytes {
		return raptorq.SymbolRecord{}, Error.New("database_corrupt: segment %s shorter than header: %d bytes", segmentPath, len(bytes))
	}
	header, err := DecodeSegmentHeader(bytes[:HeaderBytes])
	if err != nil {
		return raptorq.SymbolRecord{}, err
	}
	if header.SegmentID != entry.Offset.SegmentID {
		return raptorq.SymbolRecord{}, Error.New("database_corrupt: segment id mismatch: locator=%d, header=%d", entry.Offset.SegmentID, header.SegmentID)
	}

	absolute := HeaderBytes + int(entry.Offset.OffsetBytes)
	end := absolute + int(entry.LogicalLen)
	if end > len(bytes) {
		return raptorq.SymbolRecord{}, Error.New("database_corrupt: aligned symbol read out of bounds: end=%d, file_len=%d", end, len(bytes))
	}
	record, err := raptorq.FromBytes(bytes[absolute:end])
	if err != nil {
		return raptorq.SymbolRecord{}, Error.New("database_corrupt: invalid aligned SymbolRecord at offset %d: %v", entry.Offset.OffsetBytes, err)
	}
	return record, nil
}

func sortedSegmentPaths(dir string) ([]segmentEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var segments []segmentEntry
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := parseSegmentIDFromName(entry.Name())
		if !ok {
			continue
		}
		segments = append(segments, segmentEntry{id: id, path: filepath.Join(dir, entry.Name())})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

type segmentEntry struct {
	id   uint64
	path string
}

// RebuildObjectLocator scans all segment files in dir (ascending segment
// id) and rebuilds ObjectId -> sorted unique []SymbolLogOffset.
func RebuildObjectLocator(dir string) (map[ids.ObjectId][]SymbolLogOffset, error) {
	locator := make(map[ids.ObjectId][]SymbolLogOffset)
	segments, err := sortedSegmentPaths(dir)
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		scan, err := ScanSegment(seg.path)
		if err != nil {
			return nil, err
		}
		for _, row := range scan.Records {
			locator[row.Record.ObjectID] = append(locator[row.Record.ObjectID], row.Offset)
		}
	}
	for k, v := range locator {
		sorted := append([]SymbolLogOffset(nil), v...)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].SegmentID != sorted[j].SegmentID {
				return sorted[i].SegmentID < sorted[j].SegmentID
			}
			return sorted[i].OffsetBytes < sorted[j].OffsetBytes
		})
		locator[k] = sorted
	}
	return locator, nil
}

func parseSymbolRecordAt(bytes []byte, segmentID uint64, absoluteOffset int) (*SymbolLogRecord, int, error) {
	if absoluteOffset >= len(bytes) {
		return nil, 0, nil
	}
	recordLen, ok, err := recordWireLenAt(bytes, absoluteOffset)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, nil
	}
	end := absoluteOffset + recordLen
	record, err := raptorq.FromBytes(bytes[absoluteOffset:end])
	if err != nil {
		return nil, 0, Error.New("database_corrupt: invalid SymbolRecord at absolute offset %d: %v", absoluteOffset, err)
	}
	offset := SymbolLogOffset{SegmentID: segmentID, OffsetBytes: uint64(absoluteOffset - HeaderBytes)}
	return &SymbolLogRecord{Offset: offset, Record: record}, recordLen, nil
}

func recordWireLenAt(bytes []byte, absoluteOffset int) (int, bool, error) {
	remaining := len(bytes) - absoluteOffset
	if remaining < raptorq.HeaderBytes {
		return 0, false, nil
	}
	sizeStart := absoluteOffset + raptorq.SymbolSizeFieldOffset
	sizeEnd := sizeStart + 4
	if sizeEnd > len(bytes) {
		return 0, false, nil
	}
	symbolSize := int(binary.LittleEndian.Uint32(bytes[sizeStart:sizeEnd]))
	totalLen := raptorq.HeaderBytes + symbolSize + raptorq.TrailerBytes
	if remaining < totalLen {
		return 0, false, nil
	}
	return totalLen, true, nil
}
