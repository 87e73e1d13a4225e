// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package markerstream implements the commit marker stream (§4.7): a
// fixed-width, hash-chained ledger of commit events, stored in rotating
// segments behind a MarkerSegmentHeader. It is the durability backstop for
// the native index — every page-version index segment can, in principle,
// be rebuilt from nothing but the marker stream plus the commit capsules it
// names. recover_valid_prefix tolerates a torn tail from an interrupted
// write; ScanCommitMarkers enforces strict commit_seq contiguity across an
// entire multi-segment stream, because a gap here is an unrecoverable
// corruption of committed history, not a repairable one.
package markerstream

import (
	"encoding/binary"
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
)

// Error is the error class for the markerstream package.
var Error = errs.Class("markerstream")

// Magic is the 4-byte magic prefix of a marker segment header ("FSMK").
var Magic = [4]byte{'F', 'S', 'M', 'K'}

// Version is the current marker segment format version.
const Version uint32 = 1

// HeaderBytes is the exact on-disk size of a MarkerSegmentHeader.
const HeaderBytes = 40

// RecordBytes is the exact on-disk size of a CommitMarkerRecord.
const RecordBytes = 88

const headerHashInputBytes = 32
const recordHashInputBytes = 80

// MarkerSegmentHeader is the fixed header written at the start of every
// marker segment file.
type MarkerSegmentHeader struct {
	SegmentID       uint64
	StartCommitSeq  uint64
	CreatedAt       uint64
}

// Encode renders the header to its exact 40-byte wire representation.
func (h MarkerSegmentHeader) Encode() [HeaderBytes]byte {
	var out [HeaderBytes]byte
	copy(out[0:4], Magic[:])
	binary.LittleEndian.PutUint32(out[4:8], Version)
	binary.LittleEndian.PutUint64(out[8:16], h.SegmentID)
	binary.LittleEndian.PutUint64(out[16:24], h.StartCommitSeq)
	binary.LittleEndian.PutUint64(out[24:32], h.CreatedAt)
	checksum := xxh3.Hash(out[:headerHashInputBytes])
	binary.LittleEndian.PutUint64(out[32:40], checksum)
	return out
}

// DecodeSegmentHeader parses and validates a marker segment header.
func DecodeSegmentHeader(b []byte) (MarkerSegmentHeader, error) {
	if len(b) < HeaderBytes {
		return MarkerSegmentHeader{}, Error.New("database_corrupt: marker segment header too short: expected %d, got %d", HeaderBytes, len(b))
	}
	if string(b[0:4]) != string(Magic[:]) {
		return MarkerSegmentHeader{}, Error.New("database_corrupt: invalid marker segment magic: %x", b[0:4])
	}
	version := binary.LittleEndian.Uint32(b[4:8])
	if version != Version {
		return MarkerSegmentHeader{}, Error.New("database_corrupt: unsupported marker segment version %d, expected %d", version, Version)
	}
	segmentID := binary.LittleEndian.Uint64(b[8:16])
	startCommitSeq := binary.LittleEndian.Uint64(b[16:24])
	createdAt := binary.LittleEndian.Uint64(b[24:32])
	stored := binary.LittleEndian.Uint64(b[32:40])
	computed := xxh3.Hash(b[:headerHashInputBytes])
	if stored != computed {
		return MarkerSegmentHeader{}, Error.New("database_corrupt: marker segment header checksum mismatch: stored %#x, computed %#x", stored, computed)
	}
	return MarkerSegmentHeader{SegmentID: segmentID, StartCommitSeq: startCommitSeq, CreatedAt: createdAt}, nil
}

// CommitMarkerRecord is one fixed 88-byte entry in the commit marker
// stream: commit_seq increases by exactly 1 within a contiguous stream, and
// prev_marker chains each record to the one before it.
type CommitMarkerRecord struct {
	CommitSeq       uint64
	TimestampNs     uint64
	CapsuleObjectID ids.ObjectId
	MarkerID        [16]byte
	PrevMarker      [16]byte
	RecordXxh3      uint64
}

// NewCommitMarkerRecord builds a record with its checksum computed.
func NewCommitMarkerRecord(commitSeq, timestampNs uint64, capsuleObjectID ids.ObjectId, markerID, prevMarker [16]byte) CommitMarkerRecord {
	r := CommitMarkerRecord{
		CommitSeq:       commitSeq,
		TimestampNs:     timestampNs,
		CapsuleObjectID: capsuleObjectID,
		MarkerID:        markerID,
		PrevMarker:      prevMarker,
	}
	r.RecordXxh3 = r.computeRecordXxh3()
	return r
}

// VerifyIntegrity reports whether the stored checksum matches the record's
// fields.
func (r CommitMarkerRecord) VerifyIntegrity() bool {
	return r.RecordXxh3 == r.computeRecordXxh3()
}

func (r CommitMarkerRecord) computeRecordXxh3() uint64 {
	return xxh3.Hash(r.bodyBytes())
}

// bodyBytes renders every field except the trailing checksum, reserving 16
// bytes between prev_marker and record_xxh3 for forward-compatible
// metadata (e.g. a future per-record auth tag) without reshaping the
// fixed-width record layout.
func (r CommitMarkerRecord) bodyBytes() []byte {
	buf := make([]byte, recordHashInputBytes)
	binary.LittleEndian.PutUint64(buf[0:8], r.CommitSeq)
	binary.LittleEndian.PutUint64(buf[8:16], r.TimestampNs)
	copy(buf[16:32], r.CapsuleObjectID[:])
	copy(buf[32:48], r.MarkerID[:])
	copy(buf[48:64], r.PrevMarker[:])
	// buf[64:80] reserved, left zeroed.
	return buf
}

// ToBytes renders the record to its exact 88-byte wire representation.
func (r CommitMarkerRecord) ToBytes() [RecordBytes]byte {
	var out [RecordBytes]byte
	copy(out[0:recordHashInputBytes], r.bodyBytes())
	binary.LittleEndian.PutUint64(out[recordHashInputBytes:RecordBytes], r.RecordXxh3)
	return out
}

// FromBytes parses exactly RecordBytes of wire data into a record. It does
// not verify the checksum; call VerifyIntegrity explicitly.
func FromBytes(b []byte) (CommitMarkerRecord, error) {
	if len(b) != RecordBytes {
		return CommitMarkerRecord{}, Error.New("commit marker record must be exactly %d bytes, got %d", RecordBytes, len(b))
	}
	var capsuleObjectID ids.ObjectId
	copy(capsuleObjectID[:], b[16:32])
	var markerID, prevMarker [16]byte
	copy(markerID[:], b[32:48])
	copy(prevMarker[:], b[48:64])
	return CommitMarkerRecord{
		CommitSeq:       binary.LittleEndian.Uint64(b[0:8]),
		TimestampNs:     binary.LittleEndian.Uint64(b[8:16]),
		CapsuleObjectID: capsuleObjectID,
		MarkerID:        markerID,
		PrevMarker:      prevMarker,
		RecordXxh3:      binary.LittleEndian.Uint64(b[recordHashInputBytes:RecordBytes]),
	}, nil
}

// SegmentPath renders the on-disk path for a marker segment id.
func SegmentPath(dir string, segmentID uint64) string {
	return filepath.Join(dir, "marker-"+paddedSegmentID(segmentID)+".log")
}

func paddedSegmentID(id uint64) string {
	s := strconv.FormatUint(id, 10)
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

// RecoveredSegment is the result of RecoverValidPrefix: the longest
// checksum-valid prefix of records in a segment, plus whether trailing
// torn bytes were discarded.
type RecoveredSegment struct {
	Header   MarkerSegmentHeader
	Records  []CommitMarkerRecord
	TornTail bool
}

// RecoverValidPrefix reads one marker segment file, returning the longest
// prefix of records whose record_xxh3 checks out. The first record with a
// bad checksum, or a trailing fragment shorter than RecordBytes, is
// treated as a torn tail from an interrupted write and discarded, not
// treated as corruption.
func RecoverValidPrefix(path string) (RecoveredSegment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RecoveredSegment{}, Error.Wrap(err)
	}
	return RecoverValidPrefixBytes(raw)
}

// RecoverValidPrefixBytes is RecoverValidPrefix over an in-memory segment
// blob instead of a file on disk, used when segments are fetched from the
// ECS rather than read from the local filesystem (e.g. index repair/rebuild
// replaying a remote marker segment object).
func RecoverValidPrefixBytes(raw []byte) (RecoveredSegment, error) {
	if len(raw) < HeaderBytes {
		return RecoveredSegment{}, Error.New("database_corrupt: marker segment shorter than header")
	}
	header, err := DecodeSegmentHeader(raw[:HeaderBytes])
	if err != nil {
		return RecoveredSegment{}, err
	}

	body := raw[HeaderBytes:]
	var records []CommitMarkerRecord
	tornTail := false

	offset := 0
	for offset+RecordBytes <= len(body) {
		chunk := body[offset : offset+RecordBytes]
		rec, err := FromBytes(chunk)
		if err != nil {
			return RecoveredSegment{}, err
		}
		if !rec.VerifyIntegrity() {
			tornTail = true
			break
		}
		records = append(records, rec)
		offset += RecordBytes
	}
	if offset < len(body) {
		tornTail = true
	}

	return RecoveredSegment{Header: header, Records: records, TornTail: tornTail}, nil
}

// ScanCommitMarkers scans segment files (in ascending start_commit_seq
// order) and verifies that, across the entire stream, commit_seq equals
// 1 + the previous record's commit_seq with no gaps. A gap is an
// unrecoverable corruption of the marker stream, surfaced as an error, not
// silently skipped.
func ScanCommitMarkers(segmentPaths []string) ([]CommitMarkerRecord, error) {
	type segmentEntry struct {
		path           string
		startCommitSeq uint64
	}
	entries := make([]segmentEntry, 0, len(segmentPaths))
	for _, p := range segmentPaths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if len(raw) < HeaderBytes {
			return nil, Error.New("database_corrupt: marker segment shorter than header: %s", p)
		}
		header, err := DecodeSegmentHeader(raw[:HeaderBytes])
		if err != nil {
			return nil, err
		}
		entries = append(entries, segmentEntry{path: p, startCommitSeq: header.StartCommitSeq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].startCommitSeq < entries[j].startCommitSeq })

	var all []CommitMarkerRecord
	for _, e := range entries {
		recovered, err := RecoverValidPrefix(e.path)
		if err != nil {
			return nil, err
		}
		all = append(all, recovered.Records...)
	}

	if err := checkContiguity(all); err != nil {
		return nil, err
	}
	return all, nil
}

// ScanCommitMarkersBytes is ScanCommitMarkers over a set of in-memory
// segment blobs instead of files on disk (used by index repair/rebuild,
// which replays marker segments fetched from the ECS rather than the local
// filesystem).
func ScanCommitMarkersBytes(segmentBlobs [][]byte) ([]CommitMarkerRecord, error) {
	type blobEntry struct {
		blob           []byte
		startCommitSeq uint64
	}
	entries := make([]blobEntry, 0, len(segmentBlobs))
	for _, raw := range segmentBlobs {
		if len(raw) < HeaderBytes {
			return nil, Error.New("database_corrupt: marker segment shorter than header")
		}
		header, err := DecodeSegmentHeader(raw[:HeaderBytes])
		if err != nil {
			return nil, err
		}
		entries = append(entries, blobEntry{blob: raw, startCommitSeq: header.StartCommitSeq})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].startCommitSeq < entries[j].startCommitSeq })

	var all []CommitMarkerRecord
	for _, e := range entries {
		recovered, err := RecoverValidPrefixBytes(e.blob)
		if err != nil {
			return nil, err
		}
		all = append(all, recovered.Records...)
	}

	if err := checkContiguity(all); err != nil {
		return nil, err
	}
	return all, nil
}

func checkContiguity(records []CommitMarkerRecord) error {
	for i := 1; i < len(records); i++ {
		if records[i].CommitSeq != records[i-1].CommitSeq+1 {
			return Error.New("database_corrupt: commit marker stream gap: expected commit_seq %d, got %d", records[i-1].CommitSeq+1, records[i].CommitSeq)
		}
	}
	return nil
}

// sortedSegmentPaths lists marker-*.log files under dir, sorted by the
// numeric segment id embedded in the filename.
func sortedSegmentPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	type idPath struct {
		id   uint64
		path string
	}
	var found []idPath
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "marker-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, "marker-"), ".log")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		found = append(found, idPath{id: id, path: filepath.Join(dir, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].id < found[j].id })
	out := make([]string, len(found))
	for i, f := range found {
		out[i] = f.path
	}
	return out, nil
}

// ScanDirectory discovers every marker segment under dir and runs
// ScanCommitMarkers across all of them.
func ScanDirectory(dir string) ([]CommitMarkerRecord, error) {
	paths, err := sortedSegmentPaths(dir)
	if err != nil {
		return nil, err
	}
	return ScanCommitMarkers(paths)
}

// Manager is the single writer for one marker-stream directory. It is the
// exclusive owner of commit_seq and prev_marker continuity: every record it
// appends chains to the last one it wrote, and rotated segments become
// immutable.
type Manager struct {
	mu           sync.Mutex
	dir          string
	active       MarkerSegmentHeader
	lastRecord   *CommitMarkerRecord
	log          *zap.Logger
}

// NewManager opens or creates the active marker segment in dir. If the
// segment already has records, the manager resumes the chain from its last
// valid record so commit_seq/prev_marker stay contiguous across restarts.
func NewManager(dir string, activeSegmentID, createdAt uint64, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	header := MarkerSegmentHeader{SegmentID: activeSegmentID, StartCommitSeq: 0, CreatedAt: createdAt}
	path := SegmentPath(dir, activeSegmentID)

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, Error.Wrap(err)
		}
		if err := writeNewSegment(path, header); err != nil {
			return nil, err
		}
		logger.Info("created marker log segment", zap.Uint64("segment_id", activeSegmentID))
		return &Manager{dir: dir, active: header, log: logger}, nil
	}

	recovered, err := RecoverValidPrefix(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{dir: dir, active: recovered.Header, log: logger}
	if len(recovered.Records) > 0 {
		last := recovered.Records[len(recovered.Records)-1]
		m.lastRecord = &last
	}
	logger.Info("resumed marker log manager",
		zap.Uint64("segment_id", recovered.Header.SegmentID),
		zap.Int("existing_records", len(recovered.Records)),
		zap.Bool("torn_tail", recovered.TornTail))
	return m, nil
}

func writeNewSegment(path string, header MarkerSegmentHeader) error {
	encoded := header.Encode()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return Error.Wrap(err)
	}
	defer f.Close()
	if _, err := f.Write(encoded[:]); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(f.Sync())
}

// ActiveSegmentPath returns the path of the current active segment.
func (m *Manager) ActiveSegmentPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SegmentPath(m.dir, m.active.SegmentID)
}

// Append builds the next commit marker record — chaining commit_seq and
// prev_marker off the last record this manager wrote — and appends it to
// the active segment.
func (m *Manager) Append(timestampNs uint64, capsuleObjectID ids.ObjectId, markerID [16]byte) (CommitMarkerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	commitSeq := uint64(1)
	var prevMarker [16]byte
	if m.lastRecord != nil {
		commitSeq = m.lastRecord.CommitSeq + 1
		prevMarker = m.lastRecord.MarkerID
	}

	record := NewCommitMarkerRecord(commitSeq, timestampNs, capsuleObjectID, markerID, prevMarker)
	encoded := record.ToBytes()

	path := SegmentPath(m.dir, m.active.SegmentID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return CommitMarkerRecord{}, Error.Wrap(err)
	}
	defer f.Close()
	if _, err := f.Write(encoded[:]); err != nil {
		return CommitMarkerRecord{}, Error.Wrap(err)
	}
	if err := f.Sync(); err != nil {
		return CommitMarkerRecord{}, Error.Wrap(err)
	}

	m.lastRecord = &record
	return record, nil
}

// Rotate switches the active segment to a new, strictly greater segment id.
// The chain (commit_seq/prev_marker) carries across the rotation.
func (m *Manager) Rotate(nextSegmentID, createdAt uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nextSegmentID <= m.active.SegmentID {
		return Error.New("next segment id %d must be greater than current %d", nextSegmentID, m.active.SegmentID)
	}
	startCommitSeq := uint64(0)
	if m.lastRecord != nil {
		startCommitSeq = m.lastRecord.CommitSeq + 1
	}
	next := MarkerSegmentHeader{SegmentID: nextSegmentID, StartCommitSeq: startCommitSeq, CreatedAt: createdAt}
	path := SegmentPath(m.dir, nextSegmentID)
	if err := writeNewSegment(path, next); err != nil {
		return err
	}
	m.active = next
	m.log.Info("rotated marker log segment", zap.Uint64("segment_id", nextSegmentID), zap.Uint64("start_commit_seq", startCommitSeq))
	return nil
}
