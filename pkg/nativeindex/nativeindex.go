// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package nativeindex implements the native-mode read path (§3.6.4-§3.6.6):
// per-commit PageVersionIndexSegments carrying version pointers and a Bloom
// presence filter, the cache -> filter -> backward-scan -> materialize
// lookup algorithm, and deterministic, content-addressed segment
// construction via SegmentBuilder.
package nativeindex

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/errs"

	"fsqlite.io/core/pkg/bloomfilter"
	"fsqlite.io/core/pkg/ids"
	"fsqlite.io/core/pkg/providers"
)

// Error is the error class for the nativeindex package.
var Error = errs.Class("nativeindex")

// MaxPatchDepth bounds recursive patch materialization: a pointer chain
// longer than this is treated as corruption, not followed indefinitely.
const MaxPatchDepth = 8

// PatchKind identifies how a patch object's bytes should be applied to
// reconstruct a page.
type PatchKind uint8

const (
	// PatchKindFullImage means the patch bytes ARE the full page image.
	PatchKindFullImage PatchKind = iota
	// PatchKindIntentLog means the patch bytes are a sequence of
	// offset/length/data overwrite operations against a base page.
	PatchKindIntentLog
	// PatchKindSparseXor means the patch bytes are a sequence of
	// offset/length/delta XOR operations against a base page.
	PatchKindSparseXor
)

func (k PatchKind) String() string {
	switch k {
	case PatchKindFullImage:
		return "full_image"
	case PatchKindIntentLog:
		return "intent_log"
	case PatchKindSparseXor:
		return "sparse_xor"
	default:
		return "unknown"
	}
}

// VersionPointer names the commit and patch object that produced one page
// version, plus the patch kind needed to materialize it.
type VersionPointer struct {
	CommitSeq   uint64
	PatchObject ids.ObjectId
	PatchKind   PatchKind
	// BaseHint, if non-nil, names the object to use as the materialization
	// base instead of the caller-supplied base page (used when a patch
	// chains off another patch object rather than the raw base page).
	BaseHint *ids.ObjectId
}

const versionPointerBytes = 8 + ids.Size + 1 + 1 + ids.Size

// ToBytes renders the pointer to a fixed-width canonical form, used as input
// to segment object-id derivation.
func (p VersionPointer) ToBytes() []byte {
	out := make([]byte, versionPointerBytes)
	binary.LittleEndian.PutUint64(out[0:8], p.CommitSeq)
	copy(out[8:8+ids.Size], p.PatchObject[:])
	out[8+ids.Size] = byte(p.PatchKind)
	offset := 8 + ids.Size + 1
	if p.BaseHint != nil {
		out[offset] = 1
		copy(out[offset+1:offset+1+ids.Size], p.BaseHint[:])
	}
	return out
}

// SegmentEntry is one (page, pointer) pair within a segment.
type SegmentEntry struct {
	Page    ids.PageNumber
	Pointer VersionPointer
}

// PageVersionIndexSegment is a deterministic, content-addressed snapshot of
// page-version updates across an inclusive commit-sequence range.
type PageVersionIndexSegment struct {
	StartSeq uint64
	EndSeq   uint64
	Entries  []SegmentEntry
	Bloom    *bloomfilter.Filter
}

// NewSegment builds a segment from an unordered entry list, sorting entries
// by (page, commit_seq) and constructing the presence filter.
func NewSegment(startSeq, endSeq uint64, entries []SegmentEntry) PageVersionIndexSegment {
	sorted := append([]SegmentEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Page != sorted[j].Page {
			return sorted[i].Page < sorted[j].Page
		}
		return sorted[i].Pointer.CommitSeq < sorted[j].Pointer.CommitSeq
	})

	n := len(sorted)
	if n == 0 {
		n = 1
	}
	filter := bloomfilter.NewFilter(n, 0.01)
	for _, e := range sorted {
		filter.Add(e.Page)
	}

	return PageVersionIndexSegment{
		StartSeq: startSeq,
		EndSeq:   endSeq,
		Entries:  sorted,
		Bloom:    filter,
	}
}

// MaybeContains reports whether page might be present in this segment
// (Bloom filter presence check: never a false negative).
func (s PageVersionIndexSegment) MaybeContains(page ids.PageNumber) bool {
	if s.Bloom == nil {
		return true
	}
	return s.Bloom.Contains(page)
}

// Lookup returns the newest version pointer for page with
// commit_seq <= snapshotHigh, or nil if none exists in this segment.
func (s PageVersionIndexSegment) Lookup(page ids.PageNumber, snapshotHigh uint64) *VersionPointer {
	var best *VersionPointer
	for i := range s.Entries {
		e := &s.Entries[i]
		if e.Page != page {
			continue
		}
		if e.Pointer.CommitSeq > snapshotHigh {
			continue
		}
		if best == nil || e.Pointer.CommitSeq > best.CommitSeq {
			best = &e.Pointer
		}
	}
	return best
}

// DeriveSegmentObjectId deterministically derives the ECS object id of a
// segment from its canonical byte representation.
func DeriveSegmentObjectId(segment PageVersionIndexSegment) ids.ObjectId {
	return ids.DeriveFromCanonicalBytes(canonicalSegmentBytes(segment))
}

func canonicalSegmentBytes(segment PageVersionIndexSegment) []byte {
	var out []byte
	var buf8 [8]byte

	binary.LittleEndian.PutUint64(buf8[:], segment.StartSeq)
	out = append(out, buf8[:]...)
	binary.LittleEndian.PutUint64(buf8[:], segment.EndSeq)
	out = append(out, buf8[:]...)
	binary.LittleEndian.PutUint64(buf8[:], uint64(len(segment.Entries)))
	out = append(out, buf8[:]...)

	for _, e := range segment.Entries {
		var buf4 [4]byte
		binary.LittleEndian.PutUint32(buf4[:], e.Page.Get())
		out = append(out, buf4[:]...)

		vpBytes := e.Pointer.ToBytes()
		binary.LittleEndian.PutUint64(buf8[:], uint64(len(vpBytes)))
		out = append(out, buf8[:]...)
		out = append(out, vpBytes...)
	}
	return out
}

// BuiltIndexSegment is a freshly constructed segment plus its derived
// object id.
type BuiltIndexSegment struct {
	Segment  PageVersionIndexSegment
	ObjectID ids.ObjectId
}

// SegmentBuilder deterministically accumulates page-version updates into
// bounded-size segments, flushing automatically once MaxEntries is reached.
type SegmentBuilder struct {
	maxEntries int
	haveRange  bool
	startSeq   uint64
	endSeq     uint64
	pending    map[pendingKey]VersionPointer
	order      []pendingKey
}

type pendingKey struct {
	page      uint32
	commitSeq uint64
}

// NewSegmentBuilder constructs a builder that flushes after maxEntries
// pending updates.
func NewSegmentBuilder(maxEntries int) (*SegmentBuilder, error) {
	if maxEntries <= 0 {
		return nil, Error.New("out_of_range: segment_builder.max_entries must be > 0, got %d", maxEntries)
	}
	return &SegmentBuilder{
		maxEntries: maxEntries,
		pending:    make(map[pendingKey]VersionPointer),
	}, nil
}

// IngestCommit folds one commit's worth of page updates into the builder,
// auto-flushing (and returning the flushed segment) once max_entries is hit.
func (b *SegmentBuilder) IngestCommit(commitSeq uint64, updates []SegmentEntry) (*BuiltIndexSegment, error) {
	for _, u := range updates {
		if u.Pointer.CommitSeq != commitSeq {
			return nil, Error.New("type_mismatch: expected pointer.commit_seq == %d, got %d", commitSeq, u.Pointer.CommitSeq)
		}
		key := pendingKey{page: u.Page.Get(), commitSeq: u.Pointer.CommitSeq}
		if _, exists := b.pending[key]; !exists {
			b.order = append(b.order, key)
		}
		b.pending[key] = u.Pointer
	}

	if !b.haveRange {
		b.startSeq, b.endSeq = commitSeq, commitSeq
		b.haveRange = true
	} else {
		if commitSeq < b.startSeq {
			b.startSeq = commitSeq
		}
		if commitSeq > b.endSeq {
			b.endSeq = commitSeq
		}
	}

	if len(b.pending) >= b.maxEntries {
		return b.Flush()
	}
	return nil, nil
}

// Flush materializes any pending updates into a deterministic segment,
// resetting the builder's accumulation state.
func (b *SegmentBuilder) Flush() (*BuiltIndexSegment, error) {
	if len(b.pending) == 0 {
		return nil, nil
	}

	entries := make([]SegmentEntry, 0, len(b.pending))
	for _, key := range b.order {
		pointer, ok := b.pending[key]
		if !ok {
			continue
		}
		page, err := ids.NewPageNumber(key.page)
		if err != nil {
			return nil, Error.New("database_corrupt: segment builder produced invalid page number %d", key.page)
		}
		entries = append(entries, SegmentEntry{Page: page, Pointer: pointer})
	}

	segment := NewSegment(b.startSeq, b.endSeq, entries)
	objectID := DeriveSegmentObjectId(segment)

	b.pending = make(map[pendingKey]VersionPointer)
	b.order = nil
	b.haveRange = false

	return &BuiltIndexSegment{Segment: segment, ObjectID: objectID}, nil
}

// LookupTrace is structured telemetry for one lookup call.
type LookupTrace struct {
	CacheHit           bool
	FilterHit          bool
	SegmentScans       uint64
	ResolvedCommitSeq  *uint64
}

// LookupResult is the outcome of LookupPageVersion.
type LookupResult struct {
	PageBytes        []byte
	ResolvedPointer  *VersionPointer
	Trace            LookupTrace
}

// LookupPageVersion implements the native-mode read algorithm: cache check,
// Bloom presence check, backward segment scan, then patch fetch and
// materialization.
func LookupPageVersion(
	page ids.PageNumber,
	snapshotHigh uint64,
	segments []PageVersionIndexSegment,
	cache *providers.PageCache,
	baseProvider providers.BasePageProvider,
	patchStore providers.PatchObjectStore,
	symbolLossRateEstimate float64,
) (LookupResult, error) {
	if cached, ok := cache.Get(page, snapshotHigh); ok {
		return LookupResult{
			PageBytes: cached,
			Trace:     LookupTrace{CacheHit: true},
		}, nil
	}

	if !versionMaybePresent(page, snapshotHigh, segments) {
		return baseFallbackResult(page, snapshotHigh, cache, baseProvider, false, 0)
	}

	pointer, scans := lookupPointerInSegments(page, snapshotHigh, segments)
	if pointer == nil {
		return baseFallbackResult(page, snapshotHigh, cache, baseProvider, true, scans)
	}

	return materializedResult(page, snapshotHigh, *pointer, scans, cache, baseProvider, patchStore, symbolLossRateEstimate)
}

func versionMaybePresent(page ids.PageNumber, snapshotHigh uint64, segments []PageVersionIndexSegment) bool {
	for _, s := range segments {
		if s.StartSeq <= snapshotHigh && s.MaybeContains(page) {
			return true
		}
	}
	return false
}

func lookupPointerInSegments(page ids.PageNumber, snapshotHigh uint64, segments []PageVersionIndexSegment) (*VersionPointer, uint64) {
	ordered := append([]PageVersionIndexSegment(nil), segments...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].EndSeq > ordered[j].EndSeq })

	var scans uint64
	for _, segment := range ordered {
		if segment.StartSeq > snapshotHigh {
			continue
		}
		scans++
		if pointer := segment.Lookup(page, snapshotHigh); pointer != nil {
			return pointer, scans
		}
	}
	return nil, scans
}

func baseFallbackResult(
	page ids.PageNumber,
	snapshotHigh uint64,
	cache *providers.PageCache,
	baseProvider providers.BasePageProvider,
	filterHit bool,
	segmentScans uint64,
) (LookupResult, error) {
	base, err := baseProvider.LoadBasePage(page)
	if err != nil {
		return LookupResult{}, Error.Wrap(err)
	}
	cache.Insert(page, snapshotHigh, base)
	return LookupResult{
		PageBytes: base,
		Trace: LookupTrace{
			FilterHit:    filterHit,
			SegmentScans: segmentScans,
		},
	}, nil
}

func materializedResult(
	page ids.PageNumber,
	snapshotHigh uint64,
	pointer VersionPointer,
	segmentScans uint64,
	cache *providers.PageCache,
	baseProvider providers.BasePageProvider,
	patchStore providers.PatchObjectStore,
	symbolLossRateEstimate float64,
) (LookupResult, error) {
	patchBytes, err := patchStore.FetchPatchObject(pointer.PatchObject)
	if err != nil {
		return LookupResult{}, Error.Wrap(err)
	}
	baseBytes, err := baseProvider.LoadBasePage(page)
	if err != nil {
		return LookupResult{}, Error.Wrap(err)
	}

	pageBytes, err := materializePatch(pointer, patchBytes, baseBytes, patchStore, 0)
	if err != nil {
		return LookupResult{}, err
	}

	cache.Insert(page, snapshotHigh, pageBytes)
	commitSeq := pointer.CommitSeq
	return LookupResult{
		PageBytes:       pageBytes,
		ResolvedPointer: &pointer,
		Trace: LookupTrace{
			FilterHit:         true,
			SegmentScans:      segmentScans,
			ResolvedCommitSeq: &commitSeq,
		},
	}, nil
}

func materializePatch(
	pointer VersionPointer,
	patchBytes []byte,
	basePage []byte,
	patchStore providers.PatchObjectStore,
	depth int,
) ([]byte, error) {
	if depth > MaxPatchDepth {
		return nil, Error.New("database_corrupt: reason_code=materialize_depth_exceeded depth=%d", depth)
	}

	switch pointer.PatchKind {
	case PatchKindFullImage:
		out := make([]byte, len(patchBytes))
		copy(out, patchBytes)
		return out, nil
	case PatchKindIntentLog:
		out, err := resolveBaseBytes(pointer, basePage, patchStore)
		if err != nil {
			return nil, err
		}
		if err := applyIntentLogPatch(out, patchBytes); err != nil {
			return nil, err
		}
		return out, nil
	case PatchKindSparseXor:
		out, err := resolveBaseBytes(pointer, basePage, patchStore)
		if err != nil {
			return nil, err
		}
		if err := applySparseXorPatch(out, patchBytes); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, Error.New("invalid: unknown patch kind %d", pointer.PatchKind)
	}
}

func resolveBaseBytes(pointer VersionPointer, basePage []byte, patchStore providers.PatchObjectStore) ([]byte, error) {
	if pointer.BaseHint != nil {
		bytes, err := patchStore.FetchPatchObject(*pointer.BaseHint)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		out := make([]byte, len(bytes))
		copy(out, bytes)
		return out, nil
	}
	out := make([]byte, len(basePage))
	copy(out, basePage)
	return out, nil
}

// applyIntentLogPatch applies a sequence of (offset, len, data) overwrite
// operations: [op_count: u8][offset: u16le][len: u16le][data: len]...
func applyIntentLogPatch(out []byte, patchBytes []byte) error {
	cursor := 0
	opCount, err := readU8(patchBytes, &cursor, "intent.op_count")
	if err != nil {
		return err
	}
	for i := 0; i < int(opCount); i++ {
		offset, err := readU16LE(patchBytes, &cursor, "intent.op.offset")
		if err != nil {
			return err
		}
		length, err := readU16LE(patchBytes, &cursor, "intent.op.len")
		if err != nil {
			return err
		}
		data, err := readSlice(patchBytes, &cursor, int(length), "intent.op.data")
		if err != nil {
			return err
		}
		end := int(offset) + int(length)
		if end > len(out) {
			return Error.New("database_corrupt: intent patch op %d out of bounds: end=%d, page_len=%d", i, end, len(out))
		}
		copy(out[offset:end], data)
	}
	if cursor != len(patchBytes) {
		return Error.New("database_corrupt: intent patch trailing bytes: parsed=%d, actual=%d", cursor, len(patchBytes))
	}
	return nil
}

// applySparseXorPatch applies a sequence of (offset, len, delta) XOR
// operations against out, same wire shape as the intent-log patch.
func applySparseXorPatch(out []byte, patchBytes []byte) error {
	cursor := 0
	opCount, err := readU8(patchBytes, &cursor, "xor.op_count")
	if err != nil {
		return err
	}
	for i := 0; i < int(opCount); i++ {
		offset, err := readU16LE(patchBytes, &cursor, "xor.op.offset")
		if err != nil {
			return err
		}
		length, err := readU16LE(patchBytes, &cursor, "xor.op.len")
		if err != nil {
			return err
		}
		data, err := readSlice(patchBytes, &cursor, int(length), "xor.op.data")
		if err != nil {
			return err
		}
		end := int(offset) + int(length)
		if end > len(out) {
			return Error.New("database_corrupt: sparse-xor patch op %d out of bounds: end=%d, page_len=%d", i, end, len(out))
		}
		for j, delta := range data {
			out[int(offset)+j] ^= delta
		}
	}
	if cursor != len(patchBytes) {
		return Error.New("database_corrupt: sparse-xor patch trailing bytes: parsed=%d, actual=%d", cursor, len(patchBytes))
	}
	return nil
}

func readU8(b []byte, cursor *int, field string) (uint8, error) {
	if *cursor+1 > len(b) {
		return 0, Error.New("database_corrupt: %s out of bounds: end=%d, len=%d", field, *cursor+1, len(b))
	}
	v := b[*cursor]
	*cursor++
	return v, nil
}

func readU16LE(b []byte, cursor *int, field string) (uint16, error) {
	if *cursor+2 > len(b) {
		return 0, Error.New("database_corrupt: %s out of bounds: end=%d, len=%d", field, *cursor+2, len(b))
	}
	v := binary.LittleEndian.Uint16(b[*cursor : *cursor+2])
	*cursor += 2
	return v, nil
}

func readSlice(b []byte, cursor *int, length int, field string) ([]byte, error) {
	if *cursor+length > len(b) {
		return nil, Error.New("database_corrupt: %s out of bounds: end=%d, len=%d", field, *cursor+length, len(b))
	}
	out := b[*cursor : *cursor+length]
	*cursor += length
	return out, nil
}
