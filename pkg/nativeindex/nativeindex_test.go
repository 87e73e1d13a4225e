// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package nativeindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fsqlite.io/core/pkg/ids"
	"fsqlite.io/core/pkg/providers"
)

func pageN(n uint32) ids.PageNumber {
	p, err := ids.NewPageNumber(n)
	if err != nil {
		panic(err)
	}
	return p
}

type fakeBaseProvider struct {
	pages map[uint32][]byte
}

func (f *fakeBaseProvider) LoadBasePage(page ids.PageNumber) ([]byte, error) {
	b, ok := f.pages[page.Get()]
	if !ok {
		return nil, Error.New("no base page for %d", page.Get())
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

type fakePatchStore struct {
	objects map[ids.ObjectId][]byte
}

func (f *fakePatchStore) FetchPatchObject(objectID ids.ObjectId) ([]byte, error) {
	b, ok := f.objects[objectID]
	if !ok {
		return nil, Error.New("no patch object %s", objectID)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func objectIDFromByte(b byte) ids.ObjectId {
	var id ids.ObjectId
	id[0] = b
	return id
}

func TestSegmentLookupReturnsNewestVisiblePointer(t *testing.T) {
	patchObj := objectIDFromByte(1)
	entries := []SegmentEntry{
		{Page: pageN(10), Pointer: VersionPointer{CommitSeq: 5, PatchObject: patchObj, PatchKind: PatchKindFullImage}},
		{Page: pageN(10), Pointer: VersionPointer{CommitSeq: 8, PatchObject: patchObj, PatchKind: PatchKindFullImage}},
		{Page: pageN(10), Pointer: VersionPointer{CommitSeq: 12, PatchObject: patchObj, PatchKind: PatchKindFullImage}},
	}
	segment := NewSegment(1, 12, entries)

	found := segment.Lookup(pageN(10), 9)
	require.NotNil(t, found)
	require.Equal(t, uint64(8), found.CommitSeq)

	require.Nil(t, segment.Lookup(pageN(10), 3))
	require.Nil(t, segment.Lookup(pageN(99), 100))
}

func TestSegmentObjectIdIsDeterministic(t *testing.T) {
	entries := []SegmentEntry{
		{Page: pageN(1), Pointer: VersionPointer{CommitSeq: 1, PatchObject: objectIDFromByte(1)}},
	}
	a := NewSegment(1, 1, entries)
	b := NewSegment(1, 1, entries)
	require.Equal(t, DeriveSegmentObjectId(a), DeriveSegmentObjectId(b))
}

func TestSegmentBuilderFlushesAtMaxEntries(t *testing.T) {
	builder, err := NewSegmentBuilder(2)
	require.NoError(t, err)

	built, err := builder.IngestCommit(1, []SegmentEntry{
		{Page: pageN(1), Pointer: VersionPointer{CommitSeq: 1, PatchObject: objectIDFromByte(1)}},
	})
	require.NoError(t, err)
	require.Nil(t, built)

	built, err = builder.IngestCommit(2, []SegmentEntry{
		{Page: pageN(2), Pointer: VersionPointer{CommitSeq: 2, PatchObject: objectIDFromByte(2)}},
	})
	require.NoError(t, err)
	require.NotNil(t, built)
	require.Len(t, built.Segment.Entries, 2)
	require.Equal(t, uint64(1), built.Segment.StartSeq)
	require.Equal(t, uint64(2), built.Segment.EndSeq)
}

func TestSegmentBuilderRejectsMismatchedCommitSeq(t *testing.T) {
	builder, err := NewSegmentBuilder(10)
	require.NoError(t, err)

	_, err = builder.IngestCommit(5, []SegmentEntry{
		{Page: pageN(1), Pointer: VersionPointer{CommitSeq: 6, PatchObject: objectIDFromByte(1)}},
	})
	require.Error(t, err)
}

func TestSegmentBuilderRejectsZeroMaxEntries(t *testing.T) {
	_, err := NewSegmentBuilder(0)
	require.Error(t, err)
}

func TestLookupPageVersionCacheHit(t *testing.T) {
	cache := providers.NewPageCache()
	cache.Insert(pageN(1), 100, []byte("cached"))

	result, err := LookupPageVersion(pageN(1), 100, nil, cache, &fakeBaseProvider{}, &fakePatchStore{}, 0)
	require.NoError(t, err)
	require.True(t, result.Trace.CacheHit)
	require.Equal(t, []byte("cached"), result.PageBytes)
}

func TestLookupPageVersionFallsBackToBaseOnFilterMiss(t *testing.T) {
	cache := providers.NewPageCache()
	base := &fakeBaseProvider{pages: map[uint32][]byte{1: []byte("base-page")}}

	result, err := LookupPageVersion(pageN(1), 100, nil, cache, base, &fakePatchStore{}, 0)
	require.NoError(t, err)
	require.False(t, result.Trace.CacheHit)
	require.False(t, result.Trace.FilterHit)
	require.Equal(t, []byte("base-page"), result.PageBytes)
}

func TestLookupPageVersionMaterializesFullImage(t *testing.T) {
	patchObj := objectIDFromByte(7)
	segment := NewSegment(1, 10, []SegmentEntry{
		{Page: pageN(1), Pointer: VersionPointer{CommitSeq: 5, PatchObject: patchObj, PatchKind: PatchKindFullImage}},
	})

	cache := providers.NewPageCache()
	base := &fakeBaseProvider{pages: map[uint32][]byte{1: []byte("base-page")}}
	patches := &fakePatchStore{objects: map[ids.ObjectId][]byte{patchObj: []byte("full-image-bytes")}}

	result, err := LookupPageVersion(pageN(1), 10, []PageVersionIndexSegment{segment}, cache, base, patches, 0)
	require.NoError(t, err)
	require.True(t, result.Trace.FilterHit)
	require.Equal(t, []byte("full-image-bytes"), result.PageBytes)
	require.NotNil(t, result.ResolvedPointer)
	require.Equal(t, uint64(5), result.ResolvedPointer.CommitSeq)

	cached, ok := cache.Get(pageN(1), 10)
	require.True(t, ok)
	require.Equal(t, []byte("full-image-bytes"), cached)
}

func TestLookupPageVersionMaterializesIntentLog(t *testing.T) {
	patchObj := objectIDFromByte(8)
	segment := NewSegment(1, 10, []SegmentEntry{
		{Page: pageN(1), Pointer: VersionPointer{CommitSeq: 5, PatchObject: patchObj, PatchKind: PatchKindIntentLog}},
	})

	// 1 op: offset=2, len=3, data="XYZ"
	patchBytes := []byte{1, 2, 0, 3, 0, 'X', 'Y', 'Z'}

	cache := providers.NewPageCache()
	base := &fakeBaseProvider{pages: map[uint32][]byte{1: []byte("AAAAAAAA")}}
	patches := &fakePatchStore{objects: map[ids.ObjectId][]byte{patchObj: patchBytes}}

	result, err := LookupPageVersion(pageN(1), 10, []PageVersionIndexSegment{segment}, cache, base, patches, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("AAXYZAAA"), result.PageBytes)
}

func TestLookupPageVersionMaterializesSparseXor(t *testing.T) {
	patchObj := objectIDFromByte(9)
	segment := NewSegment(1, 10, []SegmentEntry{
		{Page: pageN(1), Pointer: VersionPointer{CommitSeq: 5, PatchObject: patchObj, PatchKind: PatchKindSparseXor}},
	})

	// 1 op: offset=0, len=1, delta=0xFF
	patchBytes := []byte{1, 0, 0, 1, 0, 0xFF}

	cache := providers.NewPageCache()
	base := &fakeBaseProvider{pages: map[uint32][]byte{1: {0x00}}}
	patches := &fakePatchStore{objects: map[ids.ObjectId][]byte{patchObj: patchBytes}}

	result, err := LookupPageVersion(pageN(1), 10, []PageVersionIndexSegment{segment}, cache, base, patches, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF}, result.PageBytes)
}

func TestMaterializePatchRejectsExcessiveDepth(t *testing.T) {
	_, err := materializePatch(VersionPointer{PatchKind: PatchKindFullImage}, nil, nil, &fakePatchStore{}, MaxPatchDepth+1)
	require.Error(t, err)
}
