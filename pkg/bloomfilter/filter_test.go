// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

package bloomfilter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fsqlite.io/core/pkg/ids"
)

// generates a run of page numbers, adds most of them to the filter, and
// checks every added page against it: membership must never produce a
// false negative.

func generatePages(n int) []ids.PageNumber {
	pages := make([]ids.PageNumber, n)
	for i := 0; i < n; i++ {
		pages[i] = ids.PageNumber(i + 1)
	}
	return pages
}

func TestNoFalseNegative(t *testing.T) {
	totalPages := 100000
	pagesInFilter := 95000
	pages := generatePages(totalPages)

	filter := NewFilter(len(pages), 0.01)
	for _, page := range pages[:pagesInFilter] {
		filter.Add(page)
	}

	for _, page := range pages[:pagesInFilter] {
		require.True(t, filter.Contains(page), "filter returned false negative for page %d", page)
	}
}

func TestAbsentPageMayReportFalseButNeverPanics(t *testing.T) {
	filter := NewFilter(10, 0.01)
	filter.Add(ids.PageNumber(1))
	filter.Add(ids.PageNumber(2))

	// Never-inserted pages should mostly read absent; the contract only
	// guarantees no false negatives, not the absence of false positives.
	require.NotPanics(t, func() {
		filter.Contains(ids.PageNumber(999999))
	})
}

func TestEmptyFilterContainsNothing(t *testing.T) {
	filter := NewFilter(10, 0.01)
	require.False(t, filter.Contains(ids.PageNumber(1)))
}
