// Copyright (C) 2024 The FrankenSQLite Authors.
// See LICENSE for copying information.

// Package providers defines the narrow read-side interfaces the native
// index's lookup path depends on (§6.2), plus the hot-path page cache keyed
// by (page, snapshot_high). Concrete implementations (disk, ECS fetch,
// network) live outside this module; providers only fixes the contract.
package providers

import (
	"sync"

	"fsqlite.io/core/pkg/ids"
)

// BasePageProvider loads a base page image, used as the step-2 fallback when
// no version pointer resolves and as the materialization base for patches
// with no base_hint.
type BasePageProvider interface {
	LoadBasePage(page ids.PageNumber) ([]byte, error)
}

// PatchObjectStore fetches ECS patch object payload bytes by ObjectId.
type PatchObjectStore interface {
	FetchPatchObject(objectID ids.ObjectId) ([]byte, error)
}

type pageCacheKey struct {
	page         uint32
	snapshotHigh uint64
}

// PageCache is the hot-path cache keyed by (page, snapshot_high). It is a
// plain unbounded map: re-inserting a key overwrites its bytes, and nothing
// is ever evicted.
type PageCache struct {
	mu      sync.Mutex
	entries map[pageCacheKey][]byte
}

// NewPageCache constructs an empty cache.
func NewPageCache() *PageCache {
	return &PageCache{entries: make(map[pageCacheKey][]byte)}
}

// Insert records bytes as the materialized page for (page, snapshotHigh).
func (c *PageCache) Insert(page ids.PageNumber, snapshotHigh uint64, bytes []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(bytes))
	copy(stored, bytes)
	c.entries[pageCacheKey{page: page.Get(), snapshotHigh: snapshotHigh}] = stored
}

// Get returns the cached bytes for (page, snapshotHigh), if present.
func (c *PageCache) Get(page ids.PageNumber, snapshotHigh uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bytes, ok := c.entries[pageCacheKey{page: page.Get(), snapshotHigh: snapshotHigh}]
	return bytes, ok
}
