// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mentions

import (
	"container/list"
	"sync"
	"time"
)

// =============================================================================
// FILE CACHE
// =============================================================================

// FileCache is an LRU cache of file contents keyed by absolute path. An
// entry is only served while the file's modification time and size match
// what was cached.
type FileCache struct {
	mu          sync.Mutex
	entries     map[string]*list.Element
	order       *list.List // front = most recently used
	maxEntries  int
	maxSize     int64
	currentSize int64

	hits   int
	misses int
}

type cacheEntry struct {
	path    string
	content string
	modTime time.Time
	size    int64
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Hits       int
	Misses     int
	EntryCount int
	TotalSize  int64
	HitRate    float64
}

// NewFileCache creates a cache holding at most maxEntries files and
// maxSize bytes. Non-positive limits select 100 entries and 16MB.
func NewFileCache(maxEntries int, maxSize int64) *FileCache {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if maxSize <= 0 {
		maxSize = 16 * 1024 * 1024
	}
	return &FileCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxSize:    maxSize,
	}
}

// Get returns the cached content of path if it is still current.
func (fc *FileCache) Get(path string, modTime time.Time, size int64) (string, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	el, ok := fc.entries[path]
	if !ok {
		fc.misses++
		return "", false
	}
	e := el.Value.(*cacheEntry)
	if !e.modTime.Equal(modTime) || e.size != size {
		fc.removeLocked(el)
		fc.misses++
		return "", false
	}
	fc.order.MoveToFront(el)
	fc.hits++
	return e.content, true
}

// Put caches content. Files larger than a tenth of the cache are skipped.
func (fc *FileCache) Put(path, content string, modTime time.Time, size int64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	n := int64(len(content))
	if n > fc.maxSize/10 {
		return
	}
	if el, ok := fc.entries[path]; ok {
		fc.removeLocked(el)
	}
	for fc.order.Len() > 0 && (fc.currentSize+n > fc.maxSize || fc.order.Len() >= fc.maxEntries) {
		fc.removeLocked(fc.order.Back())
	}

	fc.entries[path] = fc.order.PushFront(&cacheEntry{path: path, content: content, modTime: modTime, size: size})
	fc.currentSize += n
}

// Invalidate drops path from the cache.
func (fc *FileCache) Invalidate(path string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if el, ok := fc.entries[path]; ok {
		fc.removeLocked(el)
	}
}

// Stats returns cache statistics.
func (fc *FileCache) Stats() CacheStats {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	rate := 0.0
	if total := fc.hits + fc.misses; total > 0 {
		rate = float64(fc.hits) / float64(total)
	}
	return CacheStats{
		Hits:       fc.hits,
		Misses:     fc.misses,
		EntryCount: fc.order.Len(),
		TotalSize:  fc.currentSize,
		HitRate:    rate,
	}
}

// removeLocked removes an entry (must hold lock).
func (fc *FileCache) removeLocked(el *list.Element) {
	e := fc.order.Remove(el).(*cacheEntry)
	delete(fc.entries, e.path)
	fc.currentSize -= int64(len(e.content))
}
