// Package filecache implements the node's bounded cache of open index
// files: an LRU of capacity 64 layered with a 30s TTL sweep, so that
// repeated serves of a popular file reuse one *os.File instead of
// reopening it, while handles that go cold get closed. See spec §3 "Open-
// file cache" and §4.B.
package filecache

import (
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/privateshare/node/xerr"
)

// Capacity is the maximum number of distinct open files the cache holds
// before it evicts the least-recently-used entry.
const Capacity = 64

// TTL is how long an entry may go unused before Sweep evicts it.
const TTL = 30 * time.Second

// Handle is a reference-counted wrapper around a cached *os.File. Callers
// must call Close when done; the underlying file is only actually closed
// once both the cache has evicted it and every outstanding Handle has been
// closed.
type Handle struct {
	entry *entry
}

// File returns the underlying open file. It remains valid until Close.
func (h *Handle) File() *os.File { return h.entry.file }

// ReadAt reads from the underlying file at the given offset, satisfying
// io.ReaderAt for callers that only need a positional read.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.entry.file.ReadAt(p, off)
}

// Close releases this reference. When the entry has been evicted from the
// cache and its refcount drops to zero, the file is closed.
func (h *Handle) Close() error {
	return h.entry.release()
}

type entry struct {
	mu       sync.Mutex
	file     *os.File
	lastUse  time.Time
	refCount int
	evicted  bool
}

func (e *entry) touch(now time.Time) {
	e.mu.Lock()
	e.lastUse = now
	e.mu.Unlock()
}

func (e *entry) acquire() *Handle {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
	return &Handle{entry: e}
}

func (e *entry) release() error {
	e.mu.Lock()
	e.refCount--
	shouldClose := e.refCount <= 0 && e.evicted
	e.mu.Unlock()
	if shouldClose {
		return e.file.Close()
	}
	return nil
}

func (e *entry) markEvicted() error {
	e.mu.Lock()
	e.evicted = true
	shouldClose := e.refCount <= 0
	e.mu.Unlock()
	if shouldClose {
		return e.file.Close()
	}
	return nil
}

func (e *entry) idleSince(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastUse)
}

// Cache is a bounded, refcounted LRU of open *os.File handles, keyed by
// content hash.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *entry]
	clock func() time.Time
}

// New returns an empty Cache. Capacity eviction happens automatically;
// callers must call Sweep periodically (the node loop does this after
// every iteration) to apply the TTL.
func New() *Cache {
	c := &Cache{clock: time.Now}
	l, err := lru.NewWithEvict[string, *entry](Capacity, func(_ string, e *entry) {
		_ = e.markEvicted()
	})
	if err != nil {
		// Capacity is a positive compile-time constant; NewWithEvict only
		// errors for size <= 0.
		panic(err)
	}
	c.lru = l
	return c
}

// GetOrOpen returns a handle to the cached file for hash, refreshing its
// last-use time, or calls open to create one and inserts it.
func (c *Cache) GetOrOpen(hash string, open func() (*os.File, error)) (*Handle, error) {
	now := c.clock()

	c.mu.Lock()
	if e, ok := c.lru.Get(hash); ok {
		c.mu.Unlock()
		e.touch(now)
		return e.acquire(), nil
	}
	c.mu.Unlock()

	f, err := open()
	if err != nil {
		return nil, xerr.Wrapf(xerr.Other, "open index file for "+hash, err)
	}

	e := &entry{file: f, lastUse: now}

	c.mu.Lock()
	if existing, ok := c.lru.Get(hash); ok {
		// Lost a race with a concurrent opener; use the entry that won
		// and drop ours.
		c.mu.Unlock()
		f.Close()
		existing.touch(now)
		return existing.acquire(), nil
	}
	c.lru.Add(hash, e)
	c.mu.Unlock()

	return e.acquire(), nil
}

// Sweep evicts every entry whose last use is older than TTL. Eviction
// closes the underlying file only once its refcount reaches zero, so
// handles in active use are never closed out from under a caller.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	keys := c.lru.Keys()
	var stale []string
	for _, k := range keys {
		if e, ok := c.lru.Peek(k); ok && e.idleSince(now) > TTL {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		c.lru.Remove(k)
	}
	c.mu.Unlock()
}

// Len reports the number of entries currently cached, for tests and
// diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
