// Package stats maintains the per-collection (count, unread, size)
// aggregates, updated incrementally from committed mutations with a
// recomputation fallback for bulk moves.
package stats

import (
	"context"
	"sync"

	"github.com/pimd/pimd/internal/types"
)

// moveInvalidationBound caps how many items a cross-collection move may
// touch before the affected entries fall back to recomputation.
const moveInvalidationBound = 100

// Mode selects how cache misses are filled.
type Mode int

const (
	// OnDemand computes a single collection on first access.
	OnDemand Mode = iota
	// Prefetch batch-loads every collection on the first query; while the
	// cache stays warm, queries are pure lookups.
	Prefetch
)

// Loader supplies the exact aggregates from the store. *store.Store
// satisfies it via a thin adapter in the server wiring.
type Loader interface {
	LoadStats(ctx context.Context, colID int64) (types.Stats, error)
	LoadAllStats(ctx context.Context) (map[int64]types.Stats, error)
}

// Cache is the process-wide statistics cache. All methods are safe for
// concurrent use.
type Cache struct {
	mu        sync.Mutex
	mode      Mode
	loader    Loader
	entries   map[int64]types.Stats
	prefetched bool
}

// New creates a cache in the given mode.
func New(mode Mode, loader Loader) *Cache {
	return &Cache{mode: mode, loader: loader, entries: make(map[int64]types.Stats)}
}

// Get returns the aggregate for colID, filling the cache per the mode.
func (c *Cache) Get(ctx context.Context, colID int64) (types.Stats, error) {
	c.mu.Lock()
	if c.mode == Prefetch && !c.prefetched {
		all, err := c.loader.LoadAllStats(ctx)
		if err != nil {
			c.mu.Unlock()
			return types.Stats{}, err
		}
		c.entries = all
		c.prefetched = true
	}
	if st, ok := c.entries[colID]; ok {
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	st, err := c.loader.LoadStats(ctx, colID)
	if err != nil {
		return types.Stats{}, err
	}
	c.mu.Lock()
	c.entries[colID] = st
	c.mu.Unlock()
	return st, nil
}

// ItemAdded applies the incremental add rule.
func (c *Cache) ItemAdded(colID, size int64, seen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.entries[colID]
	if !ok {
		return
	}
	st.Count++
	if !seen {
		st.Unread++
	}
	st.Size += size
	c.entries[colID] = st
}

// ItemRemoved applies the symmetric inverse of ItemAdded.
func (c *Cache) ItemRemoved(colID, size int64, seen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.entries[colID]
	if !ok {
		return
	}
	st.Count--
	if !seen {
		st.Unread--
	}
	st.Size -= size
	c.entries[colID] = st
}

// ItemsSeenChanged adjusts the unread counter by -delta (delta is the
// number of items that became seen; negative when items became unseen).
func (c *Cache) ItemsSeenChanged(colID int64, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.entries[colID]
	if !ok {
		return
	}
	st.Unread -= delta
	c.entries[colID] = st
}

// ItemsMoved accounts for a cross-collection move. Moves above the bound
// invalidate both entries instead of tracking each item.
func (c *Cache) ItemsMoved(srcCol, destCol int64, items []types.Item, seen []bool) {
	if len(items) > moveInvalidationBound {
		c.Invalidate(srcCol)
		c.Invalidate(destCol)
		return
	}
	for i, it := range items {
		c.ItemRemoved(srcCol, it.Size, seen[i])
		c.ItemAdded(destCol, it.Size, seen[i])
	}
}

// Invalidate drops one entry; the next Get recomputes it.
func (c *Cache) Invalidate(colID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, colID)
}

// InvalidateAll drops everything, including the prefetch marker.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64]types.Stats)
	c.prefetched = false
}

// Remove drops the entry for a deleted collection without scheduling a
// recompute.
func (c *Cache) Remove(colID int64) {
	c.Invalidate(colID)
}
