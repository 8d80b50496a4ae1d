package decoder

import (
	"sync"

	"collab-sync-server/internal/crdt"
	"collab-sync-server/internal/database"
)

type cacheKey struct {
	row   string
	field string
}

type cacheEntry struct {
	cellRev  crdt.Revision
	fieldRev crdt.Revision
	value    Value
	sortKey  SortKey
}

// Cache memoizes decoded cells per (row, field). An entry is reused until
// either the cell's or the field's revision changes, and is only rebuilt
// when read.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
	misses  int
}

func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]cacheEntry)}
}

func (c *Cache) lookup(rowID string, f database.Field, cell database.Cell, ok bool) cacheEntry {
	key := cacheKey{row: rowID, field: f.ID}
	cellRev := cell.Revision
	if !ok {
		cellRev = crdt.Revision{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, hit := c.entries[key]; hit && e.cellRev == cellRev && e.fieldRev == f.Revision {
		return e
	}
	c.misses++
	v := DecodeCell(f, cell, ok)
	e := cacheEntry{cellRev: cellRev, fieldRev: f.Revision, value: v, sortKey: ForSort(v)}
	c.entries[key] = e
	return e
}

func (c *Cache) Value(rowID string, f database.Field, cell database.Cell, ok bool) Value {
	return c.lookup(rowID, f, cell, ok).value
}

func (c *Cache) SortKey(rowID string, f database.Field, cell database.Cell, ok bool) SortKey {
	return c.lookup(rowID, f, cell, ok).sortKey
}

// Forget drops every entry of a row.
func (c *Cache) Forget(rowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.row == rowID {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached cells.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Misses returns how many decodes the cache has performed.
func (c *Cache) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.misses
}
