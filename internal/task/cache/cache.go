// Package cache mirrors the pending task set in memory.
//
// Status queries read only from the cache; it may lag the store briefly.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"autochat/internal/storage"
)

// Entry is the lightweight view of a pending task.
type Entry struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	Seq           int       `json:"seq"`
	NextExecution time.Time `json:"next_execution"`
	TargetType    string    `json:"target_type,omitempty"`
}

func FromTask(t storage.Task) Entry {
	return Entry{ID: t.ID, Kind: t.Kind, Seq: t.Seq, NextExecution: t.NextExecution, TargetType: t.TargetType}
}

// PendingLister is the store subset Sync needs.
type PendingLister interface {
	FindAllPending(ctx context.Context) ([]storage.Task, error)
}

type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Cache {
	return &Cache{entries: map[string]Entry{}}
}

// Sync makes the cache equal to the store's pending rows due at or after now.
// The cache is left untouched when the store fails. It returns the entry count.
func (c *Cache) Sync(ctx context.Context, st PendingLister, now time.Time) (int, error) {
	rows, err := st.FindAllPending(ctx)
	if err != nil {
		return 0, err
	}
	next := make(map[string]Entry, len(rows))
	for _, t := range rows {
		if t.Status != storage.StatusPending || t.NextExecution.Before(now) {
			continue
		}
		next[t.ID] = FromTask(t)
	}
	c.mu.Lock()
	c.entries = next
	c.mu.Unlock()
	return len(next), nil
}

func (c *Cache) Put(e Entry) {
	c.mu.Lock()
	c.entries[e.ID] = e
	c.mu.Unlock()
}

func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	delete(c.entries, id)
	return ok
}

func (c *Cache) Get(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e, ok
}

// FindBySeq returns the soonest entry of kind with the given slot number.
// An empty kind matches any kind.
func (c *Cache) FindBySeq(kind string, seq int) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var (
		best  Entry
		found bool
	)
	for _, e := range c.entries {
		if e.Seq != seq || (kind != "" && e.Kind != kind) {
			continue
		}
		if !found || e.NextExecution.Before(best.NextExecution) {
			best, found = e, true
		}
	}
	return best, found
}

// SetTargetType updates the hint of a cached entry.
func (c *Cache) SetTargetType(id, targetType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	e.TargetType = targetType
	c.entries[id] = e
	return true
}

// Snapshot returns the entries, soonest first.
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextExecution.Equal(out[j].NextExecution) {
			return out[i].NextExecution.Before(out[j].NextExecution)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) CountKind(kind string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = map[string]Entry{}
	return n
}
