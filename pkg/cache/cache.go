// Package cache is the bounded in-memory policy and spending cache that
// keeps the gateway deciding when the policy store is unreachable
// (degraded mode). Entries expire on a TTL and are evicted LRU when the
// cache is full; invalidation is explicit, driven by policy.changes events.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/caracal-sh/caracal/pkg/policy"
	"github.com/caracal-sh/caracal/pkg/scope"
)

// Entry is one cached policy with its freshness bookkeeping.
type Entry struct {
	Policy    *policy.Policy
	CachedAt  time.Time
	ExpiresAt time.Time
}

// Age returns how stale the entry is at now, reported to callers in the
// degraded-mode response header.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.CachedAt) }

// SpendingSketch is the per-principal recent-spend summary kept for the
// legacy budget compatibility layer.
type SpendingSketch struct {
	PrincipalID string    `json:"principal_id"`
	WindowStart time.Time `json:"window_start"`
	TotalCost   int64     `json:"total_cost"` // cents
	EventCount  int64     `json:"event_count"`
}

// Stats is the monitoring surface exposed on /stats.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Size          int   `json:"size"`
	MaxEntries    int   `json:"max_entries"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
}

// HitRate is hits over lookups, 0 when the cache is cold.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type cacheItem struct {
	principalID string
	entry       Entry
	element     *list.Element
}

// PolicyCache is a TTL + LRU map keyed by principal id. A single mutex
// guards both maps and the LRU list; nothing else is ever locked while it
// is held, so invalidation and put cannot deadlock.
type PolicyCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	max      int
	items    map[string]*cacheItem
	lru      *list.List // front = most recent
	spending map[string]SpendingSketch
	now      func() time.Time

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64
}

// New builds a cache with the given TTL and entry bound.
func New(ttl time.Duration, maxEntries int) *PolicyCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &PolicyCache{
		ttl:      ttl,
		max:      maxEntries,
		items:    make(map[string]*cacheItem),
		lru:      list.New(),
		spending: make(map[string]SpendingSketch),
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (c *PolicyCache) WithClock(now func() time.Time) *PolicyCache {
	c.now = now
	return c
}

// Get returns the cached entry for principalID, or ok=false on a miss or
// an expired entry. Expired entries are dropped on the way out.
func (c *PolicyCache) Get(principalID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[principalID]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	if c.now().After(item.entry.ExpiresAt) {
		c.removeLocked(principalID)
		c.misses++
		return Entry{}, false
	}

	c.lru.MoveToFront(item.element)
	c.hits++
	return item.entry, true
}

// Put caches pol for its principal, evicting the least recently used entry
// when full.
func (c *PolicyCache) Put(principalID string, pol *policy.Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := Entry{Policy: pol, CachedAt: now, ExpiresAt: now.Add(c.ttl)}

	if item, ok := c.items[principalID]; ok {
		item.entry = entry
		c.lru.MoveToFront(item.element)
		return
	}

	for len(c.items) >= c.max {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(string))
		c.evictions++
	}

	element := c.lru.PushFront(principalID)
	c.items[principalID] = &cacheItem{principalID: principalID, entry: entry, element: element}
}

// Invalidate drops one principal's entry, typically on a policy.changes
// event.
func (c *PolicyCache) Invalidate(principalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[principalID]; ok {
		c.removeLocked(principalID)
		c.invalidations++
	}
}

// InvalidatePattern drops every entry whose principal id matches the glob.
func (c *PolicyCache) InvalidatePattern(pattern string) int {
	compiled, err := scope.Compile(pattern)
	if err != nil {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var victims []string
	for id := range c.items {
		if compiled.Match(id) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		c.removeLocked(id)
		c.invalidations++
	}
	return len(victims)
}

// Clear empties the cache and the spending sketches.
func (c *PolicyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*cacheItem)
	c.lru.Init()
	c.spending = make(map[string]SpendingSketch)
}

// Stats returns a point-in-time copy of the counters.
func (c *PolicyCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Size:          len(c.items),
		MaxEntries:    c.max,
		Evictions:     c.evictions,
		Invalidations: c.invalidations,
	}
}

// RecordSpend folds a metering cost into the principal's spending sketch.
func (c *PolicyCache) RecordSpend(principalID string, cost int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sketch, ok := c.spending[principalID]
	if !ok {
		sketch = SpendingSketch{PrincipalID: principalID, WindowStart: c.now().UTC()}
	}
	sketch.TotalCost += cost
	sketch.EventCount++
	c.spending[principalID] = sketch
}

// Spending returns the principal's sketch, zero-valued when unseen.
func (c *PolicyCache) Spending(principalID string) SpendingSketch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spending[principalID]
}

// Export returns the live (unexpired) cached policies, for persisting
// fallback state across a restart.
func (c *PolicyCache) Export() map[string]*policy.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make(map[string]*policy.Policy, len(c.items))
	for id, item := range c.items {
		if now.After(item.entry.ExpiresAt) {
			continue
		}
		out[id] = item.entry.Policy
	}
	return out
}

// WarmFrom seeds the cache with previously exported policies. Entries get
// a fresh TTL: the point of warming is surviving a restart during a policy
// store outage, and a stale-but-bounded policy beats failing closed.
func (c *PolicyCache) WarmFrom(policies map[string]*policy.Policy) {
	for id, pol := range policies {
		c.Put(id, pol)
	}
}

func (c *PolicyCache) removeLocked(principalID string) {
	if item, ok := c.items[principalID]; ok {
		c.lru.Remove(item.element)
		delete(c.items, principalID)
	}
}
