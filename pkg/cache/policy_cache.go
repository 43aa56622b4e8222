package cache

import (
	"sync"
	"time"

	mapCommon "github.com/netsec-ethz/fpki-validator/pkg/mapserver/common"
)

// PolicyCacheEntry is the set of verified records one map server returned for a domain.
type PolicyCacheEntry struct {
	Timestamp time.Time // When the records were requested.
	MapServer string
	Records   []*mapCommon.DomainRecord
}

type policyKey struct {
	domain    string
	mapServer string
}

// PolicyCache keeps, per domain and map server, every entry appended since the last Reset.
// The latest entry is computed on read, so a slow writer finishing late never hides a newer
// entry.
type PolicyCache struct {
	mu         sync.Mutex
	entries    map[policyKey][]*PolicyCacheEntry
	generation uint64
	now        func() time.Time
}

func NewPolicyCache() *PolicyCache {
	return &PolicyCache{
		entries: make(map[policyKey][]*PolicyCacheEntry),
		now:     time.Now,
	}
}

// WithClock replaces the clock used to evaluate freshness. Meant for tests.
func (c *PolicyCache) WithClock(now func() time.Time) *PolicyCache {
	c.now = now
	return c
}

// Now returns the time according to the clock of the cache.
func (c *PolicyCache) Now() time.Time {
	return c.now()
}

// Generation identifies the current contents of the cache; it changes with every Reset.
func (c *PolicyCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Append stores a new entry for domain, unless the cache was reset after generation was
// read. Returns true if the entry was stored.
func (c *PolicyCache) Append(domain string, generation uint64, entry *PolicyCacheEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return false
	}
	key := policyKey{domain: domain, mapServer: entry.MapServer}
	c.entries[key] = append(c.entries[key], entry)
	return true
}

// Latest returns the entry with the newest timestamp for domain and map server.
func (c *PolicyCache) Latest(domain, mapServer string) (*PolicyCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var latest *PolicyCacheEntry
	for _, e := range c.entries[policyKey{domain: domain, mapServer: mapServer}] {
		if latest == nil || e.Timestamp.After(latest.Timestamp) {
			latest = e
		}
	}
	return latest, latest != nil
}

// Fresh returns the latest entry if now - timestamp < timeout - slack.
func (c *PolicyCache) Fresh(domain, mapServer string, timeout, slack time.Duration) (
	*PolicyCacheEntry, bool) {

	latest, ok := c.Latest(domain, mapServer)
	if !ok {
		return nil, false
	}
	if c.now().Sub(latest.Timestamp) < timeout-slack {
		return latest, true
	}
	return nil, false
}

// Len returns the number of entries, superseded ones included.
func (c *PolicyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entries := range c.entries {
		n += len(entries)
	}
	return n
}

// Reset removes all entries. Entries appended with an older generation are dropped.
func (c *PolicyCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[policyKey][]*PolicyCacheEntry)
	c.generation++
}
