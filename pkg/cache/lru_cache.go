package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/netsec-ethz/fpki-validator/pkg/common"
)

// LruCache is a bounded map from content IDs to values. The least recently used entry is
// evicted first.
type LruCache[V any] struct {
	cache *lru.Cache[common.SHA256Output, V]
}

func NewLruCache[V any](size int) (*LruCache[V], error) {
	c, err := lru.New[common.SHA256Output, V](size)
	if err != nil {
		return nil, err
	}
	return &LruCache[V]{cache: c}, nil
}

func (c *LruCache[V]) Contains(id *common.SHA256Output) bool {
	return c.cache.Contains(*id)
}

// AddIDs adds the IDs with the zero value.
func (c *LruCache[V]) AddIDs(ids ...*common.SHA256Output) {
	var zero V
	for _, id := range ids {
		c.cache.Add(*id, zero)
	}
}

func (c *LruCache[V]) Add(id common.SHA256Output, value V) {
	c.cache.Add(id, value)
}

func (c *LruCache[V]) Get(id common.SHA256Output) (V, bool) {
	return c.cache.Get(id)
}

func (c *LruCache[V]) Remove(id common.SHA256Output) {
	c.cache.Remove(id)
}

func (c *LruCache[V]) Len() int {
	return c.cache.Len()
}

// Purge removes all entries.
func (c *LruCache[V]) Purge() {
	c.cache.Purge()
}
